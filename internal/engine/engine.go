// Package engine defines the audio engine contract the orchestrator
// drives, plus two concrete implementations: a speaker-backed engine for
// direct streams and an HLS engine for manifest-based sources.
package engine

import (
	"context"
	"time"
)

// State is the lifecycle of one engine instance.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePaused // buffered and ready, not yet audible
	StatePlaying
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoading:
		return "LOADING"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// TrackMeta is display metadata passed along with a load.
type TrackMeta struct {
	Title    string
	Artist   string
	Duration float64 // seconds, when known up front
}

// CrossfadeMode selects the envelope applied at track boundaries.
type CrossfadeMode string

const (
	CrossfadeFull     CrossfadeMode = "full"      // fade both out and in
	CrossfadeHeadTail CrossfadeMode = "head_tail" // fade in at head only
)

// Diagnostics is a periodic snapshot pushed through OnDiagnostics.
type Diagnostics struct {
	BufferHealth      int // 0..100
	RetryableFailures int // consecutive load failures seen by the breaker
	BreakerState      string
	SessionDuration   time.Duration
	StreamFormat      string
	StreamSampleRate  int
}

// SourceState describes one playable source the engine currently owns,
// for audibility detection. Engines report the active source and, when
// prepared, the prefetched one.
type SourceState struct {
	TrackID     string
	CurrentTime float64 // seconds actually advanced
	Duration    float64 // 0 while unknown (uninitialized source)
	Buffered    bool
	Volume      float64 // 0..1 effective output level
	Muted       bool
}

// Callbacks deliver engine lifecycle events. All fields are optional.
type Callbacks struct {
	OnTrackLoad   func(trackID string)
	OnTrackEnd    func(trackID string)
	OnDiagnostics func(d Diagnostics)
	// OnError reports a failure with its category and whether the
	// orchestrator may retry the same source.
	OnError func(err error, category ErrorCategory, canRetry bool)
}

// AudioEngine abstracts a single media-playback primitive. Exactly one
// owner (the orchestrator) calls its mutating methods; implementations
// are still safe for concurrent state reads.
//
// LoadTrack transitions * -> loading and, on success, loading -> paused:
// buffered and ready but silent until Play. Loading an already-loaded
// track id is a no-op.
type AudioEngine interface {
	LoadTrack(ctx context.Context, trackID, storagePath string, meta TrackMeta) error
	Play()
	Pause()
	Stop()
	Seek(t time.Duration) error
	SetVolume(percent int)
	Volume() int
	CurrentTime() time.Duration
	Duration() time.Duration
	IsPlaying() bool
	State() State

	// PrefetchNext prepares (never plays) the next source. Best effort,
	// non-blocking; failures surface only in debug logs.
	PrefetchNext(trackID, storagePath string)

	SetCrossfade(enabled bool, mode CrossfadeMode, d time.Duration)
	SetCallbacks(cb Callbacks)

	// Sources reports the engine's current sources for audibility
	// detection.
	Sources() []SourceState

	Destroy()
}
