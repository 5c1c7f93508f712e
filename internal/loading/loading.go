// Package loading coordinates user-visible loading feedback with the
// asynchronous reality of network fetches and audio buffering. It
// guarantees a minimum visible duration, exactly-once completion per
// request, timeout-based error fallback, and stale-request rejection.
package loading

import (
	"sync"
	"time"

	"github.com/driftfm/driftfm/internal/engine"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status is the externally visible machine state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusPlaying Status = "playing"
	StatusError   Status = "error"
)

// Trigger records what started a loading request.
type Trigger string

const (
	TriggerChannelSwitch Trigger = "channel_switch"
	TriggerEnergyChange  Trigger = "energy_change"
	TriggerInitialPlay   Trigger = "initial_play"
)

// ErrorReason distinguishes a silent timeout from a reported playback
// failure.
type ErrorReason string

const (
	ReasonNone          ErrorReason = ""
	ReasonNoAudio       ErrorReason = "no_audio"
	ReasonPlaybackError ErrorReason = "playback_error"
)

const (
	// DefaultMinVisible keeps the loading screen up for a calm,
	// consistent duration even when the network is instant. A fast load
	// must not flash the screen.
	DefaultMinVisible = 4000 * time.Millisecond
	// DefaultMaxWait bounds how long a request may stay loading.
	DefaultMaxWait = 10 * time.Second
	// DefaultPollInterval is the audibility poll cadence.
	DefaultPollInterval = 250 * time.Millisecond
	// playingGrace is how long the terminal playing status stays
	// readable before the machine resets to idle.
	playingGrace = 1500 * time.Millisecond

	// audibleTimeThreshold is how far a source must have advanced to
	// count as actually playing.
	audibleTimeThreshold = 0.05 // seconds
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SourceProvider exposes the engine's sources for audibility detection.
type SourceProvider interface {
	Sources() []engine.SourceState
}

// SourceFunc adapts a function to SourceProvider, for callers that need
// to resolve the provider late or indirect through a replaceable engine.
type SourceFunc func() []engine.SourceState

func (f SourceFunc) Sources() []engine.SourceState { return f() }

// Request is one ephemeral loading attempt. Exactly one request is
// active at a time; superseded requests become inert.
type Request struct {
	ID        string
	Trigger   Trigger
	ChannelID string
	Tier      string
	TrackID   string
	StartedAt time.Time

	// oldSources are the track ids audible when the request started.
	// They are ignored during detection so a still-playing previous
	// track is not mistaken for the new one. Silent or uninitialized
	// sources (duration unknown or zero) are excluded from the snapshot
	// so the very first track after a cold start is detectable.
	oldSources map[string]struct{}

	completed bool
	ttfa      time.Duration
}

// Snapshot is a read-only view for UI and test consumers.
type Snapshot struct {
	Status    Status
	Reason    ErrorReason
	RequestID string
	Trigger   Trigger
	ChannelID string
	Tier      string
	TrackID   string
	TTFA      time.Duration
}

// Machine is the loading state machine.
type Machine struct {
	mu       sync.Mutex
	status   Status
	reason   ErrorReason
	active   *Request
	lastTTFA time.Duration

	minVisible   time.Duration
	maxWait      time.Duration
	pollInterval time.Duration

	provider SourceProvider
	clock    Clock
	// afterFunc schedules deferred transitions; replaced in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer

	// onPlaying fires exactly once per completed request, after the
	// minimum visible duration, with the measured TTFA.
	onPlaying func(req Request, ttfa time.Duration)

	timeoutTimer *time.Timer
	pollStop     chan struct{}
}

// Option configures a Machine.
type Option func(*Machine)

// WithMinVisible overrides the minimum visible loading duration.
func WithMinVisible(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.minVisible = d
		}
	}
}

// WithMaxWait overrides the loading timeout.
func WithMaxWait(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.maxWait = d
		}
	}
}

// WithClock injects a deterministic time source.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithAfterFunc injects the deferred-transition scheduler.
func WithAfterFunc(f func(d time.Duration, fn func()) *time.Timer) Option {
	return func(m *Machine) { m.afterFunc = f }
}

// WithOnPlaying registers the exactly-once completion hook (TTFA
// measurement point).
func WithOnPlaying(f func(req Request, ttfa time.Duration)) Option {
	return func(m *Machine) { m.onPlaying = f }
}

// NewMachine creates a machine polling the given provider.
func NewMachine(provider SourceProvider, opts ...Option) *Machine {
	m := &Machine{
		status:       StatusIdle,
		minVisible:   DefaultMinVisible,
		maxWait:      DefaultMaxWait,
		pollInterval: DefaultPollInterval,
		provider:     provider,
		clock:        realClock{},
		afterFunc:    time.AfterFunc,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a new loading request, superseding any request still
// loading or in error. Returns the fresh request id.
func (m *Machine) Start(trigger Trigger, channelID, tier, trackID string) string {
	m.mu.Lock()

	req := &Request{
		ID:         uuid.NewString(),
		Trigger:    trigger,
		ChannelID:  channelID,
		Tier:       tier,
		TrackID:    trackID,
		StartedAt:  m.clock.Now(),
		oldSources: m.snapshotSources(),
	}

	if m.active != nil {
		log.Debug().Str("old", m.active.ID).Str("new", req.ID).Msg("Loading request superseded")
	}

	m.active = req
	m.status = StatusLoading
	m.reason = ReasonNone

	m.stopPollLocked()
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
	}
	id := req.ID
	m.timeoutTimer = m.afterFunc(m.maxWait, func() { m.timeout(id) })
	m.startPollLocked(id)

	m.mu.Unlock()

	log.Debug().Str("request", id).Str("trigger", string(trigger)).
		Str("channel", channelID).Str("tier", tier).Msg("Loading started")
	return id
}

// snapshotSources collects currently audible source ids. Callers hold mu.
func (m *Machine) snapshotSources() map[string]struct{} {
	old := make(map[string]struct{})
	if m.provider == nil {
		return old
	}
	for _, s := range m.provider.Sources() {
		// A source with unknown or zero duration never produced audio;
		// snapshotting it would mask detection of the first real track.
		if s.Duration <= 0 {
			continue
		}
		old[s.TrackID] = struct{}{}
	}
	return old
}

func (m *Machine) startPollLocked(id string) {
	stop := make(chan struct{})
	m.pollStop = stop
	go func() {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if m.checkAudible(id) {
					return
				}
			}
		}
	}()
}

func (m *Machine) stopPollLocked() {
	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
}

// checkAudible is one poll tick: a new source advancing past the
// threshold with audible volume completes the request.
func (m *Machine) checkAudible(id string) bool {
	m.mu.Lock()
	if m.active == nil || m.active.ID != id || m.provider == nil {
		m.mu.Unlock()
		return true // stale poller, stop
	}
	old := m.active.oldSources
	m.mu.Unlock()

	for _, s := range m.provider.Sources() {
		if _, wasPlaying := old[s.TrackID]; wasPlaying {
			continue
		}
		if s.CurrentTime > audibleTimeThreshold && s.Buffered && s.Volume > 0 && !s.Muted {
			m.Complete(id)
			return true
		}
	}
	return false
}

// Complete signals that the request's new source is audible. Idempotent
// per request id: duplicate signals (poll plus event fallback) fire the
// playing transition and TTFA measurement exactly once; signals for a
// superseded id are no-ops.
func (m *Machine) Complete(id string) {
	m.mu.Lock()

	if m.active == nil || m.active.ID != id || m.active.completed {
		m.mu.Unlock()
		return
	}
	req := m.active
	req.completed = true

	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
	m.stopPollLocked()

	elapsed := m.clock.Now().Sub(req.StartedAt)
	req.ttfa = elapsed

	if elapsed >= m.minVisible {
		m.transitionPlayingLocked(req)
		m.mu.Unlock()
		return
	}

	remaining := m.minVisible - elapsed
	log.Debug().Str("request", id).Dur("remaining", remaining).
		Msg("Holding loading screen for minimum visible duration")
	m.afterFunc(remaining, func() {
		m.mu.Lock()
		if m.active == nil || m.active.ID != id {
			m.mu.Unlock()
			return
		}
		m.transitionPlayingLocked(req)
		m.mu.Unlock()
	})
	m.mu.Unlock()
}

// transitionPlayingLocked moves to playing, reports TTFA, and schedules
// the grace reset back to idle. Callers hold mu.
func (m *Machine) transitionPlayingLocked(req *Request) {
	m.status = StatusPlaying
	m.lastTTFA = req.ttfa
	id := req.ID

	log.Debug().Str("request", id).Dur("ttfa", req.ttfa).Msg("Loading complete")

	if m.onPlaying != nil {
		cb := m.onPlaying
		r := *req
		go cb(r, r.ttfa)
	}

	m.afterFunc(playingGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.active != nil && m.active.ID == id && m.status == StatusPlaying {
			m.status = StatusIdle
			m.active = nil
		}
	})
}

// Fail moves the active request to error with a playback reason. Stale
// ids are no-ops.
func (m *Machine) Fail(id string, reason ErrorReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ID != id || m.active.completed {
		return
	}
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
	m.stopPollLocked()
	m.status = StatusError
	m.reason = reason
	log.Warn().Str("request", id).Str("reason", string(reason)).Msg("Loading failed")
}

func (m *Machine) timeout(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ID != id || m.active.completed {
		return
	}
	m.stopPollLocked()
	m.status = StatusError
	m.reason = ReasonNoAudio
	log.Warn().Str("request", id).Dur("maxWait", m.maxWait).Msg("Loading timed out with no audio")
}

// Dismiss clears an error state. Errors never auto-recover: silently
// dismissing a failure would hide a real problem.
func (m *Machine) Dismiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusError {
		return
	}
	m.status = StatusIdle
	m.reason = ReasonNone
	m.active = nil
}

// ActiveID returns the current request id, or "" when idle.
func (m *Machine) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.ID
}

// Snapshot returns the externally visible state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Status: m.status,
		Reason: m.reason,
		TTFA:   m.lastTTFA,
	}
	if m.active != nil {
		snap.RequestID = m.active.ID
		snap.Trigger = m.active.Trigger
		snap.ChannelID = m.active.ChannelID
		snap.Tier = m.active.Tier
		snap.TrackID = m.active.TrackID
	}
	return snap
}
