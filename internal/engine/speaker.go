package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/driftfm/driftfm/internal/storagecdn"
	"github.com/rs/zerolog/log"
)

const prefetchTimeout = 60 * time.Second

// SpeakerEngine plays direct and signed CDN sources through the local
// speaker. Sources are fetched fully before the engine reports ready,
// which makes seek cheap and lets prefetched tracks start instantly.
type SpeakerEngine struct {
	*playbackCore

	resolver storagecdn.Resolver
	client   *http.Client

	prefetchMu sync.Mutex
	prefetched struct {
		trackID string
		data    []byte
	}
	prefetchInFlight bool
}

// NewSpeakerEngine creates an engine resolving sources through the given
// resolver. clock may be nil for system time.
func NewSpeakerEngine(resolver storagecdn.Resolver, clock Clock) *SpeakerEngine {
	return &SpeakerEngine{
		playbackCore: newPlaybackCore(clock),
		resolver:     resolver,
		client:       newStreamClient(),
	}
}

// LoadTrack fetches, decodes, and mounts a track, leaving the engine
// paused and ready. Loading the track that is already mounted is a no-op.
func (e *SpeakerEngine) LoadTrack(ctx context.Context, trackID, storagePath string, meta TrackMeta) error {
	if current, state := e.loadedTrackID(); current == trackID &&
		(state == StatePaused || state == StatePlaying) {
		log.Debug().Str("track", trackID).Msg("Track already loaded, skipping reload")
		return nil
	}

	if !e.breaker.allow() {
		return e.reportError(trackID, ErrBreakerOpen)
	}

	e.setState(StateLoading)

	data, err := e.takePrefetched(trackID)
	if err != nil || data == nil {
		data, err = e.fetch(ctx, storagePath)
		if err != nil {
			return e.reportError(trackID, err)
		}
	}

	rc := readSeekCloser{bytes.NewReader(data)}
	if err := e.install(trackID, meta, rc, formatLabel(storagePath)); err != nil {
		return e.reportError(trackID, err)
	}
	return nil
}

// PrefetchNext downloads the upcoming track in the background. Best
// effort: failures are logged at debug and the next LoadTrack simply
// fetches again.
func (e *SpeakerEngine) PrefetchNext(trackID, storagePath string) {
	e.prefetchMu.Lock()
	if e.prefetchInFlight || e.prefetched.trackID == trackID {
		e.prefetchMu.Unlock()
		return
	}
	e.prefetchInFlight = true
	e.prefetchMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), prefetchTimeout)
		defer cancel()

		data, err := e.fetch(ctx, storagePath)

		e.prefetchMu.Lock()
		e.prefetchInFlight = false
		if err == nil {
			e.prefetched.trackID = trackID
			e.prefetched.data = data
		}
		e.prefetchMu.Unlock()

		if err != nil {
			log.Debug().Err(err).Str("track", trackID).Msg("Prefetch failed")
		} else {
			log.Debug().Str("track", trackID).Int("bytes", len(data)).Msg("Track prefetched")
		}
	}()
}

func (e *SpeakerEngine) takePrefetched(trackID string) ([]byte, error) {
	e.prefetchMu.Lock()
	defer e.prefetchMu.Unlock()
	if e.prefetched.trackID != trackID || e.prefetched.data == nil {
		return nil, nil
	}
	data := e.prefetched.data
	e.prefetched.trackID = ""
	e.prefetched.data = nil
	log.Debug().Str("track", trackID).Msg("Serving from prefetch buffer")
	return data, nil
}

func (e *SpeakerEngine) fetch(ctx context.Context, storagePath string) ([]byte, error) {
	src, err := e.resolver.Resolve(ctx, storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", storagePath, err)
	}
	if src.Kind == storagecdn.KindHLS {
		return nil, fmt.Errorf("hls source %s requires the hls engine", storagePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read source body: %w", err)
	}
	return data, nil
}

func formatLabel(storagePath string) string {
	if len(storagePath) > 4 && storagePath[len(storagePath)-4:] == ".aac" {
		return "AAC"
	}
	return "MP3"
}
