package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftfm/driftfm/internal/storagecdn"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const manifestTimeout = 10 * time.Second

// HLSEngine plays manifest-based sources. The media playlist is fetched
// and its segments downloaded in order into a single buffer before the
// engine reports ready; adaptive variant selection picks the first
// (highest-priority) variant of a master playlist.
type HLSEngine struct {
	*playbackCore

	resolver storagecdn.Resolver
	client   *resty.Client
	segments *http.Client

	prefetchMu sync.Mutex
	prefetched struct {
		trackID string
		data    []byte
	}
	prefetchInFlight bool
}

// NewHLSEngine creates an HLS-capable engine.
func NewHLSEngine(resolver storagecdn.Resolver, clock Clock) *HLSEngine {
	return &HLSEngine{
		playbackCore: newPlaybackCore(clock),
		resolver:     resolver,
		client:       resty.New().SetTimeout(manifestTimeout),
		segments:     newStreamClient(),
	}
}

// LoadTrack resolves the path to a manifest, assembles its segments, and
// mounts the result. Loading the mounted track again is a no-op.
func (e *HLSEngine) LoadTrack(ctx context.Context, trackID, storagePath string, meta TrackMeta) error {
	if current, state := e.loadedTrackID(); current == trackID &&
		(state == StatePaused || state == StatePlaying) {
		log.Debug().Str("track", trackID).Msg("Track already loaded, skipping reload")
		return nil
	}

	if !e.breaker.allow() {
		return e.reportError(trackID, ErrBreakerOpen)
	}

	e.setState(StateLoading)

	data := e.takePrefetched(trackID)
	if data == nil {
		var err error
		data, err = e.fetch(ctx, storagePath)
		if err != nil {
			return e.reportError(trackID, err)
		}
	}

	rc := readSeekCloser{bytes.NewReader(data)}
	if err := e.install(trackID, meta, rc, "HLS"); err != nil {
		return e.reportError(trackID, err)
	}
	return nil
}

// PrefetchNext assembles the upcoming track's segments in the
// background. Best effort: failures are logged at debug and the next
// LoadTrack simply assembles again.
func (e *HLSEngine) PrefetchNext(trackID, storagePath string) {
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
			log.Debug().Err(err).Str("track", trackID).Msg("HLS prefetch failed")
		} else {
			log.Debug().Str("track", trackID).Int("bytes", len(data)).Msg("HLS source prefetched")
		}
	}()
}

func (e *HLSEngine) takePrefetched(trackID string) []byte {
	e.prefetchMu.Lock()
	defer e.prefetchMu.Unlock()
	if e.prefetched.trackID != trackID || e.prefetched.data == nil {
		return nil
	}
	data := e.prefetched.data
	e.prefetched.trackID = ""
	e.prefetched.data = nil
	log.Debug().Str("track", trackID).Msg("Serving from prefetch buffer")
	return data
}

// fetch resolves the path to a manifest and assembles its segments.
func (e *HLSEngine) fetch(ctx context.Context, storagePath string) ([]byte, error) {
	src, err := e.resolver.Resolve(ctx, storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", storagePath, err)
	}
	return e.assemble(ctx, src.URL)
}

// assemble downloads the manifest (following one level of master ->
// media playlist indirection) and concatenates its segments.
func (e *HLSEngine) assemble(ctx context.Context, manifestURL string) ([]byte, error) {
	uris, master, err := e.fetchManifest(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	if master {
		if len(uris) == 0 {
			return nil, fmt.Errorf("master playlist has no variants")
		}
		uris, _, err = e.fetchManifest(ctx, uris[0])
		if err != nil {
			return nil, err
		}
	}
	if len(uris) == 0 {
		return nil, fmt.Errorf("media playlist has no segments")
	}

	var buf bytes.Buffer
	for i, segURL := range uris {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create segment request: %w", err)
		}
		resp, err := e.segments.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch segment %d: %w", i, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to read segment %d: %w", i, err)
		}
		resp.Body.Close()
	}

	log.Debug().Int("segments", len(uris)).Int("bytes", buf.Len()).Msg("HLS source assembled")
	return buf.Bytes(), nil
}

// fetchManifest returns the non-comment URIs of a playlist, resolved
// against the manifest URL, and whether it is a master playlist.
func (e *HLSEngine) fetchManifest(ctx context.Context, manifestURL string) ([]string, bool, error) {
	resp, err := e.client.R().SetContext(ctx).Get(manifestURL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, false, &httpStatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, false, fmt.Errorf("bad manifest url: %w", err)
	}

	body := string(resp.Body())
	master := strings.Contains(body, "#EXT-X-STREAM-INF")

	var uris []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			log.Debug().Str("line", line).Msg("Skipping unparsable playlist entry")
			continue
		}
		uris = append(uris, base.ResolveReference(ref).String())
	}
	return uris, master, nil
}
