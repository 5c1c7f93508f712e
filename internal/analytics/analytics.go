// Package analytics ships playback measurements. Recording never blocks
// the playback-critical path: events go into a buffered channel and are
// dropped (with a debug log) when the shipper cannot keep up.
package analytics

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// EventKind enumerates the shipped measurements.
type EventKind string

const (
	EventPlayStart EventKind = "play_start"
	EventPlayEnd   EventKind = "play_end"
	EventTTFA      EventKind = "ttfa"
)

// Event is one analytics record.
type Event struct {
	Kind      EventKind `json:"kind"`
	TrackID   string    `json:"track_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Tier      string    `json:"energy_tier,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Trigger   string    `json:"trigger,omitempty"`
	Position  float64   `json:"position,omitempty"` // seconds into the track at play-end
	Skipped   bool      `json:"skipped,omitempty"`
	TTFAMs    int64     `json:"ttfa_ms,omitempty"`
	At        time.Time `json:"at"`
}

// Sink accepts events fire-and-forget.
type Sink interface {
	Record(ev Event)
	Close()
}

// NopSink discards everything. Used in tests and when no endpoint is
// configured.
type NopSink struct{}

func (NopSink) Record(Event) {}
func (NopSink) Close()       {}

const (
	queueSize    = 256
	shipTimeout  = 10 * time.Second
	flushOnClose = 2 * time.Second
)

// HTTPSink posts events as JSON to an ingest endpoint from a background
// worker.
type HTTPSink struct {
	client   *resty.Client
	endpoint string
	queue    chan Event
	done     chan struct{}
}

// NewHTTPSink creates a sink shipping to the given endpoint.
func NewHTTPSink(endpoint string) *HTTPSink {
	s := &HTTPSink{
		client:   resty.New().SetTimeout(shipTimeout),
		endpoint: endpoint,
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
	}
	go s.worker()
	return s
}

// Record enqueues without blocking; a full queue drops the event.
func (s *HTTPSink) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.queue <- ev:
	default:
		log.Debug().Str("kind", string(ev.Kind)).Msg("Analytics queue full, event dropped")
	}
}

// Close stops the worker after a short drain window.
func (s *HTTPSink) Close() {
	close(s.done)
}

func (s *HTTPSink) worker() {
	for {
		select {
		case ev := <-s.queue:
			s.ship(ev)
		case <-s.done:
			// Drain briefly so a final play-end is not lost.
			deadline := time.After(flushOnClose)
			for {
				select {
				case ev := <-s.queue:
					s.ship(ev)
				case <-deadline:
					return
				default:
					return
				}
			}
		}
	}
}

func (s *HTTPSink) ship(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
	defer cancel()

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(ev).
		Post(s.endpoint)
	if err != nil {
		log.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to ship analytics event")
		return
	}
	if !resp.IsSuccess() {
		log.Debug().Int("status", resp.StatusCode()).Str("kind", string(ev.Kind)).
			Msg("Analytics endpoint rejected event")
	}
}
