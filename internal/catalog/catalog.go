// Package catalog provides the query surface the playback core reads
// tracks, channels, strategies, and playback state through. Two
// implementations ship with it: an in-memory store for tests and
// embedding, and a SQLite store for the daemon.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/track"
)

var (
	// ErrNotFound is returned for point lookups that match nothing.
	ErrNotFound = errors.New("catalog: not found")
)

// PlaybackState records where a (user, channel, tier) combination left
// off. Upserted on the composite key; never auto-deleted under the
// Continue policy.
type PlaybackState struct {
	UserID      string             `json:"user_id"`
	ChannelID   string             `json:"channel_id"`
	Tier        channel.EnergyTier `json:"energy_tier"`
	Position    int                `json:"last_position"` // absolute position in the slot cycle
	LastTrackID string             `json:"last_track_id"`
	SessionID   string             `json:"session_id"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// TrackQuery narrows a track listing.
type TrackQuery struct {
	ChannelID      string
	Filters        []Filter
	IncludeDeleted bool
}

// TrackStore is the read surface over the track catalog.
type TrackStore interface {
	GetTrack(ctx context.Context, id string) (*track.Track, error)
	// GetTracks resolves many ids in one round trip, preserving input
	// order. Missing ids are skipped, not errors.
	GetTracks(ctx context.Context, ids []string) ([]*track.Track, error)
	QueryTracks(ctx context.Context, q TrackQuery) ([]*track.Track, error)
}

// ChannelStore is the read surface over channels.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (*channel.Channel, error)
	ListChannels(ctx context.Context) ([]*channel.Channel, error)
}

// StrategyStore loads the slot strategy for a (channel, tier) pair.
// Absence of a strategy row is ErrNotFound, a configuration error the
// caller surfaces without crashing.
type StrategyStore interface {
	GetStrategy(ctx context.Context, channelID string, tier channel.EnergyTier) (*Strategy, error)
}

// StateStore persists playback positions keyed (user, channel, tier).
type StateStore interface {
	GetState(ctx context.Context, userID, channelID string, tier channel.EnergyTier) (*PlaybackState, error)
	PutState(ctx context.Context, st *PlaybackState) error
	DeleteState(ctx context.Context, userID, channelID string, tier channel.EnergyTier) error
}

// Store bundles the four read/write surfaces the orchestrator needs.
type Store interface {
	TrackStore
	ChannelStore
	StrategyStore
	StateStore
}

// Writer is the ingestion surface used by catalog sync. Playback code
// never writes through it.
type Writer interface {
	PutChannel(ctx context.Context, c *channel.Channel) error
	PutTrack(ctx context.Context, t *track.Track) error
	PutStrategy(ctx context.Context, st *Strategy) error
}
