package slot

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/track"
)

// DefaultShuffleWindow is the no-repeat window applied by the shuffle and
// weighted-random strategies, which have no strategy row to configure one.
const DefaultShuffleWindow = 5

// OrderProvider supplies the user-curated track order for custom-order
// channels. Returns nil when no curated order exists.
type OrderProvider interface {
	CustomOrder(ctx context.Context, channelID string, tier channel.EnergyTier) []string
}

// Sequencer resolves next-track selections for the non-slot strategy
// kinds. Order-based kinds index a stable ordering with position mod
// length; random kinds reuse the engine's weighted draw.
type Sequencer struct {
	engine *Engine
	orders OrderProvider // may be nil
}

// NewSequencer wraps an engine. orders may be nil; custom-order channels
// then fall back to fixed order.
func NewSequencer(engine *Engine, orders OrderProvider) *Sequencer {
	return &Sequencer{engine: engine, orders: orders}
}

// Select picks the track at the given absolute position for any strategy
// kind. Slot strategies delegate to Engine.SelectNext.
func (s *Sequencer) Select(ctx context.Context, kind channel.StrategyKind, channelID string, tier channel.EnergyTier, position int, history []string) (*Selection, error) {
	if kind == channel.StrategySlot {
		return s.engine.SelectNext(ctx, channelID, tier, position, history)
	}

	pool, err := s.engine.tracks.QueryTracks(ctx, catalog.TrackQuery{
		ChannelID: channelID,
		Filters:   tierFilter(tier),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query channel tracks: %w", err)
	}
	if len(pool) == 0 {
		return nil, ErrNoCandidates
	}

	switch kind {
	case channel.StrategyShuffle:
		return s.draw(pool, position, history, true)

	case channel.StrategyWeightedRandom:
		return s.draw(pool, position, history, false)

	case channel.StrategyCustomOrder:
		if s.orders != nil {
			if order := s.orders.CustomOrder(ctx, channelID, tier); len(order) > 0 {
				return pick(reorder(pool, order), position), nil
			}
		}
		fallthrough

	case channel.StrategyFixedOrder:
		sort.Slice(pool, func(i, j int) bool {
			if pool[i].TrackNumber != pool[j].TrackNumber {
				return pool[i].TrackNumber < pool[j].TrackNumber
			}
			return pool[i].ID < pool[j].ID
		})
		return pick(pool, position), nil

	case channel.StrategyFilenameOrder:
		sort.Slice(pool, func(i, j int) bool {
			return path.Base(pool[i].StoragePath) < path.Base(pool[j].StoragePath)
		})
		return pick(pool, position), nil

	case channel.StrategyUploadOrder:
		sort.Slice(pool, func(i, j int) bool {
			if !pool[i].UploadedAt.Equal(pool[j].UploadedAt) {
				return pool[i].UploadedAt.Before(pool[j].UploadedAt)
			}
			return pool[i].ID < pool[j].ID
		})
		return pick(pool, position), nil
	}

	return nil, fmt.Errorf("unknown strategy kind %q", kind)
}

// draw applies the default no-repeat window then a random draw. An empty
// post-window pool relaxes the window, same policy as slots. uniform
// ignores per-track weights (pure shuffle).
func (s *Sequencer) draw(pool []*track.Track, position int, history []string, uniform bool) (*Selection, error) {
	candidates := excludeRecent(pool, history, DefaultShuffleWindow)
	if len(candidates) == 0 {
		candidates = pool
	}
	var chosen *track.Track
	if uniform {
		ordered := make([]*track.Track, len(candidates))
		copy(ordered, candidates)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
		chosen = ordered[s.engine.intn(len(ordered))]
	} else {
		chosen = s.engine.weightedDraw(candidates, nil)
	}
	return &Selection{TrackID: chosen.ID, Position: position}, nil
}

func pick(pool []*track.Track, position int) *Selection {
	t := pool[position%len(pool)]
	return &Selection{TrackID: t.ID, Position: position}
}

// reorder arranges pool by the curated id order; tracks missing from the
// order keep their relative position at the end.
func reorder(pool []*track.Track, order []string) []*track.Track {
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	out := make([]*track.Track, len(pool))
	copy(out, pool)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].ID]
		rj, jok := rank[out[j].ID]
		if iok && jok {
			return ri < rj
		}
		return iok && !jok
	})
	return out
}

// tierFilter limits non-slot pools to tracks flagged for the tier.
func tierFilter(tier channel.EnergyTier) []catalog.Filter {
	var field string
	switch tier {
	case channel.EnergyLow:
		field = "energy_low"
	case channel.EnergyHigh:
		field = "energy_high"
	default:
		field = "energy_medium"
	}
	return []catalog.Filter{{Field: field, Op: catalog.OpEq, Value: true}}
}
