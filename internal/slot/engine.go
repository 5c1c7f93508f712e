// Package slot selects the next track to play for a (channel, energy
// tier) pair. The slot strategy combines a fixed cycle of per-slot
// eligibility filters with weighted-random selection and a no-repeat
// window; simpler order-based strategies share the same entry point.
package slot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/track"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoStrategy means the (channel, tier) pair has no slot strategy
	// configured. A configuration error, not a crash: the caller treats
	// the pair as non-functional for slot playback.
	ErrNoStrategy = errors.New("slot: no strategy configured")
	// ErrNoCandidates means no track satisfies the slot's targets and
	// rule groups, even after relaxing the repeat window.
	ErrNoCandidates = errors.New("slot: no eligible candidates")
)

// Selection is the outcome of one draw.
type Selection struct {
	TrackID   string
	SlotIndex int
	Position  int
}

// Engine computes next-track selections. Strategy rows for a pair are
// loaded once and memoized until Invalidate is called; the cache is never
// expired by time.
type Engine struct {
	tracks     catalog.TrackStore
	strategies catalog.StrategyStore

	mu    sync.Mutex
	cache map[string]*catalog.Strategy
	rng   *rand.Rand
}

// NewEngine creates an engine drawing from the given stores. src may be
// nil for a time-seeded source; tests pass a fixed seed for deterministic
// draws.
func NewEngine(tracks catalog.TrackStore, strategies catalog.StrategyStore, src rand.Source) *Engine {
	if src == nil {
		src = rand.NewSource(rand.Int63())
	}
	return &Engine{
		tracks:     tracks,
		strategies: strategies,
		cache:      make(map[string]*catalog.Strategy),
		rng:        rand.New(src),
	}
}

func cacheKey(channelID string, tier channel.EnergyTier) string {
	return channelID + ":" + string(tier)
}

// Strategy returns the memoized strategy for a pair, loading it on first
// use. ErrNoStrategy is returned when no row exists.
func (e *Engine) Strategy(ctx context.Context, channelID string, tier channel.EnergyTier) (*catalog.Strategy, error) {
	key := cacheKey(channelID, tier)

	e.mu.Lock()
	if s, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	s, err := e.strategies.GetStrategy(ctx, channelID, tier)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNoStrategy
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %s/%s: %w", channelID, tier, err)
	}

	e.mu.Lock()
	e.cache[key] = s
	e.mu.Unlock()

	log.Debug().Str("channel", channelID).Str("tier", string(tier)).
		Int("numSlots", s.NumSlots).Int("repeatWindow", s.RecentRepeatWindow).
		Msg("Strategy loaded")
	return s, nil
}

// Invalidate drops the cached strategy for a pair. Called on explicit
// channel or tier change only.
func (e *Engine) Invalidate(channelID string, tier channel.EnergyTier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, cacheKey(channelID, tier))
}

// SelectNext picks the track for the given absolute position.
//
// Candidates must satisfy the slot's targets, every rule group, must not
// be tombstoned, and must not appear in the trailing RecentRepeatWindow
// entries of history. The window is relaxed only when honoring it would
// leave zero candidates: continuous playback beats strict variety.
func (e *Engine) SelectNext(ctx context.Context, channelID string, tier channel.EnergyTier, position int, history []string) (*Selection, error) {
	strategy, err := e.Strategy(ctx, channelID, tier)
	if err != nil {
		return nil, err
	}

	slotIndex := strategy.SlotIndex(position)
	def := strategy.SlotFor(position)

	var targets []catalog.Filter
	var boosts []catalog.Boost
	if def != nil {
		targets = def.Targets
		boosts = def.Boosts
	}

	pool, err := e.tracks.QueryTracks(ctx, catalog.TrackQuery{
		ChannelID: channelID,
		Filters:   targets,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query slot candidates: %w", err)
	}

	eligible := pool[:0:0]
	for _, t := range pool {
		if ruleGroupsPass(strategy.RuleGroups, t) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoCandidates
	}

	candidates := excludeRecent(eligible, history, strategy.RecentRepeatWindow)
	if len(candidates) == 0 {
		// Pool smaller than the repeat window: allow repeats rather
		// than stall the stream.
		log.Debug().Str("channel", channelID).Int("slot", slotIndex).
			Int("pool", len(eligible)).Msg("Repeat window relaxed")
		candidates = eligible
	}

	chosen := e.weightedDraw(candidates, boosts)

	log.Debug().Str("channel", channelID).Str("tier", string(tier)).
		Int("position", position).Int("slot", slotIndex).
		Int("candidates", len(candidates)).Str("track", chosen.ID).
		Msg("Slot selection")

	return &Selection{TrackID: chosen.ID, SlotIndex: slotIndex, Position: position}, nil
}

func ruleGroupsPass(groups []catalog.RuleGroup, t *track.Track) bool {
	for _, g := range groups {
		if !g.Eligible(t) {
			return false
		}
	}
	return true
}

// excludeRecent drops tracks present in the trailing window of history.
func excludeRecent(pool []*track.Track, history []string, window int) []*track.Track {
	if window <= 0 || len(history) == 0 {
		return pool
	}
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	recent := make(map[string]struct{}, window)
	for _, id := range history[start:] {
		recent[id] = struct{}{}
	}

	out := pool[:0:0]
	for _, t := range pool {
		if _, ok := recent[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// weightedDraw performs a cumulative-weight draw. Base weight is the
// track's own weight (default 1.0), adjusted by each matching boost.
// Candidates are sorted by id first so a fixed seed yields a fixed pick
// regardless of store iteration order.
func (e *Engine) weightedDraw(candidates []*track.Track, boosts []catalog.Boost) *track.Track {
	if len(candidates) == 1 {
		return candidates[0]
	}

	ordered := make([]*track.Track, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	weights := make([]float64, len(ordered))
	var total float64
	for i, t := range ordered {
		w := t.Weight
		if w <= 0 {
			w = 1.0
		}
		for _, b := range boosts {
			if !b.Filter.Match(t) {
				continue
			}
			switch b.Mode {
			case catalog.BoostMultiply:
				w *= b.Weight
			default:
				w += b.Weight
			}
		}
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}

	if total <= 0 {
		return ordered[e.intn(len(ordered))]
	}

	threshold := e.float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if threshold < cum {
			return ordered[i]
		}
	}
	return ordered[len(ordered)-1]
}

func (e *Engine) intn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Intn(n)
}

func (e *Engine) float64() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}
