package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/track"
)

// MemoryStore is an in-memory Store. It backs tests and small embedded
// deployments where the catalog is loaded once at startup.
type MemoryStore struct {
	mu         sync.RWMutex
	tracks     map[string]*track.Track
	channels   map[string]*channel.Channel
	strategies map[string]*Strategy      // channelID:tier
	states     map[string]*PlaybackState // userID:channelID:tier
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tracks:     make(map[string]*track.Track),
		channels:   make(map[string]*channel.Channel),
		strategies: make(map[string]*Strategy),
		states:     make(map[string]*PlaybackState),
	}
}

func strategyKey(channelID string, tier channel.EnergyTier) string {
	return channelID + ":" + string(tier)
}

func stateKey(userID, channelID string, tier channel.EnergyTier) string {
	return userID + ":" + channelID + ":" + string(tier)
}

// AddTrack inserts or replaces a track.
func (m *MemoryStore) AddTrack(t *track.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[t.ID] = t
}

// AddChannel inserts or replaces a channel.
func (m *MemoryStore) AddChannel(c *channel.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.ID] = c
}

// AddStrategy inserts or replaces the strategy for its (channel, tier).
func (m *MemoryStore) AddStrategy(s *Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[strategyKey(s.ChannelID, channel.EnergyTier(s.Tier))] = s
}

// PutTrack implements Writer.
func (m *MemoryStore) PutTrack(_ context.Context, t *track.Track) error {
	m.AddTrack(t)
	return nil
}

// PutChannel implements Writer.
func (m *MemoryStore) PutChannel(_ context.Context, c *channel.Channel) error {
	m.AddChannel(c)
	return nil
}

// PutStrategy implements Writer.
func (m *MemoryStore) PutStrategy(_ context.Context, s *Strategy) error {
	m.AddStrategy(s)
	return nil
}

func (m *MemoryStore) GetTrack(_ context.Context, id string) (*track.Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tracks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) GetTracks(_ context.Context, ids []string) ([]*track.Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*track.Track, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.tracks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) QueryTracks(_ context.Context, q TrackQuery) ([]*track.Track, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*track.Track
	for _, t := range m.tracks {
		if q.ChannelID != "" && t.ChannelID != q.ChannelID {
			continue
		}
		if !q.IncludeDeleted && t.Deleted() {
			continue
		}
		if !MatchAll(q.Filters, t) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *MemoryStore) GetChannel(_ context.Context, id string) (*channel.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ListChannels(_ context.Context) ([]*channel.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryStore) GetStrategy(_ context.Context, channelID string, tier channel.EnergyTier) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[strategyKey(channelID, tier)]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetState(_ context.Context, userID, channelID string, tier channel.EnergyTier) (*PlaybackState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[stateKey(userID, channelID, tier)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *MemoryStore) PutState(_ context.Context, st *PlaybackState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	cp.UpdatedAt = time.Now()
	m.states[stateKey(st.UserID, st.ChannelID, st.Tier)] = &cp
	return nil
}

func (m *MemoryStore) DeleteState(_ context.Context, userID, channelID string, tier channel.EnergyTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateKey(userID, channelID, tier))
	return nil
}
