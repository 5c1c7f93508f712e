package slot

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/track"
)

type staticOrders struct {
	order []string
}

func (s staticOrders) CustomOrder(context.Context, string, channel.EnergyTier) []string {
	return s.order
}

func seedOrdered() *catalog.MemoryStore {
	m := catalog.NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// Ordering fields deliberately disagree so each strategy is
	// distinguishable: track numbers descend, filenames reverse, upload
	// dates ascend.
	for i := 0; i < 4; i++ {
		m.AddTrack(&track.Track{
			ID:           fmt.Sprintf("t%d", i),
			ChannelID:    testChannel,
			TrackNumber:  4 - i,
			StoragePath:  fmt.Sprintf("audio-tracks/%c_take.mp3", 'd'-i),
			UploadedAt:   base.AddDate(0, 0, i),
			EnergyMedium: true,
		})
	}
	return m
}

func newSequencer(m *catalog.MemoryStore) *Sequencer {
	return NewSequencer(NewEngine(m, m, rand.NewSource(5)), nil)
}

func TestSelectFixedOrder(t *testing.T) {
	s := newSequencer(seedOrdered())

	// Sorted by track number: t3 (1), t2 (2), t1 (3), t0 (4).
	want := []string{"t3", "t2", "t1", "t0", "t3"}
	for pos, id := range want {
		sel, err := s.Select(context.Background(), channel.StrategyFixedOrder, testChannel, channel.EnergyMedium, pos, nil)
		if err != nil {
			t.Fatalf("Select(%d): %v", pos, err)
		}
		if sel.TrackID != id {
			t.Errorf("position %d = %q, want %q", pos, sel.TrackID, id)
		}
	}
}

func TestSelectFilenameOrder(t *testing.T) {
	s := newSequencer(seedOrdered())

	// Filenames a_take..d_take belong to t3..t0.
	want := []string{"t3", "t2", "t1", "t0"}
	for pos, id := range want {
		sel, err := s.Select(context.Background(), channel.StrategyFilenameOrder, testChannel, channel.EnergyMedium, pos, nil)
		if err != nil {
			t.Fatalf("Select(%d): %v", pos, err)
		}
		if sel.TrackID != id {
			t.Errorf("position %d = %q, want %q", pos, sel.TrackID, id)
		}
	}
}

func TestSelectUploadOrder(t *testing.T) {
	s := newSequencer(seedOrdered())

	want := []string{"t0", "t1", "t2", "t3"}
	for pos, id := range want {
		sel, err := s.Select(context.Background(), channel.StrategyUploadOrder, testChannel, channel.EnergyMedium, pos, nil)
		if err != nil {
			t.Fatalf("Select(%d): %v", pos, err)
		}
		if sel.TrackID != id {
			t.Errorf("position %d = %q, want %q", pos, sel.TrackID, id)
		}
	}
}

func TestSelectCustomOrder(t *testing.T) {
	m := seedOrdered()
	s := NewSequencer(NewEngine(m, m, rand.NewSource(5)), staticOrders{order: []string{"t1", "t3"}})

	// Curated ids lead; the rest keep relative order at the end.
	sel, err := s.Select(context.Background(), channel.StrategyCustomOrder, testChannel, channel.EnergyMedium, 0, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.TrackID != "t1" {
		t.Errorf("position 0 = %q, want curated first id t1", sel.TrackID)
	}
	sel, _ = s.Select(context.Background(), channel.StrategyCustomOrder, testChannel, channel.EnergyMedium, 1, nil)
	if sel.TrackID != "t3" {
		t.Errorf("position 1 = %q, want curated second id t3", sel.TrackID)
	}
}

func TestSelectCustomOrderFallsBackToFixed(t *testing.T) {
	s := newSequencer(seedOrdered()) // no order provider

	sel, err := s.Select(context.Background(), channel.StrategyCustomOrder, testChannel, channel.EnergyMedium, 0, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.TrackID != "t3" {
		t.Errorf("position 0 = %q, want fixed-order fallback t3", sel.TrackID)
	}
}

func TestSelectShuffleAvoidsRecent(t *testing.T) {
	m := catalog.NewMemoryStore()
	for i := 0; i < 10; i++ {
		m.AddTrack(&track.Track{ID: fmt.Sprintf("t%02d", i), ChannelID: testChannel, EnergyMedium: true})
	}
	s := newSequencer(m)

	var history []string
	for pos := 0; pos < 30; pos++ {
		sel, err := s.Select(context.Background(), channel.StrategyShuffle, testChannel, channel.EnergyMedium, pos, history)
		if err != nil {
			t.Fatalf("Select(%d): %v", pos, err)
		}
		recent := history
		if len(recent) > DefaultShuffleWindow {
			recent = recent[len(recent)-DefaultShuffleWindow:]
		}
		for _, id := range recent {
			if id == sel.TrackID {
				t.Fatalf("position %d repeated %q within the shuffle window", pos, sel.TrackID)
			}
		}
		history = append(history, sel.TrackID)
	}
}

func TestSelectWeightedRandomPrefersHeavy(t *testing.T) {
	m := catalog.NewMemoryStore()
	m.AddTrack(&track.Track{ID: "heavy", ChannelID: testChannel, EnergyMedium: true, Weight: 1e9})
	m.AddTrack(&track.Track{ID: "light", ChannelID: testChannel, EnergyMedium: true, Weight: 1})
	s := newSequencer(m)

	hits := 0
	for pos := 0; pos < 20; pos++ {
		// No history: the repeat window must not mask the weights.
		sel, err := s.Select(context.Background(), channel.StrategyWeightedRandom, testChannel, channel.EnergyMedium, pos, nil)
		if err != nil {
			t.Fatalf("Select(%d): %v", pos, err)
		}
		if sel.TrackID == "heavy" {
			hits++
		}
	}
	if hits < 19 {
		t.Errorf("heavy track picked %d/20 times, expected near-certainty", hits)
	}
}

func TestSelectTierFilter(t *testing.T) {
	m := catalog.NewMemoryStore()
	m.AddTrack(&track.Track{ID: "lowOnly", ChannelID: testChannel, EnergyLow: true, TrackNumber: 1})
	m.AddTrack(&track.Track{ID: "medOnly", ChannelID: testChannel, EnergyMedium: true, TrackNumber: 2})
	s := newSequencer(m)

	sel, err := s.Select(context.Background(), channel.StrategyFixedOrder, testChannel, channel.EnergyLow, 0, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.TrackID != "lowOnly" {
		t.Errorf("low tier selected %q, want lowOnly", sel.TrackID)
	}

	sel, err = s.Select(context.Background(), channel.StrategyFixedOrder, testChannel, channel.EnergyMedium, 0, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.TrackID != "medOnly" {
		t.Errorf("medium tier selected %q, want medOnly", sel.TrackID)
	}
}
