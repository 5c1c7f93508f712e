package slot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/track"
)

const testChannel = "deep-focus"

func seedStore(numTracks int) *catalog.MemoryStore {
	m := catalog.NewMemoryStore()
	for i := 0; i < numTracks; i++ {
		m.AddTrack(&track.Track{
			ID:        fmt.Sprintf("t%02d", i),
			ChannelID: testChannel,
			Tempo:     float64(60 + i*10),
			Mood:      "calm",
		})
	}
	return m
}

func TestSelectNextDeterministic(t *testing.T) {
	run := func() []string {
		m := seedStore(10)
		m.AddStrategy(&catalog.Strategy{
			ChannelID: testChannel, Tier: "medium", NumSlots: 20, RecentRepeatWindow: 3,
		})
		e := NewEngine(m, m, rand.NewSource(42))

		var picks []string
		var history []string
		for pos := 0; pos < 8; pos++ {
			sel, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, pos, history)
			if err != nil {
				t.Fatalf("SelectNext(%d): %v", pos, err)
			}
			picks = append(picks, sel.TrackID)
			history = append(history, sel.TrackID)
		}
		return picks
	}

	first := run()
	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed diverged at position %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestSelectNextHonorsRepeatWindow(t *testing.T) {
	m := seedStore(10)
	m.AddStrategy(&catalog.Strategy{
		ChannelID: testChannel, Tier: "medium", NumSlots: 20, RecentRepeatWindow: 5,
	})
	e := NewEngine(m, m, rand.NewSource(7))

	var history []string
	for pos := 0; pos < 30; pos++ {
		sel, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, pos, history)
		if err != nil {
			t.Fatalf("SelectNext(%d): %v", pos, err)
		}
		recent := history
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		for _, id := range recent {
			if id == sel.TrackID {
				t.Fatalf("position %d repeated %q within window %v", pos, sel.TrackID, recent)
			}
		}
		history = append(history, sel.TrackID)
	}
}

func TestSelectNextRelaxesWindowForTinyPool(t *testing.T) {
	m := catalog.NewMemoryStore()
	m.AddTrack(&track.Track{ID: "solo", ChannelID: testChannel})
	m.AddStrategy(&catalog.Strategy{
		ChannelID: testChannel, Tier: "medium", NumSlots: 20, RecentRepeatWindow: 5,
	})
	e := NewEngine(m, m, rand.NewSource(1))

	sel, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, 1, []string{"solo"})
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if sel.TrackID != "solo" {
		t.Errorf("TrackID = %q, want the window relaxed to allow %q", sel.TrackID, "solo")
	}
}

func TestSelectNextSlotTargets(t *testing.T) {
	m := seedStore(10) // tempos 60..150
	m.AddStrategy(&catalog.Strategy{
		ChannelID: testChannel, Tier: "medium", NumSlots: 4,
		Slots: []catalog.SlotDef{
			{Index: 0, Targets: []catalog.Filter{{Field: "tempo", Op: catalog.OpLt, Value: 90}}},
		},
	})
	e := NewEngine(m, m, rand.NewSource(3))

	// Positions 0, 4, 8 map onto slot 0.
	for _, pos := range []int{0, 4, 8} {
		sel, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, pos, nil)
		if err != nil {
			t.Fatalf("SelectNext(%d): %v", pos, err)
		}
		if sel.SlotIndex != 0 {
			t.Fatalf("SlotIndex = %d, want 0", sel.SlotIndex)
		}
		tr, _ := m.GetTrack(context.Background(), sel.TrackID)
		if tr.Tempo >= 90 {
			t.Errorf("position %d picked tempo %v, slot target demands < 90", pos, tr.Tempo)
		}
	}
}

func TestSelectNextRuleGroups(t *testing.T) {
	m := seedStore(5)
	m.AddTrack(&track.Track{ID: "bright", ChannelID: testChannel, Tempo: 70, Mood: "bright"})
	m.AddStrategy(&catalog.Strategy{
		ChannelID: testChannel, Tier: "medium", NumSlots: 20,
		RuleGroups: []catalog.RuleGroup{
			{Logic: catalog.RuleAnd, Rules: []catalog.Filter{{Field: "mood", Op: catalog.OpEq, Value: "calm"}}},
		},
	})
	e := NewEngine(m, m, rand.NewSource(9))

	for pos := 0; pos < 20; pos++ {
		sel, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, pos, nil)
		if err != nil {
			t.Fatalf("SelectNext(%d): %v", pos, err)
		}
		if sel.TrackID == "bright" {
			t.Fatal("rule groups should exclude the bright track entirely")
		}
	}
}

func TestSelectNextBoost(t *testing.T) {
	m := seedStore(5)
	m.AddStrategy(&catalog.Strategy{
		ChannelID: testChannel, Tier: "medium", NumSlots: 1,
		Slots: []catalog.SlotDef{
			{Index: 0, Boosts: []catalog.Boost{{
				Filter: catalog.Filter{Field: "id", Op: catalog.OpEq, Value: "t03"},
				Mode:   catalog.BoostMultiply,
				Weight: 1e9,
			}}},
		},
	})
	e := NewEngine(m, m, rand.NewSource(11))

	hits := 0
	for pos := 0; pos < 20; pos++ {
		sel, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, pos, nil)
		if err != nil {
			t.Fatalf("SelectNext(%d): %v", pos, err)
		}
		if sel.TrackID == "t03" {
			hits++
		}
	}
	if hits < 19 {
		t.Errorf("boosted track picked %d/20 times, expected near-certainty", hits)
	}
}

func TestSelectNextNoStrategy(t *testing.T) {
	m := seedStore(3)
	e := NewEngine(m, m, rand.NewSource(1))

	_, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, 0, nil)
	if !errors.Is(err, ErrNoStrategy) {
		t.Errorf("err = %v, want ErrNoStrategy", err)
	}
}

func TestSelectNextNoCandidates(t *testing.T) {
	m := catalog.NewMemoryStore()
	m.AddStrategy(&catalog.Strategy{ChannelID: testChannel, Tier: "medium", NumSlots: 20})
	e := NewEngine(m, m, rand.NewSource(1))

	_, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, 0, nil)
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("err = %v, want ErrNoCandidates", err)
	}
}

func TestStrategyCacheInvalidation(t *testing.T) {
	m := seedStore(3)
	m.AddStrategy(&catalog.Strategy{ChannelID: testChannel, Tier: "medium", NumSlots: 4})
	e := NewEngine(m, m, rand.NewSource(1))

	sel, err := e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, 5, nil)
	if err != nil {
		t.Fatalf("SelectNext: %v", err)
	}
	if sel.SlotIndex != 1 {
		t.Fatalf("SlotIndex = %d, want 5 mod 4 = 1", sel.SlotIndex)
	}

	// A changed row is invisible until explicit invalidation.
	m.AddStrategy(&catalog.Strategy{ChannelID: testChannel, Tier: "medium", NumSlots: 5})
	sel, _ = e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, 5, nil)
	if sel.SlotIndex != 1 {
		t.Fatalf("SlotIndex = %d, cache should still serve the old cycle", sel.SlotIndex)
	}

	e.Invalidate(testChannel, channel.EnergyMedium)
	sel, _ = e.SelectNext(context.Background(), testChannel, channel.EnergyMedium, 5, nil)
	if sel.SlotIndex != 0 {
		t.Errorf("SlotIndex = %d, want 5 mod 5 = 0 after invalidation", sel.SlotIndex)
	}
}
