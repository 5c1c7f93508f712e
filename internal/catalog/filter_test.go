package catalog

import (
	"testing"
	"time"

	"github.com/driftfm/driftfm/internal/track"
)

func sampleTrack() *track.Track {
	return &track.Track{
		ID:           "t1",
		ChannelID:    "deep-focus",
		Title:        "Slow Tide",
		Artist:       "Low Field",
		StoragePath:  "audio-tracks/slow_tide.mp3",
		Duration:     245.5,
		TrackNumber:  3,
		Tempo:        72,
		EnergyLow:    true,
		EnergyMedium: true,
		Brightness:   0.4,
		Density:      0.3,
		Mood:         "calm",
		UploadedAt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string match", Filter{Field: "mood", Op: OpEq, Value: "calm"}, true},
		{"eq string miss", Filter{Field: "mood", Op: OpEq, Value: "bright"}, false},
		{"eq number match", Filter{Field: "tempo", Op: OpEq, Value: 72.0}, true},
		{"eq int value against float field", Filter{Field: "tempo", Op: OpEq, Value: 72}, true},
		{"eq bool match", Filter{Field: "energy_low", Op: OpEq, Value: true}, true},
		{"neq", Filter{Field: "mood", Op: OpNeq, Value: "bright"}, true},
		{"contains match", Filter{Field: "title", Op: OpContains, Value: "Tide"}, true},
		{"contains case insensitive", Filter{Field: "title", Op: OpContains, Value: "tide"}, true},
		{"contains miss", Filter{Field: "title", Op: OpContains, Value: "storm"}, false},
		{"between inclusive low", Filter{Field: "tempo", Op: OpBetween, Value: 72, Value2: 90}, true},
		{"between inclusive high", Filter{Field: "tempo", Op: OpBetween, Value: 60, Value2: 72}, true},
		{"between outside", Filter{Field: "tempo", Op: OpBetween, Value: 80, Value2: 90}, false},
		{"gt true", Filter{Field: "tempo", Op: OpGt, Value: 70}, true},
		{"gt boundary", Filter{Field: "tempo", Op: OpGt, Value: 72}, false},
		{"gte boundary", Filter{Field: "tempo", Op: OpGte, Value: 72}, true},
		{"lt", Filter{Field: "brightness", Op: OpLt, Value: 0.5}, true},
		{"lte boundary", Filter{Field: "brightness", Op: OpLte, Value: 0.4}, true},
		{"is_null on set field", Filter{Field: "mood", Op: OpIsNull}, false},
		{"not_null on set field", Filter{Field: "mood", Op: OpNotNull}, true},
		{"unknown field", Filter{Field: "nope", Op: OpEq, Value: "x"}, false},
	}

	tr := sampleTrack()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tr); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterNullOps(t *testing.T) {
	tr := sampleTrack()
	tr.Mood = ""

	if !(Filter{Field: "mood", Op: OpIsNull}).Match(tr) {
		t.Error("is_null should match an empty string field")
	}
	if (Filter{Field: "mood", Op: OpNotNull}).Match(tr) {
		t.Error("not_null should not match an empty string field")
	}
}

func TestMatchAll(t *testing.T) {
	tr := sampleTrack()
	filters := []Filter{
		{Field: "energy_low", Op: OpEq, Value: true},
		{Field: "tempo", Op: OpLt, Value: 80},
	}
	if !MatchAll(filters, tr) {
		t.Error("all filters match, MatchAll should be true")
	}

	filters = append(filters, Filter{Field: "mood", Op: OpEq, Value: "bright"})
	if MatchAll(filters, tr) {
		t.Error("one filter misses, MatchAll should be false")
	}

	if !MatchAll(nil, tr) {
		t.Error("empty filter set matches everything")
	}
}
