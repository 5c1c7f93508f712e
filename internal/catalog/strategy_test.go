package catalog

import (
	"testing"

	"github.com/driftfm/driftfm/internal/track"
)

func TestStrategySlotIndex(t *testing.T) {
	s := &Strategy{NumSlots: 20}

	tests := []struct {
		position int
		want     int
	}{
		{0, 0},
		{5, 5},
		{19, 19},
		{20, 0},
		{37, 17},
		{40, 0},
	}

	for _, tt := range tests {
		if got := s.SlotIndex(tt.position); got != tt.want {
			t.Errorf("SlotIndex(%d) = %d, want %d", tt.position, got, tt.want)
		}
	}
}

func TestStrategySlotIndexDefaultsNumSlots(t *testing.T) {
	s := &Strategy{} // NumSlots omitted in the row
	if got := s.SlotIndex(37); got != 37%DefaultNumSlots {
		t.Errorf("SlotIndex(37) = %d, want %d", got, 37%DefaultNumSlots)
	}
}

func TestStrategySlotFor(t *testing.T) {
	s := &Strategy{
		NumSlots: 4,
		Slots: []SlotDef{
			{Index: 1, Targets: []Filter{{Field: "tempo", Op: OpLt, Value: 80}}},
			{Index: 3},
		},
	}

	if slot := s.SlotFor(5); slot == nil || slot.Index != 1 {
		t.Fatalf("SlotFor(5) = %+v, want slot 1", slot)
	}
	if slot := s.SlotFor(0); slot != nil {
		t.Errorf("SlotFor(0) = %+v, want nil for an undefined slot", slot)
	}
}

func TestRuleGroupEligible(t *testing.T) {
	calm := Filter{Field: "mood", Op: OpEq, Value: "calm"}
	fast := Filter{Field: "tempo", Op: OpGt, Value: 100}

	tr := &track.Track{Mood: "calm", Tempo: 72}

	tests := []struct {
		name  string
		group RuleGroup
		want  bool
	}{
		{"and all pass", RuleGroup{Logic: RuleAnd, Rules: []Filter{calm}}, true},
		{"and one fails", RuleGroup{Logic: RuleAnd, Rules: []Filter{calm, fast}}, false},
		{"or one passes", RuleGroup{Logic: RuleOr, Rules: []Filter{fast, calm}}, true},
		{"or none pass", RuleGroup{Logic: RuleOr, Rules: []Filter{fast}}, false},
		{"empty and", RuleGroup{Logic: RuleAnd}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.group.Eligible(tr); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}
