package catalog

import "github.com/driftfm/driftfm/internal/track"

// BoostMode determines how a boost adjusts a candidate's weight.
type BoostMode string

const (
	BoostAdd      BoostMode = "add"
	BoostMultiply BoostMode = "multiply"
)

// Boost nudges the selection weight of candidates matching a filter
// without making the filter a hard requirement.
type Boost struct {
	Filter Filter    `json:"filter"`
	Mode   BoostMode `json:"mode"`
	Weight float64   `json:"weight"`
}

// SlotDef configures one position in the repeating slot cycle.
type SlotDef struct {
	Index   int      `json:"index"` // in [0, NumSlots)
	Targets []Filter `json:"targets"`
	Boosts  []Boost  `json:"boosts,omitempty"`
}

// RuleLogic combines the rules inside a group.
type RuleLogic string

const (
	RuleAnd RuleLogic = "AND"
	RuleOr  RuleLogic = "OR"
)

// RuleGroup is a set of filters combined by Logic. All groups of a
// strategy must pass for a track to be globally eligible; within a group
// the rules combine per the group's own logic.
type RuleGroup struct {
	Logic RuleLogic `json:"logic"`
	Rules []Filter  `json:"rules"`
}

// Eligible evaluates the group against a track.
func (g RuleGroup) Eligible(t *track.Track) bool {
	if len(g.Rules) == 0 {
		return true
	}
	for _, r := range g.Rules {
		ok := r.Match(t)
		if g.Logic == RuleOr {
			if ok {
				return true
			}
		} else if !ok {
			return false
		}
	}
	return g.Logic != RuleOr
}

// Strategy is the full slot configuration for one (channel, energy tier)
// pair.
type Strategy struct {
	ChannelID          string      `json:"channel_id"`
	Tier               string      `json:"energy_tier"`
	NumSlots           int         `json:"num_slots"`            // default 20
	RecentRepeatWindow int         `json:"recent_repeat_window"` // minimum intervening plays
	Slots              []SlotDef   `json:"slots"`
	RuleGroups         []RuleGroup `json:"rule_groups,omitempty"`
}

// DefaultNumSlots is the cycle length used when a strategy row omits one.
const DefaultNumSlots = 20

// SlotFor returns the slot definition for an absolute playback position,
// or nil when no definition covers the computed index.
func (s *Strategy) SlotFor(position int) *SlotDef {
	n := s.NumSlots
	if n <= 0 {
		n = DefaultNumSlots
	}
	idx := position % n
	for i := range s.Slots {
		if s.Slots[i].Index == idx {
			return &s.Slots[i]
		}
	}
	return nil
}

// SlotIndex maps an absolute position onto the cycle.
func (s *Strategy) SlotIndex(position int) int {
	n := s.NumSlots
	if n <= 0 {
		n = DefaultNumSlots
	}
	return position % n
}
