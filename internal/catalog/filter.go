package catalog

import (
	"strings"
	"time"

	"github.com/driftfm/driftfm/internal/track"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpContains Op = "contains"
	OpBetween  Op = "between"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIsNull   Op = "is_null"
	OpNotNull  Op = "not_null"
)

// Filter is a single field/operator/value predicate over a track.
// For OpBetween, Value is the lower bound and Value2 the upper (inclusive).
type Filter struct {
	Field  string `json:"field"`
	Op     Op     `json:"op"`
	Value  any    `json:"value,omitempty"`
	Value2 any    `json:"value2,omitempty"`
}

// Match evaluates the filter against a track. Unknown fields never match,
// except for null checks where an absent field counts as null.
func (f Filter) Match(t *track.Track) bool {
	v, ok := t.Field(f.Field)

	switch f.Op {
	case OpIsNull:
		return !ok || isZero(v)
	case OpNotNull:
		return ok && !isZero(v)
	}
	if !ok {
		return false
	}

	switch f.Op {
	case OpEq:
		return equal(v, f.Value)
	case OpNeq:
		return !equal(v, f.Value)
	case OpContains:
		s, sok := v.(string)
		sub, subok := f.Value.(string)
		return sok && subok && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	case OpBetween:
		fv, fok := toFloat(v)
		lo, lok := toFloat(f.Value)
		hi, hok := toFloat(f.Value2)
		return fok && lok && hok && fv >= lo && fv <= hi
	case OpGt, OpGte, OpLt, OpLte:
		fv, fok := toFloat(v)
		bound, bok := toFloat(f.Value)
		if !fok || !bok {
			return false
		}
		switch f.Op {
		case OpGt:
			return fv > bound
		case OpGte:
			return fv >= bound
		case OpLt:
			return fv < bound
		default:
			return fv <= bound
		}
	}
	return false
}

// MatchAll reports whether a track satisfies every filter in the slice.
func MatchAll(filters []Filter, t *track.Track) bool {
	for _, f := range filters {
		if !f.Match(t) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	return aok && bok && sa == sb
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case time.Time:
		return float64(n.Unix()), true
	}
	return 0, false
}

func isZero(v any) bool {
	switch n := v.(type) {
	case string:
		return n == ""
	case float64:
		return n == 0
	case bool:
		return false
	case time.Time:
		return n.IsZero()
	case nil:
		return true
	}
	return false
}
