package channel

import "testing"

func TestEnergyTierValid(t *testing.T) {
	for _, tier := range []EnergyTier{EnergyLow, EnergyMedium, EnergyHigh} {
		if !tier.Valid() {
			t.Errorf("%s should be valid", tier)
		}
	}
	for _, tier := range []EnergyTier{"", "extreme", "MEDIUM"} {
		if tier.Valid() {
			t.Errorf("%q should be invalid", tier)
		}
	}
}

func TestTierConfigFallback(t *testing.T) {
	c := &Channel{
		ID: "deep-focus",
		Tiers: map[EnergyTier]TierConfig{
			EnergyMedium: {Strategy: StrategySlot, Continuation: Continue},
		},
	}

	cfg := c.TierConfig(EnergyMedium)
	if cfg.Strategy != StrategySlot {
		t.Errorf("explicit tier strategy = %s, want slot", cfg.Strategy)
	}

	// A tier without configuration gets the shuffle/continue default.
	cfg = c.TierConfig(EnergyHigh)
	if cfg.Strategy != StrategyShuffle || cfg.Continuation != Continue {
		t.Errorf("fallback = %+v, want shuffle/continue", cfg)
	}

	var empty Channel
	cfg = empty.TierConfig(EnergyLow)
	if cfg.Strategy != StrategyShuffle {
		t.Errorf("nil-map fallback strategy = %s, want shuffle", cfg.Strategy)
	}
}
