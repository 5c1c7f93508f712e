// Package channel defines the data structures for driftfm channels and
// their per-energy-tier playback strategies.
package channel

// EnergyTier selects the intensity band of a channel.
type EnergyTier string

const (
	EnergyLow    EnergyTier = "low"
	EnergyMedium EnergyTier = "medium"
	EnergyHigh   EnergyTier = "high"
)

// Valid reports whether the tier is one of the three known bands.
func (t EnergyTier) Valid() bool {
	switch t {
	case EnergyLow, EnergyMedium, EnergyHigh:
		return true
	}
	return false
}

// StrategyKind determines how the next track for a tier is chosen.
type StrategyKind string

const (
	StrategyFixedOrder     StrategyKind = "fixed_order"
	StrategyWeightedRandom StrategyKind = "weighted_random"
	StrategyFilenameOrder  StrategyKind = "filename_order"
	StrategyUploadOrder    StrategyKind = "upload_date_order"
	StrategyShuffle        StrategyKind = "shuffle"
	StrategyCustomOrder    StrategyKind = "custom_order"
	StrategySlot           StrategyKind = "slot"
)

// ContinuationPolicy governs where playback resumes for a (channel, tier)
// pair across logins and sessions.
type ContinuationPolicy string

const (
	// RestartOnLogin always restarts from track 0 on each login.
	RestartOnLogin ContinuationPolicy = "restart_on_login"
	// RestartOnSession restarts each time playback is explicitly stopped
	// and started again.
	RestartOnSession ContinuationPolicy = "restart_on_session"
	// Continue resumes from the last persisted position, indefinitely.
	Continue ContinuationPolicy = "continue"
)

// TierConfig is the playback configuration of one energy tier.
type TierConfig struct {
	Strategy     StrategyKind       `json:"strategy"`
	Continuation ContinuationPolicy `json:"continuation"`
}

// Channel is a thematic station. Read-heavy during playback; created and
// edited by administrators out of band.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
	SortOrder   int    `json:"sort_order"`
	Active      bool   `json:"active"`
	UpdatedAt   string `json:"updated"`

	Tiers map[EnergyTier]TierConfig `json:"tiers"`
}

// TierConfig returns the configuration for a tier, falling back to a
// shuffle/continue default when the channel has no explicit entry.
func (c *Channel) TierConfig(tier EnergyTier) TierConfig {
	if cfg, ok := c.Tiers[tier]; ok {
		return cfg
	}
	return TierConfig{Strategy: StrategyShuffle, Continuation: Continue}
}
