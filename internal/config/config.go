// Package config holds user preferences and tuning for the playback
// core. It doubles as the user preference store collaborator: last
// channel, per-channel energy tier, and volume are read at session start
// and written in the background, never blocking audible-audio latency.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	AppName        = "driftfm"
	AppDescription = "Ambient focus-audio playback daemon"

	ConfigDir      = ".config/driftfm"
	ConfigFileName = "config.yml"

	DefaultVolume = 70
	MinVolume     = 0
	MaxVolume     = 100

	// DefaultMinVisibleMs is the loading screen's minimum visible
	// duration when the config omits one.
	DefaultMinVisibleMs = 4000
)

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/driftfm/driftfm/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// Config is the persisted preference file. Preferences change at
// runtime while Save marshals in a background goroutine, so mutations
// go through the setters, which share a lock with Save.
type Config struct {
	mu sync.Mutex

	UserID      string `yaml:"user_id"`
	Volume      int    `yaml:"volume"`
	LastChannel string `yaml:"last_channel"`
	// ChannelTiers remembers the chosen energy tier per channel id.
	ChannelTiers map[string]string `yaml:"channel_tiers"`

	// MinVisibleMs holds the loading screen for at least this long.
	MinVisibleMs int `yaml:"min_visible_ms"`

	CatalogPath       string `yaml:"catalog_path"`
	BackendURL        string `yaml:"backend_url"`
	CDNBaseURL        string `yaml:"cdn_base_url"`
	SignerURL         string `yaml:"signer_url"`
	AnalyticsEndpoint string `yaml:"analytics_endpoint"`

	// Engine selects the audio engine implementation: "speaker", "hls",
	// or "" for path-based auto-detection.
	Engine string `yaml:"engine"`

	Crossfade struct {
		Enabled    bool   `yaml:"enabled"`
		Mode       string `yaml:"mode"` // "full" or "head_tail"
		DurationMs int    `yaml:"duration_ms"`
	} `yaml:"crossfade"`
}

// GetConfigPath returns the location of the preference file.
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ConfigDir, ConfigFileName), nil
}

// Load reads the preference file, falling back to defaults when it is
// missing or unreadable.
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Volume = ClampVolume(cfg.Volume)
	if cfg.MinVisibleMs <= 0 {
		cfg.MinVisibleMs = DefaultMinVisibleMs
	}
	if cfg.ChannelTiers == nil {
		cfg.ChannelTiers = map[string]string{}
	}

	return cfg, nil
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	c.mu.Lock()
	data, err := yaml.Marshal(c)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	return nil
}

// DefaultConfig returns the defaults used on first run.
func DefaultConfig() *Config {
	return &Config{
		UserID:       "local",
		Volume:       DefaultVolume,
		ChannelTiers: map[string]string{},
		MinVisibleMs: DefaultMinVisibleMs,
	}
}

// TierFor returns the remembered tier for a channel, or "medium".
func (c *Config) TierFor(channelID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.ChannelTiers[channelID]; ok && t != "" {
		return t
	}
	return "medium"
}

// SetTier remembers the tier chosen for a channel.
func (c *Config) SetTier(channelID, tier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ChannelTiers == nil {
		c.ChannelTiers = map[string]string{}
	}
	c.ChannelTiers[channelID] = tier
}

// SetLastChannel remembers the most recently activated channel.
func (c *Config) SetLastChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastChannel = channelID
}

// SetVolume remembers the output volume, clamped to the valid range.
func (c *Config) SetVolume(volume int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Volume = ClampVolume(volume)
}
