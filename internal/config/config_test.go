package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, 0},
		{0, 0},
		{70, 70},
		{100, 100},
		{140, 100},
	}

	for _, tt := range tests {
		if got := ClampVolume(tt.in); got != tt.want {
			t.Errorf("ClampVolume(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Volume != DefaultVolume {
		t.Errorf("Volume = %d, want %d", cfg.Volume, DefaultVolume)
	}
	if cfg.MinVisibleMs != DefaultMinVisibleMs {
		t.Errorf("MinVisibleMs = %d, want %d", cfg.MinVisibleMs, DefaultMinVisibleMs)
	}
	if cfg.UserID == "" {
		t.Error("UserID should default to a usable id")
	}
}

func TestTierForAndSetTier(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.TierFor("deep-focus"); got != "medium" {
		t.Errorf("TierFor on unset channel = %q, want medium", got)
	}

	cfg.SetTier("deep-focus", "high")
	if got := cfg.TierFor("deep-focus"); got != "high" {
		t.Errorf("TierFor = %q, want high", got)
	}

	// SetTier must tolerate a nil map from a hand-built Config.
	bare := &Config{}
	bare.SetTier("ch", "low")
	if got := bare.TierFor("ch"); got != "low" {
		t.Errorf("TierFor after nil-map SetTier = %q, want low", got)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig()
	cfg.Volume = 55
	cfg.LastChannel = "deep-focus"
	cfg.SetTier("deep-focus", "low")
	cfg.Engine = "hls"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(home, ConfigDir) {
		t.Errorf("config path = %q, want under %q", path, filepath.Join(home, ConfigDir))
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Volume != 55 || loaded.LastChannel != "deep-focus" || loaded.Engine != "hls" {
		t.Errorf("loaded = %+v, want saved values", loaded)
	}
	if got := loaded.TierFor("deep-focus"); got != "low" {
		t.Errorf("loaded tier = %q, want low", got)
	}

	// No stray temp files after an atomic save.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if e.Name() != ConfigFileName {
			t.Errorf("unexpected file in config dir: %s", e.Name())
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Volume != DefaultVolume {
		t.Errorf("Volume = %d, want default %d", cfg.Volume, DefaultVolume)
	}
}

func TestLoadClampsBadValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	raw := "volume: 250\nmin_visible_ms: -1\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Volume != 100 {
		t.Errorf("Volume = %d, want clamped 100", cfg.Volume)
	}
	if cfg.MinVisibleMs != DefaultMinVisibleMs {
		t.Errorf("MinVisibleMs = %d, want default restored", cfg.MinVisibleMs)
	}
}

func TestSetters(t *testing.T) {
	cfg := DefaultConfig()

	cfg.SetLastChannel("deep-focus")
	if cfg.LastChannel != "deep-focus" {
		t.Errorf("LastChannel = %q, want deep-focus", cfg.LastChannel)
	}

	cfg.SetVolume(250)
	if cfg.Volume != MaxVolume {
		t.Errorf("Volume = %d, want clamped %d", cfg.Volume, MaxVolume)
	}
	cfg.SetVolume(-3)
	if cfg.Volume != MinVolume {
		t.Errorf("Volume = %d, want clamped %d", cfg.Volume, MinVolume)
	}
}

// Background saves run concurrently with preference mutations; the race
// detector flags any unguarded access between Save's marshal and the
// setters.
func TestConcurrentMutationAndSave(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := DefaultConfig()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			cfg.SetTier("ch", "high")
			cfg.TierFor("ch")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			cfg.SetLastChannel("ch")
			cfg.SetVolume(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if err := cfg.Save(); err != nil {
				t.Errorf("Save: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if err := cfg.Save(); err != nil {
		t.Fatalf("final Save: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ChannelTiers["ch"] != "high" {
		t.Errorf("ChannelTiers[ch] = %q, want high", loaded.ChannelTiers["ch"])
	}
}
