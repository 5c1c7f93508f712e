package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/driftfm/driftfm/internal/channel"
)

func newBackend(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestGetChannels(t *testing.T) {
	srv := newBackend(t, map[string]string{
		"/v1/channels": `{"channels": [
			{"id": "deep-focus", "name": "Deep Focus", "active": true,
			 "tiers": {"medium": {"strategy": "slot", "continuation": "continue"}}},
			{"id": "sleep", "name": "Sleep", "active": true}
		]}`,
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	channels, err := c.GetChannels(context.Background())
	if err != nil {
		t.Fatalf("GetChannels: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(channels))
	}
	if channels[0].ID != "deep-focus" || channels[0].Name != "Deep Focus" {
		t.Errorf("first channel = %+v", channels[0])
	}
	cfg := channels[0].TierConfig(channel.EnergyMedium)
	if cfg.Strategy != channel.StrategySlot || cfg.Continuation != channel.Continue {
		t.Errorf("tier config = %+v, want slot/continue", cfg)
	}
}

func TestGetChannelTracks(t *testing.T) {
	srv := newBackend(t, map[string]string{
		"/v1/channels/deep-focus/tracks": `{"tracks": [
			{"id": "t1", "channel_id": "deep-focus", "storage_path": "audio-tracks/t1.mp3",
			 "duration": 245.5, "tempo": 72, "energy_medium": true}
		]}`,
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	tracks, err := c.GetChannelTracks(context.Background(), "deep-focus")
	if err != nil {
		t.Fatalf("GetChannelTracks: %v", err)
	}
	if len(tracks) != 1 || tracks[0].ID != "t1" || tracks[0].Tempo != 72 {
		t.Errorf("tracks = %+v", tracks)
	}
}

func TestGetChannelStrategies(t *testing.T) {
	srv := newBackend(t, map[string]string{
		"/v1/channels/deep-focus/strategies": `{"strategies": [
			{"channel_id": "deep-focus", "energy_tier": "medium", "num_slots": 20,
			 "recent_repeat_window": 10,
			 "slots": [{"index": 0, "targets": [{"field": "tempo", "op": "lt", "value": 80}]}]}
		]}`,
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	strategies, err := c.GetChannelStrategies(context.Background(), "deep-focus")
	if err != nil {
		t.Fatalf("GetChannelStrategies: %v", err)
	}
	if len(strategies) != 1 {
		t.Fatalf("got %d strategies, want 1", len(strategies))
	}
	st := strategies[0]
	if st.NumSlots != 20 || st.RecentRepeatWindow != 10 || len(st.Slots) != 1 {
		t.Errorf("strategy = %+v", st)
	}
}

func TestErrorStatusPropagates(t *testing.T) {
	srv := newBackend(t, nil)
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.GetChannels(context.Background()); err == nil {
		t.Error("404 should surface as an error")
	}
}
