package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/driftfm/driftfm/internal/api"
	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	routes := map[string]string{
		"/v1/channels": `{"channels": [
			{"id": "deep-focus", "name": "Deep Focus", "active": true,
			 "tiers": {"medium": {"strategy": "slot", "continuation": "continue"}}}
		]}`,
		"/v1/channels/deep-focus/tracks": `{"tracks": [
			{"id": "t1", "channel_id": "deep-focus", "storage_path": "audio-tracks/t1.mp3", "energy_medium": true},
			{"id": "t2", "channel_id": "deep-focus", "storage_path": "audio-tracks/t2.mp3", "energy_medium": true}
		]}`,
		"/v1/channels/deep-focus/strategies": `{"strategies": [
			{"channel_id": "deep-focus", "energy_tier": "medium", "num_slots": 20}
		]}`,
	}
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

func TestRefreshFillsStore(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := newBackend(t)
	defer srv.Close()

	store := catalog.NewMemoryStore()
	sync := NewCatalogSync(api.NewClient(srv.URL), store)

	var refreshed atomic.Int32
	sync.SetOnRefresh(func(channels []*channel.Channel) {
		refreshed.Add(int32(len(channels)))
	})

	if err := sync.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ctx := context.Background()
	ch, err := store.GetChannel(ctx, "deep-focus")
	if err != nil {
		t.Fatalf("GetChannel after sync: %v", err)
	}
	if ch.Name != "Deep Focus" {
		t.Errorf("channel = %+v", ch)
	}

	tracks, err := store.QueryTracks(ctx, catalog.TrackQuery{ChannelID: "deep-focus"})
	if err != nil {
		t.Fatalf("QueryTracks: %v", err)
	}
	if len(tracks) != 2 {
		t.Errorf("got %d tracks, want 2", len(tracks))
	}

	st, err := store.GetStrategy(ctx, "deep-focus", channel.EnergyMedium)
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	if st.NumSlots != 20 {
		t.Errorf("strategy = %+v", st)
	}

	if refreshed.Load() != 1 {
		t.Errorf("onRefresh saw %d channels, want 1", refreshed.Load())
	}
	if len(sync.Channels()) != 1 {
		t.Errorf("Channels() = %d entries, want 1", len(sync.Channels()))
	}
}

func TestRefreshFallsBackToCache(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := newBackend(t)

	store := catalog.NewMemoryStore()
	sync := NewCatalogSync(api.NewClient(srv.URL), store)
	if err := sync.Refresh(context.Background()); err != nil {
		t.Fatalf("initial Refresh: %v", err)
	}

	// Backend goes away; the channel list must come from cache. The
	// per-channel fetches still fail, so Refresh errors, but the cached
	// list is what a dead-backend start would serve.
	srv.Close()
	if err := sync.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh against a dead backend should error")
	}

	if got := sync.cachedChannels(); len(got) != 1 || got[0].ID != "deep-focus" {
		t.Errorf("cachedChannels = %+v, want the previously synced list", got)
	}
}

func TestRefreshNoBackendNoCache(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	store := catalog.NewMemoryStore()
	sync := NewCatalogSync(api.NewClient("http://127.0.0.1:0"), store)

	if err := sync.Refresh(context.Background()); err == nil {
		t.Error("Refresh with no backend and no cache should error")
	}
}
