// Package service provides the catalog synchronization layer: it pulls
// channels, tracks, and slot strategies from the backend API into the
// local store, with a disk cache fallback for offline starts.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftfm/driftfm/internal/api"
	"github.com/driftfm/driftfm/internal/cache"
	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// syncConcurrency bounds how many channels are fetched at once.
	syncConcurrency = 4

	channelsCacheKey = "channels"
)

// CatalogSync refreshes the local catalog from the backend.
type CatalogSync struct {
	apiClient *api.Client
	writer    catalog.Writer
	diskCache *cache.Cache

	mu            sync.RWMutex
	channels      []*channel.Channel
	refreshTicker *time.Ticker
	stopRefresh   chan struct{}
	onRefresh     func([]*channel.Channel)
}

// NewCatalogSync creates a sync service. The disk cache is optional.
func NewCatalogSync(apiClient *api.Client, writer catalog.Writer) *CatalogSync {
	diskCache, err := cache.NewCache()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize catalog cache, offline fallback disabled")
	}

	if diskCache != nil {
		go func() {
			if err := diskCache.CleanExpired(); err != nil {
				log.Debug().Err(err).Msg("Failed to clean expired cache")
			}
		}()
	}

	return &CatalogSync{
		apiClient: apiClient,
		writer:    writer,
		diskCache: diskCache,
	}
}

// SetOnRefresh registers a callback invoked after each successful refresh.
func (s *CatalogSync) SetOnRefresh(fn func([]*channel.Channel)) {
	s.mu.Lock()
	s.onRefresh = fn
	s.mu.Unlock()
}

// Refresh pulls the full catalog into the store. When the backend is
// unreachable it falls back to the cached channel list so the daemon can
// keep serving the catalog it last saw.
func (s *CatalogSync) Refresh(ctx context.Context) error {
	channels, err := s.apiClient.GetChannels(ctx)
	if err != nil {
		channels = s.cachedChannels()
		if channels == nil {
			return fmt.Errorf("catalog refresh failed with no cache fallback: %w", err)
		}
		log.Warn().Err(err).Int("channels", len(channels)).Msg("Backend unreachable, using cached channel list")
	} else if s.diskCache != nil {
		if err := s.diskCache.Put(channelsCacheKey, channels); err != nil {
			log.Debug().Err(err).Msg("Failed to cache channel list")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)

	for _, ch := range channels {
		g.Go(func() error {
			return s.syncChannel(gctx, ch)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	s.channels = channels
	onRefresh := s.onRefresh
	s.mu.Unlock()

	if onRefresh != nil {
		onRefresh(channels)
	}

	log.Info().Int("channels", len(channels)).Msg("Catalog refreshed")
	return nil
}

func (s *CatalogSync) syncChannel(ctx context.Context, ch *channel.Channel) error {
	if err := s.writer.PutChannel(ctx, ch); err != nil {
		return err
	}

	tracks, err := s.apiClient.GetChannelTracks(ctx, ch.ID)
	if err != nil {
		return err
	}
	for _, t := range tracks {
		if err := s.writer.PutTrack(ctx, t); err != nil {
			return err
		}
	}

	strategies, err := s.apiClient.GetChannelStrategies(ctx, ch.ID)
	if err != nil {
		return err
	}
	for _, st := range strategies {
		if err := s.writer.PutStrategy(ctx, st); err != nil {
			return err
		}
	}

	log.Debug().Str("channel", ch.ID).Int("tracks", len(tracks)).
		Int("strategies", len(strategies)).Msg("Channel synced")
	return nil
}

// Channels returns the channel list from the last refresh.
func (s *CatalogSync) Channels() []*channel.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*channel.Channel, len(s.channels))
	copy(result, s.channels)
	return result
}

func (s *CatalogSync) cachedChannels() []*channel.Channel {
	if s.diskCache == nil {
		return nil
	}
	var channels []*channel.Channel
	if !s.diskCache.Get(channelsCacheKey, &channels) {
		return nil
	}
	return channels
}

// StartPeriodicRefresh refreshes the catalog on the given interval until
// StopPeriodicRefresh is called.
func (s *CatalogSync) StartPeriodicRefresh(interval time.Duration) {
	s.mu.Lock()
	if s.refreshTicker != nil {
		s.mu.Unlock()
		return
	}
	s.refreshTicker = time.NewTicker(interval)
	s.stopRefresh = make(chan struct{})
	ticker := s.refreshTicker
	stop := s.stopRefresh
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := s.Refresh(ctx); err != nil {
					log.Warn().Err(err).Msg("Periodic catalog refresh failed")
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// StopPeriodicRefresh stops the refresh loop.
func (s *CatalogSync) StopPeriodicRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshTicker != nil {
		s.refreshTicker.Stop()
		close(s.stopRefresh)
		s.refreshTicker = nil
	}
}
