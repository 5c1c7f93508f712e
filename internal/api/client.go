// Package api provides the HTTP client for the catalog backend.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftfm/driftfm/internal/catalog"
	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/track"
	"github.com/go-resty/resty/v2"
)

const requestTimeout = 30 * time.Second

// Client is the HTTP client for the catalog backend API.
type Client struct {
	client *resty.Client
}

// NewClient creates a catalog API client with sensible defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout),
	}
}

// GetChannels fetches the list of channels from the backend.
func (c *Client) GetChannels(ctx context.Context) ([]*channel.Channel, error) {
	resp, err := c.client.R().SetContext(ctx).Get("/v1/channels")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channels: %w", err)
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var response struct {
		Channels []*channel.Channel `json:"channels"`
	}

	if err := json.Unmarshal(resp.Body(), &response); err != nil {
		return nil, fmt.Errorf("failed to parse channels response: %w", err)
	}

	return response.Channels, nil
}

// GetChannelTracks fetches the track catalog for one channel.
func (c *Client) GetChannelTracks(ctx context.Context, channelID string) ([]*track.Track, error) {
	resp, err := c.client.R().SetContext(ctx).Get(fmt.Sprintf("/v1/channels/%s/tracks", channelID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tracks for channel %s: %w", channelID, err)
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var response struct {
		Tracks []*track.Track `json:"tracks"`
	}

	if err := json.Unmarshal(resp.Body(), &response); err != nil {
		return nil, fmt.Errorf("failed to parse tracks response: %w", err)
	}

	return response.Tracks, nil
}

// GetChannelStrategies fetches the per-tier slot strategies for one
// channel. Channels without slot tiers return an empty list.
func (c *Client) GetChannelStrategies(ctx context.Context, channelID string) ([]*catalog.Strategy, error) {
	resp, err := c.client.R().SetContext(ctx).Get(fmt.Sprintf("/v1/channels/%s/strategies", channelID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch strategies for channel %s: %w", channelID, err)
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var response struct {
		Strategies []*catalog.Strategy `json:"strategies"`
	}

	if err := json.Unmarshal(resp.Body(), &response); err != nil {
		return nil, fmt.Errorf("failed to parse strategies response: %w", err)
	}

	return response.Strategies, nil
}
