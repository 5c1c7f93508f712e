// Package storagecdn resolves a track's stored file path to a playable
// URL: a direct CDN URL, a signed URL from the signer endpoint, or an HLS
// manifest URL.
package storagecdn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	requestTimeout = 10 * time.Second
	// DefaultSignTTL is how long signed URLs stay valid.
	DefaultSignTTL = time.Hour
)

// SourceKind classifies the resolved URL.
type SourceKind string

const (
	KindDirect SourceKind = "direct"
	KindSigned SourceKind = "signed"
	KindHLS    SourceKind = "hls"
)

// ResolvedSource is a playable location for a stored file.
type ResolvedSource struct {
	URL    string
	Kind   SourceKind
	Format string // "mp3", "aac", "hls"
}

// Resolver maps storage paths to URLs the audio engine can fetch.
type Resolver interface {
	Resolve(ctx context.Context, storagePath string) (ResolvedSource, error)
}

// CDNResolver resolves against a public CDN base, optionally signing
// private paths through a signer endpoint.
type CDNResolver struct {
	publicBase string
	signerURL  string // empty disables signing
	signTTL    time.Duration
	client     *resty.Client
}

// Option configures a CDNResolver.
type Option func(*CDNResolver)

// WithSigner enables signed-URL resolution for private paths.
func WithSigner(signerURL string, ttl time.Duration) Option {
	return func(r *CDNResolver) {
		r.signerURL = signerURL
		if ttl > 0 {
			r.signTTL = ttl
		}
	}
}

// NewCDNResolver creates a resolver rooted at the public CDN base URL.
func NewCDNResolver(publicBase string, opts ...Option) *CDNResolver {
	r := &CDNResolver{
		publicBase: strings.TrimRight(publicBase, "/"),
		signTTL:    DefaultSignTTL,
		client:     resty.New().SetTimeout(requestTimeout),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a storage path to a playable source. Manifest paths
// (.m3u8) resolve to HLS; paths under private/ go through the signer when
// one is configured; everything else is a direct CDN URL.
func (r *CDNResolver) Resolve(ctx context.Context, storagePath string) (ResolvedSource, error) {
	p := strings.TrimLeft(storagePath, "/")
	if p == "" {
		return ResolvedSource{}, fmt.Errorf("empty storage path")
	}

	if strings.HasSuffix(p, ".m3u8") {
		return ResolvedSource{
			URL:    r.publicBase + "/" + p,
			Kind:   KindHLS,
			Format: "hls",
		}, nil
	}

	if r.signerURL != "" && strings.HasPrefix(p, "private/") {
		signed, err := r.sign(ctx, p)
		if err != nil {
			return ResolvedSource{}, err
		}
		return ResolvedSource{URL: signed, Kind: KindSigned, Format: formatFromPath(p)}, nil
	}

	return ResolvedSource{
		URL:    r.publicBase + "/" + p,
		Kind:   KindDirect,
		Format: formatFromPath(p),
	}, nil
}

func (r *CDNResolver) sign(ctx context.Context, storagePath string) (string, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"path":       storagePath,
			"expires_in": int(r.signTTL.Seconds()),
		}).
		Post(r.signerURL)
	if err != nil {
		return "", fmt.Errorf("failed to sign url for %s: %w", storagePath, err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("signer returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("failed to parse signer response: %w", err)
	}
	if body.SignedURL == "" {
		return "", fmt.Errorf("signer returned empty url for %s", storagePath)
	}

	log.Debug().Str("path", storagePath).Msg("Signed URL issued")
	return body.SignedURL, nil
}

func formatFromPath(p string) string {
	lower := strings.ToLower(p)
	switch {
	case strings.HasSuffix(lower, ".aac"), strings.Contains(lower, "-aac"):
		return "aac"
	default:
		return "mp3"
	}
}
