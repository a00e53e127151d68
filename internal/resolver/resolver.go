// Package resolver turns a user-supplied media reference into a directly
// fetchable stream URL plus lightweight metadata.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"brandsight.systems/adscope/internal/db"
	"brandsight.systems/adscope/internal/mediaid"
	"brandsight.systems/adscope/pkg/ytdlp"
)

var (
	// ErrUnsupportedReference means the reference is neither a fetchable
	// media URL nor a recognized platform URL. User input problem; terminal.
	ErrUnsupportedReference = errors.New("resolver: unsupported media reference")

	// ErrResolutionFailed means every resolution strategy was exhausted.
	// Transient-leaning; the job's retry budget owns retries.
	ErrResolutionFailed = errors.New("resolver: media resolution failed")
)

// ResolvedMedia is the ephemeral output of one resolution. Stream URLs carry
// short-lived platform signing tokens: consume them within the same
// processing attempt and never persist them. Only the fingerprint and the
// final digest are cached.
type ResolvedMedia struct {
	StreamURL       string
	Kind            db.MediaKind
	Identity        *mediaid.Identity // nil for direct or uploaded media
	Title           string
	DurationSeconds float64
	ThumbnailURL    string
}

// PlatformClient lists renditions and metadata for a platform URL.
// *ytdlp.Client implements it.
type PlatformClient interface {
	GetInfo(ctx context.Context, url string, extraArgs ...string) (*ytdlp.Info, error)
}

type Resolver struct {
	Platform   PlatformClient
	HTTPClient *http.Client
}

func New(platform PlatformClient) *Resolver {
	return &Resolver{
		Platform:   platform,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve turns reference into a fetchable stream.
//
// Platform URLs go through rendition negotiation; anything else must be a
// direct URL whose content is image or video, returned unchanged. No retries
// happen here beyond the rendition fallback chain.
func (r *Resolver) Resolve(ctx context.Context, reference string) (*ResolvedMedia, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnsupportedReference)
	}

	if identity, err := mediaid.Parse(reference); err == nil {
		return r.resolvePlatform(ctx, identity)
	}

	return r.resolveDirect(ctx, reference)
}

func (r *Resolver) resolvePlatform(ctx context.Context, identity *mediaid.Identity) (*ResolvedMedia, error) {
	// Resolve against the canonical URL so short-links, embeds and shorts
	// all negotiate identically.
	info, err := r.Platform.GetInfo(ctx, identity.CanonicalURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, identity.CanonicalURL, err)
	}

	rendition, strategy, ok := selectRendition(info.Formats)
	if !ok {
		return nil, fmt.Errorf("%w: no muxed rendition among %d formats for %s",
			ErrResolutionFailed, len(info.Formats), identity.CanonicalURL)
	}
	slog.Debug("selected rendition",
		"content_id", identity.ContentID,
		"format_id", rendition.FormatID,
		"strategy", strategy)

	return &ResolvedMedia{
		StreamURL:       rendition.URL,
		Kind:            db.MediaKindVideo,
		Identity:        identity,
		Title:           info.Title,
		DurationSeconds: info.Duration,
		ThumbnailURL:    info.Thumbnail,
	}, nil
}

// sniffLen covers every magic-number matcher filetype knows about.
const sniffLen = 262

func (r *Resolver) resolveDirect(ctx context.Context, reference string) (*ResolvedMedia, error) {
	u, err := url.Parse(reference)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q is not an http(s) url", ErrUnsupportedReference, reference)
	}

	kind, err := r.probeMediaKind(ctx, reference)
	if err != nil {
		return nil, err
	}

	return &ResolvedMedia{
		StreamURL: reference,
		Kind:      kind,
	}, nil
}

// probeMediaKind fetches the first bytes of the URL and classifies the
// content. The declared Content-Type is consulted first; when servers lie or
// omit it, the magic bytes decide.
func (r *Resolver) probeMediaKind(ctx context.Context, rawURL string) (db.MediaKind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedReference, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffLen-1))

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch %s: %v", ErrResolutionFailed, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: fetch %s: status %d", ErrResolutionFailed, rawURL, resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return db.MediaKindImage, nil
	case strings.HasPrefix(contentType, "video/"):
		return db.MediaKindVideo, nil
	}

	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(resp.Body, head)
	if filetype.IsImage(head[:n]) {
		return db.MediaKindImage, nil
	}
	if filetype.IsVideo(head[:n]) {
		return db.MediaKindVideo, nil
	}

	return "", fmt.Errorf("%w: %s is neither image nor video (content-type %q)",
		ErrUnsupportedReference, rawURL, contentType)
}
