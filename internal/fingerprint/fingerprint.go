// Package fingerprint derives the deterministic cache key for a piece of
// resolved media. The key is computed over stable inputs only: canonical
// content identity plus analysis-affecting parameters. Ephemeral signed
// stream URLs change on every resolution and must never feed the key.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"brandsight.systems/adscope/internal/db"
	"brandsight.systems/adscope/internal/resolver"
)

// Params are the analysis-affecting inputs. Any model, prompt or schema
// version bump changes the fingerprint so a new analysis schema is never
// served stale cache entries. AnalysisParams carries per-job caller
// directives (raw JSON, as submitted); jobs with different directives must
// never share a cache entry.
type Params struct {
	Model          string
	PromptVersion  string
	SchemaVersion  string
	AnalysisParams string
}

type Fingerprinter struct {
	HTTPClient *http.Client
}

func New() *Fingerprinter {
	return &Fingerprinter{
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Fingerprint computes the cache key for resolved media.
//
// Platform media keys off the canonical content UUID, so a short-link and the
// canonical watch URL for the same video fingerprint identically. Media with
// no platform identity (uploads, arbitrary direct URLs) falls back to a
// content hash of the bytes themselves: more expensive, still deterministic.
func (f *Fingerprinter) Fingerprint(ctx context.Context, media *resolver.ResolvedMedia, kind db.MediaKind, params Params) (string, error) {
	var contentKey string
	if media.Identity != nil {
		contentKey = "platform:" + media.Identity.UUID().String()
	} else {
		sum, err := f.hashContent(ctx, media.StreamURL)
		if err != nil {
			return "", err
		}
		contentKey = "content:" + sum
	}

	return Derive(contentKey, kind, params), nil
}

// Derive combines a stable content key with the analysis parameters into the
// final fingerprint string. Exposed separately so tests and callers that
// already hold a content key can compute keys without a Fingerprinter.
func Derive(contentKey string, kind db.MediaKind, params Params) string {
	stable := strings.Join([]string{
		"v1",
		contentKey,
		string(kind),
		params.Model,
		params.PromptVersion,
		params.SchemaVersion,
		params.AnalysisParams,
	}, "|")

	sum := sha256.Sum256([]byte(stable))
	return hex.EncodeToString(sum[:])
}

func (f *Fingerprinter) hashContent(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fingerprint: fetch content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fingerprint: fetch content: status %d", resp.StatusCode)
	}

	h := sha256.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", fmt.Errorf("fingerprint: hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
