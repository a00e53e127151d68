package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CacheEntry maps one fingerprint to its previously computed digest. Entries
// are shared by every job that resolves to the same content.
type CacheEntry struct {
	Fingerprint        string
	Digest             []byte
	HitCount           int64
	EstimatedCostSaved int64 // cents
	CreatedAt          time.Time
	LastHitAt          *time.Time
}

const cacheColumns = `fingerprint, digest, hit_count, estimated_cost_saved, created_at, last_hit_at`

func scanCacheEntry(row pgx.Row) (*CacheEntry, error) {
	var e CacheEntry
	err := row.Scan(&e.Fingerprint, &e.Digest, &e.HitCount, &e.EstimatedCostSaved, &e.CreatedAt, &e.LastHitAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// LookupDigest returns the cached digest for a fingerprint, bumping the hit
// counters and cost-saved accounting in the same statement. A miss performs
// no mutation and returns nil.
func (db *DatabaseConnection) LookupDigest(ctx context.Context, fingerprint string, unitCostCents int64) (*CacheEntry, error) {
	entry, err := scanCacheEntry(db.QueryRow(ctx, `
		UPDATE digest_cache
		SET hit_count = hit_count + 1,
		    estimated_cost_saved = estimated_cost_saved + $2,
		    last_hit_at = now()
		WHERE fingerprint = $1
		RETURNING `+cacheColumns,
		fingerprint, unitCostCents,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup digest: %w", err)
	}
	return entry, nil
}

// StoreDigest creates the cache entry for a fingerprint if absent. When two
// jobs race on the same never-before-seen content the insert is conditional:
// the first writer wins and the second adopts the existing entry, so at most
// one digest is ever authoritative per fingerprint. The race is never an
// error.
func (db *DatabaseConnection) StoreDigest(ctx context.Context, fingerprint string, digest []byte) (*CacheEntry, error) {
	entry, err := scanCacheEntry(db.QueryRow(ctx, `
		INSERT INTO digest_cache (fingerprint, digest)
		VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING `+cacheColumns,
		fingerprint, digest,
	))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store digest: %w", err)
	}

	// Lost the insert race; adopt the winning entry.
	entry, err = scanCacheEntry(db.QueryRow(ctx,
		`SELECT `+cacheColumns+` FROM digest_cache WHERE fingerprint = $1`, fingerprint,
	))
	if err != nil {
		return nil, fmt.Errorf("store digest: adopt existing entry: %w", err)
	}
	return entry, nil
}

// CacheStats is an aggregate read for reporting; never used on the hot
// ingestion path.
type CacheStats struct {
	TotalEntries          int64
	TotalHits             int64
	EstimatedSavingsCents int64
}

func (db *DatabaseConnection) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	var s CacheStats
	err := db.QueryRow(ctx, `
		SELECT count(*), coalesce(sum(hit_count), 0), coalesce(sum(estimated_cost_saved), 0)
		FROM digest_cache`,
	).Scan(&s.TotalEntries, &s.TotalHits, &s.EstimatedSavingsCents)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return &s, nil
}
