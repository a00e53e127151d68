package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindImage || k == MediaKindVideo
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusProcessed  JobStatus = "processed"
	JobStatusFailed     JobStatus = "failed"
)

// AnalysisJob is one ingestion request. All worker coordination state lives
// here; workers themselves are stateless.
type AnalysisJob struct {
	ID             uuid.UUID
	MediaRef       string
	MediaKind      MediaKind
	Status         JobStatus
	Fingerprint    *string
	Digest         []byte // jsonb, non-nil iff status == processed
	AnalysisParams []byte // jsonb
	Attempts       int32
	LastError      *string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const jobColumns = `id, media_ref, media_kind, status, fingerprint, digest,
	analysis_params, attempts, last_error, lease_expires_at, created_at, updated_at`

func scanJob(row pgx.Row) (*AnalysisJob, error) {
	var j AnalysisJob
	err := row.Scan(
		&j.ID, &j.MediaRef, &j.MediaKind, &j.Status, &j.Fingerprint, &j.Digest,
		&j.AnalysisParams, &j.Attempts, &j.LastError, &j.LeaseExpiresAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

type EnqueueAnalysisJobParams struct {
	MediaRef       string
	MediaKind      MediaKind
	AnalysisParams []byte
}

// EnqueueAnalysisJob inserts a new pending job and notifies listening workers.
// It always creates a new row; deduplication of the actual analysis work
// happens later through the digest cache.
func (db *DatabaseConnection) EnqueueAnalysisJob(ctx context.Context, params *EnqueueAnalysisJobParams) (*AnalysisJob, error) {
	analysisParams := params.AnalysisParams
	if len(analysisParams) == 0 {
		analysisParams = []byte("{}")
	}

	job, err := scanJob(db.QueryRow(ctx, `
		INSERT INTO analysis_jobs (id, media_ref, media_kind, analysis_params)
		VALUES ($1, $2, $3, $4)
		RETURNING `+jobColumns,
		uuid.New(), params.MediaRef, params.MediaKind, analysisParams,
	))
	if err != nil {
		return nil, fmt.Errorf("enqueue analysis job: %w", err)
	}

	if _, err := db.Exec(ctx, `SELECT pg_notify('analysis_jobs', $1)`, job.ID.String()); err != nil {
		// The job is already queued; workers poll as a fallback.
		return job, nil
	}
	return job, nil
}

// ClaimAnalysisJob atomically claims the oldest eligible job: either pending,
// or processing with an expired lease (worker crashed mid-flight). The claim
// is a single conditional UPDATE so two workers can never own the same job.
// Claiming starts an attempt, so attempts counts every time work began on the
// job, not just failures. Returns nil when no job is eligible.
func (db *DatabaseConnection) ClaimAnalysisJob(ctx context.Context, lease time.Duration) (*AnalysisJob, error) {
	job, err := scanJob(db.QueryRow(ctx, `
		UPDATE analysis_jobs
		SET status = 'processing',
		    attempts = attempts + 1,
		    lease_expires_at = now() + make_interval(secs => $1),
		    updated_at = now()
		WHERE id = (
			SELECT id FROM analysis_jobs
			WHERE status = 'pending'
			   OR (status = 'processing' AND lease_expires_at < now())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		lease.Seconds(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim analysis job: %w", err)
	}
	return job, nil
}

// ExtendJobLease pushes the claim lease forward for a long-running job. Only
// a live lease can be extended; a lapsed one means ownership was lost.
func (db *DatabaseConnection) ExtendJobLease(ctx context.Context, id uuid.UUID, lease time.Duration) error {
	_, err := db.Exec(ctx, `
		UPDATE analysis_jobs
		SET lease_expires_at = now() + make_interval(secs => $2), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lease_expires_at > now()`,
		id, lease.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("extend job lease: %w", err)
	}
	return nil
}

// SetJobFingerprint records the fingerprint once resolution completes.
func (db *DatabaseConnection) SetJobFingerprint(ctx context.Context, id uuid.UUID, fingerprint string) error {
	_, err := db.Exec(ctx, `
		UPDATE analysis_jobs
		SET fingerprint = $2, updated_at = now()
		WHERE id = $1`,
		id, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("set job fingerprint: %w", err)
	}
	return nil
}

// MarkJobProcessed moves a processing job to processed with its digest. The
// lease must still be live: a worker that outlived its lease lost ownership
// and must not complete a job another worker may have reclaimed.
func (db *DatabaseConnection) MarkJobProcessed(ctx context.Context, id uuid.UUID, digest []byte) error {
	tag, err := db.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = 'processed',
		    digest = $2,
		    last_error = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lease_expires_at > now()`,
		id, digest,
	)
	if err != nil {
		return fmt.Errorf("mark job processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job processed: job %s not processing under a live lease", id)
	}
	return nil
}

// MarkJobFailed records a failed attempt. Retryable failures under the
// attempt limit return the job to pending; everything else is terminal.
// Attempts were already counted at claim time. Like MarkJobProcessed, the
// transition requires a live lease.
func (db *DatabaseConnection) MarkJobFailed(ctx context.Context, id uuid.UUID, reason string, retryable bool, retryLimit int) (JobStatus, error) {
	var status JobStatus
	err := db.QueryRow(ctx, `
		UPDATE analysis_jobs
		SET status = CASE
		        WHEN $3::bool AND attempts < $4 THEN 'pending'::job_status
		        ELSE 'failed'::job_status
		    END,
		    last_error = $2,
		    digest = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lease_expires_at > now()
		RETURNING status`,
		id, reason, retryable, retryLimit,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("mark job failed: %w", err)
	}
	return status, nil
}

// GetAnalysisJob returns one job by id, or nil if it does not exist.
func (db *DatabaseConnection) GetAnalysisJob(ctx context.Context, id uuid.UUID) (*AnalysisJob, error) {
	job, err := scanJob(db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis job: %w", err)
	}
	return job, nil
}

// RequeueExpiredJobs returns processing jobs whose lease has lapsed to
// pending. The claim query already treats those as eligible; this sweep just
// makes them visible as pending again for reporting and runs cheaply on a
// periodic tick.
func (db *DatabaseConnection) RequeueExpiredJobs(ctx context.Context) (int64, error) {
	tag, err := db.Exec(ctx, `
		UPDATE analysis_jobs
		SET status = 'pending', lease_expires_at = NULL, updated_at = now()
		WHERE status = 'processing' AND lease_expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
