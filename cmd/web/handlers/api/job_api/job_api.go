// Package job_api provides analysis job API handlers.
package job_api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"brandsight.systems/adscope/internal/db"
)

// JobStore is the slice of the database layer these handlers touch.
// *db.DatabaseConnection implements it.
type JobStore interface {
	EnqueueAnalysisJob(ctx context.Context, params *db.EnqueueAnalysisJobParams) (*db.AnalysisJob, error)
	GetAnalysisJob(ctx context.Context, id uuid.UUID) (*db.AnalysisJob, error)
}

// jobResponse is the wire shape for a job. The digest is included only once
// the job is processed.
type jobResponse struct {
	ID          uuid.UUID       `json:"id"`
	MediaRef    string          `json:"media_ref"`
	MediaKind   db.MediaKind    `json:"media_kind"`
	Status      db.JobStatus    `json:"status"`
	Fingerprint *string         `json:"fingerprint,omitempty"`
	Digest      json.RawMessage `json:"digest,omitempty"`
	Attempts    int32           `json:"attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toJobResponse(j *db.AnalysisJob) *jobResponse {
	return &jobResponse{
		ID:          j.ID,
		MediaRef:    j.MediaRef,
		MediaKind:   j.MediaKind,
		Status:      j.Status,
		Fingerprint: j.Fingerprint,
		Digest:      j.Digest,
		Attempts:    j.Attempts,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}
