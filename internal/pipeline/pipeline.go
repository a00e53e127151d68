// Package pipeline drives analysis jobs through their state machine:
// resolve, fingerprint, cache check, keyframe extraction, model call,
// cache store. Each collaborator sits behind a small interface so the
// machine can be tested without Postgres, ffmpeg or a live model.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"brandsight.systems/adscope/internal/analysis"
	"brandsight.systems/adscope/internal/db"
	"brandsight.systems/adscope/internal/fingerprint"
	"brandsight.systems/adscope/internal/keyframes"
	"brandsight.systems/adscope/internal/resolver"
)

type JobStore interface {
	ClaimAnalysisJob(ctx context.Context, lease time.Duration) (*db.AnalysisJob, error)
	ExtendJobLease(ctx context.Context, id uuid.UUID, lease time.Duration) error
	SetJobFingerprint(ctx context.Context, id uuid.UUID, fingerprint string) error
	MarkJobProcessed(ctx context.Context, id uuid.UUID, digest []byte) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, reason string, retryable bool, retryLimit int) (db.JobStatus, error)
	RequeueExpiredJobs(ctx context.Context) (int64, error)
}

type DigestCache interface {
	LookupDigest(ctx context.Context, fingerprint string, unitCostCents int64) (*db.CacheEntry, error)
	StoreDigest(ctx context.Context, fingerprint string, digest []byte) (*db.CacheEntry, error)
}

type MediaResolver interface {
	Resolve(ctx context.Context, reference string) (*resolver.ResolvedMedia, error)
}

type FrameExtractor interface {
	Extract(ctx context.Context, streamURL string, timestamps []int64) ([]keyframes.Frame, error)
}

type Fingerprinter interface {
	Fingerprint(ctx context.Context, media *resolver.ResolvedMedia, kind db.MediaKind, params fingerprint.Params) (string, error)
}

// Machine executes one job at a time. It holds no per-job state, so a single
// Machine is shared by all workers.
type Machine struct {
	Jobs         JobStore
	Cache        DigestCache
	Resolver     MediaResolver
	Extractor    FrameExtractor
	Fingerprints Fingerprinter
	Analyzer     analysis.Analyzer

	Params        fingerprint.Params
	RetryLimit    int
	UnitCostCents int64
	StepTimeout   time.Duration
	Lease         time.Duration
	HTTPClient    *http.Client
}

// Sampled keyframe positions as fractions of the video duration. The tail
// frame sits short of 100% so it survives end-of-stream clamping.
var framePositions = []float64{0, 0.25, 0.5, 0.75, 0.95}

// Process runs a claimed job to a terminal transition. The returned error is
// reported to the caller for logging only; the failed transition has already
// been recorded by then.
func (m *Machine) Process(ctx context.Context, job *db.AnalysisJob) error {
	if err := m.process(ctx, job); err != nil {
		status, markErr := m.Jobs.MarkJobFailed(ctx, job.ID, err.Error(), isRetryable(err), m.RetryLimit)
		if markErr != nil {
			return fmt.Errorf("mark job failed: %w (original: %v)", markErr, err)
		}
		return fmt.Errorf("job %s -> %s: %w", job.ID, status, err)
	}
	return nil
}

func (m *Machine) process(ctx context.Context, job *db.AnalysisJob) error {
	media, err := step(ctx, m.StepTimeout, func(ctx context.Context) (*resolver.ResolvedMedia, error) {
		return m.Resolver.Resolve(ctx, job.MediaRef)
	})
	if err != nil {
		return err
	}

	kind := job.MediaKind
	if media.Kind != "" {
		kind = media.Kind
	}

	// Per-job caller directives join the config-level params: jobs with
	// different directives must fingerprint apart and prompt apart.
	params := m.Params
	if p := normalizeJobParams(job.AnalysisParams); p != "" {
		params.AnalysisParams = p
	}

	fp, err := step(ctx, m.StepTimeout, func(ctx context.Context) (string, error) {
		return m.Fingerprints.Fingerprint(ctx, media, kind, params)
	})
	if err != nil {
		return err
	}
	if err := m.Jobs.SetJobFingerprint(ctx, job.ID, fp); err != nil {
		return fmt.Errorf("set fingerprint: %w", err)
	}

	entry, err := m.Cache.LookupDigest(ctx, fp, m.UnitCostCents)
	if err != nil {
		return fmt.Errorf("cache lookup: %w", err)
	}
	if entry != nil {
		return m.Jobs.MarkJobProcessed(ctx, job.ID, entry.Digest)
	}

	// Extraction plus the model call can outlast the original claim; push
	// the lease forward so the job is not reclaimed mid-analysis.
	m.extendLease(ctx, job.ID)

	stills, err := m.gatherStills(ctx, media, kind)
	if err != nil {
		return err
	}

	digest, err := step(ctx, m.StepTimeout, func(ctx context.Context) (*analysis.Digest, error) {
		return m.Analyzer.Analyze(ctx, &analysis.Request{
			Kind:   string(kind),
			Title:  media.Title,
			Params: []byte(params.AnalysisParams),
			Stills: stills,
		})
	})
	if err != nil {
		return err
	}

	raw, err := digest.Marshal()
	if err != nil {
		return fmt.Errorf("marshal digest: %w", err)
	}

	// On a write race the cache keeps the first writer's digest; the job
	// record adopts whatever the cache holds so the two never diverge.
	stored, err := m.Cache.StoreDigest(ctx, fp, raw)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return m.Jobs.MarkJobProcessed(ctx, job.ID, stored.Digest)
}

func (m *Machine) gatherStills(ctx context.Context, media *resolver.ResolvedMedia, kind db.MediaKind) ([]analysis.Still, error) {
	if kind == db.MediaKindVideo {
		frames, err := step(ctx, m.StepTimeout, func(ctx context.Context) ([]keyframes.Frame, error) {
			return m.Extractor.Extract(ctx, media.StreamURL, frameTimestamps(media.DurationSeconds))
		})
		if err != nil {
			return nil, err
		}
		stills := make([]analysis.Still, 0, len(frames))
		for _, f := range frames {
			stills = append(stills, analysis.Still{
				TimestampMS: f.TimestampMS,
				MIMEType:    "image/jpeg",
				Data:        f.Image,
			})
		}
		return stills, nil
	}

	data, mime, err := m.fetchImage(ctx, media.StreamURL)
	if err != nil {
		return nil, err
	}
	return []analysis.Still{{MIMEType: mime, Data: data}}, nil
}

func (m *Machine) fetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := m.stepContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", resolver.ErrResolutionFailed, err)
	}
	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", resolver.ErrResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("%w: fetch image: status %d", resolver.ErrResolutionFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read image: %v", resolver.ErrResolutionFailed, err)
	}

	mime := "image/jpeg"
	if kind, err := filetype.Image(data); err == nil {
		mime = kind.MIME.Value
	}
	return data, mime, nil
}

// extendLease is best-effort: if the lease already lapsed the completion
// transitions will refuse the job anyway, so a failure here is only logged.
func (m *Machine) extendLease(ctx context.Context, id uuid.UUID) {
	if m.Lease <= 0 {
		return
	}
	if err := m.Jobs.ExtendJobLease(ctx, id, m.Lease); err != nil {
		slog.Warn("failed to extend job lease", "job_id", id, "error", err)
	}
}

// normalizeJobParams collapses absent and empty-object directives to "" so
// they fingerprint identically.
func normalizeJobParams(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "{}" || s == "null" {
		return ""
	}
	return s
}

func frameTimestamps(durationSeconds float64) []int64 {
	if durationSeconds <= 0 {
		return []int64{0}
	}
	durationMS := int64(durationSeconds * 1000)
	out := make([]int64, 0, len(framePositions))
	for _, p := range framePositions {
		out = append(out, int64(p*float64(durationMS)))
	}
	return out
}

// step runs one pipeline stage under the machine's per-step timeout.
func step[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (m *Machine) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.StepTimeout > 0 {
		return context.WithTimeout(ctx, m.StepTimeout)
	}
	return context.WithCancel(ctx)
}

// isRetryable maps component errors onto the retry budget. Only a reference
// that can never resolve is terminal on first sight; everything else may be
// transient (rate limits, CDN hiccups, propagation delays).
func isRetryable(err error) bool {
	return !errors.Is(err, resolver.ErrUnsupportedReference)
}
