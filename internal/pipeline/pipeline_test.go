package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brandsight.systems/adscope/internal/analysis"
	"brandsight.systems/adscope/internal/db"
	"brandsight.systems/adscope/internal/fingerprint"
	"brandsight.systems/adscope/internal/keyframes"
	"brandsight.systems/adscope/internal/resolver"
)

// memJobs mirrors the conditional-UPDATE semantics of the Postgres job store
// closely enough to exercise the state machine.
type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*db.AnalysisJob
	seq  int
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[uuid.UUID]*db.AnalysisJob)}
}

func (m *memJobs) enqueue(ref string, kind db.MediaKind) uuid.UUID {
	return m.enqueueWithParams(ref, kind, nil)
}

func (m *memJobs) enqueueWithParams(ref string, kind db.MediaKind, params []byte) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := uuid.New()
	m.jobs[id] = &db.AnalysisJob{
		ID:             id,
		MediaRef:       ref,
		MediaKind:      kind,
		Status:         db.JobStatusPending,
		AnalysisParams: params,
		CreatedAt:      time.Unix(int64(m.seq), 0),
	}
	return id
}

func (m *memJobs) get(id uuid.UUID) db.AnalysisJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobs) ClaimAnalysisJob(ctx context.Context, lease time.Duration) (*db.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var eligible []*db.AnalysisJob
	now := time.Now()
	for _, j := range m.jobs {
		if j.Status == db.JobStatusPending ||
			(j.Status == db.JobStatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, k int) bool { return eligible[i].CreatedAt.Before(eligible[k].CreatedAt) })
	j := eligible[0]
	j.Status = db.JobStatusProcessing
	j.Attempts++
	expires := now.Add(lease)
	j.LeaseExpiresAt = &expires
	cp := *j
	return &cp, nil
}

func (m *memJobs) ExtendJobLease(ctx context.Context, id uuid.UUID, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if !leaseLive(j) {
		return nil
	}
	expires := time.Now().Add(lease)
	j.LeaseExpiresAt = &expires
	return nil
}

func leaseLive(j *db.AnalysisJob) bool {
	return j.Status == db.JobStatusProcessing &&
		j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(time.Now())
}

func (m *memJobs) SetJobFingerprint(ctx context.Context, id uuid.UUID, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Fingerprint = &fp
	return nil
}

func (m *memJobs) MarkJobProcessed(ctx context.Context, id uuid.UUID, digest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if !leaseLive(j) {
		return fmt.Errorf("job %s not processing under a live lease", id)
	}
	j.Status = db.JobStatusProcessed
	j.Digest = digest
	j.LastError = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (m *memJobs) MarkJobFailed(ctx context.Context, id uuid.UUID, reason string, retryable bool, retryLimit int) (db.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if !leaseLive(j) {
		return "", fmt.Errorf("job %s not processing under a live lease", id)
	}
	if retryable && int(j.Attempts) < retryLimit {
		j.Status = db.JobStatusPending
	} else {
		j.Status = db.JobStatusFailed
	}
	j.LastError = &reason
	j.Digest = nil
	j.LeaseExpiresAt = nil
	return j.Status, nil
}

func (m *memJobs) RequeueExpiredJobs(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for _, j := range m.jobs {
		if j.Status == db.JobStatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			j.Status = db.JobStatusPending
			j.LeaseExpiresAt = nil
			n++
		}
	}
	return n, nil
}

// memCache replicates the first-writer-wins insert.
type memCache struct {
	mu      sync.Mutex
	entries map[string]*db.CacheEntry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*db.CacheEntry)}
}

func (c *memCache) LookupDigest(ctx context.Context, fp string, unitCostCents int64) (*db.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok {
		return nil, nil
	}
	e.HitCount++
	e.EstimatedCostSaved += unitCostCents
	now := time.Now()
	e.LastHitAt = &now
	cp := *e
	return &cp, nil
}

func (c *memCache) StoreDigest(ctx context.Context, fp string, digest []byte) (*db.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fp]; ok {
		cp := *e
		return &cp, nil
	}
	e := &db.CacheEntry{Fingerprint: fp, Digest: digest, CreatedAt: time.Now()}
	c.entries[fp] = e
	cp := *e
	return &cp, nil
}

type stubResolver struct {
	fn func(ctx context.Context, reference string) (*resolver.ResolvedMedia, error)
}

func (s *stubResolver) Resolve(ctx context.Context, reference string) (*resolver.ResolvedMedia, error) {
	return s.fn(ctx, reference)
}

type stubExtractor struct {
	frames []keyframes.Frame
}

func (s *stubExtractor) Extract(ctx context.Context, streamURL string, timestamps []int64) ([]keyframes.Frame, error) {
	if s.frames != nil {
		return s.frames, nil
	}
	out := make([]keyframes.Frame, len(timestamps))
	for i, ts := range timestamps {
		out[i] = keyframes.Frame{TimestampMS: ts, Image: []byte{0xFF, 0xD8, 0xFF}}
	}
	return out, nil
}

// refFingerprinter keys off the media reference so tests control collisions.
type refFingerprinter struct{}

func (refFingerprinter) Fingerprint(ctx context.Context, media *resolver.ResolvedMedia, kind db.MediaKind, params fingerprint.Params) (string, error) {
	key := media.StreamURL
	if media.Identity != nil {
		key = media.Identity.UUID().String()
	}
	return fingerprint.Derive(key, kind, params), nil
}

type countingAnalyzer struct {
	calls   atomic.Int64
	barrier *sync.WaitGroup // optional: hold all callers until everyone arrives
	digest  func(n int64) *analysis.Digest
}

func (a *countingAnalyzer) Analyze(ctx context.Context, req *analysis.Request) (*analysis.Digest, error) {
	n := a.calls.Add(1)
	if a.barrier != nil {
		a.barrier.Done()
		a.barrier.Wait()
	}
	if a.digest != nil {
		return a.digest(n), nil
	}
	return &analysis.Digest{SchemaVersion: "1", Summary: "stub digest"}, nil
}

func videoResolver(url string) *stubResolver {
	return &stubResolver{fn: func(ctx context.Context, reference string) (*resolver.ResolvedMedia, error) {
		return &resolver.ResolvedMedia{
			StreamURL:       url + "?sig=" + reference, // signed URL differs per resolution
			Kind:            db.MediaKindVideo,
			Title:           "test creative",
			DurationSeconds: 20,
		}, nil
	}}
}

func newTestMachine(jobs *memJobs, cache *memCache, res MediaResolver, an analysis.Analyzer) *Machine {
	return &Machine{
		Jobs:          jobs,
		Cache:         cache,
		Resolver:      res,
		Extractor:     &stubExtractor{},
		Fingerprints:  refFingerprinter{},
		Analyzer:      an,
		Params:        fingerprint.Params{Model: "gemini-2.0-flash", PromptVersion: "v1", SchemaVersion: "1"},
		RetryLimit:    3,
		UnitCostCents: 4,
		Lease:         time.Minute,
	}
}

func claimAndProcess(t *testing.T, m *Machine, jobs *memJobs) error {
	t.Helper()
	job, err := jobs.ClaimAnalysisJob(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job")
	return m.Process(context.Background(), job)
}

func TestCacheHitSkipsModelCall(t *testing.T) {
	jobs := newMemJobs()
	cache := newMemCache()
	an := &countingAnalyzer{}

	// Both jobs reference content that fingerprints identically even though
	// each resolution produces a differently-signed stream URL.
	res := &stubResolver{fn: func(ctx context.Context, reference string) (*resolver.ResolvedMedia, error) {
		return &resolver.ResolvedMedia{
			StreamURL:       "https://cdn.example.com/v.mp4",
			Kind:            db.MediaKindVideo,
			DurationSeconds: 20,
		}, nil
	}}
	m := newTestMachine(jobs, cache, res, an)

	first := jobs.enqueue("https://youtu.be/abc", db.MediaKindVideo)
	second := jobs.enqueue("https://www.youtube.com/watch?v=abc", db.MediaKindVideo)

	require.NoError(t, claimAndProcess(t, m, jobs))
	require.NoError(t, claimAndProcess(t, m, jobs))

	assert.EqualValues(t, 1, an.calls.Load(), "second job must be served from cache")

	j1, j2 := jobs.get(first), jobs.get(second)
	assert.Equal(t, db.JobStatusProcessed, j1.Status)
	assert.Equal(t, db.JobStatusProcessed, j2.Status)
	assert.Equal(t, j1.Digest, j2.Digest)
	require.NotNil(t, j1.Fingerprint)
	require.NotNil(t, j2.Fingerprint)
	assert.Equal(t, *j1.Fingerprint, *j2.Fingerprint)

	entry, err := cache.LookupDigest(context.Background(), *j1.Fingerprint, 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.EqualValues(t, 2, entry.HitCount) // one real hit plus this lookup
	assert.EqualValues(t, 4, entry.EstimatedCostSaved, "one skipped analysis at unit cost")
}

func TestConcurrentMissesConvergeOnOneEntry(t *testing.T) {
	jobs := newMemJobs()
	cache := newMemCache()

	// Barrier guarantees both workers miss the cache before either stores,
	// forcing the insert race.
	var barrier sync.WaitGroup
	barrier.Add(2)
	an := &countingAnalyzer{
		barrier: &barrier,
		digest: func(n int64) *analysis.Digest {
			return &analysis.Digest{SchemaVersion: "1", Summary: fmt.Sprintf("digest from call %d", n)}
		},
	}
	m := newTestMachine(jobs, cache, videoResolver("https://cdn.example.com/v.mp4"), an)

	a := jobs.enqueue("same-ref", db.MediaKindVideo)
	b := jobs.enqueue("same-ref", db.MediaKindVideo)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := jobs.ClaimAnalysisJob(context.Background(), time.Minute)
			if err != nil || job == nil {
				t.Errorf("claim failed: job=%v err=%v", job, err)
				return
			}
			if err := m.Process(context.Background(), job); err != nil {
				t.Errorf("process failed: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, an.calls.Load(), "both workers missed and analyzed")
	assert.Len(t, cache.entries, 1, "exactly one cache entry per fingerprint")

	ja, jb := jobs.get(a), jobs.get(b)
	assert.Equal(t, db.JobStatusProcessed, ja.Status)
	assert.Equal(t, db.JobStatusProcessed, jb.Status)
	assert.Equal(t, ja.Digest, jb.Digest, "loser adopts the winner's digest")
}

func TestRetryBudgetExhausted(t *testing.T) {
	jobs := newMemJobs()
	failing := &stubResolver{fn: func(ctx context.Context, reference string) (*resolver.ResolvedMedia, error) {
		return nil, fmt.Errorf("%w: platform timeout", resolver.ErrResolutionFailed)
	}}
	m := newTestMachine(jobs, newMemCache(), failing, &countingAnalyzer{})

	id := jobs.enqueue("https://youtu.be/flaky", db.MediaKindVideo)

	for i := 0; i < 3; i++ {
		err := claimAndProcess(t, m, jobs)
		require.Error(t, err)
	}

	j := jobs.get(id)
	assert.Equal(t, db.JobStatusFailed, j.Status)
	assert.EqualValues(t, 3, j.Attempts)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "platform timeout")

	// Terminal: nothing left to claim.
	job, err := jobs.ClaimAnalysisJob(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryThenSuccess(t *testing.T) {
	jobs := newMemJobs()
	var resolveCalls int
	flaky := &stubResolver{fn: func(ctx context.Context, reference string) (*resolver.ResolvedMedia, error) {
		resolveCalls++
		if resolveCalls <= 2 {
			return nil, fmt.Errorf("%w: transient", resolver.ErrResolutionFailed)
		}
		return &resolver.ResolvedMedia{
			StreamURL:       "https://cdn.example.com/v.mp4",
			Kind:            db.MediaKindVideo,
			DurationSeconds: 10,
		}, nil
	}}
	m := newTestMachine(jobs, newMemCache(), flaky, &countingAnalyzer{})

	id := jobs.enqueue("https://youtu.be/eventually", db.MediaKindVideo)

	require.Error(t, claimAndProcess(t, m, jobs))
	require.Error(t, claimAndProcess(t, m, jobs))
	require.NoError(t, claimAndProcess(t, m, jobs))

	j := jobs.get(id)
	assert.Equal(t, db.JobStatusProcessed, j.Status)
	assert.EqualValues(t, 3, j.Attempts, "attempts counts every started attempt")
	assert.NotNil(t, j.Digest)
}

func TestUnsupportedReferenceIsTerminal(t *testing.T) {
	jobs := newMemJobs()
	unsupported := &stubResolver{fn: func(ctx context.Context, reference string) (*resolver.ResolvedMedia, error) {
		return nil, fmt.Errorf("%w: %q", resolver.ErrUnsupportedReference, reference)
	}}
	an := &countingAnalyzer{}
	m := newTestMachine(jobs, newMemCache(), unsupported, an)

	id := jobs.enqueue("not-a-url", db.MediaKindVideo)
	require.Error(t, claimAndProcess(t, m, jobs))

	j := jobs.get(id)
	assert.Equal(t, db.JobStatusFailed, j.Status, "no retries for unsupported references")
	assert.EqualValues(t, 1, j.Attempts)
	assert.Zero(t, an.calls.Load())
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	jobs := newMemJobs()
	id := jobs.enqueue("https://youtu.be/stuck", db.MediaKindVideo)

	// Worker claims and then dies: lease already in the past.
	job, err := jobs.ClaimAnalysisJob(context.Background(), -time.Second)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	reclaimed, err := jobs.ClaimAnalysisJob(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed, "expired lease must be claimable again")
	assert.Equal(t, id, reclaimed.ID)

	// A live lease is not.
	again, err := jobs.ClaimAnalysisJob(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestStaleWorkerCannotCompleteJob(t *testing.T) {
	jobs := newMemJobs()
	id := jobs.enqueue("https://youtu.be/slow", db.MediaKindVideo)

	// First worker's lease lapses mid-flight.
	stale, err := jobs.ClaimAnalysisJob(context.Background(), -time.Second)
	require.NoError(t, err)
	require.Equal(t, id, stale.ID)

	// A lapsed lease can be neither extended nor completed.
	require.NoError(t, jobs.ExtendJobLease(context.Background(), id, time.Minute))
	err = jobs.MarkJobProcessed(context.Background(), id, []byte(`{}`))
	require.Error(t, err, "completion requires a live lease")
	_, err = jobs.MarkJobFailed(context.Background(), id, "late failure", true, 3)
	require.Error(t, err)

	// The reclaiming worker owns the job and completes it normally.
	reclaimed, err := jobs.ClaimAnalysisJob(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, reclaimed.ID)
	require.NoError(t, jobs.MarkJobProcessed(context.Background(), id, []byte(`{"schema_version":"1","summary":"x"}`)))
	assert.Equal(t, db.JobStatusProcessed, jobs.get(id).Status)
}

func TestAnalysisParamsSeparateCacheEntries(t *testing.T) {
	jobs := newMemJobs()
	cache := newMemCache()
	an := &countingAnalyzer{}
	m := newTestMachine(jobs, cache, videoResolver("https://cdn.example.com/v.mp4"), an)

	plain := jobs.enqueue("same-ref", db.MediaKindVideo)
	directed := jobs.enqueueWithParams("same-ref", db.MediaKindVideo, []byte(`{"focus": "emotional_hooks"}`))

	require.NoError(t, claimAndProcess(t, m, jobs))
	require.NoError(t, claimAndProcess(t, m, jobs))

	assert.EqualValues(t, 2, an.calls.Load(), "different directives must not share a cached digest")
	assert.Len(t, cache.entries, 2)

	jp, jd := jobs.get(plain), jobs.get(directed)
	require.NotNil(t, jp.Fingerprint)
	require.NotNil(t, jd.Fingerprint)
	assert.NotEqual(t, *jp.Fingerprint, *jd.Fingerprint)
}

func TestEmptyAnalysisParamsFingerprintLikeAbsent(t *testing.T) {
	jobs := newMemJobs()
	cache := newMemCache()
	an := &countingAnalyzer{}
	m := newTestMachine(jobs, cache, videoResolver("https://cdn.example.com/v.mp4"), an)

	// "{}" is the enqueue default for an omitted field; it must hit the
	// same cache entry as a job with no params at all.
	jobs.enqueue("same-ref", db.MediaKindVideo)
	jobs.enqueueWithParams("same-ref", db.MediaKindVideo, []byte(`{}`))

	require.NoError(t, claimAndProcess(t, m, jobs))
	require.NoError(t, claimAndProcess(t, m, jobs))

	assert.EqualValues(t, 1, an.calls.Load())
	assert.Len(t, cache.entries, 1)
}

func TestImageJobFetchesBytes(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46, 0x00}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpeg)
	}))
	defer srv.Close()

	jobs := newMemJobs()
	var got *analysis.Request
	an := analyzerFunc(func(ctx context.Context, req *analysis.Request) (*analysis.Digest, error) {
		got = req
		return &analysis.Digest{SchemaVersion: "1", Summary: "image digest"}, nil
	})
	res := &stubResolver{fn: func(ctx context.Context, reference string) (*resolver.ResolvedMedia, error) {
		return &resolver.ResolvedMedia{StreamURL: srv.URL, Kind: db.MediaKindImage}, nil
	}}
	m := newTestMachine(jobs, newMemCache(), res, an)

	id := jobs.enqueue(srv.URL, db.MediaKindImage)
	require.NoError(t, claimAndProcess(t, m, jobs))

	assert.Equal(t, db.JobStatusProcessed, jobs.get(id).Status)
	require.NotNil(t, got)
	require.Len(t, got.Stills, 1)
	assert.Equal(t, "image/jpeg", got.Stills[0].MIMEType)
	assert.Equal(t, jpeg, got.Stills[0].Data)
	assert.Equal(t, "image", got.Kind)
}

type analyzerFunc func(ctx context.Context, req *analysis.Request) (*analysis.Digest, error)

func (f analyzerFunc) Analyze(ctx context.Context, req *analysis.Request) (*analysis.Digest, error) {
	return f(ctx, req)
}

func TestFrameTimestamps(t *testing.T) {
	assert.Equal(t, []int64{0}, frameTimestamps(0))
	assert.Equal(t, []int64{0, 5000, 10000, 15000, 19000}, frameTimestamps(20))
}
