package pipeline

import (
	"context"
	"log/slog"
	"time"
)

const (
	pollInterval  = 5 * time.Second
	sweepInterval = time.Minute
)

// Worker claims jobs and feeds them through the machine. Run several against
// the same Machine for cross-job concurrency; the claim query guarantees no
// two workers ever hold the same job.
type Worker struct {
	Machine *Machine
	Lease   time.Duration
	Wake    <-chan struct{}
}

func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Drain as many jobs as we can
		for {
			job, err := w.Machine.Jobs.ClaimAnalysisJob(ctx, w.Lease)
			if err != nil {
				slog.Error("failed to claim analysis job", "error", err)
				time.Sleep(2 * time.Second)
				break
			}
			if job == nil {
				break
			}

			if err := w.Machine.Process(ctx, job); err != nil {
				slog.Error("analysis job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
				continue
			}
			slog.Info("analysis job done", "job_id", job.ID)
		}

		select {
		case <-ctx.Done():
			return
		case <-w.Wake:
			// new job notification
		case <-time.After(pollInterval):
			// periodic poll
		}
	}
}

// SweepExpiredLeases periodically returns jobs with expired leases to the
// queue so work orphaned by a crashed worker is picked up again.
func SweepExpiredLeases(ctx context.Context, jobs JobStore) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := jobs.RequeueExpiredJobs(ctx)
			if err != nil {
				slog.Error("failed to requeue expired jobs", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("requeued expired jobs", "count", n)
			}
		}
	}
}
