package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
)

// DefaultStuckTimeout is how long a run may stay processing before the
// reaper fails it.
const DefaultStuckTimeout = 15 * time.Minute

// TimeoutMessage is the error recorded on a reaped run.
func TimeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Run timed out after %d minutes", int(timeout.Minutes()))
}

// IsTimeoutMessage reports whether msg was recorded by the reaper.
func IsTimeoutMessage(msg string) bool {
	var n int
	_, err := fmt.Sscanf(msg, "Run timed out after %d minutes", &n)
	return err == nil
}

// Reaper fails processing runs that have been running too long. Reaped runs
// keep their reservation; refunds are left to an administrator.
type Reaper struct {
	store    store.Store
	timeouts map[model.JobType]time.Duration
}

// NewReaper creates a Reaper. Job types missing from timeouts use
// DefaultStuckTimeout.
func NewReaper(st store.Store, timeouts map[model.JobType]time.Duration) *Reaper {
	return &Reaper{store: st, timeouts: timeouts}
}

// Timeout returns the stuck timeout for jobType.
func (r *Reaper) Timeout(jobType model.JobType) time.Duration {
	if d, ok := r.timeouts[jobType]; ok && d > 0 {
		return d
	}
	return DefaultStuckTimeout
}

// Reap fails every processing run of jobType started before now minus the
// timeout and returns them.
func (r *Reaper) Reap(ctx context.Context, jobType model.JobType, now time.Time) ([]model.BatchRun, error) {
	timeout := r.Timeout(jobType)
	reaped, err := r.store.FailStaleRuns(ctx, jobType, now.Add(-timeout), TimeoutMessage(timeout), now)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: reap %s", jobType)
	}
	for _, run := range reaped {
		zap.L().Warn("batch: reaped stuck run",
			zap.String("job_type", string(jobType)),
			zap.String("run_id", run.ID),
			zap.String("account_id", run.AccountID),
			zap.Int("processed", run.ProcessedItems),
			zap.Int("total", run.TotalItems),
		)
	}
	return reaped, nil
}
