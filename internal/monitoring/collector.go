// Package monitoring watches batch run health: failure rates per job type,
// runs stuck without progress and runs the reaper timed out, which keep their
// reservation until an operator refunds them.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/reviewpilot/batchd/internal/batch"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
)

// JobMetrics holds one job type's numbers. Totals cover runs created within
// the lookback window; Active and Stuck cover every active run.
type JobMetrics struct {
	Total           int     `json:"total"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	TimedOut        int     `json:"timed_out"`
	FailRate        float64 `json:"fail_rate"`
	CreditsUsed     int     `json:"credits_used"`
	CreditsReturned int     `json:"credits_returned"`
	Active          int     `json:"active"`
	Stuck           int     `json:"stuck"`
}

// Finished returns completed plus failed runs.
func (m JobMetrics) Finished() int {
	return m.Completed + m.Failed
}

// MetricsSnapshot holds a point-in-time view of batch health.
type MetricsSnapshot struct {
	Jobs map[model.JobType]*JobMetrics `json:"jobs"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Stuck returns the stuck run count over all job types.
func (s *MetricsSnapshot) Stuck() int {
	n := 0
	for _, m := range s.Jobs {
		n += m.Stuck
	}
	return n
}

// TimedOut returns the timed out run count over all job types.
func (s *MetricsSnapshot) TimedOut() int {
	n := 0
	for _, m := range s.Jobs {
		n += m.TimedOut
	}
	return n
}

// Collector gathers metrics from the store.
type Collector struct {
	store        store.Store
	stuckTimeout func(model.JobType) time.Duration
	now          func() time.Time
}

// NewCollector creates a new metrics collector. stuckTimeout is usually the
// reaper's Timeout; nil means batch.DefaultStuckTimeout.
func NewCollector(st store.Store, stuckTimeout func(model.JobType) time.Duration) *Collector {
	if stuckTimeout == nil {
		stuckTimeout = func(model.JobType) time.Duration { return batch.DefaultStuckTimeout }
	}
	return &Collector{store: st, stuckTimeout: stuckTimeout, now: time.Now}
}

// Collect gathers a snapshot of batch metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		Jobs:          make(map[model.JobType]*JobMetrics, len(model.JobTypes)),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	for _, jt := range model.JobTypes {
		snap.Jobs[jt] = &JobMetrics{}
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs are listed newest first, so the window ends at the first older run.
	recent, err := c.store.ListBatchRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range recent {
		if r.CreatedAt.Before(cutoff) {
			break
		}
		m, ok := snap.Jobs[r.JobType]
		if !ok {
			continue
		}
		m.Total++
		m.CreditsUsed += r.CreditsUsed
		switch r.Status {
		case model.RunStatusCompleted:
			m.Completed++
			m.CreditsReturned += r.UnusedCredits()
		case model.RunStatusFailed:
			m.Failed++
			if r.ErrorMessage != nil && batch.IsTimeoutMessage(*r.ErrorMessage) {
				m.TimedOut++
			}
		}
	}

	active, err := c.store.ListBatchRuns(ctx, store.RunFilter{Statuses: model.ActiveStatuses, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list active runs")
	}
	for _, r := range active {
		m, ok := snap.Jobs[r.JobType]
		if !ok {
			continue
		}
		m.Active++
		if r.IsStuck(now, c.stuckTimeout(r.JobType)) {
			m.Stuck++
		}
	}

	for _, m := range snap.Jobs {
		if f := m.Finished(); f > 0 {
			m.FailRate = float64(m.Failed) / float64(f)
		}
	}
	return snap, nil
}
