// Package admin backs the operator console: a cross-job-type view of batch
// runs with stuck detection, plus force-fail and retry.
package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reviewpilot/batchd/internal/batch"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
	"github.com/reviewpilot/batchd/pkg/billing"
)

// ForceFailMessage is recorded on runs failed from the console.
const ForceFailMessage = "Force-failed by administrator"

var (
	// ErrNotFound is returned when the run does not exist for the job type.
	ErrNotFound = eris.New("admin: run not found")
	// ErrInvalidTransition is returned when the action does not apply to
	// the run's current status.
	ErrInvalidTransition = eris.New("admin: invalid transition")
)

// Options tunes a Console. Zero values pick defaults.
type Options struct {
	DefaultLimit   int
	MaxLimit       int
	FailedLookback time.Duration
	// StuckTimeout returns the stuck threshold per job type.
	StuckTimeout func(model.JobType) time.Duration
	Now          func() time.Time
}

// Console serves admin reads and writes.
type Console struct {
	store  store.Store
	ledger billing.Ledger
	opts   Options
}

// New creates a Console. A nil ledger disables refunds.
func New(st store.Store, ledger billing.Ledger, opts Options) *Console {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 500
	}
	if opts.FailedLookback <= 0 {
		opts.FailedLookback = 7 * 24 * time.Hour
	}
	if opts.StuckTimeout == nil {
		opts.StuckTimeout = func(model.JobType) time.Duration { return batch.DefaultStuckTimeout }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Console{store: st, ledger: ledger, opts: opts}
}

// OverviewQuery selects what Overview returns.
type OverviewQuery struct {
	IncludeCompleted bool
	Limit            int
}

// RunView is a batch run as shown in the console.
type RunView struct {
	model.BatchRun
	AccountName     string `json:"accountName"`
	IsStuck         bool   `json:"isStuck"`
	ProgressPercent int    `json:"progressPercent"`
}

// Summary counts the runs in an overview.
type Summary struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Stuck  int `json:"stuck"`
	Failed int `json:"failed"`
}

// Overview is the console's main listing.
type Overview struct {
	Runs    []RunView `json:"runs"`
	Summary Summary   `json:"summary"`
	Errors  []string  `json:"errors,omitempty"`
}

// clampLimit applies the default and maximum page size.
func (c *Console) clampLimit(n int) int {
	if n <= 0 {
		return c.opts.DefaultLimit
	}
	return min(n, c.opts.MaxLimit)
}

// Overview lists active and recently failed runs of every job type, newest
// first. A job type that cannot be loaded is reported in Errors and the
// rest are still returned.
func (c *Console) Overview(ctx context.Context, q OverviewQuery) (*Overview, error) {
	limit := c.clampLimit(q.Limit)
	now := c.opts.Now().UTC()
	failedSince := now.Add(-c.opts.FailedLookback)

	perType := make([][]model.BatchRun, len(model.JobTypes))
	errs := make([]error, len(model.JobTypes))

	g, gctx := errgroup.WithContext(ctx)
	for i, jt := range model.JobTypes {
		g.Go(func() error {
			perType[i], errs[i] = c.loadJobType(gctx, jt, q.IncludeCompleted, limit, failedSince)
			return nil
		})
	}
	_ = g.Wait()

	out := &Overview{Runs: []RunView{}}
	var runs []model.BatchRun
	for i, err := range errs {
		if err != nil {
			zap.L().Error("admin: load runs", zap.String("job_type", string(model.JobTypes[i])), zap.Error(err))
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", model.JobTypes[i], err))
			continue
		}
		runs = append(runs, perType[i]...)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}

	names := c.accountNames(ctx, runs)
	for _, r := range runs {
		v := RunView{
			BatchRun:        r,
			AccountName:     names[r.AccountID],
			IsStuck:         r.IsStuck(now, c.opts.StuckTimeout(r.JobType)),
			ProgressPercent: r.ProgressPercent(),
		}
		out.Runs = append(out.Runs, v)

		out.Summary.Total++
		if r.Status.Active() {
			out.Summary.Active++
		}
		if v.IsStuck {
			out.Summary.Stuck++
		}
		if r.Status == model.RunStatusFailed {
			out.Summary.Failed++
		}
	}
	return out, nil
}

func (c *Console) loadJobType(ctx context.Context, jt model.JobType, includeCompleted bool, limit int, failedSince time.Time) ([]model.BatchRun, error) {
	active, err := c.store.ListBatchRuns(ctx, store.RunFilter{JobType: jt, Statuses: model.ActiveStatuses, Limit: limit})
	if err != nil {
		return nil, err
	}
	failed, err := c.store.ListBatchRuns(ctx, store.RunFilter{
		JobType:       jt,
		Statuses:      []model.RunStatus{model.RunStatusFailed},
		FinishedSince: &failedSince,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	runs := append(active, failed...)
	if includeCompleted {
		completed, err := c.store.ListBatchRuns(ctx, store.RunFilter{
			JobType:  jt,
			Statuses: []model.RunStatus{model.RunStatusCompleted},
			Limit:    limit,
		})
		if err != nil {
			return nil, err
		}
		runs = append(runs, completed...)
	}
	return runs, nil
}

// accountNames resolves display names. Unknown or unloadable accounts get
// an empty name.
func (c *Console) accountNames(ctx context.Context, runs []model.BatchRun) map[string]string {
	seen := map[string]bool{}
	var ids []string
	for _, r := range runs {
		if !seen[r.AccountID] {
			seen[r.AccountID] = true
			ids = append(ids, r.AccountID)
		}
	}
	if len(ids) == 0 {
		return map[string]string{}
	}
	names, err := c.store.AccountNames(ctx, ids)
	if err != nil {
		zap.L().Warn("admin: load account names", zap.Error(err))
		return map[string]string{}
	}
	return names
}

// ActionResult is the outcome of a console write.
type ActionResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Run     *model.BatchRun `json:"run,omitempty"`
}

// ForceFail fails a run whatever its status and returns its unused credits.
// Refund and notification problems are logged and reported in the message;
// they do not undo the status change.
func (c *Console) ForceFail(ctx context.Context, jobType model.JobType, runID string) (*ActionResult, error) {
	now := c.opts.Now().UTC()
	before, run, err := c.store.ForceFailRun(ctx, jobType, runID, ForceFailMessage, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "admin: force fail %s run %s", jobType, runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "admin: force fail")
	}

	log := zap.L().With(zap.String("run_id", run.ID), zap.String("account_id", run.AccountID), zap.String("job_type", string(jobType)))
	log.Warn("admin: run force-failed", zap.String("prior_status", string(before.Status)))

	msg := []string{"Run force-failed"}
	refund := run.UnusedCredits()
	switch {
	case batch.Settled(before):
		// The evaluator or an earlier force-fail already settled it.
		msg = append(msg, "credits were already settled")
	case run.IdempotencyKey == "" || c.ledger == nil:
		if refund > 0 {
			msg = append(msg, "no refund issued")
		}
	default:
		res := batch.Settle(ctx, c.ledger, run, refund, "force_fail")
		if res.DebitErr != nil {
			msg = append(msg, fmt.Sprintf("debit of %d credits failed: %v", run.CreditsUsed, res.DebitErr))
		}
		switch {
		case refund <= 0:
		case res.RefundErr != nil:
			msg = append(msg, fmt.Sprintf("refund of %d credits failed: %v", refund, res.RefundErr))
		default:
			msg = append(msg, fmt.Sprintf("refunded %d credits", refund))
			if err := c.store.CreateNotification(ctx, refundNotification(run, refund, now)); err != nil {
				log.Error("admin: notify refund", zap.Error(err))
				msg = append(msg, "notification failed")
			}
		}
	}

	return &ActionResult{Success: true, Message: strings.Join(msg, "; "), Run: run}, nil
}

func refundNotification(run *model.BatchRun, amount int, now time.Time) model.Notification {
	return model.Notification{
		AccountID: run.AccountID,
		Kind:      "credits_refunded",
		Title:     "Credits returned",
		Body: fmt.Sprintf("A %s job was stopped by our team. %d unused credits have been returned to your balance.",
			jobLabel(run.JobType), amount),
		CreatedAt: now,
	}
}

func jobLabel(jt model.JobType) string {
	switch jt {
	case model.JobTypeRank:
		return "rank tracking"
	case model.JobTypeLLM:
		return "AI visibility"
	case model.JobTypeConcept:
		return "concept check"
	case model.JobTypeAnalysis:
		return "competitor analysis"
	}
	return string(jt)
}

// Retry requeues a failed run. Resolved items, counters and credits used are
// kept, so the run resumes where it stopped.
func (c *Console) Retry(ctx context.Context, jobType model.JobType, runID string) (*ActionResult, error) {
	run, err := c.store.ResetRunForRetry(ctx, jobType, runID, c.opts.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		existing, gerr := c.store.GetBatchRun(ctx, runID)
		if errors.Is(gerr, store.ErrNotFound) || (gerr == nil && existing.JobType != jobType) {
			return nil, eris.Wrapf(ErrNotFound, "admin: retry %s run %s", jobType, runID)
		}
		if gerr != nil {
			return nil, eris.Wrap(gerr, "admin: retry")
		}
		return nil, eris.Wrapf(ErrInvalidTransition, "admin: retry run %s in status %s", runID, existing.Status)
	}
	if err != nil {
		return nil, eris.Wrap(err, "admin: retry")
	}

	zap.L().Info("admin: run requeued", zap.String("run_id", run.ID), zap.String("job_type", string(jobType)),
		zap.Int("processed", run.ProcessedItems), zap.Int("total", run.TotalItems))
	return &ActionResult{
		Success: true,
		Message: fmt.Sprintf("Run requeued; %d of %d items remain", run.Remaining(), run.TotalItems),
		Run:     run,
	}, nil
}
