// Package batch drives batch runs through their lifecycle: enqueue, claim,
// advance under a time budget, reap and complete.
package batch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reviewpilot/batchd/internal/lock"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
	"github.com/reviewpilot/batchd/pkg/billing"
)

// Default tick settings.
const (
	DefaultTickBudget = 50 * time.Second
	DefaultLease      = 90 * time.Second
	// LeaseMargin is the least a lease must outlast the tick budget by.
	LeaseMargin = 30 * time.Second
)

// UnloadedMessage is recorded on a claimed run failed while the store could
// not read it. Such runs keep their reservation until an operator settles them.
const UnloadedMessage = "Run failed: could not be loaded"

// JobSettings tunes ticks of one job type.
type JobSettings struct {
	// Lease is how long a claim keeps other ticks off the run. It is raised
	// to the tick budget plus LeaseMargin when shorter.
	Lease  time.Duration
	Policy Policy
}

// RunnerConfig holds Runner dependencies. Locker and Ledger are optional.
type RunnerConfig struct {
	Store     store.Store
	Ledger    billing.Ledger
	Locker    lock.Locker
	Reaper    *Reaper
	Advancers []Advancer
	Jobs      map[model.JobType]JobSettings
	Budget    time.Duration
	Now       func() time.Time
}

// Runner executes ticks.
type Runner struct {
	store     store.Store
	ledger    billing.Ledger
	locker    lock.Locker
	reaper    *Reaper
	advancers map[model.JobType]Advancer
	jobs      map[model.JobType]JobSettings
	budget    time.Duration
	now       func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		locker:    cfg.Locker,
		reaper:    cfg.Reaper,
		advancers: make(map[model.JobType]Advancer, len(cfg.Advancers)),
		jobs:      cfg.Jobs,
		budget:    cfg.Budget,
		now:       cfg.Now,
	}
	for _, a := range cfg.Advancers {
		r.advancers[a.JobType()] = a
	}
	if r.reaper == nil {
		r.reaper = NewReaper(cfg.Store, nil)
	}
	if r.budget <= 0 {
		r.budget = DefaultTickBudget
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Runner) job(jobType model.JobType) JobSettings {
	s := r.jobs[jobType]
	if s.Lease <= 0 {
		s.Lease = DefaultLease
	}
	if floor := r.budget + LeaseMargin; s.Lease < floor {
		s.Lease = floor
	}
	return s
}

// Tick reaps stuck runs of jobType, then claims the oldest active run and
// advances it by one batch. Failures after the claim are logged and reflected
// in the run, not returned.
func (r *Runner) Tick(ctx context.Context, jobType model.JobType) (model.TickSummary, error) {
	adv, ok := r.advancers[jobType]
	if !ok {
		return model.TickSummary{}, eris.Errorf("batch: no processor for job type %q", jobType)
	}
	settings := r.job(jobType)
	log := zap.L().With(zap.String("job_type", string(jobType)))

	if r.locker != nil {
		unlock, held, err := r.locker.TryLock(ctx, string(jobType), settings.Lease)
		switch {
		case err != nil:
			// The claim CAS still keeps ticks apart.
			log.Warn("batch: tick lock unavailable", zap.Error(err))
		case !held:
			log.Debug("batch: another tick holds the lock")
			return model.Busy(jobType), nil
		default:
			defer unlock()
		}
	}

	now := r.now().UTC()
	reaped, err := r.reaper.Reap(ctx, jobType, now)
	if err != nil {
		return model.TickSummary{}, err
	}

	candidate, err := r.store.OldestActiveRun(ctx, jobType)
	if err != nil {
		return model.TickSummary{}, eris.Wrap(err, "batch: find oldest run")
	}
	if candidate == nil {
		return model.Idle(jobType, len(reaped)), nil
	}
	claimed, err := r.store.ClaimRun(ctx, candidate.ID, now, now.Add(settings.Lease))
	if err != nil {
		return model.TickSummary{}, eris.Wrapf(err, "batch: claim run %s", candidate.ID)
	}
	if !claimed {
		log.Debug("batch: oldest run is leased by another tick", zap.String("run_id", candidate.ID))
		return model.Idle(jobType, len(reaped)), nil
	}

	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := r.store.ReleaseLease(bg, candidate.ID); err != nil {
			log.Warn("batch: release lease", zap.String("run_id", candidate.ID), zap.Error(err))
		}
	}()

	summary := model.TickSummary{JobType: jobType, RunID: candidate.ID, RunStatus: model.RunStatusProcessing, Reaped: len(reaped)}
	log = log.With(zap.String("run_id", candidate.ID))

	run, err := r.store.GetBatchRun(ctx, candidate.ID)
	if err != nil {
		log.Error("batch: reload claimed run", zap.Error(err))
		summary.RunStatus = r.failUnloaded(bg, candidate, settings.Policy, err)
		return summary, nil
	}

	budgetCtx, cancel := context.WithTimeout(ctx, r.budget)
	prog, advErr := adv.Advance(budgetCtx, run)
	cancel()

	summary.ItemsProcessed = prog.Processed
	summary.SuccessCount = prog.Succeeded
	summary.FailCount = prog.Failed
	summary.SkipCount = prog.Skipped

	if advErr != nil {
		log.Error("batch: run cannot proceed", zap.Error(advErr))
	}
	status, err := r.complete(bg, run, settings.Policy, advErr)
	if err != nil {
		log.Error("batch: complete run", zap.Error(err))
	}
	summary.RunStatus = status

	log.Info("batch: tick finished",
		zap.String("run_status", string(status)),
		zap.Int("processed", prog.Processed),
		zap.Int("succeeded", prog.Succeeded),
		zap.Int("failed", prog.Failed),
		zap.Int("skipped", prog.Skipped),
	)
	return summary, nil
}

// complete finishes run when nothing is left to do, or fails it when fatal
// is set. Ledger settlement only follows a transition this call made.
func (r *Runner) complete(ctx context.Context, run *model.BatchRun, policy Policy, fatal error) (model.RunStatus, error) {
	fresh, err := r.store.GetBatchRun(ctx, run.ID)
	if err != nil {
		return run.Status, err
	}
	if fresh.Status.Terminal() {
		return fresh.Status, nil
	}

	var out Outcome
	reason := "completed"
	if fatal != nil {
		msg := fatal.Error()
		out = Outcome{Status: model.RunStatusFailed, ErrorMessage: &msg, Refund: fresh.UnusedCredits()}
		reason = "failed"
	} else {
		tally := TallyFromRun(fresh)
		if fresh.JobType.ItemGranular() {
			counts, err := r.store.CountItems(ctx, fresh.ID)
			if err != nil {
				return fresh.Status, err
			}
			tally = TallyFromItems(counts)
		}
		if !tally.Done() {
			return fresh.Status, nil
		}
		out = Evaluate(tally, fresh.EstimatedCredits, fresh.CreditsUsed, policy)
	}

	changed, err := r.store.CompleteRun(ctx, fresh.ID, store.Completion{
		Status:       out.Status,
		ErrorMessage: out.ErrorMessage,
		At:           r.now().UTC(),
	})
	if err != nil {
		return fresh.Status, err
	}
	if !changed {
		// Someone else finished it first; they own the settlement.
		latest, err := r.store.GetBatchRun(ctx, fresh.ID)
		if err != nil {
			return fresh.Status, err
		}
		return latest.Status, nil
	}

	Settle(ctx, r.ledger, fresh, out.Refund, reason)
	return out.Status, nil
}

// failUnloaded fails a claimed run that could not be read back, so it does
// not sit processing until the reaper finds it. When the store still cannot
// read it, the run is failed with UnloadedMessage and left unsettled.
func (r *Runner) failUnloaded(ctx context.Context, candidate *model.BatchRun, policy Policy, cause error) model.RunStatus {
	log := zap.L().With(zap.String("run_id", candidate.ID))
	status, err := r.complete(ctx, candidate, policy, eris.Wrap(cause, "batch: load claimed run"))
	if err == nil {
		return status
	}
	log.Error("batch: complete unloaded run", zap.Error(err))

	msg := UnloadedMessage
	changed, err := r.store.CompleteRun(ctx, candidate.ID, store.Completion{
		Status:       model.RunStatusFailed,
		ErrorMessage: &msg,
		At:           r.now().UTC(),
	})
	if err != nil {
		log.Error("batch: fail unloaded run", zap.Error(err))
		return model.RunStatusProcessing
	}
	if !changed {
		return model.RunStatusProcessing
	}
	log.Warn("batch: unloaded run failed without settlement")
	return model.RunStatusFailed
}

// TickAll runs one tick for every job type concurrently. Job types are
// independent, so one failing does not stop the others.
func (r *Runner) TickAll(ctx context.Context) ([]model.TickSummary, error) {
	summaries := make([]model.TickSummary, len(model.JobTypes))
	errs := make([]error, len(model.JobTypes))

	var g errgroup.Group
	for i, jt := range model.JobTypes {
		if _, ok := r.advancers[jt]; !ok {
			summaries[i] = model.Idle(jt, 0)
			continue
		}
		g.Go(func() error {
			summaries[i], errs[i] = r.Tick(ctx, jt)
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	for i, err := range errs {
		if err != nil {
			zap.L().Error("batch: tick failed", zap.String("job_type", string(model.JobTypes[i])), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			summaries[i] = model.TickSummary{JobType: model.JobTypes[i], Message: err.Error()}
		}
	}
	return summaries, firstErr
}
