package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
)

// Progress is what one Advance call did.
type Progress struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
}

func (p *Progress) add(success, skipped bool) {
	p.Processed++
	switch {
	case skipped:
		p.Skipped++
	case success:
		p.Succeeded++
	default:
		p.Failed++
	}
}

// Advancer moves a claimed run of one job type forward by at most one
// batch. Item errors are recorded as failed units and do not end the call;
// a returned error means the run itself cannot proceed.
type Advancer interface {
	JobType() model.JobType
	Advance(ctx context.Context, run *model.BatchRun) (Progress, error)
}

// minUnitTime is the least budget worth starting another unit with.
const minUnitTime = 2 * time.Second

// hasBudget reports whether ctx leaves room for another unit.
func hasBudget(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline) >= minUnitTime
	}
	return true
}

// unitFunc performs unit i of a cursor-driven run. A returned error fails
// that unit only.
type unitFunc func(ctx context.Context, i int) (store.UnitOutcome, error)

// advanceUnits walks a cursor-driven run from processedItems forward,
// recording each unit as it finishes.
func advanceUnits(ctx context.Context, st store.Store, run *model.BatchRun, batchSize, unitCost int, do unitFunc) Progress {
	log := zap.L().With(zap.String("job_type", string(run.JobType)), zap.String("run_id", run.ID))

	var p Progress
	end := min(run.ProcessedItems+batchSize, run.TotalItems)
	for i := run.ProcessedItems; i < end; i++ {
		if !hasBudget(ctx) {
			log.Info("batch: tick budget exhausted", zap.Int("processed", p.Processed))
			break
		}

		out, err := do(ctx, i)
		if err != nil {
			log.Warn("batch: unit failed", zap.Int("unit", i), zap.Error(err))
			out = store.UnitOutcome{}
		} else {
			out.Success = true
			out.Credits = unitCost
		}
		out.Index = i

		// Bookkeeping outlives the tick budget.
		ok, err := st.RecordUnitOutcome(context.WithoutCancel(ctx), run.ID, out)
		if err != nil {
			log.Error("batch: record unit outcome", zap.Int("unit", i), zap.Error(err))
			break
		}
		if !ok {
			// Reaped, force-failed, already full, or another tick recorded
			// this unit first.
			log.Warn("batch: run no longer accepting outcomes", zap.Int("unit", i))
			break
		}
		p.add(out.Success, false)
	}
	return p
}
