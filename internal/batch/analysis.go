package batch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
)

// AnalysisProcessor analyzes domain and competitor items. Subjects already
// in the analysis caches are skipped without calling the model.
type AnalysisProcessor struct {
	cfg      ProcessorConfig
	analyzer Analyzer
}

// NewAnalysisProcessor creates an AnalysisProcessor.
func NewAnalysisProcessor(cfg ProcessorConfig, analyzer Analyzer) *AnalysisProcessor {
	return &AnalysisProcessor{cfg: cfg, analyzer: analyzer}
}

func (p *AnalysisProcessor) JobType() model.JobType { return model.JobTypeAnalysis }

func (p *AnalysisProcessor) Advance(ctx context.Context, run *model.BatchRun) (Progress, error) {
	st := p.cfg.Store
	log := zap.L().With(zap.String("job_type", string(run.JobType)), zap.String("run_id", run.ID))
	bg := context.WithoutCancel(ctx)

	// We hold the lease, so anything still processing was abandoned by an
	// earlier tick.
	if n, err := st.RequeueItems(ctx, run.ID, p.cfg.now()); err != nil {
		return Progress{}, eris.Wrap(err, "batch: requeue abandoned items")
	} else if n > 0 {
		log.Info("batch: requeued abandoned items", zap.Int("count", n))
	}

	if !hasBudget(ctx) {
		return Progress{}, nil
	}
	items, err := st.ClaimPendingItems(ctx, run.ID, p.cfg.batchSize(10), p.cfg.now())
	if err != nil {
		return Progress{}, eris.Wrap(err, "batch: claim items")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()
		if n, err := st.RequeueItems(ctx, run.ID, p.cfg.now()); err != nil {
			log.Error("batch: requeue unprocessed items", zap.Error(err))
		} else if n > 0 {
			log.Info("batch: returned unprocessed items to the queue", zap.Int("count", n))
		}
	}()

	var prog Progress
	for i := range items {
		item := &items[i]
		if !hasBudget(ctx) {
			log.Info("batch: tick budget exhausted", zap.Int("processed", prog.Processed))
			break
		}

		out := p.process(ctx, run, item)
		ok, err := st.RecordItemOutcome(bg, run.ID, out, p.cfg.now())
		if err != nil {
			log.Error("batch: record item outcome", zap.String("item_id", item.ID), zap.Error(err))
			break
		}
		if !ok {
			continue
		}
		prog.add(out.Status.Successful(), out.Status == model.ItemStatusSkipped)
	}
	return prog, nil
}

// process resolves one item. Errors are folded into a failed outcome.
func (p *AnalysisProcessor) process(ctx context.Context, run *model.BatchRun, item *model.BatchRunItem) store.ItemOutcome {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("item_id", item.ID), zap.String("item_key", item.ItemKey))
	out := store.ItemOutcome{ItemID: item.ID}

	skipped, err := p.analyzeItem(ctx, run, item)
	switch {
	case err != nil:
		log.Warn("batch: item failed", zap.Error(err))
		out.Status = model.ItemStatusFailed
		out.ErrorMessage = err.Error()
	case skipped:
		log.Debug("batch: item already analyzed, skipping")
		out.Status = model.ItemStatusSkipped
	default:
		out.Status = model.ItemStatusCompleted
		out.Credits = p.cfg.UnitCost
	}
	return out
}

func (p *AnalysisProcessor) analyzeItem(ctx context.Context, run *model.BatchRun, item *model.BatchRunItem) (skipped bool, err error) {
	st := p.cfg.Store
	switch item.ItemType {
	case model.ItemTypeDomain:
		cached, err := st.GetDomainAnalysis(ctx, item.ItemKey)
		if err != nil {
			return false, err
		}
		if cached != nil {
			return true, nil
		}
		_, raw, err := p.analyzer.AnalyzeDomain(ctx, item.ItemKey, item.ItemDisplayName, item.ItemMetadata)
		if err != nil {
			return false, err
		}
		return false, st.SaveDomainAnalysis(ctx, model.DomainAnalysis{
			Domain:     item.ItemKey,
			Result:     raw,
			AnalyzedAt: p.cfg.now(),
		})

	case model.ItemTypeCompetitor:
		cached, err := st.GetCompetitorAnalysis(ctx, run.AccountID, item.ItemKey)
		if err != nil {
			return false, err
		}
		if cached != nil {
			return true, nil
		}
		_, raw, err := p.analyzer.AnalyzeCompetitor(ctx, item.ItemKey, item.ItemDisplayName, item.ItemMetadata)
		if err != nil {
			return false, err
		}
		return false, st.SaveCompetitorAnalysis(ctx, model.CompetitorAnalysis{
			AccountID:     run.AccountID,
			CompetitorKey: item.ItemKey,
			Result:        raw,
			AnalyzedAt:    p.cfg.now(),
		})
	}
	return false, eris.Errorf("batch: unknown item type %q", item.ItemType)
}
