package batch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/reviewpilot/batchd/internal/analyze"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
	"github.com/reviewpilot/batchd/pkg/perplexity"
	"github.com/reviewpilot/batchd/pkg/serp"
)

// Prober runs one concept probe.
type Prober interface {
	Probe(ctx context.Context, concept, brand, domain, probe string) (analyze.ProbeResult, error)
}

// Analyzer classifies domains and competitors.
type Analyzer interface {
	AnalyzeDomain(ctx context.Context, domain, displayName string, metadata json.RawMessage) (analyze.DomainResult, json.RawMessage, error)
	AnalyzeCompetitor(ctx context.Context, competitor, displayName string, metadata json.RawMessage) (analyze.CompetitorResult, json.RawMessage, error)
}

// ProcessorConfig is shared by every processor.
type ProcessorConfig struct {
	Store     store.Store
	BatchSize int
	UnitCost  int
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c ProcessorConfig) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c ProcessorConfig) batchSize(def int) int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return def
}

var paramsValidator = validator.New(validator.WithRequiredStructEnabled())

// decodeParams decodes and validates a run's params. A mismatch between the
// params and totalItems is fatal since the cursor would walk off the list.
func decodeParams[T interface{ Units() int }](run *model.BatchRun) (T, error) {
	p, err := model.DecodeParams[T](run)
	if err != nil {
		return p, err
	}
	if err := paramsValidator.Struct(p); err != nil {
		return p, eris.Wrapf(err, "batch: invalid params for run %s", run.ID)
	}
	if p.Units() != run.TotalItems {
		return p, eris.Errorf("batch: run %s has %d units in params but totalItems %d", run.ID, p.Units(), run.TotalItems)
	}
	return p, nil
}

// RankProcessor checks the target domain's search position for each
// keyword.
type RankProcessor struct {
	cfg  ProcessorConfig
	serp serp.Client
}

// NewRankProcessor creates a RankProcessor.
func NewRankProcessor(cfg ProcessorConfig, client serp.Client) *RankProcessor {
	return &RankProcessor{cfg: cfg, serp: client}
}

func (p *RankProcessor) JobType() model.JobType { return model.JobTypeRank }

func (p *RankProcessor) Advance(ctx context.Context, run *model.BatchRun) (Progress, error) {
	params, err := decodeParams[model.RankParams](run)
	if err != nil {
		return Progress{}, err
	}
	return advanceUnits(ctx, p.cfg.Store, run, p.cfg.batchSize(25), p.cfg.UnitCost, func(ctx context.Context, i int) (store.UnitOutcome, error) {
		kw := params.Keywords[i]
		resp, err := p.serp.Rank(ctx, serp.RankRequest{
			Keyword:  kw.Keyword,
			Domain:   params.TargetDomain,
			Location: params.Location,
		})
		if err != nil {
			return store.UnitOutcome{}, err
		}
		return store.UnitOutcome{Rank: &model.RankResult{
			AccountID:        run.AccountID,
			TrackedKeywordID: kw.TrackedKeywordID,
			Keyword:          kw.Keyword,
			Position:         resp.Position,
			URL:              resp.URL,
			CheckedAt:        p.cfg.now(),
		}}, nil
	}), nil
}

// VisibilityProcessor asks the answer engine each question and checks
// whether the brand comes up.
type VisibilityProcessor struct {
	cfg    ProcessorConfig
	engine perplexity.Client
}

// NewVisibilityProcessor creates a VisibilityProcessor.
func NewVisibilityProcessor(cfg ProcessorConfig, engine perplexity.Client) *VisibilityProcessor {
	return &VisibilityProcessor{cfg: cfg, engine: engine}
}

func (p *VisibilityProcessor) JobType() model.JobType { return model.JobTypeLLM }

func (p *VisibilityProcessor) Advance(ctx context.Context, run *model.BatchRun) (Progress, error) {
	params, err := decodeParams[model.VisibilityParams](run)
	if err != nil {
		return Progress{}, err
	}
	return advanceUnits(ctx, p.cfg.Store, run, p.cfg.batchSize(10), p.cfg.UnitCost, func(ctx context.Context, i int) (store.UnitOutcome, error) {
		q := params.Questions[i]
		answer, err := p.engine.Ask(ctx, q)
		if err != nil {
			return store.UnitOutcome{}, err
		}
		mentioned, excerpt := answer.Mentions(params.Brand, params.Domain)
		return store.UnitOutcome{Visibility: &model.VisibilityResult{
			AccountID: run.AccountID,
			Question:  q,
			Mentioned: mentioned,
			Excerpt:   excerpt,
			CheckedAt: p.cfg.now(),
		}}, nil
	}), nil
}

// ConceptProcessor runs each probe prompt of a concept check.
type ConceptProcessor struct {
	cfg    ProcessorConfig
	prober Prober
}

// NewConceptProcessor creates a ConceptProcessor.
func NewConceptProcessor(cfg ProcessorConfig, prober Prober) *ConceptProcessor {
	return &ConceptProcessor{cfg: cfg, prober: prober}
}

func (p *ConceptProcessor) JobType() model.JobType { return model.JobTypeConcept }

func (p *ConceptProcessor) Advance(ctx context.Context, run *model.BatchRun) (Progress, error) {
	params, err := decodeParams[model.ConceptParams](run)
	if err != nil {
		return Progress{}, err
	}
	return advanceUnits(ctx, p.cfg.Store, run, p.cfg.batchSize(10), p.cfg.UnitCost, func(ctx context.Context, i int) (store.UnitOutcome, error) {
		probe := params.Probes[i]
		r, err := p.prober.Probe(ctx, params.Concept, params.Brand, params.Domain, probe)
		if err != nil {
			return store.UnitOutcome{}, err
		}
		return store.UnitOutcome{Concept: &model.ConceptProbeResult{
			AccountID:  run.AccountID,
			Probe:      probe,
			Mentioned:  r.Mentioned,
			Confidence: r.Confidence,
			CheckedAt:  p.cfg.now(),
		}}, nil
	}), nil
}
