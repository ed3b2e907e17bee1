package batch

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/reviewpilot/batchd/internal/cost"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
	"github.com/reviewpilot/batchd/pkg/billing"
)

// ErrInvalidRequest wraps enqueue validation failures.
var ErrInvalidRequest = eris.New("batch: invalid enqueue request")

// EnqueueRequest asks for a new batch run. Analysis runs carry Items; the
// other job types carry Params.
type EnqueueRequest struct {
	AccountID        string          `json:"accountId" validate:"required"`
	JobType          model.JobType   `json:"jobType" validate:"required,oneof=rank llm concept analysis"`
	Items            []EnqueueItem   `json:"items,omitempty" validate:"omitempty,max=1000,dive"`
	Params           json.RawMessage `json:"params,omitempty"`
	EstimatedCredits *int            `json:"estimatedCredits,omitempty" validate:"omitempty,min=0"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty" validate:"omitempty,max=200"`
}

// EnqueueItem is one analysis subject.
type EnqueueItem struct {
	Type        model.ItemType  `json:"type" validate:"required,oneof=domain competitor"`
	Key         string          `json:"key" validate:"required"`
	DisplayName string          `json:"displayName,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Enqueuer validates requests, reserves credits and creates runs.
type Enqueuer struct {
	store    store.Store
	ledger   billing.Ledger
	pricing  *cost.Pricing
	validate *validator.Validate
}

// NewEnqueuer creates an Enqueuer. A nil ledger skips reservations.
func NewEnqueuer(st store.Store, ledger billing.Ledger, pricing *cost.Pricing) *Enqueuer {
	return &Enqueuer{
		store:    st,
		ledger:   ledger,
		pricing:  pricing,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Enqueue creates a run. Repeating a request with the same idempotency key
// returns the original run without reserving again.
func (e *Enqueuer) Enqueue(ctx context.Context, req EnqueueRequest) (*model.BatchRun, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, eris.Wrap(ErrInvalidRequest, err.Error())
	}

	in := store.NewBatchRun{
		AccountID:      req.AccountID,
		JobType:        req.JobType,
		IdempotencyKey: req.IdempotencyKey,
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}

	units, err := e.prepare(req, &in)
	if err != nil {
		return nil, err
	}
	in.EstimatedCredits = e.pricing.Estimate(req.JobType, units)
	if req.EstimatedCredits != nil {
		in.EstimatedCredits = *req.EstimatedCredits
	}

	log := zap.L().With(
		zap.String("account_id", req.AccountID),
		zap.String("job_type", string(req.JobType)),
		zap.String("idempotency_key", in.IdempotencyKey),
	)

	if e.ledger != nil {
		if err := e.ledger.Reserve(ctx, req.AccountID, in.EstimatedCredits, in.IdempotencyKey); err != nil {
			return nil, eris.Wrap(err, "batch: reserve credits")
		}
	}

	run, err := e.store.CreateBatchRun(ctx, in)
	if err != nil {
		if e.ledger != nil {
			rerr := e.ledger.Refund(context.WithoutCancel(ctx), req.AccountID, in.EstimatedCredits, in.IdempotencyKey,
				map[string]string{"reason": "enqueue_failed"})
			if rerr != nil {
				log.Error("batch: refund reservation after failed enqueue", zap.Error(rerr))
			}
		}
		return nil, eris.Wrap(err, "batch: create run")
	}

	log.Info("batch: enqueued run",
		zap.String("run_id", run.ID),
		zap.Int("total_items", run.TotalItems),
		zap.Int("estimated_credits", run.EstimatedCredits),
	)
	return run, nil
}

// prepare fills the items or params of in and returns the unit count.
func (e *Enqueuer) prepare(req EnqueueRequest, in *store.NewBatchRun) (int, error) {
	if req.JobType.ItemGranular() {
		if len(req.Items) == 0 {
			return 0, eris.Wrap(ErrInvalidRequest, "analysis runs need at least one item")
		}
		seen := make(map[string]bool, len(req.Items))
		for _, it := range req.Items {
			key := NormalizeKey(it.Type, it.Key)
			if key == "" {
				return 0, eris.Wrapf(ErrInvalidRequest, "item key %q is empty after normalization", it.Key)
			}
			dedup := string(it.Type) + "\x00" + key
			if seen[dedup] {
				continue
			}
			seen[dedup] = true
			name := strings.TrimSpace(it.DisplayName)
			if name == "" {
				name = strings.TrimSpace(it.Key)
			}
			in.Items = append(in.Items, store.NewItem{
				ItemType:    it.Type,
				ItemKey:     key,
				DisplayName: name,
				Metadata:    it.Metadata,
			})
		}
		return len(in.Items), nil
	}

	if len(req.Items) > 0 {
		return 0, eris.Wrapf(ErrInvalidRequest, "%s runs take params, not items", req.JobType)
	}
	var (
		units int
		err   error
	)
	switch req.JobType {
	case model.JobTypeRank:
		units, err = e.checkParams(req.Params, &model.RankParams{})
	case model.JobTypeLLM:
		units, err = e.checkParams(req.Params, &model.VisibilityParams{})
	case model.JobTypeConcept:
		units, err = e.checkParams(req.Params, &model.ConceptParams{})
	}
	if err != nil {
		return 0, err
	}
	in.Params = req.Params
	in.TotalItems = units
	return units, nil
}

func (e *Enqueuer) checkParams(raw json.RawMessage, p interface{ Units() int }) (int, error) {
	if len(raw) == 0 {
		return 0, eris.Wrap(ErrInvalidRequest, "params are required")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return 0, eris.Wrapf(ErrInvalidRequest, "decode params: %v", err)
	}
	if err := e.validate.Struct(p); err != nil {
		return 0, eris.Wrap(ErrInvalidRequest, err.Error())
	}
	return p.Units(), nil
}

var fold = cases.Fold()

// NormalizeKey builds the dedup key for an item: case-folded and trimmed,
// and for anything that looks like a host, stripped of scheme, "www.",
// port and path.
func NormalizeKey(itemType model.ItemType, raw string) string {
	key := fold.String(strings.TrimSpace(raw))
	if itemType == model.ItemTypeDomain || looksLikeHost(key) {
		return normalizeHost(key)
	}
	return strings.Join(strings.Fields(key), " ")
}

func looksLikeHost(s string) bool {
	return strings.Contains(s, ".") && !strings.ContainsAny(s, " \t")
}

func normalizeHost(s string) string {
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	var host string
	if u, err := url.Parse(s); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	} else {
		host = strings.TrimPrefix(strings.SplitN(s, "://", 2)[1], "//")
		if i := strings.IndexAny(host, "/?#:"); i >= 0 {
			host = host[:i]
		}
	}
	host = strings.TrimPrefix(host, "www.")
	return strings.TrimSuffix(host, ".")
}
