package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/reviewpilot/batchd/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a conditional transition matched no row
	// because the row is not in the expected state.
	ErrConflict = eris.New("store: state conflict")
)

// RunFilter specifies criteria for listing batch runs.
type RunFilter struct {
	JobType   model.JobType     `json:"jobType,omitempty"`
	AccountID string            `json:"accountId,omitempty"`
	Statuses  []model.RunStatus `json:"statuses,omitempty"`
	// FinishedSince restricts to runs with completedAt at or after it.
	FinishedSince *time.Time `json:"finishedSince,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// NewBatchRun is the input to CreateBatchRun. Items are only set for
// item-granular job types; TotalItems is derived from them when present.
type NewBatchRun struct {
	AccountID        string
	JobType          model.JobType
	Params           json.RawMessage
	Items            []NewItem
	TotalItems       int
	EstimatedCredits int
	IdempotencyKey   string
	// CreatedAt defaults to the current time.
	CreatedAt time.Time
}

func (in NewBatchRun) createdAt() time.Time {
	if in.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return in.CreatedAt.UTC()
}

// NewItem is one item of a NewBatchRun.
type NewItem struct {
	ItemType    model.ItemType
	ItemKey     string
	DisplayName string
	Metadata    json.RawMessage
}

// UnitOutcome records one processed unit of a cursor-driven run together
// with its result row.
type UnitOutcome struct {
	// Index is the unit's position; it must equal the run's processedItems
	// for the write to land, so two ticks cannot record the same unit.
	Index      int
	Success    bool
	Credits    int
	Rank       *model.RankResult
	Visibility *model.VisibilityResult
	Concept    *model.ConceptProbeResult
}

// ItemOutcome records the resolution of one batch run item.
type ItemOutcome struct {
	ItemID       string
	Status       model.ItemStatus
	ErrorMessage string
	Credits      int
}

// Completion is the terminal state written by CompleteRun.
type Completion struct {
	Status       model.RunStatus
	ErrorMessage *string
	At           time.Time
}

// Store defines the persistence interface for batch orchestration.
type Store interface {
	// Runs
	CreateBatchRun(ctx context.Context, in NewBatchRun) (*model.BatchRun, error)
	GetBatchRun(ctx context.Context, runID string) (*model.BatchRun, error)
	ListBatchRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error)
	OldestActiveRun(ctx context.Context, jobType model.JobType) (*model.BatchRun, error)
	ClaimRun(ctx context.Context, runID string, now, leaseUntil time.Time) (bool, error)
	ReleaseLease(ctx context.Context, runID string) error
	RecordUnitOutcome(ctx context.Context, runID string, out UnitOutcome) (bool, error)
	CompleteRun(ctx context.Context, runID string, c Completion) (bool, error)
	FailStaleRuns(ctx context.Context, jobType model.JobType, startedBefore time.Time, message string, now time.Time) ([]model.BatchRun, error)
	// ForceFailRun fails the run whatever its status and returns it as it
	// was before and after the update.
	ForceFailRun(ctx context.Context, jobType model.JobType, runID, message string, now time.Time) (before, after *model.BatchRun, err error)
	ResetRunForRetry(ctx context.Context, jobType model.JobType, runID string, now time.Time) (*model.BatchRun, error)

	// Items
	ClaimPendingItems(ctx context.Context, runID string, limit int, now time.Time) ([]model.BatchRunItem, error)
	RecordItemOutcome(ctx context.Context, runID string, out ItemOutcome, now time.Time) (bool, error)
	// RequeueItems puts a run's processing items back to pending. Only the
	// lease holder calls it, so any processing item is left over from a
	// tick that ran out of budget or crashed.
	RequeueItems(ctx context.Context, runID string, now time.Time) (int, error)
	CountItems(ctx context.Context, runID string) (model.ItemCounts, error)
	ListItems(ctx context.Context, runID string) ([]model.BatchRunItem, error)

	// Analysis caches
	GetDomainAnalysis(ctx context.Context, domain string) (*model.DomainAnalysis, error)
	SaveDomainAnalysis(ctx context.Context, a model.DomainAnalysis) error
	GetCompetitorAnalysis(ctx context.Context, accountID, key string) (*model.CompetitorAnalysis, error)
	SaveCompetitorAnalysis(ctx context.Context, a model.CompetitorAnalysis) error

	// Accounts and notifications
	AccountNames(ctx context.Context, accountIDs []string) (map[string]string, error)
	CreateNotification(ctx context.Context, n model.Notification) error

	// Tracked keywords
	SaveTrackedKeyword(ctx context.Context, kw model.TrackedKeyword) error
	SaveAccountSchedule(ctx context.Context, accountID string, s model.Schedule) error
	DueTrackedKeywords(ctx context.Context, now time.Time, limit int) ([]model.TrackedKeyword, error)
	MarkKeywordScheduled(ctx context.Context, keywordID string, ranAt, next time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
