package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// JobType identifies the kind of work a batch run performs.
type JobType string

const (
	JobTypeRank     JobType = "rank"     // keyword rank tracking
	JobTypeLLM      JobType = "llm"      // LLM visibility checks
	JobTypeConcept  JobType = "concept"  // concept-check multi-probe runs
	JobTypeAnalysis JobType = "analysis" // domain and competitor analysis
)

// JobTypes lists every job type in tick order.
var JobTypes = []JobType{JobTypeRank, JobTypeLLM, JobTypeConcept, JobTypeAnalysis}

// ParseJobType validates s as a job type.
func ParseJobType(s string) (JobType, error) {
	jt := JobType(s)
	if !jt.Valid() {
		return "", eris.Errorf("model: unknown job type %q", s)
	}
	return jt, nil
}

// Valid reports whether j is a known job type.
func (j JobType) Valid() bool {
	switch j {
	case JobTypeRank, JobTypeLLM, JobTypeConcept, JobTypeAnalysis:
		return true
	}
	return false
}

// ItemGranular reports whether runs of this type track work as individual
// batch_run_items rows rather than a cursor over the run's params.
func (j JobType) ItemGranular() bool {
	return j == JobTypeAnalysis
}

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// ActiveStatuses are the statuses a tick may pick up.
var ActiveStatuses = []RunStatus{RunStatusPending, RunStatusProcessing}

// Active reports whether the run can still make progress.
func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusProcessing
}

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ItemStatus is the lifecycle state of a single batch run item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusSkipped    ItemStatus = "skipped"
	ItemStatusFailed     ItemStatus = "failed"
)

// Terminal reports whether the item has been resolved.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusSkipped || s == ItemStatusFailed
}

// Successful reports whether the item counts toward successfulItems.
// Skipped items count as successes.
func (s ItemStatus) Successful() bool {
	return s == ItemStatusCompleted || s == ItemStatusSkipped
}

// ItemType distinguishes analysis subjects.
type ItemType string

const (
	ItemTypeDomain     ItemType = "domain"
	ItemTypeCompetitor ItemType = "competitor"
)

// BatchRun is one queued unit of background work for a tenant account.
type BatchRun struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"accountId"`
	JobType          JobType         `json:"jobType"`
	Status           RunStatus       `json:"status"`
	TotalItems       int             `json:"totalItems"`
	ProcessedItems   int             `json:"processedItems"`
	SuccessfulItems  int             `json:"successfulItems"`
	FailedItems      int             `json:"failedItems"`
	Params           json.RawMessage `json:"params,omitempty"`
	EstimatedCredits int             `json:"estimatedCredits"`
	CreditsUsed      int             `json:"creditsUsed"`
	IdempotencyKey   string          `json:"idempotencyKey,omitempty"`
	ErrorMessage     *string         `json:"errorMessage"`
	LeaseUntil       *time.Time      `json:"leaseUntil,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt"`
	CompletedAt      *time.Time      `json:"completedAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Remaining returns the number of units not yet processed.
func (r *BatchRun) Remaining() int {
	if n := r.TotalItems - r.ProcessedItems; n > 0 {
		return n
	}
	return 0
}

// UnusedCredits returns estimatedCredits minus creditsUsed, floored at zero.
func (r *BatchRun) UnusedCredits() int {
	return UnusedCredits(r.EstimatedCredits, r.CreditsUsed)
}

// UnusedCredits returns max(0, estimated - used).
func UnusedCredits(estimated, used int) int {
	if d := estimated - used; d > 0 {
		return d
	}
	return 0
}

// ProgressPercent returns processed/total as a whole percentage.
func (r *BatchRun) ProgressPercent() int {
	if r.TotalItems <= 0 {
		return 0
	}
	return r.ProcessedItems * 100 / r.TotalItems
}

// IsStuck reports whether an active run has gone longer than timeout
// without processing anything. A processing run is measured from
// startedAt and a pending run from createdAt.
func (r *BatchRun) IsStuck(now time.Time, timeout time.Duration) bool {
	if !r.Status.Active() || r.ProcessedItems > 0 {
		return false
	}
	since := r.CreatedAt
	if r.StartedAt != nil {
		since = *r.StartedAt
	}
	return now.Sub(since) > timeout
}

// BatchRunItem is one analysis subject inside an item-granular run.
type BatchRunItem struct {
	ID              string          `json:"id"`
	BatchRunID      string          `json:"batchRunId"`
	Position        int             `json:"position"`
	ItemType        ItemType        `json:"itemType"`
	ItemKey         string          `json:"itemKey"`
	ItemDisplayName string          `json:"itemDisplayName"`
	ItemMetadata    json.RawMessage `json:"itemMetadata,omitempty"`
	Status          ItemStatus      `json:"status"`
	ErrorMessage    *string         `json:"errorMessage,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ItemCounts tallies a run's items by status.
type ItemCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Total returns the number of items across all statuses.
func (c ItemCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Skipped + c.Failed
}

// Unresolved returns the number of items still pending or in flight.
func (c ItemCounts) Unresolved() int {
	return c.Pending + c.Processing
}

// Add increments the bucket for status by n.
func (c *ItemCounts) Add(status ItemStatus, n int) {
	switch status {
	case ItemStatusPending:
		c.Pending += n
	case ItemStatusProcessing:
		c.Processing += n
	case ItemStatusCompleted:
		c.Completed += n
	case ItemStatusSkipped:
		c.Skipped += n
	case ItemStatusFailed:
		c.Failed += n
	}
}

// Notification is an entry in a tenant's notification feed.
type Notification struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}
