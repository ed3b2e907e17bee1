package model

import "encoding/json"

// Tick messages for ticks that advanced nothing.
const (
	NoPendingRuns  = "no pending runs"
	TickInProgress = "tick already in progress"
)

// TickSummary reports what a single tick did for one job type.
type TickSummary struct {
	JobType        JobType   `json:"jobType"`
	RunID          string    `json:"runId,omitempty"`
	RunStatus      RunStatus `json:"runStatus,omitempty"`
	ItemsProcessed int       `json:"itemsProcessed"`
	SuccessCount   int       `json:"successCount"`
	FailCount      int       `json:"failCount"`
	SkipCount      int       `json:"skipCount"`
	Reaped         int       `json:"reaped,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// Idle returns the summary for a tick that found no claimable run.
func Idle(jobType JobType, reaped int) TickSummary {
	return TickSummary{JobType: jobType, Reaped: reaped, Message: NoPendingRuns}
}

// Busy returns the summary for a tick skipped because another holds the
// job type's tick lock.
func Busy(jobType JobType) TickSummary {
	return TickSummary{JobType: jobType, Message: TickInProgress}
}

// IsIdle reports whether no run was advanced.
func (t TickSummary) IsIdle() bool {
	return t.RunID == ""
}

// MarshalJSON renders idle ticks as {"message": ...} without zero counters.
func (t TickSummary) MarshalJSON() ([]byte, error) {
	if t.IsIdle() {
		return json.Marshal(struct {
			JobType JobType `json:"jobType"`
			Reaped  int     `json:"reaped,omitempty"`
			Message string  `json:"message"`
		}{t.JobType, t.Reaped, t.Message})
	}
	type plain TickSummary
	return json.Marshal(plain(t))
}
