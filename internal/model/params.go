package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// RankParams is the context a rank run carries in its params column.
type RankParams struct {
	TargetDomain string        `json:"targetDomain" validate:"required"`
	Location     string        `json:"location,omitempty"`
	Keywords     []RankKeyword `json:"keywords" validate:"required,min=1,dive"`
}

// RankKeyword is one keyword to check.
type RankKeyword struct {
	TrackedKeywordID string `json:"trackedKeywordId,omitempty"`
	Keyword          string `json:"keyword" validate:"required"`
}

// VisibilityParams drives an llm run: each question is asked once and the
// answer is checked for the brand.
type VisibilityParams struct {
	Brand     string   `json:"brand" validate:"required"`
	Domain    string   `json:"domain,omitempty"`
	Questions []string `json:"questions" validate:"required,min=1,dive,required"`
}

// ConceptParams drives a concept run: every probe asks the model about the
// concept from a different angle.
type ConceptParams struct {
	Concept string   `json:"concept" validate:"required"`
	Brand   string   `json:"brand" validate:"required"`
	Domain  string   `json:"domain,omitempty"`
	Probes  []string `json:"probes" validate:"required,min=1,dive,required"`
}

// Units returns the number of work units in the params.
func (p RankParams) Units() int { return len(p.Keywords) }

// Units returns the number of work units in the params.
func (p VisibilityParams) Units() int { return len(p.Questions) }

// Units returns the number of work units in the params.
func (p ConceptParams) Units() int { return len(p.Probes) }

// DecodeParams unmarshals a run's params into T.
func DecodeParams[T any](run *BatchRun) (T, error) {
	var p T
	if len(run.Params) == 0 {
		return p, eris.Errorf("model: run %s has no params", run.ID)
	}
	if err := json.Unmarshal(run.Params, &p); err != nil {
		return p, eris.Wrapf(err, "model: decode params for run %s", run.ID)
	}
	return p, nil
}

// RankResult is the stored outcome of one keyword check.
type RankResult struct {
	ID               string    `json:"id"`
	BatchRunID       string    `json:"batchRunId"`
	AccountID        string    `json:"accountId"`
	TrackedKeywordID string    `json:"trackedKeywordId,omitempty"`
	Keyword          string    `json:"keyword"`
	Position         *int      `json:"position"`
	URL              string    `json:"url,omitempty"`
	CheckedAt        time.Time `json:"checkedAt"`
}

// VisibilityResult is the stored outcome of one visibility question.
type VisibilityResult struct {
	ID         string    `json:"id"`
	BatchRunID string    `json:"batchRunId"`
	AccountID  string    `json:"accountId"`
	Question   string    `json:"question"`
	Mentioned  bool      `json:"mentioned"`
	Excerpt    string    `json:"excerpt,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// ConceptProbeResult is the stored outcome of one concept probe.
type ConceptProbeResult struct {
	ID         string    `json:"id"`
	BatchRunID string    `json:"batchRunId"`
	AccountID  string    `json:"accountId"`
	Probe      string    `json:"probe"`
	Mentioned  bool      `json:"mentioned"`
	Confidence float64   `json:"confidence"`
	CheckedAt  time.Time `json:"checkedAt"`
}
