package batch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/reviewpilot/batchd/internal/model"
)

// Policy decides whether a finished run with failures counts as failed.
type Policy struct {
	name  string
	ratio float64
}

// Built-in policies.
var (
	// FailWhenAllFailed fails a run only when every item failed.
	FailWhenAllFailed = Policy{name: "all"}
	// FailWhenAnyFailed fails a run on the first failed item.
	FailWhenAnyFailed = Policy{name: "any"}
)

// FailAboveRatio fails a run when more than r of its items failed.
func FailAboveRatio(r float64) Policy {
	return Policy{name: "ratio", ratio: r}
}

// ParsePolicy reads a failure_policy setting: "all", "any" or a ratio in
// (0, 1). Empty means "all".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return FailWhenAllFailed, nil
	case "any":
		return FailWhenAnyFailed, nil
	}
	r, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || r <= 0 || r >= 1 {
		return Policy{}, eris.Errorf("batch: invalid failure policy %q", s)
	}
	return FailAboveRatio(r), nil
}

func (p Policy) String() string {
	if p.name == "ratio" {
		return strconv.FormatFloat(p.ratio, 'f', -1, 64)
	}
	if p.name == "" {
		return "all"
	}
	return p.name
}

// Fails reports whether failed out of total items fails the run.
func (p Policy) Fails(failed, total int) bool {
	if total <= 0 || failed <= 0 {
		return false
	}
	switch p.name {
	case "any":
		return true
	case "ratio":
		return float64(failed)/float64(total) > p.ratio
	}
	return failed >= total
}

// Tally is a run's progress as the evaluator sees it.
type Tally struct {
	Total     int
	Processed int
	Failed    int
}

// Done reports whether every unit has been resolved.
func (t Tally) Done() bool {
	return t.Processed >= t.Total
}

// TallyFromRun reads the counters of a cursor-driven run.
func TallyFromRun(run *model.BatchRun) Tally {
	return Tally{Total: run.TotalItems, Processed: run.ProcessedItems, Failed: run.FailedItems}
}

// TallyFromItems reads item status counts of an item-granular run.
func TallyFromItems(c model.ItemCounts) Tally {
	return Tally{Total: c.Total(), Processed: c.Total() - c.Unresolved(), Failed: c.Failed}
}

// Outcome is the terminal state the evaluator picked for a finished run.
type Outcome struct {
	Status       model.RunStatus
	ErrorMessage *string
	Refund       int
}

// Evaluate decides the terminal status, error message and refund of a
// finished run. It is pure; the caller applies it with a conditional
// CompleteRun so a second application changes nothing.
func Evaluate(t Tally, estimated, used int, policy Policy) Outcome {
	out := Outcome{
		Status: model.RunStatusCompleted,
		Refund: model.UnusedCredits(estimated, used),
	}
	if t.Failed > 0 {
		msg := fmt.Sprintf("%d of %d items failed", t.Failed, t.Total)
		out.ErrorMessage = &msg
	}
	if policy.Fails(t.Failed, t.Total) {
		out.Status = model.RunStatusFailed
	}
	return out
}
