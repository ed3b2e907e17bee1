package batch

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpilot/batchd/internal/model"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		tally     Tally
		policy    Policy
		estimated int
		used      int
		status    model.RunStatus
		message   string
		refund    int
	}{
		{"all ok", Tally{Total: 5, Processed: 5}, FailWhenAllFailed, 25, 25, model.RunStatusCompleted, "", 0},
		{"partial failure completes", Tally{Total: 5, Processed: 5, Failed: 2}, FailWhenAllFailed, 25, 15, model.RunStatusCompleted, "2 of 5 items failed", 10},
		{"all failed", Tally{Total: 5, Processed: 5, Failed: 5}, FailWhenAllFailed, 25, 0, model.RunStatusFailed, "5 of 5 items failed", 25},
		{"any policy", Tally{Total: 5, Processed: 5, Failed: 1}, FailWhenAnyFailed, 25, 20, model.RunStatusFailed, "1 of 5 items failed", 5},
		{"ratio under", Tally{Total: 4, Processed: 4, Failed: 2}, FailAboveRatio(0.5), 4, 2, model.RunStatusCompleted, "2 of 4 items failed", 2},
		{"ratio over", Tally{Total: 4, Processed: 4, Failed: 3}, FailAboveRatio(0.5), 4, 1, model.RunStatusFailed, "3 of 4 items failed", 3},
		{"empty run", Tally{}, FailWhenAllFailed, 0, 0, model.RunStatusCompleted, "", 0},
		{"overspent clamps refund", Tally{Total: 1, Processed: 1}, FailWhenAllFailed, 5, 9, model.RunStatusCompleted, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Evaluate(tt.tally, tt.estimated, tt.used, tt.policy)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.refund, out.Refund)
			if tt.message == "" {
				assert.Nil(t, out.ErrorMessage)
			} else {
				require.NotNil(t, out.ErrorMessage)
				assert.Equal(t, tt.message, *out.ErrorMessage)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": FailWhenAllFailed, "all": FailWhenAllFailed, " ANY ": FailWhenAnyFailed, "0.25": FailAboveRatio(0.25)} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"most", "0", "1", "1.5", "-0.2"} {
		_, err := ParsePolicy(in)
		assert.Error(t, err, in)
	}
	assert.Equal(t, "0.25", FailAboveRatio(0.25).String())
	assert.Equal(t, "all", Policy{}.String())
}

func TestTally(t *testing.T) {
	run := &model.BatchRun{TotalItems: 5, ProcessedItems: 3, FailedItems: 1}
	assert.Equal(t, Tally{Total: 5, Processed: 3, Failed: 1}, TallyFromRun(run))
	assert.False(t, TallyFromRun(run).Done())

	counts := model.ItemCounts{Pending: 1, Processing: 1, Completed: 2, Skipped: 1, Failed: 1}
	assert.Equal(t, Tally{Total: 6, Processed: 4, Failed: 1}, TallyFromItems(counts))
}

func TestEvaluate_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	tallies := gen.IntRange(1, 200).FlatMap(func(v interface{}) gopter.Gen {
		total := v.(int)
		return gen.IntRange(0, total).Map(func(failed int) Tally {
			return Tally{Total: total, Processed: total, Failed: failed}
		})
	}, reflect.TypeOf(Tally{}))

	properties.Property("refund is estimated minus used, never negative", prop.ForAll(
		func(estimated, used int) bool {
			out := Evaluate(Tally{Total: 1, Processed: 1}, estimated, used, FailWhenAllFailed)
			if used >= estimated {
				return out.Refund == 0
			}
			return out.Refund == estimated-used
		},
		gen.IntRange(0, 10000), gen.IntRange(0, 10000),
	))

	properties.Property("default policy fails only when every item failed", prop.ForAll(
		func(tally Tally) bool {
			out := Evaluate(tally, 0, 0, FailWhenAllFailed)
			return (out.Status == model.RunStatusFailed) == (tally.Failed == tally.Total)
		},
		tallies,
	))

	properties.Property("error message present iff something failed", prop.ForAll(
		func(tally Tally) bool {
			out := Evaluate(tally, 0, 0, FailWhenAnyFailed)
			return (out.ErrorMessage != nil) == (tally.Failed > 0)
		},
		tallies,
	))

	properties.Property("stricter policies never complete what looser ones fail", prop.ForAll(
		func(tally Tally, r float64) bool {
			all := Evaluate(tally, 0, 0, FailWhenAllFailed).Status == model.RunStatusFailed
			ratio := Evaluate(tally, 0, 0, FailAboveRatio(r)).Status == model.RunStatusFailed
			anyp := Evaluate(tally, 0, 0, FailWhenAnyFailed).Status == model.RunStatusFailed
			return (!all || ratio) && (!ratio || anyp)
		},
		tallies, gen.Float64Range(0.01, 0.99),
	))

	properties.TestingRun(t)
}
