package batch

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/pkg/billing"
)

var weeklyDefault = model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 1, HourOfDay: 6}

func TestDueScheduler_GroupsPerAccountAndDomain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC) // Monday
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	for _, kw := range []model.TrackedKeyword{
		{ID: "k1", AccountID: "acct-1", Keyword: "plumber", TargetDomain: "acme.com", Mode: model.ScheduleInherit},
		{ID: "k2", AccountID: "acct-1", Keyword: "drain repair", TargetDomain: "WWW.acme.com", Mode: model.ScheduleCustom,
			Custom: model.Schedule{Frequency: model.FrequencyDaily, HourOfDay: 8}, NextScheduledAt: &past},
		{ID: "k3", AccountID: "acct-2", Keyword: "roofer", TargetDomain: "roof.io", Mode: model.ScheduleInherit},
		{ID: "k4", AccountID: "acct-1", Keyword: "off", TargetDomain: "acme.com", Mode: model.ScheduleOff},
		{ID: "k5", AccountID: "acct-1", Keyword: "later", TargetDomain: "acme.com", Mode: model.ScheduleInherit, NextScheduledAt: &future},
	} {
		require.NoError(t, st.SaveTrackedKeyword(ctx, kw))
	}
	require.NoError(t, st.SaveAccountSchedule(ctx, "acct-2", model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 15, HourOfDay: 3}))

	enq := NewEnqueuer(st, newLedger(t), testPricing())
	sched := NewDueScheduler(st, enq, weeklyDefault, 100)
	sched.now = func() time.Time { return now }

	summary, err := sched.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.DueKeywords)
	require.Len(t, summary.RunIDs, 2)
	assert.Zero(t, summary.Skipped)

	run, err := st.GetBatchRun(ctx, summary.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "acct-1", run.AccountID)
	assert.Equal(t, model.JobTypeRank, run.JobType)
	assert.Equal(t, 2, run.TotalItems)
	assert.Equal(t, "sched:acct-1:acme.com::2026050410", run.IdempotencyKey)
	params, err := model.DecodeParams[model.RankParams](run)
	require.NoError(t, err)
	assert.Equal(t, "acme.com", params.TargetDomain)
	assert.Equal(t, "k1", params.Keywords[0].TrackedKeywordID)

	// Everything due has moved to its next slot.
	again, err := sched.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.DueKeywords)

	due, err := st.DueTrackedKeywords(ctx, time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC), 100)
	require.NoError(t, err)
	next := map[string]time.Time{}
	for _, kw := range due {
		if kw.NextScheduledAt != nil {
			next[kw.ID] = *kw.NextScheduledAt
		}
	}
	assert.Equal(t, time.Date(2026, 5, 11, 6, 0, 0, 0, time.UTC), next["k1"])
	assert.Equal(t, time.Date(2026, 5, 5, 8, 0, 0, 0, time.UTC), next["k2"])
	assert.Equal(t, time.Date(2026, 5, 15, 3, 0, 0, 0, time.UTC), next["k3"])
}

func TestDueScheduler_InsufficientCreditsSkipsSlot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveTrackedKeyword(ctx, model.TrackedKeyword{
		ID: "k1", AccountID: "acct-1", Keyword: "plumber", TargetDomain: "acme.com", Mode: model.ScheduleInherit,
	}))

	ledger := &mockLedger{}
	ledger.Test(t)
	ledger.On("Reserve", mock.Anything, "acct-1", 1, mock.Anything).
		Return(eris.Wrap(billing.ErrInsufficientCredits, "billing: reserve"))

	sched := NewDueScheduler(st, NewEnqueuer(st, ledger, testPricing()), weeklyDefault, 100)
	sched.now = func() time.Time { return now }

	summary, err := sched.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary.RunIDs)
	assert.Equal(t, 1, summary.Skipped)

	again, err := sched.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.DueKeywords)
}
