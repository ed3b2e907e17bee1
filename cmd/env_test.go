//go:build !integration

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewpilot/batchd/internal/admin"
	"github.com/reviewpilot/batchd/internal/config"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
)

func TestJobSettings(t *testing.T) {
	bc := config.BatchConfig{
		Rank:     config.JobConfig{LeaseSecs: 90, StuckTimeoutMins: 15, FailurePolicy: "all"},
		LLM:      config.JobConfig{LeaseSecs: 60, StuckTimeoutMins: 10, FailurePolicy: "any"},
		Concept:  config.JobConfig{LeaseSecs: 60, StuckTimeoutMins: 15, FailurePolicy: "0.5"},
		Analysis: config.JobConfig{LeaseSecs: 120, StuckTimeoutMins: 30},
	}
	jobs, timeouts, err := jobSettings(bc)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, jobs[model.JobTypeRank].Lease)
	assert.Equal(t, "any", jobs[model.JobTypeLLM].Policy.String())
	assert.Equal(t, "0.5", jobs[model.JobTypeConcept].Policy.String())
	assert.Equal(t, "all", jobs[model.JobTypeAnalysis].Policy.String())
	assert.Equal(t, 10*time.Minute, timeouts[model.JobTypeLLM])
	assert.Equal(t, 30*time.Minute, timeouts[model.JobTypeAnalysis])

	bc.Rank.FailurePolicy = "most"
	_, _, err = jobSettings(bc)
	assert.Error(t, err)
}

func TestDefaultSchedule(t *testing.T) {
	s, err := defaultSchedule(config.ScheduleConfig{DefaultFrequency: "weekly", DefaultDayOfWeek: 1, DefaultDayOfMonth: 1, DefaultHourOfDay: 6})
	require.NoError(t, err)
	assert.Equal(t, model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 1, DayOfMonth: 1, HourOfDay: 6}, s)

	_, err = defaultSchedule(config.ScheduleConfig{DefaultFrequency: "hourly"})
	assert.Error(t, err)
}

func TestOpenStore_SQLite(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cmd.db")}}

	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	runs, err := st.ListBatchRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	_, err := initStore(context.Background())
	assert.Error(t, err)
}

func TestInitEnv_AdminMode(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{
		Store:   config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "admin.db")},
		Billing: config.BillingConfig{BaseURL: "http://billing.invalid", TimeoutSecs: 1},
		Batch: config.BatchConfig{
			Rank:     config.JobConfig{BatchSize: 1},
			LLM:      config.JobConfig{BatchSize: 1},
			Concept:  config.JobConfig{BatchSize: 1},
			Analysis: config.JobConfig{BatchSize: 1},
		},
	}

	env, err := initEnv(context.Background(), "admin")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Console)
	assert.NotNil(t, env.Enqueuer)
	assert.Nil(t, env.Runner)
	assert.Equal(t, 15*time.Minute, env.Reaper.Timeout(model.JobTypeRank))

	ov, err := env.Console.Overview(context.Background(), admin.OverviewQuery{IncludeCompleted: true})
	require.NoError(t, err)
	assert.Empty(t, ov.Runs)
}
