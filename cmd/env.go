package main

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/internal/admin"
	"github.com/reviewpilot/batchd/internal/analyze"
	"github.com/reviewpilot/batchd/internal/batch"
	"github.com/reviewpilot/batchd/internal/config"
	"github.com/reviewpilot/batchd/internal/cost"
	"github.com/reviewpilot/batchd/internal/db"
	"github.com/reviewpilot/batchd/internal/lock"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/resilience"
	"github.com/reviewpilot/batchd/internal/schedule"
	"github.com/reviewpilot/batchd/internal/store"
	"github.com/reviewpilot/batchd/pkg/anthropic"
	"github.com/reviewpilot/batchd/pkg/billing"
	"github.com/reviewpilot/batchd/pkg/perplexity"
	"github.com/reviewpilot/batchd/pkg/serp"
)

// appEnv holds the wired components a command needs. Runner and Scheduler
// are only set for worker modes.
type appEnv struct {
	Store     store.Store
	Ledger    billing.Ledger
	Reaper    *batch.Reaper
	Enqueuer  *batch.Enqueuer
	Console   *admin.Console
	Runner    *batch.Runner
	Scheduler *batch.DueScheduler

	closers []func()
}

// Close releases everything initEnv opened, newest first.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "batchd.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and migrates.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// initEnv wires the components for mode ("serve", "tick" or "admin").
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}
	env.closers = append(env.closers, func() { _ = st.Close() })

	backoff := resilience.NewBackoff(cfg.Retry)
	env.Ledger = billing.NewClient(cfg.Billing.Key,
		billing.WithBaseURL(cfg.Billing.BaseURL),
		billing.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Billing.TimeoutSecs) * time.Second}),
		billing.WithBackoff(backoff),
	)

	jobs, timeouts, err := jobSettings(cfg.Batch)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Reaper = batch.NewReaper(st, timeouts)

	pricing := cost.NewPricing(cfg.Credits)
	env.Enqueuer = batch.NewEnqueuer(st, env.Ledger, pricing)
	env.Console = admin.New(st, env.Ledger, admin.Options{
		DefaultLimit:   cfg.Admin.DefaultLimit,
		MaxLimit:       cfg.Admin.MaxLimit,
		FailedLookback: time.Duration(cfg.Admin.FailedLookbackDays) * 24 * time.Hour,
		StuckTimeout:   env.Reaper.Timeout,
	})

	if mode == "admin" {
		return env, nil
	}

	def, err := defaultSchedule(cfg.Schedule)
	if err != nil {
		env.Close()
		return nil, err
	}

	locker, err := initLocker(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Runner = batch.NewRunner(batch.RunnerConfig{
		Store:     st,
		Ledger:    env.Ledger,
		Locker:    locker,
		Reaper:    env.Reaper,
		Advancers: initAdvancers(st, pricing),
		Jobs:      jobs,
		Budget:    time.Duration(cfg.Batch.TickBudgetSecs) * time.Second,
	})
	env.Scheduler = batch.NewDueScheduler(st, env.Enqueuer, def, cfg.Schedule.MaxKeywords)

	return env, nil
}

// jobSettings reads the per-job-type tick settings and stuck timeouts.
func jobSettings(bc config.BatchConfig) (map[model.JobType]batch.JobSettings, map[model.JobType]time.Duration, error) {
	jobs := make(map[model.JobType]batch.JobSettings, len(model.JobTypes))
	timeouts := make(map[model.JobType]time.Duration, len(model.JobTypes))
	for _, jt := range model.JobTypes {
		jc := bc.Job(string(jt))
		policy, err := batch.ParsePolicy(jc.FailurePolicy)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "batch.%s.failure_policy", jt)
		}
		jobs[jt] = batch.JobSettings{
			Lease:  time.Duration(jc.LeaseSecs) * time.Second,
			Policy: policy,
		}
		timeouts[jt] = time.Duration(jc.StuckTimeoutMins) * time.Minute
	}
	return jobs, timeouts, nil
}

func defaultSchedule(sc config.ScheduleConfig) (model.Schedule, error) {
	def := model.Schedule{
		Frequency:  model.Frequency(sc.DefaultFrequency),
		DayOfWeek:  sc.DefaultDayOfWeek,
		DayOfMonth: sc.DefaultDayOfMonth,
		HourOfDay:  sc.DefaultHourOfDay,
	}
	if err := schedule.Validate(def); err != nil {
		return model.Schedule{}, eris.Wrap(err, "schedule defaults")
	}
	return def, nil
}

// initLocker uses redis when configured, otherwise an in-process lock.
func initLocker(ctx context.Context, env *appEnv) (lock.Locker, error) {
	if cfg.Redis.URL == "" {
		return lock.NewLocal(), nil
	}
	client, err := lock.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, func() { _ = client.Close() })
	zap.L().Info("tick lock backed by redis")
	return lock.NewRedis(client, "batchd:tick:"), nil
}

func initAdvancers(st store.Store, pricing *cost.Pricing) []batch.Advancer {
	procCfg := func(jt model.JobType) batch.ProcessorConfig {
		return batch.ProcessorConfig{
			Store:     st,
			BatchSize: cfg.Batch.Job(string(jt)).BatchSize,
			UnitCost:  pricing.UnitCost(jt),
		}
	}

	rank := serp.NewClient(cfg.SERP.Key,
		serp.WithBaseURL(cfg.SERP.BaseURL),
		serp.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.SERP.TimeoutSecs) * time.Second}),
		serp.WithRateLimit(cfg.SERP.RequestsPerSecond),
	)
	engine := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
		perplexity.WithRateLimit(cfg.Perplexity.RequestsPerSecond),
	)

	// The analyzer retries itself; the SDK's own retries would multiply them.
	llm := anthropic.NewClient(cfg.Anthropic.Key, option.WithMaxRetries(0))
	analyzer := analyze.New(llm, analyze.Options{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         int64(cfg.Anthropic.MaxTokens),
		RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
		Backoff:           resilience.NewBackoff(cfg.Retry),
		Breaker:           resilience.NewBreaker("anthropic", cfg.Circuit),
	})

	return []batch.Advancer{
		batch.NewRankProcessor(procCfg(model.JobTypeRank), rank),
		batch.NewVisibilityProcessor(procCfg(model.JobTypeLLM), engine),
		batch.NewConceptProcessor(procCfg(model.JobTypeConcept), analyzer),
		batch.NewAnalysisProcessor(procCfg(model.JobTypeAnalysis), analyzer),
	}
}
