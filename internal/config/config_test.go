package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Batch.TickBudgetSecs)
	assert.Equal(t, 10, cfg.Batch.Analysis.BatchSize)
	assert.Equal(t, 25, cfg.Batch.Rank.BatchSize)
	assert.Equal(t, 15, cfg.Batch.Rank.StuckTimeoutMins)
	assert.Equal(t, 15, cfg.Batch.Analysis.StuckTimeoutMins)
	assert.Equal(t, "all", cfg.Batch.Concept.FailurePolicy)
	assert.Equal(t, 5, cfg.Credits.Analysis)
	assert.Equal(t, "weekly", cfg.Schedule.DefaultFrequency)
	assert.Equal(t, 50, cfg.Admin.DefaultLimit)
	assert.Equal(t, 7, cfg.Admin.FailedLookbackDays)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 0.25, cfg.Retry.JitterFraction, 0.001)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Empty(t, cfg.Redis.URL)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: file:batchd.db
log:
  level: debug
  format: console
server:
  port: 9090
batch:
  concept:
    batch_size: 4
    failure_policy: "0.5"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:batchd.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Batch.Concept.BatchSize)
	assert.Equal(t, "0.5", cfg.Batch.Concept.FailurePolicy)
	// Defaults still apply for unset values
	assert.Equal(t, 15, cfg.Batch.Concept.StuckTimeoutMins)
	assert.Equal(t, 10, cfg.Batch.Analysis.BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("BATCHD_STORE_DRIVER", "postgres")
	t.Setenv("BATCHD_LOG_LEVEL", "warn")
	t.Setenv("BATCHD_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BATCHD_ADMIN_JWT_SECRET=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("BATCHD_ADMIN_JWT_SECRET") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Admin.JWTSecret)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config populated enough to pass every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/batchd"
	cfg.Server.Port = 8080
	cfg.Admin.JWTSecret = "secret"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Perplexity.Key = "pplx-key"
	cfg.SERP.Key = "serp-key"
	cfg.Billing.BaseURL = "http://billing"
	cfg.Batch.TickBudgetSecs = 50
	for _, job := range []*JobConfig{&cfg.Batch.Rank, &cfg.Batch.LLM, &cfg.Batch.Concept, &cfg.Batch.Analysis} {
		job.BatchSize = 10
		job.LeaseSecs = 90
	}
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "tick", "admin"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Admin.JWTSecret = ""
	cfg.Anthropic.Key = ""
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin.jwt_secret is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateAdmin_DoesNotNeedWorkerKeys(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.SERP.Key = ""

	assert.NoError(t, cfg.Validate("admin"))
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestValidate_BatchSize(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.Analysis.BatchSize = 0

	err := cfg.Validate("tick")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.analysis.batch_size must be >= 1")
}

func TestValidate_LeaseMustOutlastBudget(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.Rank.LeaseSecs = 80
	cfg.Batch.LLM.LeaseSecs = 0

	err := cfg.Validate("tick")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.rank.lease_secs must be > tick_budget_secs + 30 (80)")
	assert.Contains(t, err.Error(), "batch.llm.lease_secs")
	assert.NotContains(t, err.Error(), "batch.concept.lease_secs")

	cfg.Batch.Rank.LeaseSecs = 81
	cfg.Batch.LLM.LeaseSecs = 81
	assert.NoError(t, cfg.Validate("tick"))

	// Admin commands never claim runs.
	cfg.Batch.Rank.LeaseSecs = 1
	assert.NoError(t, cfg.Validate("admin"))
}

func TestValidate_TickBudgetFloor(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.TickBudgetSecs = 1

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.tick_budget_secs must be >= 5")

	cfg.Batch.TickBudgetSecs = 5
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestBatchConfig_Job(t *testing.T) {
	b := BatchConfig{
		Rank:     JobConfig{BatchSize: 1},
		LLM:      JobConfig{BatchSize: 2},
		Concept:  JobConfig{BatchSize: 3},
		Analysis: JobConfig{BatchSize: 4},
	}
	assert.Equal(t, 1, b.Job("rank").BatchSize)
	assert.Equal(t, 2, b.Job("llm").BatchSize)
	assert.Equal(t, 3, b.Job("concept").BatchSize)
	assert.Equal(t, 4, b.Job("analysis").BatchSize)
	assert.Equal(t, JobConfig{}, b.Job("other"))
}
