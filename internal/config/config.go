package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	SERP       SERPConfig       `yaml:"serp" mapstructure:"serp"`
	Billing    BillingConfig    `yaml:"billing" mapstructure:"billing"`
	Credits    CreditsConfig    `yaml:"credits" mapstructure:"credits"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Admin      AdminConfig      `yaml:"admin" mapstructure:"admin"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the optional cross-process tick lock.
// An empty URL disables it.
type RedisConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// PerplexityConfig holds settings for the answer engine behind llm runs.
type PerplexityConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// SERPConfig holds rank provider settings.
type SERPConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// BillingConfig holds credit ledger service settings.
type BillingConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CreditsConfig holds the per-unit credit price of each job type.
type CreditsConfig struct {
	Rank     int `yaml:"rank" mapstructure:"rank"`
	LLM      int `yaml:"llm" mapstructure:"llm"`
	Concept  int `yaml:"concept" mapstructure:"concept"`
	Analysis int `yaml:"analysis" mapstructure:"analysis"`
}

// BatchConfig configures tick processing.
type BatchConfig struct {
	TickBudgetSecs int       `yaml:"tick_budget_secs" mapstructure:"tick_budget_secs"`
	Rank           JobConfig `yaml:"rank" mapstructure:"rank"`
	LLM            JobConfig `yaml:"llm" mapstructure:"llm"`
	Concept        JobConfig `yaml:"concept" mapstructure:"concept"`
	Analysis       JobConfig `yaml:"analysis" mapstructure:"analysis"`
}

const (
	// MinTickBudgetSecs leaves room for at least one unit per tick.
	MinTickBudgetSecs = 5
	// LeaseMarginSecs covers completion and ledger settlement after the
	// tick budget runs out.
	LeaseMarginSecs = 30
)

// JobConfig tunes one job type.
type JobConfig struct {
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	StuckTimeoutMins int    `yaml:"stuck_timeout_mins" mapstructure:"stuck_timeout_mins"`
	LeaseSecs        int    `yaml:"lease_secs" mapstructure:"lease_secs"`
	FailurePolicy    string `yaml:"failure_policy" mapstructure:"failure_policy"`
}

// Job returns the settings for the named job type.
func (c BatchConfig) Job(jobType string) JobConfig {
	switch jobType {
	case "rank":
		return c.Rank
	case "llm":
		return c.LLM
	case "concept":
		return c.Concept
	case "analysis":
		return c.Analysis
	}
	return JobConfig{}
}

// ScheduleConfig configures automatic rank scheduling.
type ScheduleConfig struct {
	DefaultFrequency  string `yaml:"default_frequency" mapstructure:"default_frequency"`
	DefaultDayOfWeek  int    `yaml:"default_day_of_week" mapstructure:"default_day_of_week"`
	DefaultDayOfMonth int    `yaml:"default_day_of_month" mapstructure:"default_day_of_month"`
	DefaultHourOfDay  int    `yaml:"default_hour_of_day" mapstructure:"default_hour_of_day"`
	MaxKeywords       int    `yaml:"max_keywords" mapstructure:"max_keywords"`
}

// AdminConfig configures the admin console.
type AdminConfig struct {
	JWTSecret          string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	DefaultLimit       int    `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit           int    `yaml:"max_limit" mapstructure:"max_limit"`
	FailedLookbackDays int    `yaml:"failed_lookback_days" mapstructure:"failed_lookback_days"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// RetryConfig configures retries for outbound API calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the circuit breakers around outbound APIs.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures batch health alerts. An empty webhook URL
// disables delivery; the checks still run and log.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckRunThreshold    int     `yaml:"stuck_run_threshold" mapstructure:"stuck_run_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment, in
// increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults are only visible to Unmarshal when bound.
	for _, key := range []string{
		"store.database_url", "redis.url", "anthropic.key", "perplexity.key", "serp.key",
		"billing.key", "admin.jwt_secret", "monitoring.webhook_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.lock_ttl_secs", 90)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_second", 4)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("perplexity.requests_per_second", 2)
	v.SetDefault("serp.base_url", "https://serp.internal.reviewpilot.io")
	v.SetDefault("serp.timeout_secs", 20)
	v.SetDefault("serp.requests_per_second", 5)
	v.SetDefault("billing.base_url", "https://billing.internal.reviewpilot.io")
	v.SetDefault("billing.timeout_secs", 10)
	v.SetDefault("credits.rank", 1)
	v.SetDefault("credits.llm", 2)
	v.SetDefault("credits.concept", 2)
	v.SetDefault("credits.analysis", 5)
	v.SetDefault("batch.tick_budget_secs", 50)
	v.SetDefault("batch.rank.batch_size", 25)
	v.SetDefault("batch.llm.batch_size", 10)
	v.SetDefault("batch.concept.batch_size", 10)
	v.SetDefault("batch.analysis.batch_size", 10)
	for _, jt := range []string{"rank", "llm", "concept", "analysis"} {
		v.SetDefault("batch."+jt+".stuck_timeout_mins", 15)
		v.SetDefault("batch."+jt+".lease_secs", 90)
		v.SetDefault("batch."+jt+".failure_policy", "all")
	}
	v.SetDefault("schedule.default_frequency", "weekly")
	v.SetDefault("schedule.default_day_of_week", 1)
	v.SetDefault("schedule.default_day_of_month", 1)
	v.SetDefault("schedule.default_hour_of_day", 6)
	v.SetDefault("schedule.max_keywords", 500)
	v.SetDefault("admin.default_limit", 50)
	v.SetDefault("admin.max_limit", 500)
	v.SetDefault("admin.failed_lookback_days", 7)
	v.SetDefault("server.port", 8080)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_run_threshold", 1)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is one of "serve",
// "tick" or "admin".
func (c *Config) Validate(mode string) error {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Admin.JWTSecret == "" {
			errs = append(errs, "admin.jwt_secret is required")
		}
		errs = append(errs, c.workerErrors()...)
	case "tick":
		errs = append(errs, c.workerErrors()...)
	case "admin":
		if c.Billing.BaseURL == "" {
			errs = append(errs, "billing.base_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	for _, name := range []string{"rank", "llm", "concept", "analysis"} {
		job := c.Batch.Job(name)
		if job.BatchSize < 1 {
			errs = append(errs, fmt.Sprintf("batch.%s.batch_size must be >= 1", name))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) workerErrors() []string {
	var errs []string
	if c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	if c.Perplexity.Key == "" {
		errs = append(errs, "perplexity.key is required")
	}
	if c.SERP.Key == "" {
		errs = append(errs, "serp.key is required")
	}
	if c.Billing.BaseURL == "" {
		errs = append(errs, "billing.base_url is required")
	}
	if c.Batch.TickBudgetSecs < MinTickBudgetSecs {
		errs = append(errs, fmt.Sprintf("batch.tick_budget_secs must be >= %d", MinTickBudgetSecs))
	}
	// A tick that outlives its lease lets a second tick claim the same run.
	minLease := c.Batch.TickBudgetSecs + LeaseMarginSecs
	for _, name := range []string{"rank", "llm", "concept", "analysis"} {
		if lease := c.Batch.Job(name).LeaseSecs; lease <= minLease {
			errs = append(errs, fmt.Sprintf("batch.%s.lease_secs must be > tick_budget_secs + %d (%d)", name, LeaseMarginSecs, minLease))
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
