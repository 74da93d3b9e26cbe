package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Telephony    TelephonyConfig    `yaml:"telephony" mapstructure:"telephony"`
	Verification VerificationConfig `yaml:"verification" mapstructure:"verification"`
	Scheduler    SchedulerConfig    `yaml:"scheduler" mapstructure:"scheduler"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	APIToken       string   `yaml:"api_token" mapstructure:"api_token"`
	CORSOrigins    []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// AnthropicConfig holds the extraction model settings.
type AnthropicConfig struct {
	Key                  string `yaml:"key" mapstructure:"key"`
	BaseURL              string `yaml:"base_url" mapstructure:"base_url"`
	Model                string `yaml:"model" mapstructure:"model"`
	MaxTokens            int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxAttempts          int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs     int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs         int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerThreshold     int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetTimeoutS int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// TelephonyConfig configures the call gateway and dispatch limits.
type TelephonyConfig struct {
	// GatewayURL empty selects the logging dialer.
	GatewayURL           string  `yaml:"gateway_url" mapstructure:"gateway_url"`
	Token                string  `yaml:"token" mapstructure:"token"`
	WebhookSecret        string  `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	MaxConcurrentCalls   int     `yaml:"max_concurrent_calls" mapstructure:"max_concurrent_calls"`
	DispatchRate         float64 `yaml:"dispatch_rate" mapstructure:"dispatch_rate"`
	StaleAfterMins       int     `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	MaxAttempts          int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs     int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs         int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerThreshold     int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetTimeoutS int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// VerificationConfig holds the lifecycle and reconciliation policy.
type VerificationConfig struct {
	MaxRetryAttempts    int     `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	FailureBackoffHours int     `yaml:"failure_backoff_hours" mapstructure:"failure_backoff_hours"`
	ReverifyDays        int     `yaml:"reverify_days" mapstructure:"reverify_days"`
	LeaseTTLSecs        int     `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
	RetryVoicemail      bool    `yaml:"retry_voicemail" mapstructure:"retry_voicemail"`
	RetryBaseDelaySecs  int     `yaml:"retry_base_delay_secs" mapstructure:"retry_base_delay_secs"`
	RetryFactor         float64 `yaml:"retry_factor" mapstructure:"retry_factor"`
	ReviewThreshold     float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	AutoApprove         bool    `yaml:"auto_approve" mapstructure:"auto_approve"`
	// FieldsFile replaces the built-in field registry when set.
	FieldsFile string `yaml:"fields_file" mapstructure:"fields_file"`
}

// SchedulerConfig configures the background worker.
type SchedulerConfig struct {
	Owner               string `yaml:"owner" mapstructure:"owner"`
	IntervalSecs        int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	SweepBatch          int    `yaml:"sweep_batch" mapstructure:"sweep_batch"`
	SweepConcurrency    int    `yaml:"sweep_concurrency" mapstructure:"sweep_concurrency"`
	ProcessBatch        int    `yaml:"process_batch" mapstructure:"process_batch"`
	ProcessIntervalSecs int    `yaml:"process_interval_secs" mapstructure:"process_interval_secs"`
	ReconcileInline     bool   `yaml:"reconcile_inline" mapstructure:"reconcile_inline"`
}

// MonitoringConfig configures queue checks and the alert webhook.
type MonitoringConfig struct {
	WebhookURL             string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	QueueDepthThreshold    int    `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	PendingReviewThreshold int    `yaml:"pending_review_threshold" mapstructure:"pending_review_threshold"`
}

// Interval returns the scheduler tick.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSecs) * time.Second
}

// ProcessInterval returns the reconcile worker tick.
func (s SchedulerConfig) ProcessInterval() time.Duration {
	return time.Duration(s.ProcessIntervalSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VERIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "verify.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.max_attempts", 3)
	v.SetDefault("anthropic.initial_backoff_ms", 500)
	v.SetDefault("anthropic.max_backoff_ms", 30000)
	v.SetDefault("anthropic.breaker_threshold", 5)
	v.SetDefault("anthropic.breaker_reset_secs", 30)
	v.SetDefault("telephony.gateway_url", "")
	v.SetDefault("telephony.token", "")
	v.SetDefault("telephony.webhook_secret", "")
	v.SetDefault("telephony.max_concurrent_calls", 10)
	v.SetDefault("telephony.dispatch_rate", 1.0)
	v.SetDefault("telephony.stale_after_mins", 30)
	v.SetDefault("telephony.max_attempts", 3)
	v.SetDefault("telephony.initial_backoff_ms", 500)
	v.SetDefault("telephony.max_backoff_ms", 10000)
	v.SetDefault("telephony.breaker_threshold", 5)
	v.SetDefault("telephony.breaker_reset_secs", 60)
	v.SetDefault("verification.max_retry_attempts", 3)
	v.SetDefault("verification.failure_backoff_hours", 168)
	v.SetDefault("verification.reverify_days", 90)
	v.SetDefault("verification.lease_ttl_secs", 120)
	v.SetDefault("verification.retry_voicemail", false)
	v.SetDefault("verification.retry_base_delay_secs", 30)
	v.SetDefault("verification.retry_factor", 4.0)
	v.SetDefault("verification.review_threshold", 0.85)
	v.SetDefault("verification.auto_approve", false)
	v.SetDefault("verification.fields_file", "")
	v.SetDefault("scheduler.owner", "")
	v.SetDefault("scheduler.interval_secs", 60)
	v.SetDefault("scheduler.sweep_batch", 100)
	v.SetDefault("scheduler.sweep_concurrency", 8)
	v.SetDefault("scheduler.process_batch", 20)
	v.SetDefault("scheduler.process_interval_secs", 30)
	v.SetDefault("scheduler.reconcile_inline", true)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.queue_depth_threshold", 500)
	v.SetDefault("monitoring.pending_review_threshold", 200)

	// Read config file (optional)
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

// Validate checks the settings a command mode depends on. Modes: serve,
// worker, dispatch, process, migrate, cli.
func (c *Config) Validate(mode string) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	v := c.Verification
	if v.MaxRetryAttempts < 1 {
		add("verification.max_retry_attempts must be >= 1")
	}
	if v.ReviewThreshold < 0 || v.ReviewThreshold > 1 {
		add("verification.review_threshold must be between 0 and 1")
	}
	if v.ReverifyDays < 1 {
		add("verification.reverify_days must be >= 1")
	}
	if v.LeaseTTLSecs < 1 {
		add("verification.lease_ttl_secs must be >= 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
		c.validateTelephony(add)
	case "worker", "dispatch":
		c.validateTelephony(add)
		if c.Scheduler.SweepConcurrency < 1 || c.Scheduler.SweepConcurrency > 64 {
			add("scheduler.sweep_concurrency must be between 1 and 64")
		}
		if mode == "worker" && c.Anthropic.Key == "" {
			add("anthropic.key is required")
		}
	case "process":
		if c.Anthropic.Key == "" {
			add("anthropic.key is required")
		}
	case "migrate", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "config: invalid")
	}
	return nil
}

func (c *Config) validateTelephony(add func(string, ...any)) {
	if c.Telephony.MaxConcurrentCalls < 1 || c.Telephony.MaxConcurrentCalls > 500 {
		add("telephony.max_concurrent_calls must be between 1 and 500")
	}
	if c.Telephony.DispatchRate <= 0 {
		add("telephony.dispatch_rate must be > 0")
	}
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
