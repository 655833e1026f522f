// Package config loads and validates the engine configuration: the model
// table plus the global sections for health checking, rate limiting, caching,
// budgeting, quality evaluation, and failover.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/utils/env"
)

// Duration wraps time.Duration so YAML documents can spell intervals the way
// humans do. E.g., "90s", "1h30m"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig configures one upstream provider adapter.
type ProviderConfig struct {
	// Base URL of the provider's API. E.g., "https://api.openai.com/v1"
	BaseURL string `yaml:"base_url"`

	// Environment variable holding the API key. E.g., "OPENAI_API_KEY"
	ApiKeyEnv string `yaml:"api_key_env"`
}

// HealthCheckConfig configures the background probe loop.
type HealthCheckConfig struct {
	// Interval between probe rounds.
	Interval Duration `yaml:"interval"`

	// Timeout of a single probe; a timeout counts as a failure.
	Timeout Duration `yaml:"timeout"`

	// Consecutive failed probes before a model is marked unavailable.
	FailureThreshold int `yaml:"failure_threshold"`
}

// RateLimitConfig configures the sliding usage window.
type RateLimitConfig struct {
	// Percentage of either ceiling at which a model is proactively marked
	// limited.
	ThresholdPercent float64 `yaml:"threshold_percent"`

	// Size of the sliding window.
	Window Duration `yaml:"window"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Ceiling on total cached bytes before least-recently-used eviction.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`

	// Time-to-live applied when the caller does not pass one.
	DefaultTTL Duration `yaml:"default_ttl"`
}

// BudgetConfig configures the daily spend ledger.
type BudgetConfig struct {
	// Daily spend limit in USD.
	DailyLimit float64 `yaml:"daily_limit"`

	// Utilization percentage that triggers a budget alert.
	AlertThresholdPercent float64 `yaml:"alert_threshold_percent"`
}

// QualityConfig configures response quality evaluation.
type QualityConfig struct {
	// Rolling-average floor under which a model switch is recommended.
	Threshold float64 `yaml:"threshold"`

	// Number of recent scores kept per model.
	EvaluationWindow int `yaml:"evaluation_window"`
}

// FailoverConfig configures retry and alerting behavior.
type FailoverConfig struct {
	// Total provider calls allowed for one logical request, across all
	// models.
	MaxRetries int `yaml:"max_retries"`

	// Base delay of the exponential backoff between attempts.
	BaseBackoff Duration `yaml:"base_backoff"`

	// Failover count within AlertWindow that triggers an alert.
	AlertThreshold int `yaml:"alert_threshold"`

	AlertWindow Duration `yaml:"alert_window"`
}

// Config is the full engine configuration document.
type Config struct {
	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Valkey endpoint backing the shared state layer. Empty selects the
	// in-process memory backend. E.g., "localhost:6379"
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Path of the SQLite database backing the cost and performance ledgers.
	DatabasePath string `yaml:"database_path"`

	// Model definitions. Replaced wholesale on reload.
	Models []*pulseroute.ModelMetadata `yaml:"models"`

	// Per-provider adapter settings, keyed by provider name.
	Providers map[string]ProviderConfig `yaml:"providers"`

	HealthCheck HealthCheckConfig `yaml:"health_check"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Cache       CacheConfig       `yaml:"cache"`
	Budget      BudgetConfig      `yaml:"budget"`
	Quality     QualityConfig     `yaml:"quality"`
	Failover    FailoverConfig    `yaml:"failover"`

	// Cap on in-flight calls per provider.
	MaxConcurrentRequestsPerProvider int `yaml:"max_concurrent_requests_per_provider"`
}

// Default returns the built-in configuration. Omitted optional sections of a
// loaded document fall back to these values.
func Default() *Config {
	return &Config{
		Port:         8080,
		DatabasePath: "pulseroute.db",
		HealthCheck: HealthCheckConfig{
			Interval:         Duration(60 * time.Second),
			Timeout:          Duration(10 * time.Second),
			FailureThreshold: 3,
		},
		RateLimit: RateLimitConfig{
			ThresholdPercent: 90,
			Window:           Duration(60 * time.Second),
		},
		Cache: CacheConfig{
			Enabled:      true,
			MaxSizeBytes: 100 * 1024 * 1024,
			DefaultTTL:   Duration(time.Hour),
		},
		Budget: BudgetConfig{
			DailyLimit:            100,
			AlertThresholdPercent: 80,
		},
		Quality: QualityConfig{
			Threshold:        0.7,
			EvaluationWindow: 10,
		},
		Failover: FailoverConfig{
			MaxRetries:     3,
			BaseBackoff:    Duration(2 * time.Second),
			AlertThreshold: 3,
			AlertWindow:    Duration(time.Hour),
		},
		MaxConcurrentRequestsPerProvider: 32,
	}
}

// Load reads and validates the configuration at path. A structurally invalid
// document yields a *pulseroute.ConfigurationError carrying one message per
// offending field; the caller's previously loaded configuration stays usable.
func Load(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := Default()

	logger.Infow("Loading config", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pulseroute.ConfigurationError{
			Path:        path,
			FieldErrors: []string{err.Error()},
		}
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &pulseroute.ConfigurationError{
			Path:        path,
			FieldErrors: []string{fmt.Sprintf("parse: %v", err)},
		}
	}

	// Environment variables take precedence over the YAML file.
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.DatabasePath = env.OptionalStringVariable("DATABASE_PATH", config.DatabasePath)
	config.Budget.DailyLimit = env.OptionalFloatVariable("DAILY_BUDGET", config.Budget.DailyLimit)
	config.Cache.Enabled = env.OptionalBoolVariable("CACHE_ENABLED", config.Cache.Enabled)
	config.Cache.DefaultTTL = Duration(env.OptionalDurationVariable("CACHE_TTL", config.Cache.DefaultTTL.Std()))
	config.HealthCheck.Interval = Duration(env.OptionalDurationVariable("HEALTH_CHECK_INTERVAL", config.HealthCheck.Interval.Std()))

	if fieldErrors := config.Validate(); len(fieldErrors) > 0 {
		return nil, &pulseroute.ConfigurationError{Path: path, FieldErrors: fieldErrors}
	}

	return config, nil
}

// Validate checks structural soundness and value ranges, returning one
// message per offending field.
func (c *Config) Validate() []string {
	var errs []string

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port: must be in 1..65535, got %d", c.Port))
	}
	if c.RateLimit.ThresholdPercent <= 0 || c.RateLimit.ThresholdPercent > 100 {
		errs = append(errs, fmt.Sprintf("rate_limit.threshold_percent: must be in (0, 100], got %g", c.RateLimit.ThresholdPercent))
	}
	if c.HealthCheck.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("health_check.failure_threshold: must be at least 1, got %d", c.HealthCheck.FailureThreshold))
	}
	if c.Budget.DailyLimit < 0 {
		errs = append(errs, fmt.Sprintf("budget.daily_limit: must not be negative, got %g", c.Budget.DailyLimit))
	}
	if c.Quality.Threshold < 0 || c.Quality.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("quality.threshold: must be in [0, 1], got %g", c.Quality.Threshold))
	}
	if c.Quality.EvaluationWindow < 1 {
		errs = append(errs, fmt.Sprintf("quality.evaluation_window: must be at least 1, got %d", c.Quality.EvaluationWindow))
	}
	if c.Failover.MaxRetries < 1 {
		errs = append(errs, fmt.Sprintf("failover.max_retries: must be at least 1, got %d", c.Failover.MaxRetries))
	}
	if c.MaxConcurrentRequestsPerProvider < 1 {
		errs = append(errs, fmt.Sprintf("max_concurrent_requests_per_provider: must be at least 1, got %d", c.MaxConcurrentRequestsPerProvider))
	}

	seen := make(map[string]bool, len(c.Models))
	for i, model := range c.Models {
		errs = append(errs, validateModel(i, model, seen)...)
	}

	return errs
}

func validateModel(index int, model *pulseroute.ModelMetadata, seen map[string]bool) []string {
	var errs []string
	field := func(name string) string {
		return fmt.Sprintf("models[%d].%s", index, name)
	}

	if model.ID == "" {
		errs = append(errs, field("id")+": required")
	} else if seen[model.ID] {
		errs = append(errs, field("id")+": duplicate id "+model.ID)
	}
	seen[model.ID] = true

	if model.Provider == "" {
		errs = append(errs, field("provider")+": required")
	}
	if model.Name == "" {
		errs = append(errs, field("name")+": required")
	}
	if len(model.Capabilities) == 0 {
		errs = append(errs, field("capabilities")+": at least one capability required")
	}
	if model.CostPer1kInputTokens < 0 {
		errs = append(errs, fmt.Sprintf("%s: must not be negative, got %g", field("cost_per_1k_input_tokens"), model.CostPer1kInputTokens))
	}
	if model.CostPer1kOutputTokens < 0 {
		errs = append(errs, fmt.Sprintf("%s: must not be negative, got %g", field("cost_per_1k_output_tokens"), model.CostPer1kOutputTokens))
	}
	if model.RateLimits.RequestsPerMinute <= 0 {
		errs = append(errs, fmt.Sprintf("%s: must be positive, got %d", field("rate_limits.requests_per_minute"), model.RateLimits.RequestsPerMinute))
	}
	if model.RateLimits.TokensPerMinute <= 0 {
		errs = append(errs, fmt.Sprintf("%s: must be positive, got %d", field("rate_limits.tokens_per_minute"), model.RateLimits.TokensPerMinute))
	}
	if model.ContextWindow <= 0 {
		errs = append(errs, fmt.Sprintf("%s: must be positive, got %d", field("context_window"), model.ContextWindow))
	}
	if model.AverageResponseTimeMillis < 0 {
		errs = append(errs, fmt.Sprintf("%s: must not be negative, got %d", field("average_response_time_ms"), model.AverageResponseTimeMillis))
	}

	return errs
}
