// Package config loads the pipeline configuration with the usual
// precedence: built-in defaults, then YAML file, then environment
// variables with the REPORTFLOW prefix.
package config

import (
	"fmt"
	"time"

	"github.com/BaSui01/reportflow/recovery"
)

// Config is the complete configuration of the report pipeline.
type Config struct {
	// Workflow identifies the pipeline and its partial-success policy.
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// Retry configures the stage retry and degradation behavior.
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// State configures the durable state store.
	State StateConfig `yaml:"state" env:"STATE"`

	// Cache sets per-partition TTLs for cached stage results.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures Prometheus metrics collection.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// WorkflowConfig identifies the workflow and its completion policy.
type WorkflowConfig struct {
	// Name labels executions, logs and metrics.
	Name string `yaml:"name" env:"NAME"`
	// MinPartialRatio is the completion ratio below which a run cannot be
	// a partial success.
	MinPartialRatio float64 `yaml:"min_partial_ratio" env:"MIN_PARTIAL_RATIO"`
	// CriticalStages lists stages of which at least MinCriticalCompleted
	// must finish for partial success.
	CriticalStages []string `yaml:"critical_stages" env:"CRITICAL_STAGES"`
	// MinCriticalCompleted is the minimum completed critical stages.
	MinCriticalCompleted int `yaml:"min_critical_completed" env:"MIN_CRITICAL_COMPLETED"`
}

// RetryConfig wraps the retry policy with the degradation switch.
type RetryConfig struct {
	recovery.Policy `yaml:",inline"`
	// GracefulDegradation enables the fallback re-invocation for
	// non-retryable stage failures.
	GracefulDegradation bool `yaml:"graceful_degradation" env:"GRACEFUL_DEGRADATION"`
}

// StateConfig configures the durable state store and its backends.
type StateConfig struct {
	// Dir holds the JSON snapshot.
	Dir string `yaml:"dir" env:"DIR"`
	// MaxHistory caps retained execution records.
	MaxHistory int `yaml:"max_history" env:"MAX_HISTORY"`
	// LockTimeout bounds store lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
	// CacheBackend selects the result cache: "memory" or "redis".
	CacheBackend string `yaml:"cache_backend" env:"CACHE_BACKEND"`
	// Redis configures the redis cache backend.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// SQLitePath is the history mirror database; empty disables the mirror.
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// CacheConfig sets per-partition TTLs.
type CacheConfig struct {
	ExecutionTTL   time.Duration `yaml:"execution_ttl" env:"EXECUTION_TTL"`
	ResearchTTL    time.Duration `yaml:"research_ttl" env:"RESEARCH_TTL"`
	CalculationTTL time.Duration `yaml:"calculation_ttl" env:"CALCULATION_TTL"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			Name:            "partnership_analysis",
			MinPartialRatio: 0.6,
			CriticalStages: []string{
				"data_extraction",
				"financial_calculations",
				"schema_normalization",
			},
			MinCriticalCompleted: 2,
		},
		Retry: RetryConfig{
			Policy:              recovery.DefaultPolicy(),
			GracefulDegradation: true,
		},
		State: StateConfig{
			Dir:          "data/state",
			MaxHistory:   100,
			LockTimeout:  5 * time.Second,
			CacheBackend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Cache: CacheConfig{
			ExecutionTTL:   24 * time.Hour,
			ResearchTTL:    30 * 24 * time.Hour,
			CalculationTTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "reportflow",
		},
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Workflow.Name == "" {
		return fmt.Errorf("workflow.name must not be empty")
	}
	if c.Workflow.MinPartialRatio < 0 || c.Workflow.MinPartialRatio > 1 {
		return fmt.Errorf("workflow.min_partial_ratio must be in [0, 1], got %v", c.Workflow.MinPartialRatio)
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir must not be empty")
	}
	switch c.State.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("state.cache_backend must be memory or redis, got %q", c.State.CacheBackend)
	}
	if c.State.CacheBackend == "redis" && c.State.Redis.Addr == "" {
		return fmt.Errorf("state.redis.addr required for the redis cache backend")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}
