package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the poppobuilder daemon.
type Config struct {
	// Forge identifies the issue tracker project this daemon services.
	Forge ForgeConfig

	// Dirs holds the filesystem roots the daemon persists state and artifacts under.
	Dirs DirConfig

	// Poll controls the dispatcher's tick cadence and item selection.
	Poll PollConfig

	// Concurrency bounds how many tasks may run at once.
	Concurrency int

	// RateLimit configures the per-channel token buckets and breakers.
	RateLimit RateLimitConfig

	// Retry configures the per-class retry budgets.
	Retry RetryConfig

	// Lock configures the per-issue advisory lock TTL/heartbeat.
	Lock LockConfig

	// Arbiter configures the label reconciler's poll/sweep cadence.
	Arbiter ArbiterConfig

	// AICLI configures how the worker mode invokes the external AI CLI.
	AICLI AICLIConfig

	// HTTP configures the ambient health/metrics server.
	HTTP HTTPConfig

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// DevMode records the dev_mode / POPPOBUILDER_DEV setting. Debug-level logging is
	// switched on by the entrypoint reading POPPOBUILDER_DEV directly, not by this field.
	DevMode bool
}

// ForgeConfig identifies the project and credentials used against the forge.
type ForgeConfig struct {
	BaseURL string
	Owner   string
	Repo    string
	// Token is never read from the config file; it is always sourced from FORGE_TOKEN.
	Token string

	// RequiredLabels is the set of labels, any one of which makes an issue eligible.
	RequiredLabels []string
	// ExcludedLabels removes an otherwise-eligible issue.
	ExcludedLabels []string
	// CompletionKeywords decide completed vs. awaiting-response on a case-insensitive
	// substring match against the child's captured output.
	CompletionKeywords []string
	// FollowUpEnabled turns on polling for awaiting-response issues with new comments.
	FollowUpEnabled bool
}

// DirConfig names the two filesystem roots the daemon operates against.
type DirConfig struct {
	StateRoot string
	TempRoot  string
}

// PollConfig controls the dispatcher tick.
type PollConfig struct {
	Interval        time.Duration
	HeartbeatPeriod time.Duration
	TaskTimeout     time.Duration
}

// RateLimitConfig configures the token buckets used by internal/ratelimit.
type RateLimitConfig struct {
	ForgeRequestsPerSecond float64
	ForgeBurst             int
	AICLIRequestsPerSecond float64
	AICLIBurst             int
	MaxWaitAttempts        int
}

// RetryConfig configures internal/retry's per-class budgets.
type RetryConfig struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	CounterTTL    time.Duration
}

// LockConfig configures internal/lockservice.
type LockConfig struct {
	TTL             time.Duration
	HeartbeatPeriod time.Duration
	SweepInterval   time.Duration
}

// ArbiterConfig configures internal/labelarbiter.
type ArbiterConfig struct {
	PollInterval     time.Duration
	MaxRetries       int
	OrphanSweepEvery time.Duration
	HeartbeatTimeout time.Duration
}

// AICLIConfig configures the worker-mode subprocess invocation.
type AICLIConfig struct {
	Executable string
	Args       []string
}

// HTTPConfig configures the ambient health/metrics mux.
type HTTPConfig struct {
	Port int
}

// builtinDefaults returns the compiled-in configuration, before any file or environment
// overrides. mergeConfigs compares against this to decide whether an env-derived value is an
// explicit override or just the default echoed back.
func builtinDefaults() *Config {
	return &Config{
		Forge: ForgeConfig{
			BaseURL:            "https://api.github.com",
			RequiredLabels:     []string{"task:misc", "task:dogfooding", "task:quality", "task:docs", "task:feature"},
			ExcludedLabels:     []string{"completed", "processing"},
			CompletionKeywords: []string{"done", "completed", "finished"},
			FollowUpEnabled:    true,
		},
		Dirs: DirConfig{
			StateRoot: "./.poppobuilder/state",
			TempRoot:  "./.poppobuilder/tmp",
		},
		Poll: PollConfig{
			Interval:        60 * time.Second,
			HeartbeatPeriod: 30 * time.Second,
			TaskTimeout:     24 * time.Hour,
		},
		Concurrency: 2,
		RateLimit: RateLimitConfig{
			ForgeRequestsPerSecond: 2.0,
			ForgeBurst:             5,
			AICLIRequestsPerSecond: 1.0,
			AICLIBurst:             2,
			MaxWaitAttempts:        5,
		},
		Retry: RetryConfig{
			BaseDelay:     1 * time.Second,
			MaxDelay:      2 * time.Minute,
			BackoffFactor: 2.0,
			CounterTTL:    1 * time.Hour,
		},
		Lock: LockConfig{
			TTL:             5 * time.Minute,
			HeartbeatPeriod: 30 * time.Second,
			SweepInterval:   10 * time.Minute,
		},
		Arbiter: ArbiterConfig{
			PollInterval:     5 * time.Second,
			MaxRetries:       5,
			OrphanSweepEvery: 30 * time.Minute,
			HeartbeatTimeout: 5 * time.Minute,
		},
		AICLI: AICLIConfig{
			Executable: "claude",
			Args:       []string{"--print", "--dangerously-skip-permissions"},
		},
		HTTP: HTTPConfig{
			Port: 9090,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from environment variables over the built-in defaults.
func Load() (*Config, error) {
	def := builtinDefaults()
	cfg := &Config{
		Forge: ForgeConfig{
			BaseURL:            getEnv("POPPOBUILDER_FORGE_BASE_URL", def.Forge.BaseURL),
			Owner:              getEnv("POPPOBUILDER_OWNER", ""),
			Repo:               getEnv("POPPOBUILDER_REPO", ""),
			Token:              os.Getenv("FORGE_TOKEN"),
			RequiredLabels:     getEnvSlice("POPPOBUILDER_REQUIRED_LABELS", def.Forge.RequiredLabels),
			ExcludedLabels:     getEnvSlice("POPPOBUILDER_EXCLUDED_LABELS", def.Forge.ExcludedLabels),
			CompletionKeywords: getEnvSlice("POPPOBUILDER_COMPLETION_KEYWORDS", def.Forge.CompletionKeywords),
			FollowUpEnabled:    getEnvBool("POPPOBUILDER_FOLLOWUP_ENABLED", def.Forge.FollowUpEnabled),
		},
		Dirs: DirConfig{
			StateRoot: getEnv("POPPOBUILDER_BASE_DIR", def.Dirs.StateRoot),
			TempRoot:  getEnv("POPPOBUILDER_TEMP_DIR", def.Dirs.TempRoot),
		},
		Poll: PollConfig{
			Interval:        getEnvDuration("POPPOBUILDER_POLL_INTERVAL", def.Poll.Interval),
			HeartbeatPeriod: getEnvDuration("POPPOBUILDER_HEARTBEAT_PERIOD", def.Poll.HeartbeatPeriod),
			TaskTimeout:     getEnvDuration("POPPOBUILDER_TASK_TIMEOUT", def.Poll.TaskTimeout),
		},
		Concurrency: getEnvInt("POPPOBUILDER_CONCURRENCY", def.Concurrency),
		RateLimit: RateLimitConfig{
			ForgeRequestsPerSecond: getEnvFloat("POPPOBUILDER_FORGE_RPS", def.RateLimit.ForgeRequestsPerSecond),
			ForgeBurst:             getEnvInt("POPPOBUILDER_FORGE_BURST", def.RateLimit.ForgeBurst),
			AICLIRequestsPerSecond: getEnvFloat("POPPOBUILDER_AICLI_RPS", def.RateLimit.AICLIRequestsPerSecond),
			AICLIBurst:             getEnvInt("POPPOBUILDER_AICLI_BURST", def.RateLimit.AICLIBurst),
			MaxWaitAttempts:        getEnvInt("POPPOBUILDER_RATE_LIMIT_MAX_WAIT_ATTEMPTS", def.RateLimit.MaxWaitAttempts),
		},
		Retry: RetryConfig{
			BaseDelay:     getEnvDuration("POPPOBUILDER_RETRY_BASE_DELAY", def.Retry.BaseDelay),
			MaxDelay:      getEnvDuration("POPPOBUILDER_RETRY_MAX_DELAY", def.Retry.MaxDelay),
			BackoffFactor: getEnvFloat("POPPOBUILDER_RETRY_BACKOFF_FACTOR", def.Retry.BackoffFactor),
			CounterTTL:    getEnvDuration("POPPOBUILDER_RETRY_COUNTER_TTL", def.Retry.CounterTTL),
		},
		Lock: LockConfig{
			TTL:             getEnvDuration("POPPOBUILDER_LOCK_TTL", def.Lock.TTL),
			HeartbeatPeriod: getEnvDuration("POPPOBUILDER_LOCK_HEARTBEAT", def.Lock.HeartbeatPeriod),
			SweepInterval:   getEnvDuration("POPPOBUILDER_LOCK_SWEEP_INTERVAL", def.Lock.SweepInterval),
		},
		Arbiter: ArbiterConfig{
			PollInterval:     getEnvDuration("POPPOBUILDER_ARBITER_POLL_INTERVAL", def.Arbiter.PollInterval),
			MaxRetries:       getEnvInt("POPPOBUILDER_ARBITER_MAX_RETRIES", def.Arbiter.MaxRetries),
			OrphanSweepEvery: getEnvDuration("POPPOBUILDER_ARBITER_SWEEP_INTERVAL", def.Arbiter.OrphanSweepEvery),
			HeartbeatTimeout: getEnvDuration("POPPOBUILDER_HEARTBEAT_TIMEOUT", def.Arbiter.HeartbeatTimeout),
		},
		AICLI: AICLIConfig{
			Executable: getEnv("POPPOBUILDER_AICLI_EXECUTABLE", def.AICLI.Executable),
			Args:       getEnvSlice("POPPOBUILDER_AICLI_ARGS", def.AICLI.Args),
		},
		HTTP: HTTPConfig{
			Port: getEnvInt("POPPOBUILDER_HTTP_PORT", def.HTTP.Port),
		},
		LogLevel: getEnv("POPPOBUILDER_LOG_LEVEL", def.LogLevel),
		DevMode:  getEnvBool("POPPOBUILDER_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// HotReloadableKeys lists the TOML keys the file watcher is allowed to apply without a
// restart. Everything else is ignored until the process restarts; an owner/repo or
// state/temp directory change also logs a warning.
var HotReloadableKeys = map[string]bool{
	"log_level":                 true,
	"concurrency":               true,
	"poll.interval":             true,
	"rate_limit.forge_rps":      true,
	"rate_limit.forge_burst":    true,
	"rate_limit.aicli_rps":      true,
	"rate_limit.aicli_burst":    true,
	"forge.completion_keywords": true,
	"forge.followup_enabled":    true,
}
