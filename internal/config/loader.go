package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure.
type TOMLConfig struct {
	Forge       TOMLForgeConfig     `toml:"forge"`
	Dirs        TOMLDirConfig       `toml:"dirs"`
	Poll        TOMLPollConfig      `toml:"poll"`
	Concurrency int                 `toml:"concurrency"`
	RateLimit   TOMLRateLimitConfig `toml:"rate_limit"`
	Retry       TOMLRetryConfig     `toml:"retry"`
	Lock        TOMLLockConfig      `toml:"lock"`
	Arbiter     TOMLArbiterConfig   `toml:"arbiter"`
	AICLI       TOMLAICLIConfig     `toml:"aicli"`
	HTTP        TOMLHTTPConfig      `toml:"http"`
	LogLevel    string              `toml:"log_level"`
	DevMode     bool                `toml:"dev_mode"`
}

type TOMLForgeConfig struct {
	BaseURL            string   `toml:"base_url"`
	Owner              string   `toml:"owner"`
	Repo               string   `toml:"repo"`
	RequiredLabels     []string `toml:"required_labels"`
	ExcludedLabels     []string `toml:"excluded_labels"`
	CompletionKeywords []string `toml:"completion_keywords"`
	FollowUpEnabled    bool     `toml:"followup_enabled"`
}

type TOMLDirConfig struct {
	StateRoot string `toml:"state_root"`
	TempRoot  string `toml:"temp_root"`
}

type TOMLPollConfig struct {
	Interval        string `toml:"interval"`
	HeartbeatPeriod string `toml:"heartbeat_period"`
	TaskTimeout     string `toml:"task_timeout"`
}

type TOMLRateLimitConfig struct {
	ForgeRPS        float64 `toml:"forge_rps"`
	ForgeBurst      int     `toml:"forge_burst"`
	AICLIRPS        float64 `toml:"aicli_rps"`
	AICLIBurst      int     `toml:"aicli_burst"`
	MaxWaitAttempts int     `toml:"max_wait_attempts"`
}

type TOMLRetryConfig struct {
	BaseDelay     string  `toml:"base_delay"`
	MaxDelay      string  `toml:"max_delay"`
	BackoffFactor float64 `toml:"backoff_factor"`
	CounterTTL    string  `toml:"counter_ttl"`
}

type TOMLLockConfig struct {
	TTL             string `toml:"ttl"`
	HeartbeatPeriod string `toml:"heartbeat_period"`
	SweepInterval   string `toml:"sweep_interval"`
}

type TOMLArbiterConfig struct {
	PollInterval     string `toml:"poll_interval"`
	MaxRetries       int    `toml:"max_retries"`
	OrphanSweepEvery string `toml:"orphan_sweep_every"`
	HeartbeatTimeout string `toml:"heartbeat_timeout"`
}

type TOMLAICLIConfig struct {
	Executable string   `toml:"executable"`
	Args       []string `toml:"args"`
}

type TOMLHTTPConfig struct {
	Port int `toml:"port"`
}

// ConfigPaths lists the paths to search for a config file when POPPOBUILDER_CONFIG is unset.
var ConfigPaths = []string{
	"poppobuilder.toml",
	"./config/poppobuilder.toml",
	"/etc/poppobuilder/poppobuilder.toml",
}

// LoadFromFile loads configuration from a TOML file. Keys absent from the file keep their
// built-in defaults, so a partial file never zeroes tunables it doesn't mention.
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	md, err := toml.DecodeFile(path, &tomlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg, md)
}

// LoadWithFile loads configuration from file first, then overrides with env vars. This is
// the entrypoint cmd/poppobuilder/main.go calls at startup.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("POPPOBUILDER_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig layers the file's set keys over the built-in defaults. String and
// numeric keys count as set when non-zero; booleans consult the decoder's metadata so an
// explicit `false` in the file is honored.
func tomlConfigToConfig(tc *TOMLConfig, md toml.MetaData) (*Config, error) {
	cfg := builtinDefaults()

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setFloat := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	setSlice := func(dst *[]string, v []string) {
		if v != nil {
			*dst = v
		}
	}
	parseDur := func(s string, dst *time.Duration) {
		if s == "" {
			return
		}
		if d, err := time.ParseDuration(s); err == nil {
			*dst = d
		}
	}

	setStr(&cfg.Forge.BaseURL, tc.Forge.BaseURL)
	setStr(&cfg.Forge.Owner, tc.Forge.Owner)
	setStr(&cfg.Forge.Repo, tc.Forge.Repo)
	setSlice(&cfg.Forge.RequiredLabels, tc.Forge.RequiredLabels)
	setSlice(&cfg.Forge.ExcludedLabels, tc.Forge.ExcludedLabels)
	setSlice(&cfg.Forge.CompletionKeywords, tc.Forge.CompletionKeywords)
	if md.IsDefined("forge", "followup_enabled") {
		cfg.Forge.FollowUpEnabled = tc.Forge.FollowUpEnabled
	}

	setStr(&cfg.Dirs.StateRoot, tc.Dirs.StateRoot)
	setStr(&cfg.Dirs.TempRoot, tc.Dirs.TempRoot)

	setInt(&cfg.Concurrency, tc.Concurrency)

	setFloat(&cfg.RateLimit.ForgeRequestsPerSecond, tc.RateLimit.ForgeRPS)
	setInt(&cfg.RateLimit.ForgeBurst, tc.RateLimit.ForgeBurst)
	setFloat(&cfg.RateLimit.AICLIRequestsPerSecond, tc.RateLimit.AICLIRPS)
	setInt(&cfg.RateLimit.AICLIBurst, tc.RateLimit.AICLIBurst)
	setInt(&cfg.RateLimit.MaxWaitAttempts, tc.RateLimit.MaxWaitAttempts)

	setFloat(&cfg.Retry.BackoffFactor, tc.Retry.BackoffFactor)
	setInt(&cfg.Arbiter.MaxRetries, tc.Arbiter.MaxRetries)

	setStr(&cfg.AICLI.Executable, tc.AICLI.Executable)
	if tc.AICLI.Args != nil {
		cfg.AICLI.Args = tc.AICLI.Args
	}
	setInt(&cfg.HTTP.Port, tc.HTTP.Port)
	setStr(&cfg.LogLevel, tc.LogLevel)
	if md.IsDefined("dev_mode") {
		cfg.DevMode = tc.DevMode
	}

	parseDur(tc.Poll.Interval, &cfg.Poll.Interval)
	parseDur(tc.Poll.HeartbeatPeriod, &cfg.Poll.HeartbeatPeriod)
	parseDur(tc.Poll.TaskTimeout, &cfg.Poll.TaskTimeout)
	parseDur(tc.Retry.BaseDelay, &cfg.Retry.BaseDelay)
	parseDur(tc.Retry.MaxDelay, &cfg.Retry.MaxDelay)
	parseDur(tc.Retry.CounterTTL, &cfg.Retry.CounterTTL)
	parseDur(tc.Lock.TTL, &cfg.Lock.TTL)
	parseDur(tc.Lock.HeartbeatPeriod, &cfg.Lock.HeartbeatPeriod)
	parseDur(tc.Lock.SweepInterval, &cfg.Lock.SweepInterval)
	parseDur(tc.Arbiter.PollInterval, &cfg.Arbiter.PollInterval)
	parseDur(tc.Arbiter.OrphanSweepEvery, &cfg.Arbiter.OrphanSweepEvery)
	parseDur(tc.Arbiter.HeartbeatTimeout, &cfg.Arbiter.HeartbeatTimeout)

	return cfg, nil
}

// mergeConfigs merges two configs, with override (env-derived) taking precedence over base
// (file-derived) wherever override differs from the built-in defaults — for every key, so the
// environment is always the final layer of the defaults ← file ← env hierarchy. A value equal
// to the built-in default is treated as "unset" rather than as an explicit override, so file
// values survive where the environment is silent.
func mergeConfigs(base, override *Config) *Config {
	result := *base
	defaults := builtinDefaults()

	mergeStr := func(dst *string, over, def string) {
		if over != def {
			*dst = over
		}
	}
	mergeInt := func(dst *int, over, def int) {
		if over != def {
			*dst = over
		}
	}
	mergeFloat := func(dst *float64, over, def float64) {
		if over != def {
			*dst = over
		}
	}
	mergeDur := func(dst *time.Duration, over, def time.Duration) {
		if over != def {
			*dst = over
		}
	}
	mergeBool := func(dst *bool, over, def bool) {
		if over != def {
			*dst = over
		}
	}
	mergeSlice := func(dst *[]string, over, def []string) {
		if !equalStrings(over, def) {
			*dst = over
		}
	}

	mergeStr(&result.Forge.BaseURL, override.Forge.BaseURL, defaults.Forge.BaseURL)
	mergeStr(&result.Forge.Owner, override.Forge.Owner, "")
	mergeStr(&result.Forge.Repo, override.Forge.Repo, "")
	result.Forge.Token = override.Forge.Token // FORGE_TOKEN always wins; never read from file
	mergeSlice(&result.Forge.RequiredLabels, override.Forge.RequiredLabels, defaults.Forge.RequiredLabels)
	mergeSlice(&result.Forge.ExcludedLabels, override.Forge.ExcludedLabels, defaults.Forge.ExcludedLabels)
	mergeSlice(&result.Forge.CompletionKeywords, override.Forge.CompletionKeywords, defaults.Forge.CompletionKeywords)
	mergeBool(&result.Forge.FollowUpEnabled, override.Forge.FollowUpEnabled, defaults.Forge.FollowUpEnabled)

	mergeStr(&result.Dirs.StateRoot, override.Dirs.StateRoot, defaults.Dirs.StateRoot)
	mergeStr(&result.Dirs.TempRoot, override.Dirs.TempRoot, defaults.Dirs.TempRoot)

	mergeDur(&result.Poll.Interval, override.Poll.Interval, defaults.Poll.Interval)
	mergeDur(&result.Poll.HeartbeatPeriod, override.Poll.HeartbeatPeriod, defaults.Poll.HeartbeatPeriod)
	mergeDur(&result.Poll.TaskTimeout, override.Poll.TaskTimeout, defaults.Poll.TaskTimeout)

	mergeInt(&result.Concurrency, override.Concurrency, defaults.Concurrency)

	mergeFloat(&result.RateLimit.ForgeRequestsPerSecond, override.RateLimit.ForgeRequestsPerSecond, defaults.RateLimit.ForgeRequestsPerSecond)
	mergeInt(&result.RateLimit.ForgeBurst, override.RateLimit.ForgeBurst, defaults.RateLimit.ForgeBurst)
	mergeFloat(&result.RateLimit.AICLIRequestsPerSecond, override.RateLimit.AICLIRequestsPerSecond, defaults.RateLimit.AICLIRequestsPerSecond)
	mergeInt(&result.RateLimit.AICLIBurst, override.RateLimit.AICLIBurst, defaults.RateLimit.AICLIBurst)
	mergeInt(&result.RateLimit.MaxWaitAttempts, override.RateLimit.MaxWaitAttempts, defaults.RateLimit.MaxWaitAttempts)

	mergeDur(&result.Retry.BaseDelay, override.Retry.BaseDelay, defaults.Retry.BaseDelay)
	mergeDur(&result.Retry.MaxDelay, override.Retry.MaxDelay, defaults.Retry.MaxDelay)
	mergeFloat(&result.Retry.BackoffFactor, override.Retry.BackoffFactor, defaults.Retry.BackoffFactor)
	mergeDur(&result.Retry.CounterTTL, override.Retry.CounterTTL, defaults.Retry.CounterTTL)

	mergeDur(&result.Lock.TTL, override.Lock.TTL, defaults.Lock.TTL)
	mergeDur(&result.Lock.HeartbeatPeriod, override.Lock.HeartbeatPeriod, defaults.Lock.HeartbeatPeriod)
	mergeDur(&result.Lock.SweepInterval, override.Lock.SweepInterval, defaults.Lock.SweepInterval)

	mergeDur(&result.Arbiter.PollInterval, override.Arbiter.PollInterval, defaults.Arbiter.PollInterval)
	mergeInt(&result.Arbiter.MaxRetries, override.Arbiter.MaxRetries, defaults.Arbiter.MaxRetries)
	mergeDur(&result.Arbiter.OrphanSweepEvery, override.Arbiter.OrphanSweepEvery, defaults.Arbiter.OrphanSweepEvery)
	mergeDur(&result.Arbiter.HeartbeatTimeout, override.Arbiter.HeartbeatTimeout, defaults.Arbiter.HeartbeatTimeout)

	mergeStr(&result.AICLI.Executable, override.AICLI.Executable, defaults.AICLI.Executable)
	mergeSlice(&result.AICLI.Args, override.AICLI.Args, defaults.AICLI.Args)

	mergeInt(&result.HTTP.Port, override.HTTP.Port, defaults.HTTP.Port)

	mergeStr(&result.LogLevel, override.LogLevel, defaults.LogLevel)
	mergeBool(&result.DevMode, override.DevMode, false)

	return &result
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WriteExampleConfig writes an example configuration file, used by `poppobuilder --init-config`.
func WriteExampleConfig(path string) error {
	example := `# poppobuilder configuration
# Environment variables (see README) override these settings. FORGE_TOKEN is never read
# from this file.

concurrency = 2
log_level = "info"
dev_mode = false

[forge]
base_url = "https://api.github.com"
owner = ""
repo = ""
required_labels = ["task:misc", "task:dogfooding", "task:quality", "task:docs", "task:feature"]
excluded_labels = ["completed", "processing"]
completion_keywords = ["done", "completed", "finished"]
followup_enabled = true

[dirs]
state_root = "./.poppobuilder/state"
temp_root = "./.poppobuilder/tmp"

[poll]
interval = "60s"
heartbeat_period = "30s"
task_timeout = "24h"

[rate_limit]
forge_rps = 2.0
forge_burst = 5
aicli_rps = 1.0
aicli_burst = 2
max_wait_attempts = 5

[retry]
base_delay = "1s"
max_delay = "2m"
backoff_factor = 2.0
counter_ttl = "1h"

[lock]
ttl = "5m"
heartbeat_period = "30s"
sweep_interval = "10m"

[arbiter]
poll_interval = "5s"
max_retries = 5
orphan_sweep_every = "30m"
heartbeat_timeout = "5m"

[aicli]
executable = "claude"
args = ["--print", "--dangerously-skip-permissions"]

[http]
port = 9090
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
