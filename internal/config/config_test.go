package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Forge.BaseURL != "https://api.github.com" {
		t.Errorf("unexpected default base url: %s", cfg.Forge.BaseURL)
	}
	if cfg.Poll.Interval != 60*time.Second {
		t.Errorf("unexpected default poll interval: %v", cfg.Poll.Interval)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("unexpected default concurrency: %d", cfg.Concurrency)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("POPPOBUILDER_OWNER", "alice")
	t.Setenv("FORGE_TOKEN", "secret-token")
	t.Setenv("POPPOBUILDER_CONCURRENCY", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Forge.Owner != "alice" {
		t.Errorf("expected owner alice, got %s", cfg.Forge.Owner)
	}
	if cfg.Forge.Token != "secret-token" {
		t.Errorf("expected token from env, got %s", cfg.Forge.Token)
	}
	if cfg.Concurrency != 7 {
		t.Errorf("expected concurrency 7, got %d", cfg.Concurrency)
	}
}

func TestLoadEnvSliceSplitsOnComma(t *testing.T) {
	t.Setenv("POPPOBUILDER_REQUIRED_LABELS", "task:a,task:b")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Forge.RequiredLabels) != 2 || cfg.Forge.RequiredLabels[0] != "task:a" {
		t.Errorf("unexpected required labels: %v", cfg.Forge.RequiredLabels)
	}
}

func TestLoadFromFileParsesTOML(t *testing.T) {
	path := writeTempTOML(t, `
concurrency = 4

[forge]
owner = "bob"
repo = "widgets"
required_labels = ["task:feature"]

[poll]
interval = "2m"
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Forge.Owner != "bob" || cfg.Forge.Repo != "widgets" {
		t.Errorf("unexpected forge config: %+v", cfg.Forge)
	}
	if cfg.Poll.Interval != 2*time.Minute {
		t.Errorf("expected 2m poll interval, got %v", cfg.Poll.Interval)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Concurrency)
	}
}

func TestLoadFromFileRejectsMalformedTOML(t *testing.T) {
	path := writeTempTOML(t, "this is not valid toml {{{")
	if _, err := LoadFromFile(path); err == nil {
		t.Fatalf("expected error parsing malformed TOML")
	}
}

func TestMergeConfigsFileThenEnvOverride(t *testing.T) {
	path := writeTempTOML(t, `
[forge]
owner = "file-owner"
repo = "file-repo"
`)
	t.Setenv("POPPOBUILDER_CONFIG", path)
	t.Setenv("POPPOBUILDER_OWNER", "env-owner")
	t.Setenv("FORGE_TOKEN", "env-token")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile: %v", err)
	}
	if cfg.Forge.Owner != "env-owner" {
		t.Errorf("expected env var to win over file, got %s", cfg.Forge.Owner)
	}
	if cfg.Forge.Repo != "file-repo" {
		t.Errorf("expected file value to survive where env is unset, got %s", cfg.Forge.Repo)
	}
	if cfg.Forge.Token != "env-token" {
		t.Errorf("FORGE_TOKEN must always come from env, got %s", cfg.Forge.Token)
	}
}

func TestMergeConfigsEnvWinsForEveryKey(t *testing.T) {
	path := writeTempTOML(t, `
[rate_limit]
forge_rps = 9.0
forge_burst = 50

[lock]
ttl = "1m"
sweep_interval = "3m"

[http]
port = 7070

[aicli]
executable = "file-cli"
`)
	t.Setenv("POPPOBUILDER_CONFIG", path)
	t.Setenv("POPPOBUILDER_FORGE_RPS", "4.5")
	t.Setenv("POPPOBUILDER_LOCK_TTL", "2m")
	t.Setenv("POPPOBUILDER_AICLI_EXECUTABLE", "env-cli")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile: %v", err)
	}
	if cfg.RateLimit.ForgeRequestsPerSecond != 4.5 {
		t.Errorf("expected env forge_rps to win over file, got %v", cfg.RateLimit.ForgeRequestsPerSecond)
	}
	if cfg.Lock.TTL != 2*time.Minute {
		t.Errorf("expected env lock ttl to win over file, got %v", cfg.Lock.TTL)
	}
	if cfg.AICLI.Executable != "env-cli" {
		t.Errorf("expected env aicli executable to win over file, got %s", cfg.AICLI.Executable)
	}
	// Where the environment is silent, the file value survives.
	if cfg.RateLimit.ForgeBurst != 50 {
		t.Errorf("expected file forge_burst to survive, got %d", cfg.RateLimit.ForgeBurst)
	}
	if cfg.Lock.SweepInterval != 3*time.Minute {
		t.Errorf("expected file sweep_interval to survive, got %v", cfg.Lock.SweepInterval)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("expected file http port to survive, got %d", cfg.HTTP.Port)
	}
	// And keys neither layer sets stay at the built-in defaults.
	if cfg.Arbiter.PollInterval != 5*time.Second {
		t.Errorf("expected default arbiter poll interval, got %v", cfg.Arbiter.PollInterval)
	}
}

func TestLoadWithFileFallsBackWhenNoConfigFile(t *testing.T) {
	t.Setenv("POPPOBUILDER_CONFIG", "")
	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile: %v", err)
	}
	if cfg.Forge.BaseURL != "https://api.github.com" {
		t.Errorf("expected pure env/default config when no file present")
	}
}

func writeTempTOML(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "poppobuilder-*.toml")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(contents); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	return f.Name()
}
