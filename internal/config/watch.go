package config

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads a TOML config file on change and applies the hot-reloadable subset of
// keys (HotReloadableKeys) to the Config that Current returns. Keys outside that set are
// ignored until the process restarts; only an owner/repo or state/temp directory change is
// logged as such.
type Watcher struct {
	path string
	mu   sync.Mutex
	cur  atomic.Pointer[Config]
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching path for changes. cur must already hold the config loaded from
// path at startup.
func NewWatcher(path string, cur *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, fsw: fsw, done: make(chan struct{})}
	w.cur.Store(cur)
	return w, nil
}

// Current returns the most recently reloaded config.
func (w *Watcher) Current() *Config {
	return w.cur.Load()
}

// Run blocks, applying hot-reloadable changes until Close is called.
func (w *Watcher) Run() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(250 * time.Millisecond)
			}
		case <-debounce.C:
			pending = false
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config reload: read failed", "path", w.path, "error", err)
		return
	}

	var tc TOMLConfig
	md, err := toml.Decode(string(data), &tc)
	if err != nil {
		slog.Warn("config reload: parse failed", "path", w.path, "error", err)
		return
	}
	fresh, err := tomlConfigToConfig(&tc, md)
	if err != nil {
		slog.Warn("config reload: convert failed", "path", w.path, "error", err)
		return
	}

	applied := w.cur.Load().clone()
	w.applyHotReloadable(applied, fresh)
	w.cur.Store(applied)
	slog.Info("config reloaded", "path", w.path)
}

// applyHotReloadable copies only the keys named in HotReloadableKeys from fresh into dst.
// A change of owner/repo or of the state/temp directories is logged as ignored-until-restart;
// other non-reloadable differences are dropped without a log line.
func (w *Watcher) applyHotReloadable(dst, fresh *Config) {
	if HotReloadableKeys["log_level"] && fresh.LogLevel != "" && fresh.LogLevel != dst.LogLevel {
		dst.LogLevel = fresh.LogLevel
	}
	if HotReloadableKeys["concurrency"] && fresh.Concurrency != 0 && fresh.Concurrency != dst.Concurrency {
		dst.Concurrency = fresh.Concurrency
	}
	if HotReloadableKeys["poll.interval"] && fresh.Poll.Interval != 0 && fresh.Poll.Interval != dst.Poll.Interval {
		dst.Poll.Interval = fresh.Poll.Interval
	}
	if HotReloadableKeys["rate_limit.forge_rps"] && fresh.RateLimit.ForgeRequestsPerSecond != 0 {
		dst.RateLimit.ForgeRequestsPerSecond = fresh.RateLimit.ForgeRequestsPerSecond
	}
	if HotReloadableKeys["rate_limit.forge_burst"] && fresh.RateLimit.ForgeBurst != 0 {
		dst.RateLimit.ForgeBurst = fresh.RateLimit.ForgeBurst
	}
	if HotReloadableKeys["rate_limit.aicli_rps"] && fresh.RateLimit.AICLIRequestsPerSecond != 0 {
		dst.RateLimit.AICLIRequestsPerSecond = fresh.RateLimit.AICLIRequestsPerSecond
	}
	if HotReloadableKeys["rate_limit.aicli_burst"] && fresh.RateLimit.AICLIBurst != 0 {
		dst.RateLimit.AICLIBurst = fresh.RateLimit.AICLIBurst
	}
	if HotReloadableKeys["forge.completion_keywords"] && len(fresh.Forge.CompletionKeywords) > 0 {
		dst.Forge.CompletionKeywords = fresh.Forge.CompletionKeywords
	}
	if HotReloadableKeys["forge.followup_enabled"] {
		dst.Forge.FollowUpEnabled = fresh.Forge.FollowUpEnabled
	}

	if fresh.Forge.Owner != dst.Forge.Owner || fresh.Forge.Repo != dst.Forge.Repo {
		slog.Warn("config reload: owner/repo change requires restart, ignoring")
	}
	if fresh.Dirs.StateRoot != dst.Dirs.StateRoot || fresh.Dirs.TempRoot != dst.Dirs.TempRoot {
		slog.Warn("config reload: state/temp directory change requires restart, ignoring")
	}
}

// clone returns a shallow copy suitable for atomic swap.
func (c *Config) clone() *Config {
	cp := *c
	cp.Forge.RequiredLabels = append([]string(nil), c.Forge.RequiredLabels...)
	cp.Forge.ExcludedLabels = append([]string(nil), c.Forge.ExcludedLabels...)
	cp.Forge.CompletionKeywords = append([]string(nil), c.Forge.CompletionKeywords...)
	cp.AICLI.Args = append([]string(nil), c.AICLI.Args...)
	return &cp
}
