// poppobuilder is an autonomous task dispatcher: it polls a forge (issue tracker) project for
// eligible issues, spawns an AI CLI child process per task, and reconciles status/labels as
// those children complete.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poppobuilder/poppobuilder/internal/aicli"
	"github.com/poppobuilder/poppobuilder/internal/common/health"
	"github.com/poppobuilder/poppobuilder/internal/common/lifecycle"
	"github.com/poppobuilder/poppobuilder/internal/common/metrics"
	"github.com/poppobuilder/poppobuilder/internal/config"
	"github.com/poppobuilder/poppobuilder/internal/dispatcher"
	"github.com/poppobuilder/poppobuilder/internal/forge"
	"github.com/poppobuilder/poppobuilder/internal/labelarbiter"
	"github.com/poppobuilder/poppobuilder/internal/lockservice"
	"github.com/poppobuilder/poppobuilder/internal/ratelimit"
	"github.com/poppobuilder/poppobuilder/internal/retry"
	"github.com/poppobuilder/poppobuilder/internal/state"
	"github.com/poppobuilder/poppobuilder/internal/status"
	"github.com/poppobuilder/poppobuilder/internal/supervisor"
	"github.com/poppobuilder/poppobuilder/internal/taskqueue"

	"net/http"
	"sync/atomic"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// observingClient wraps a forge.Client, recording the most recent call's outcome so the
// liveness check can report on actual forge reachability rather than a constant.
type observingClient struct {
	forge.Client
	lastErr atomic.Value // error
}

func newObservingClient(c forge.Client) *observingClient {
	oc := &observingClient{Client: c}
	oc.lastErr.Store(errBox{})
	return oc
}

type errBox struct{ err error }

func (oc *observingClient) record(err error) error {
	oc.lastErr.Store(errBox{err})
	return err
}

func (oc *observingClient) LastError() error {
	return oc.lastErr.Load().(errBox).err
}

func (oc *observingClient) ListIssues(ctx context.Context, opts forge.ListOptions) ([]forge.Issue, error) {
	issues, err := oc.Client.ListIssues(ctx, opts)
	return issues, oc.record(err)
}

func (oc *observingClient) GetIssue(ctx context.Context, id int) (forge.Issue, error) {
	issue, err := oc.Client.GetIssue(ctx, id)
	return issue, oc.record(err)
}

func (oc *observingClient) ListComments(ctx context.Context, id int) ([]forge.Comment, error) {
	comments, err := oc.Client.ListComments(ctx, id)
	return comments, oc.record(err)
}

func (oc *observingClient) AddComment(ctx context.Context, id int, body string) error {
	return oc.record(oc.Client.AddComment(ctx, id, body))
}

func (oc *observingClient) AddLabels(ctx context.Context, id int, labels []string) error {
	return oc.record(oc.Client.AddLabels(ctx, id, labels))
}

func (oc *observingClient) RemoveLabels(ctx context.Context, id int, labels []string) error {
	return oc.record(oc.Client.RemoveLabels(ctx, id, labels))
}

func main() {
	var (
		workerMode  = flag.Bool("worker", false, "run as a detached worker processing a single task, then exit")
		taskFile    = flag.String("task-file", "", "path to the instruction file (worker mode only)")
		showVersion = flag.Bool("version", false, "print version and exit")
		initConfig  = flag.String("init-config", "", "write an example config file to the given path and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("poppobuilder %s (built %s)\n", version, buildTime)
		return
	}

	if *initConfig != "" {
		if err := config.WriteExampleConfig(*initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write example config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *workerMode {
		if *taskFile == "" {
			fmt.Fprintln(os.Stderr, "--worker requires --task-file")
			os.Exit(1)
		}
		os.Exit(aicli.RunWorker(*taskFile))
	}

	runDaemon()
}

func runDaemon() {
	logLevel := slog.LevelInfo
	if os.Getenv("POPPOBUILDER_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting poppobuilder", "version", version, "buildTime", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Forge.Owner == "" || cfg.Forge.Token == "" {
		slog.Error("POPPOBUILDER_OWNER and FORGE_TOKEN must both be set")
		os.Exit(1)
	}

	store, err := state.NewStore(cfg.Dirs.StateRoot)
	if err != nil {
		slog.Error("failed to open state store", "error", err)
		os.Exit(1)
	}

	procLock, err := store.AcquireProcessLock()
	if err != nil {
		slog.Error("another poppobuilder instance holds the process lock", "error", err)
		os.Exit(1)
	}

	selfExe, err := os.Executable()
	if err != nil {
		slog.Error("failed to resolve own executable path", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(ratelimit.Config{
		ForgeRPS:        cfg.RateLimit.ForgeRequestsPerSecond,
		ForgeBurst:      cfg.RateLimit.ForgeBurst,
		AICLIRPS:        cfg.RateLimit.AICLIRequestsPerSecond,
		AICLIBurst:      cfg.RateLimit.AICLIBurst,
		MaxWaitAttempts: cfg.RateLimit.MaxWaitAttempts,
	})

	retryer := retry.NewPolicy(retry.Config{
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
		CounterTTL:    cfg.Retry.CounterTTL,
	})

	locks := lockservice.New(store, lockservice.Config{
		TTL:             cfg.Lock.TTL,
		HeartbeatPeriod: cfg.Lock.HeartbeatPeriod,
		SweepInterval:   cfg.Lock.SweepInterval,
	})
	lockSweepStop := make(chan struct{})
	go locks.RunSweeper(lockSweepStop)

	forgeClient := newObservingClient(forge.NewHTTPClient(cfg.Forge.BaseURL, cfg.Forge.Owner, cfg.Forge.Repo, cfg.Forge.Token, limiter))

	preflightCtx, preflightCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = limiter.PreflightCheck(preflightCtx, ratelimit.ChannelForge, func(ctx context.Context) error {
		_, err := forgeClient.ListIssues(ctx, forge.ListOptions{State: "open"})
		return err
	})
	preflightCancel()
	if err != nil {
		if retry.ClassifyError(err) == retry.ClassAuth {
			slog.Error("forge preflight failed: authentication rejected", "error", err)
			os.Exit(1)
		}
		slog.Warn("forge preflight failed, continuing", "error", err)
	}

	statusMgr := status.New(store)

	queue := taskqueue.New(store, locks, limiter, taskqueue.Config{
		MaxSize:       100,
		MaxConcurrent: cfg.Concurrency,
	})

	sup := supervisor.New(store, locks, cfg.Dirs.TempRoot, selfExe, supervisor.Config{
		TaskTimeout:     cfg.Poll.TaskTimeout,
		AICLIExecutable: cfg.AICLI.Executable,
		AICLIArgs:       cfg.AICLI.Args,
	})
	queue.IsRunning = sup.IsRunning
	queue.IsProcessing = func(issueID int) bool {
		rec := statusMgr.Get(issueID)
		return rec != nil && rec.State == state.StatusProcessing
	}
	queue.RunningCount = sup.RunningCount

	arbiter := labelarbiter.New(store, forgeClient, locks, labelarbiter.Config{
		PollInterval:     cfg.Arbiter.PollInterval,
		MaxRetries:       cfg.Arbiter.MaxRetries,
		OrphanSweepEvery: cfg.Arbiter.OrphanSweepEvery,
		HeartbeatTimeout: cfg.Arbiter.HeartbeatTimeout,
	})
	arbiterCtx, arbiterCancel := context.WithCancel(context.Background())
	arbiterStop := make(chan struct{})
	go arbiter.Run(arbiterCtx, arbiterStop)

	disp := dispatcher.New(dispatcher.Config{
		Owner:                cfg.Forge.Owner,
		RequiredLabels:       cfg.Forge.RequiredLabels,
		ExcludedLabels:       cfg.Forge.ExcludedLabels,
		CompletionKeywords:   cfg.Forge.CompletionKeywords,
		FollowUpEnabled:      cfg.Forge.FollowUpEnabled,
		PollInterval:         cfg.Poll.Interval,
		HeartbeatPeriod:      cfg.Poll.HeartbeatPeriod,
		SuccessCommentHeader: "## poppobuilder completed this task",
		ErrorCommentHeader:   "## poppobuilder hit an error",
		LogFilePathTemplate:  cfg.Dirs.TempRoot + "/%s.output",
	}, forgeClient, store, limiter, retryer, locks, statusMgr, queue, sup, nil)

	// Reconcile the previous run before the first tick: completions found on disk flow
	// through the normal completion path, live workers get their locks re-adopted, and the
	// queue snapshot is restored minus anything already running again.
	if recovered := sup.RecoverFromPreviousRun(); len(recovered) > 0 {
		slog.Warn("recovered finished or crashed tasks from a previous run", "count", len(recovered))
		disp.SeedRecovered(recovered)
	}
	disp.AdoptInflight()
	queue.Restore(func(t state.Task) bool {
		rec := statusMgr.Get(t.Item.IssueID)
		return rec == nil || rec.State != state.StatusProcessing
	})

	dispatcherCtx, dispatcherCancel := context.WithCancel(context.Background())
	go disp.Run(dispatcherCtx)

	var watcher *config.Watcher
	if path := resolveConfigPath(); path != "" {
		w, err := config.NewWatcher(path, cfg)
		if err != nil {
			slog.Warn("failed to start config watcher", "path", path, "error", err)
		} else {
			watcher = w
			go watcher.Run()
		}
	}

	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(health.ProcessLockCheck(procLock.Held))
	healthChecker.AddLivenessCheck(health.ForgeReachabilityCheck(forgeClient.LastError))
	healthChecker.AddReadinessCheck(health.SupervisorCheck(sup.RunningCount, cfg.Concurrency))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpMetrics)
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("http server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	lm := lifecycle.NewManager()
	lm.RegisterPollingShutdown("dispatcher", func(ctx context.Context) error {
		dispatcherCancel()
		return disp.Stop(ctx)
	})
	lm.RegisterSupervisorShutdown("supervisor", func(ctx context.Context) error {
		// Shutdown never cancels in-flight children. They keep running
		// detached and are reclaimed by RecoverFromPreviousRun on the next startup.
		if n := sup.RunningCount(); n > 0 {
			slog.Info("leaving in-flight workers running across shutdown", "count", n)
		}
		return nil
	})
	lm.RegisterArbiterShutdown("label-arbiter", func(ctx context.Context) error {
		arbiterCancel()
		close(arbiterStop)
		return nil
	})
	lm.RegisterLockShutdown("lock-sweeper", func(ctx context.Context) error {
		close(lockSweepStop)
		return nil
	})
	lm.RegisterStoreShutdown("http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})
	lm.RegisterHook(lifecycle.ShutdownHook{
		Name:  "process-lock",
		Phase: lifecycle.PhaseFinal,
		Shutdown: func(ctx context.Context) error {
			if watcher != nil {
				_ = watcher.Close()
			}
			return procLock.Release()
		},
	})

	if err := lm.Run(); err != nil {
		slog.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	slog.Info("poppobuilder stopped")

	switch lm.Signal() {
	case syscall.SIGINT:
		os.Exit(130)
	case syscall.SIGTERM:
		os.Exit(143)
	}
}

// httpMetrics records request counts and latencies for the ambient health/metrics mux.
func httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// resolveConfigPath mirrors config.LoadWithFile's search order so the hot-reload watcher
// points at whichever file, if any, actually contributed to the running config.
func resolveConfigPath() string {
	if p := os.Getenv("POPPOBUILDER_CONFIG"); p != "" {
		return p
	}
	for _, p := range config.ConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
