// Command taskflowd is the taskflow scheduling daemon: it loads a task
// DAG and the critical-path config file, wires the Memory Engine,
// Agent Dispatcher, HITL Engine and Metrics Emitter, then runs the
// Scheduler to completion or until signalled to shut down (spec §4.1,
// §6). Startup and shutdown follow the r3e appserver's flag-driven,
// signal.Notify-on-SIGINT/SIGTERM shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/artifact"
	"github.com/taskflow/taskflow/internal/config"
	"github.com/taskflow/taskflow/internal/dispatch"
	"github.com/taskflow/taskflow/internal/graph"
	"github.com/taskflow/taskflow/internal/hitl"
	"github.com/taskflow/taskflow/internal/memory"
	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/scheduler"
	"github.com/taskflow/taskflow/internal/task"
	"github.com/taskflow/taskflow/internal/types"
)

// Exit codes (spec §4.1): 0 all tasks terminal with no failures, 1 one
// or more tasks FAILED, 2 shutdown on SIGINT/SIGTERM, 3 unrecoverable
// startup error. Code 2 is returned for every signal-triggered
// shutdown; it does not distinguish a drain that finished within the
// grace period from one that ran out of time.
const (
	exitOK = iota
	exitTaskFailures
	exitForcedShutdown
	exitStartupError
)

func main() {
	configPath := flag.String("config", "taskflow.yaml", "path to the critical-path config file")
	artifactsDir := flag.String("artifacts-dir", "./artifacts", "artifact storage root")
	drainTimeout := flag.Duration("drain-timeout", 30*time.Second, "logged at shutdown only; the drain window is the config file's scheduler grace period")
	flag.Parse()

	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init zap logger: %v\n", err)
		os.Exit(exitStartupError)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := zapr.NewLogger(zapLog)

	os.Exit(run(*configPath, *artifactsDir, *drainTimeout, logger))
}

func run(configPath, artifactsDir string, drainTimeout time.Duration, logger logr.Logger) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error(err, "load config", "path", configPath)
		return exitStartupError
	}

	tasks, err := task.LoadDir(cfg.TaskDir)
	if err != nil {
		logger.Error(err, "load task definitions", "dir", cfg.TaskDir)
		return exitStartupError
	}

	dag, err := graph.Build(tasks)
	if err != nil {
		logger.Error(err, "build task graph")
		return exitStartupError
	}

	store, err := task.NewStore(cfg.StoreDir)
	if err != nil {
		logger.Error(err, "open task store", "dir", cfg.StoreDir)
		return exitStartupError
	}
	if err := store.Seed(tasks); err != nil {
		logger.Error(err, "seed task store")
		return exitStartupError
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	memEngine, closeMemory, err := buildMemoryEngine(rootCtx, cfg)
	if err != nil {
		logger.Error(err, "build memory engine")
		return exitStartupError
	}
	defer closeMemory()
	go memEngine.Run(rootCtx)

	writer := artifact.NewWriter(artifactsDir)

	registry := dispatch.NewRegistry()
	dispatcher, err := dispatch.NewDispatcher(cfg.LLM, registry, memEngine, writer)
	if err != nil {
		logger.Error(err, "build agent dispatcher")
		return exitStartupError
	}

	hitlEngine, closeHitl, err := buildHitlEngine(rootCtx, cfg, store, logger)
	if err != nil {
		logger.Error(err, "build hitl engine")
		return exitStartupError
	}
	defer closeHitl()
	go hitlEngine.RunEscalation(rootCtx, 30*time.Second)

	sched := scheduler.New(dag, store, dispatcher, hitlEngine, cfg.Scheduler, logger)

	taskWatcher := task.NewWatcher(cfg.TaskDir, sched.AddTask, logger)
	go func() {
		if err := taskWatcher.Run(rootCtx); err != nil {
			logger.Error(err, "task directory watcher stopped unexpectedly")
		}
	}()

	emitter := metrics.New(store, sched, memEngine, hitlEngine)
	metricsSrv, err := metrics.NewServer(cfg.Server.MetricsPort, emitter)
	if err != nil {
		logger.Error(err, "build metrics server")
		return exitStartupError
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil {
			logger.Error(err, "metrics server stopped unexpectedly")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("taskflowd starting", "tasks", len(tasks), "metrics_addr", cfg.Server.MetricsPort)

	runErr := sched.Run(rootCtx)

	if runErr != nil {
		// sched.Run only returns a non-nil error after ctx was
		// cancelled (a SIGINT/SIGTERM arrived); it has already called
		// drain() internally, bounded by cfg.Scheduler.GracePeriod, so
		// by the time we get here in-flight tasks have either finished
		// or been abandoned mid-run.
		logger.Info("shutdown signal received, scheduler drained", "grace_period", drainTimeout, "cause", runErr)
		return exitForcedShutdown
	}

	return finalExitCode(store)
}

// finalExitCode inspects the store's terminal states once the
// scheduler has stopped and maps them to the spec's exit codes.
func finalExitCode(store *task.Store) int {
	for _, t := range store.All() {
		if t.State == types.StateFailed {
			return exitTaskFailures
		}
	}
	return exitOK
}

func buildMemoryEngine(ctx context.Context, cfg *config.Config) (*memory.Engine, func(), error) {
	backend, err := memory.NewPostgresBackend(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect memory postgres backend: %w", err)
	}

	secret := os.Getenv(cfg.Memory.MasterKeyEnv)
	if secret == "" {
		backend.Close()
		return nil, nil, fmt.Errorf("master key env %q is unset", cfg.Memory.MasterKeyEnv)
	}
	masterKey := memory.DeriveMasterKey(secret)

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})

	engine, err := memory.NewEngine(cfg.Memory, masterKey, backend, redisClient)
	if err != nil {
		backend.Close()
		_ = redisClient.Close()
		return nil, nil, fmt.Errorf("construct memory engine: %w", err)
	}

	closeFn := func() {
		_ = redisClient.Close()
		backend.Close()
	}
	return engine, closeFn, nil
}

func buildHitlEngine(ctx context.Context, cfg *config.Config, store *task.Store, logger logr.Logger) (*hitl.Engine, func(), error) {
	history, err := hitl.NewHistoryStore(cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open hitl history store: %w", err)
	}

	policy := hitl.NewEvaluator(hitl.PolicyConfig{PolicyPath: cfg.Hitl.PolicyPath}, logger)
	if err := policy.StartHotReload(ctx); err != nil {
		_ = history.Close()
		return nil, nil, fmt.Errorf("start escalation policy: %w", err)
	}

	notifier := hitl.NewNotifier(cfg.Hitl.SlackBotToken, cfg.Hitl.SlackChannel)

	engine := hitl.New(store, cfg.Hitl, history, policy, notifier, logger)

	closeFn := func() {
		policy.Stop()
		_ = history.Close()
	}
	return engine, closeFn, nil
}
