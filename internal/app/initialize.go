package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/cron"
	"github.com/aatumaykin/nexcore/internal/executor"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/metrics"
	"github.com/aatumaykin/nexcore/internal/pidfile"
	"github.com/aatumaykin/nexcore/internal/subagent"
	"github.com/aatumaykin/nexcore/internal/workspace"
)

var ErrAlreadyStarted = errors.New("application is already started")

// Initialize builds and starts all components. On failure the components
// started so far are stopped again.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.started = true

	if err := a.initialize(); err != nil {
		if stopErr := a.shutdownInternal(); stopErr != nil {
			a.logger.Error("failed to stop after initialization error", stopErr)
		}
		return err
	}
	return nil
}

func (a *App) initialize() error {
	cfg := a.config

	// 1. One instance per workspace root
	pid, err := pidfile.Acquire(cfg.Workspace.Root)
	if err != nil {
		return err
	}
	a.pid = pid

	// 2. Event bus
	a.events = bus.New(cfg.Bus.QueueSize, cfg.Bus.BufferSize, a.logger)
	if err := a.events.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	// 3. Metrics consume the bus from the start
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(cfg.Metrics.Namespace, a.registry)
	stream := a.events.Subscribe(a.ctx)
	a.wg.Go(func() { a.metrics.Run(a.ctx, stream) })

	// 4. Executor and workspaces
	a.exec = executor.New(executorOptions(cfg), a.logger)

	a.workspaces = workspace.NewManager(workspaceOptions(cfg), a.events, a.logger)
	loaded, err := a.workspaces.Load()
	if err != nil {
		return fmt.Errorf("failed to load workspaces: %w", err)
	}
	a.logger.Info("workspaces loaded",
		logger.Field{Key: "root", Value: a.workspaces.Root()},
		logger.Field{Key: "count", Value: loaded})
	if interval := cfg.Workspace.CleanupInterval(); interval > 0 {
		if err := a.workspaces.StartCleanup(a.ctx, interval, cfg.Workspace.MaxInactive()); err != nil {
			return fmt.Errorf("failed to start workspace cleanup: %w", err)
		}
	}

	// 5. Worker pool and local workers
	a.pool = subagent.NewManager[executor.Config](subagentOptions(cfg), a.events, a.logger)
	if err := a.pool.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	handler := cron.PoolHandler(a.exec)
	for i := range cfg.Subagent.LocalWorkers {
		w := subagent.NewLocalWorker(a.pool, subagent.WorkerSpec{
			Name:          fmt.Sprintf("local-%d", i+1),
			MaxConcurrent: cfg.Subagent.WorkerMaxConcurrent,
		}, handler, a.logger)
		if err := w.Start(a.ctx); err != nil {
			return fmt.Errorf("failed to start local worker: %w", err)
		}
		a.workers = append(a.workers, w)
	}

	// 6. Scheduler and its definitions file
	a.scheduler = cron.NewScheduler(schedulerOptions(cfg), cron.Deps{
		Executor:   a.exec,
		Workspaces: a.workspaces,
		Pool:       a.pool,
		Events:     a.events,
		Logger:     a.logger,
	})
	if path := cfg.Scheduler.JobsFile; path != "" {
		if _, err := a.scheduler.LoadDefinitionsFile(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || !cfg.Scheduler.WatchJobsFile {
				return fmt.Errorf("failed to load job definitions: %w", err)
			}
			a.logger.Warn("job definitions file does not exist yet",
				logger.Field{Key: "path", Value: path})
		}
		if cfg.Scheduler.WatchJobsFile {
			a.wg.Go(func() {
				if err := a.scheduler.WatchDefinitions(a.ctx, path); err != nil {
					a.logger.Error("job definitions watcher stopped", err)
				}
			})
		}
	}
	if err := a.scheduler.Start(a.ctx); err != nil {
		return err
	}

	// 7. Metrics endpoint
	if cfg.Metrics.Enabled {
		srv, err := metrics.NewServer(cfg.Metrics.Listen, a.registry, a.logger)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		a.metricsServer = srv
		a.wg.Go(func() {
			if err := srv.Serve(a.ctx); err != nil {
				a.logger.Error("metrics server failed", err)
			}
		})
	}

	a.logger.Info("application initialized",
		logger.Field{Key: "jobs", Value: len(a.scheduler.ListJobs())},
		logger.Field{Key: "local_workers", Value: len(a.workers)},
		logger.Field{Key: "metrics", Value: cfg.Metrics.Enabled})
	return nil
}
