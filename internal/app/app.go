// Package app wires the event bus, executor, workspaces, worker pool,
// scheduler and metrics together and runs them until shutdown.
package app

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/config"
	"github.com/aatumaykin/nexcore/internal/cron"
	"github.com/aatumaykin/nexcore/internal/executor"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/metrics"
	"github.com/aatumaykin/nexcore/internal/pidfile"
	"github.com/aatumaykin/nexcore/internal/subagent"
	"github.com/aatumaykin/nexcore/internal/workspace"
)

// App holds references to all components and manages their lifecycle.
type App struct {
	config *config.Config
	logger *logger.Logger
	pid    *pidfile.File

	events     *bus.EventBus
	exec       *executor.Executor
	workspaces *workspace.Manager
	pool       *subagent.Manager[executor.Config]
	workers    []*subagent.LocalWorker[executor.Config]
	scheduler  *cron.Scheduler

	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	// Background goroutines bound to ctx
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New creates an App. Components are built by Initialize.
func New(cfg *config.Config, log *logger.Logger) *App {
	if log == nil {
		log = logger.Discard()
	}
	return &App{
		config: cfg,
		logger: log,
	}
}

// Run initializes all components, blocks until ctx is cancelled and then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	a.logger.Info("application is running")
	<-ctx.Done()

	return a.Shutdown()
}

// Scheduler returns the job scheduler, nil before Initialize.
func (a *App) Scheduler() *cron.Scheduler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scheduler
}

// Workspaces returns the workspace manager, nil before Initialize.
func (a *App) Workspaces() *workspace.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workspaces
}

// Pool returns the worker pool manager, nil before Initialize.
func (a *App) Pool() *subagent.Manager[executor.Config] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pool
}

// Events returns the event bus, nil before Initialize.
func (a *App) Events() *bus.EventBus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// MetricsAddr returns the address the metrics endpoint listens on, or an
// empty string when metrics are served nowhere.
func (a *App) MetricsAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.metricsServer == nil {
		return ""
	}
	return a.metricsServer.Addr()
}
