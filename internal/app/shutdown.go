package app

import (
	"errors"

	"github.com/aatumaykin/nexcore/internal/cron"
)

// Shutdown stops all components in reverse dependency order:
//  1. The scheduler, so no new firings start
//  2. Local workers, after their current task
//  3. The worker pool loops and workspace cleanup
//  4. Background goroutines (definitions watcher, metrics)
//  5. The event bus, which closes every subscription
//  6. The PID file
//
// It is safe to call when the application is not running.
func (a *App) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.shutdownInternal()
}

func (a *App) shutdownInternal() error {
	if !a.started {
		return nil
	}

	var errs []error

	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil && !errors.Is(err, cron.ErrNotStarted) {
			a.logger.Error("failed to stop scheduler", err)
			errs = append(errs, err)
		}
	}

	for _, w := range a.workers {
		if err := w.Stop(); err != nil {
			a.logger.Error("failed to stop local worker", err)
			errs = append(errs, err)
		}
	}
	a.workers = nil

	if a.pool != nil {
		// Not started when initialization failed before it
		_ = a.pool.Stop()
	}
	if a.workspaces != nil {
		a.workspaces.Stop()
	}

	a.cancel()
	a.wg.Wait()

	if a.events != nil {
		if err := a.events.Stop(); err != nil {
			a.logger.Error("failed to stop event bus", err)
			errs = append(errs, err)
		}
	}

	if a.pid != nil {
		if err := a.pid.Release(); err != nil {
			a.logger.Error("failed to remove PID file", err)
			errs = append(errs, err)
		}
		a.pid = nil
	}

	a.started = false
	a.logger.Info("application shutdown complete")

	return errors.Join(errs...)
}
