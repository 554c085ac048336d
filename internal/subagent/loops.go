package subagent

import (
	"context"
	"time"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/loops"
)

// Start runs the heartbeat check every HeartbeatTimeout/3 and the
// load-balance pass every LoadBalanceInterval.
func (m *Manager[P]) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.runner != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	runner := loops.New("subagent", m.logger)
	m.runner = runner
	m.mu.Unlock()

	if err := runner.Every("heartbeat", m.opts.HeartbeatTimeout/3, func(ctx context.Context) {
		m.checkHeartbeats(time.Now())
	}); err != nil {
		return err
	}
	if err := runner.Every("load-balance", m.opts.LoadBalanceInterval, func(ctx context.Context) {
		m.balance(time.Now())
	}); err != nil {
		return err
	}

	m.logger.Info("subagent manager started",
		logger.Field{Key: "heartbeat_timeout", Value: m.opts.HeartbeatTimeout.String()},
		logger.Field{Key: "load_balance_interval", Value: m.opts.LoadBalanceInterval.String()})
	return runner.Start(ctx)
}

// Stop stops the background loops. Registered workers and tasks are kept.
func (m *Manager[P]) Stop() error {
	m.mu.Lock()
	runner := m.runner
	m.runner = nil
	m.mu.Unlock()

	if runner == nil {
		return ErrNotStarted
	}
	err := runner.Stop()
	m.logger.Info("subagent manager stopped")
	return err
}

// checkHeartbeats takes workers silent for longer than the heartbeat timeout
// offline and fails their current task.
func (m *Manager[P]) checkHeartbeats(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		w := m.workers[id]
		if w.Status == WorkerOffline || now.Sub(w.LastHeartbeat) <= m.opts.HeartbeatTimeout {
			continue
		}

		m.setWorkerStatusLocked(w, WorkerOffline)
		m.emit(bus.NewWorkerEvent(bus.SubagentOffline, w.ID))
		m.logger.Warn("subagent offline",
			logger.Field{Key: "subagent_id", Value: w.ID},
			logger.Field{Key: "last_heartbeat", Value: w.LastHeartbeat})

		if taskID := w.CurrentTask; taskID != "" {
			if task, ok := m.tasks[taskID]; ok && task.Status == TaskRunning {
				m.releaseWorkerLocked(w, false)
				m.failLocked(task, ReasonOffline)
			}
		}
	}

	m.distributeLocked()
}

// balance redistributes pending work, prunes expired tasks and publishes a
// load snapshot.
func (m *Manager[P]) balance(now time.Time) {
	m.mu.Lock()
	pruned := m.pruneLocked(now)
	m.distributeLocked()

	load := m.systemLoadLocked()
	snapshot := &bus.LoadSnapshot{
		IdleWorkers:    load.IdleWorkers,
		BusyWorkers:    load.BusyWorkers,
		OfflineWorkers: load.OfflineWorkers,
		PendingTasks:   load.PendingTasks,
		RunningTasks:   load.RunningTasks,
		CompletedTasks: load.CompletedTasks,
		FailedTasks:    load.FailedTasks,
		AverageLoad:    load.AverageLoad,
	}
	for _, id := range m.order {
		w := m.workers[id]
		snapshot.Workers = append(snapshot.Workers, bus.WorkerLoad{ID: w.ID, Status: string(w.Status), Load: w.Load})
	}
	m.mu.Unlock()

	e := bus.NewEvent(bus.SystemLoadBalanced)
	e.Load = snapshot
	m.emit(e)

	if pruned > 0 {
		m.logger.Debug("expired tasks pruned", logger.Field{Key: "count", Value: pruned})
	}
}

func (m *Manager[P]) pruneLocked(now time.Time) int {
	if m.opts.TaskRetention <= 0 {
		return 0
	}
	cutoff := now.Add(-m.opts.TaskRetention)
	pruned := 0
	for id, task := range m.tasks {
		if task.Status.Terminal() && task.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			pruned++
		}
	}
	return pruned
}

// Wait blocks until the task completes or fails for good, or ctx is done.
func (m *Manager[P]) Wait(ctx context.Context, taskID string) (Task[P], error) {
	m.mu.RLock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.RUnlock()
		return Task[P]{}, ErrTaskNotFound
	}
	if task.Status.Terminal() {
		snapshot := *task
		m.mu.RUnlock()
		return snapshot, nil
	}
	// Registered under the read lock so a concurrent transition, which needs
	// the write lock, cannot slip in between the check and the registration.
	ch, cancel := m.waiters.register(taskID)
	m.mu.RUnlock()

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		cancel()
		return Task[P]{}, ctx.Err()
	}
}
