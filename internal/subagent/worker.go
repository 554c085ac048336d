package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aatumaykin/nexcore/internal/logger"
)

// LocalWorker is an in-process worker: it registers with a Manager,
// heartbeats, and runs every task delivered to its inbox through a Handler.
type LocalWorker[P any] struct {
	manager   *Manager[P]
	spec      WorkerSpec
	handler   Handler[P]
	logger    *logger.Logger
	heartbeat time.Duration

	mu     sync.Mutex
	id     string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalWorker creates a worker for m. It does nothing until Start.
func NewLocalWorker[P any](m *Manager[P], spec WorkerSpec, handler Handler[P], log *logger.Logger) *LocalWorker[P] {
	if log == nil {
		log = logger.Discard()
	}
	return &LocalWorker[P]{
		manager:   m,
		spec:      spec,
		handler:   handler,
		logger:    log,
		heartbeat: m.HeartbeatTimeout() / 3,
	}
}

// ID returns the registered worker id, empty before Start.
func (w *LocalWorker[P]) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Start registers the worker and begins processing its inbox.
func (w *LocalWorker[P]) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return fmt.Errorf("local worker %s already started", w.id)
	}

	info, err := w.manager.Register(w.spec)
	if err != nil {
		return err
	}
	inbox, err := w.manager.Inbox(info.ID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.id = info.ID
	w.cancel = cancel
	w.logger = w.logger.With(logger.Field{Key: "subagent_id", Value: info.ID})

	w.wg.Add(2)
	go w.heartbeatLoop(runCtx)
	go w.processLoop(runCtx, inbox)
	return nil
}

// Stop waits for the task in progress, then unregisters the worker.
func (w *LocalWorker[P]) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	id := w.id
	w.cancel = nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	w.wg.Wait()

	if err := w.manager.Unregister(id); err != nil && !errors.Is(err, ErrWorkerNotFound) {
		return err
	}
	return nil
}

func (w *LocalWorker[P]) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.manager.Heartbeat(w.id); err != nil {
				w.logger.Debug("heartbeat rejected", logger.Field{Key: "error", Value: err.Error()})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *LocalWorker[P]) processLoop(ctx context.Context, inbox <-chan Task[P]) {
	defer w.wg.Done()

	for {
		select {
		case task, ok := <-inbox:
			if !ok {
				return
			}
			w.process(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

// process runs one delivered task. Deliveries that are no longer assigned to
// this worker (requeued after it went offline) are dropped.
func (w *LocalWorker[P]) process(ctx context.Context, delivered Task[P]) {
	current, err := w.manager.GetTask(delivered.ID)
	if err != nil || current.Status != TaskRunning || current.Assignment() != delivered.Assignment() || current.AssignedTo != w.id {
		w.logger.DebugCtx(ctx, "dropping stale task delivery", logger.Field{Key: "task_id", Value: delivered.ID})
		return
	}

	taskCtx := ctx
	if current.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, current.Timeout)
		defer cancel()
	}

	assignment := current.Assignment()
	output, err := w.run(taskCtx, current)
	if err != nil {
		if ferr := w.manager.FailTask(assignment, err); ferr != nil {
			w.logger.DebugCtx(ctx, "failed to report task failure", logger.Field{Key: "error", Value: ferr.Error()})
		}
		return
	}
	if cerr := w.manager.CompleteTask(assignment, output); cerr != nil {
		w.logger.DebugCtx(ctx, "failed to report task completion", logger.Field{Key: "error", Value: cerr.Error()})
	}
}

func (w *LocalWorker[P]) run(ctx context.Context, task Task[P]) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			w.logger.ErrorCtx(ctx, "task handler panic recovered", err,
				logger.Field{Key: "task_id", Value: task.ID})
		}
	}()
	return w.handler(ctx, task)
}
