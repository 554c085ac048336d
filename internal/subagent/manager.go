package subagent

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/loops"
)

const (
	DefaultHeartbeatTimeout    = 30 * time.Second
	DefaultLoadBalanceInterval = 5 * time.Second
	DefaultInboxSize           = 4
)

// Options configures a Manager.
type Options struct {
	HeartbeatTimeout    time.Duration // Silence after which a worker goes offline (default: 30s)
	LoadBalanceInterval time.Duration // Period of the redistribution loop (default: 5s)
	TaskRetention       time.Duration // Terminal tasks older than this are pruned; 0 keeps them
	InboxSize           int           // Buffer of each worker's inbox (default: 4)
}

// Manager owns tasks and workers. P is the task payload type.
type Manager[P any] struct {
	mu      sync.RWMutex
	opts    Options
	tasks   map[string]*Task[P]
	queue   []*Task[P] // Pending, ordered by priority then creation
	seq     uint64
	workers map[string]*Worker
	order   []string // Registration order of workers
	inboxes map[string]chan Task[P]
	waiters *tracker[P]

	bus    *bus.EventBus
	logger *logger.Logger
	runner *loops.Runner
}

// NewManager creates a manager. events may be nil.
func NewManager[P any](opts Options, events *bus.EventBus, log *logger.Logger) *Manager[P] {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.LoadBalanceInterval <= 0 {
		opts.LoadBalanceInterval = DefaultLoadBalanceInterval
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Manager[P]{
		opts:    opts,
		tasks:   make(map[string]*Task[P]),
		workers: make(map[string]*Worker),
		inboxes: make(map[string]chan Task[P]),
		waiters: newTracker[P](),
		bus:     events,
		logger:  log,
	}
}

// HeartbeatTimeout returns the configured heartbeat timeout.
func (m *Manager[P]) HeartbeatTimeout() time.Duration {
	return m.opts.HeartbeatTimeout
}

// Register adds an idle worker and hands it work if any is pending.
func (m *Manager[P]) Register(spec WorkerSpec) (Worker, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if spec.MaxConcurrent <= 0 {
		spec.MaxConcurrent = 1
	}

	m.mu.Lock()
	if _, ok := m.workers[spec.ID]; ok {
		m.mu.Unlock()
		return Worker{}, fmt.Errorf("%w: %s", ErrWorkerExists, spec.ID)
	}

	now := time.Now()
	w := &Worker{
		ID:            spec.ID,
		Name:          spec.Name,
		Capabilities:  slices.Clone(spec.Capabilities),
		MaxConcurrent: spec.MaxConcurrent,
		Weight:        spec.Weight,
		Status:        WorkerIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	m.workers[w.ID] = w
	m.order = append(m.order, w.ID)
	m.inboxes[w.ID] = make(chan Task[P], m.opts.InboxSize)
	snapshot := w.snapshot()

	m.emit(bus.NewWorkerEvent(bus.SubagentRegistered, w.ID))
	m.distributeLocked()
	m.mu.Unlock()

	m.logger.Info("subagent registered",
		logger.Field{Key: "subagent_id", Value: w.ID},
		logger.Field{Key: "name", Value: w.Name})
	return snapshot, nil
}

// Unregister removes a worker. A task it was running is failed with
// ReasonUnregistered and requeued if it has retries left. The worker's inbox
// is closed.
func (m *Manager[P]) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}

	delete(m.workers, id)
	m.order = slices.DeleteFunc(m.order, func(wid string) bool { return wid == id })
	if inbox, ok := m.inboxes[id]; ok {
		close(inbox)
		delete(m.inboxes, id)
	}

	if taskID := w.CurrentTask; taskID != "" {
		if task, ok := m.tasks[taskID]; ok && task.Status == TaskRunning {
			m.releaseWorkerLocked(w, false)
			m.failLocked(task, ReasonUnregistered)
		}
	}

	m.emit(bus.NewWorkerEvent(bus.SubagentUnregistered, id))
	m.logger.Info("subagent unregistered", logger.Field{Key: "subagent_id", Value: id})

	m.distributeLocked()
	return nil
}

// Heartbeat records that a worker is alive. An offline worker comes back
// online as idle.
func (m *Manager[P]) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	w.LastHeartbeat = time.Now()

	if w.Status == WorkerOffline {
		m.setWorkerStatusLocked(w, WorkerIdle)
		m.emit(bus.NewWorkerEvent(bus.SubagentOnline, id))
		m.logger.Info("subagent back online", logger.Field{Key: "subagent_id", Value: id})
		m.distributeLocked()
	}
	return nil
}

// SubmitTask queues a task and tries to assign it right away.
func (m *Manager[P]) SubmitTask(spec TaskSpec[P]) Task[P] {
	if spec.Retries < 0 {
		spec.Retries = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	task := &Task[P]{
		ID:        uuid.NewString(),
		Type:      spec.Type,
		Payload:   spec.Payload,
		Priority:  spec.Priority,
		Timeout:   spec.Timeout,
		Retries:   spec.Retries,
		Status:    TaskPending,
		CreatedAt: time.Now(),
		seq:       m.seq,
	}
	m.tasks[task.ID] = task
	m.enqueueLocked(task)

	e := bus.NewTaskEvent(bus.TaskSubmitted, task.ID, "")
	e.Priority = task.Priority
	m.emit(e)

	m.logger.Debug("task submitted",
		logger.Field{Key: "task_id", Value: task.ID},
		logger.Field{Key: "task_type", Value: task.Type},
		logger.Field{Key: "priority", Value: task.Priority})

	m.distributeLocked()
	return *task
}

// CompleteTask marks a running task completed and frees its worker. A report
// for an attempt that was requeued or reassigned fails with ErrNotAssigned.
func (m *Manager[P]) CompleteTask(a Assignment, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.assignedTaskLocked(a)
	if err != nil {
		return err
	}

	if w, ok := m.workers[task.AssignedTo]; ok {
		m.releaseWorkerLocked(w, true)
	}

	now := time.Now()
	task.Status = TaskCompleted
	task.CompletedBy = task.AssignedTo
	task.AssignedTo = ""
	task.Result = result
	task.Error = ""
	task.CompletedAt = now

	e := bus.NewTaskEvent(bus.TaskCompleted, task.ID, task.CompletedBy)
	e.Status = string(TaskCompleted)
	e.Result = &bus.Result{Success: true, Duration: now.Sub(task.StartedAt), Attempts: task.Attempts, Output: result}
	m.emit(e)

	m.waiters.notify(*task)
	m.distributeLocked()
	return nil
}

// FailTask fails a running task and frees its worker. The task goes back to
// the queue while it has retries left.
func (m *Manager[P]) FailTask(a Assignment, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.assignedTaskLocked(a)
	if err != nil {
		return err
	}

	if w, ok := m.workers[task.AssignedTo]; ok {
		m.releaseWorkerLocked(w, false)
	}

	reason := "task failed"
	if cause != nil {
		reason = cause.Error()
	}
	m.failLocked(task, reason)
	m.distributeLocked()
	return nil
}

func (m *Manager[P]) assignedTaskLocked(a Assignment) (*Task[P], error) {
	task, ok := m.tasks[a.TaskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, a.TaskID)
	}
	if task.Status != TaskRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotRunning, a.TaskID, task.Status)
	}
	if task.AssignedTo != a.WorkerID || task.Attempts != a.Attempt {
		return nil, fmt.Errorf("%w: %s attempt %d by %q, current attempt %d by %q",
			ErrNotAssigned, a.TaskID, a.Attempt, a.WorkerID, task.Attempts, task.AssignedTo)
	}
	return task, nil
}

// failLocked records a failed attempt and either requeues the task or
// makes the failure final.
func (m *Manager[P]) failLocked(task *Task[P], reason string) {
	now := time.Now()
	worker := task.AssignedTo

	task.CompletedBy = worker
	task.AssignedTo = ""
	task.Error = reason

	e := bus.NewTaskEvent(bus.TaskFailed, task.ID, worker)
	e.Error = reason

	if task.Retries > 0 {
		task.Retries--
		task.Status = TaskPending
		m.enqueueLocked(task)

		e.Status = string(TaskPending)
		m.emit(e)
		m.logger.Warn("task failed, requeued",
			logger.Field{Key: "task_id", Value: task.ID},
			logger.Field{Key: "retries_left", Value: task.Retries},
			logger.Field{Key: "reason", Value: reason})
		return
	}

	task.Status = TaskFailed
	task.CompletedAt = now

	e.Status = string(TaskFailed)
	e.Result = &bus.Result{Success: false, Duration: now.Sub(task.StartedAt), Attempts: task.Attempts}
	m.emit(e)
	m.logger.Warn("task failed",
		logger.Field{Key: "task_id", Value: task.ID},
		logger.Field{Key: "reason", Value: reason})

	m.waiters.notify(*task)
}

func (m *Manager[P]) enqueueLocked(task *Task[P]) {
	m.queue = append(m.queue, task)
	slices.SortStableFunc(m.queue, func(a, b *Task[P]) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

// distributeLocked assigns pending tasks, best first, to idle workers.
func (m *Manager[P]) distributeLocked() {
	for len(m.queue) > 0 {
		task := m.queue[0]
		w := m.pickWorkerLocked(task)
		if w == nil {
			return
		}
		m.queue = m.queue[1:]
		m.assignLocked(task, w)
	}
}

// pickWorkerLocked returns the idle worker with the lowest load, preferring
// the better completed-minus-failed record, then registration order.
// Capabilities are recorded on workers but do not restrict assignment.
func (m *Manager[P]) pickWorkerLocked(_ *Task[P]) *Worker {
	var best *Worker
	for _, id := range m.order {
		w := m.workers[id]
		if w.Status != WorkerIdle {
			continue
		}
		if best == nil || w.Load < best.Load || (w.Load == best.Load && w.score() > best.score()) {
			best = w
		}
	}
	return best
}

func (m *Manager[P]) assignLocked(task *Task[P], w *Worker) {
	task.Status = TaskRunning
	task.AssignedTo = w.ID
	task.StartedAt = time.Now()
	task.Attempts++

	w.CurrentTask = task.ID
	w.Load++
	m.setWorkerStatusLocked(w, WorkerBusy)

	e := bus.NewTaskEvent(bus.TaskAssigned, task.ID, w.ID)
	e.Priority = task.Priority
	m.emit(e)

	m.logger.Debug("task assigned",
		logger.Field{Key: "task_id", Value: task.ID},
		logger.Field{Key: "subagent_id", Value: w.ID},
		logger.Field{Key: "priority", Value: task.Priority})

	if inbox, ok := m.inboxes[w.ID]; ok {
		select {
		case inbox <- *task:
		default:
			m.logger.Warn("subagent inbox full, task delivered only through polling",
				logger.Field{Key: "task_id", Value: task.ID},
				logger.Field{Key: "subagent_id", Value: w.ID})
		}
	}
}

// releaseWorkerLocked frees w after its current task ends.
func (m *Manager[P]) releaseWorkerLocked(w *Worker, completed bool) {
	w.Load = max(w.Load-1, 0)
	w.CurrentTask = ""
	if completed {
		w.TasksCompleted++
	} else {
		w.TasksFailed++
	}
	if w.Status == WorkerBusy {
		m.setWorkerStatusLocked(w, WorkerIdle)
	}
}

func (m *Manager[P]) setWorkerStatusLocked(w *Worker, status WorkerStatus) {
	if w.Status == status {
		return
	}
	e := bus.NewWorkerEvent(bus.SubagentStatusChanged, w.ID)
	e.PreviousStatus = string(w.Status)
	e.Status = string(status)
	w.Status = status
	m.emit(e)
}

// GetTask returns a snapshot of a task.
func (m *Manager[P]) GetTask(id string) (Task[P], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return Task[P]{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *task, nil
}

// ListTasks returns tasks in creation order, optionally filtered by status.
func (m *Manager[P]) ListTasks(statuses ...TaskStatus) []Task[P] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Task[P], 0, len(m.tasks))
	for _, task := range m.tasks {
		if len(statuses) > 0 && !slices.Contains(statuses, task.Status) {
			continue
		}
		out = append(out, *task)
	}
	slices.SortFunc(out, func(a, b Task[P]) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// GetWorker returns a snapshot of a worker.
func (m *Manager[P]) GetWorker(id string) (Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[id]
	if !ok {
		return Worker{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return w.snapshot(), nil
}

// ListWorkers returns workers in registration order.
func (m *Manager[P]) ListWorkers() []Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Worker, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.workers[id].snapshot())
	}
	return out
}

// Inbox returns the channel on which tasks assigned to the worker are
// delivered. It is closed when the worker unregisters.
func (m *Manager[P]) Inbox(workerID string) (<-chan Task[P], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inbox, ok := m.inboxes[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return inbox, nil
}

// SystemLoad summarises workers and tasks.
func (m *Manager[P]) SystemLoad() SystemLoad {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.systemLoadLocked()
}

func (m *Manager[P]) systemLoadLocked() SystemLoad {
	var s SystemLoad
	totalLoad := 0
	for _, w := range m.workers {
		switch w.Status {
		case WorkerIdle:
			s.IdleWorkers++
		case WorkerBusy:
			s.BusyWorkers++
		case WorkerOffline:
			s.OfflineWorkers++
		case WorkerError:
			s.ErrorWorkers++
		}
		totalLoad += w.Load
	}
	if len(m.workers) > 0 {
		s.AverageLoad = float64(totalLoad) / float64(len(m.workers))
	}

	for _, task := range m.tasks {
		switch task.Status {
		case TaskPending:
			s.PendingTasks++
		case TaskRunning:
			s.RunningTasks++
		case TaskCompleted:
			s.CompletedTasks++
		case TaskFailed:
			s.FailedTasks++
		}
	}
	return s
}

func (w *Worker) snapshot() Worker {
	c := *w
	c.Capabilities = slices.Clone(w.Capabilities)
	return c
}

func (m *Manager[P]) emit(e bus.Event) {
	m.bus.Emit(e)
}
