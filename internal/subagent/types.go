// Package subagent distributes tasks over a pool of registered workers
// ("subagents").
//
// Pending tasks are kept ordered by priority (highest first) and creation
// time. Each idle worker receives at most one task at a time; among idle
// workers the one with the lowest load wins, ties going to the worker with
// the best completed-minus-failed record. Workers prove liveness through
// heartbeats; a worker silent for longer than the heartbeat timeout goes
// offline and its task is failed, which requeues it while retries remain.
package subagent

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotRunning = errors.New("task is not running")
	ErrNotAssigned    = errors.New("task attempt is not assigned to this subagent")
	ErrWorkerNotFound = errors.New("subagent not found")
	ErrWorkerExists   = errors.New("subagent already registered")
	ErrAlreadyStarted = errors.New("subagent manager is already started")
	ErrNotStarted     = errors.New("subagent manager is not started")
)

// Failure reasons recorded on tasks failed by the manager itself.
const (
	ReasonOffline      = "Subagent offline"
	ReasonUnregistered = "Subagent unregistered"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
	WorkerError   WorkerStatus = "error"
)

// TaskSpec describes a task to submit.
type TaskSpec[P any] struct {
	Type     string
	Payload  P
	Priority int           // Higher runs first
	Timeout  time.Duration // Applied by the worker; 0 means none
	Retries  int           // Extra attempts after a failure
}

// Task is a snapshot of a submitted task.
type Task[P any] struct {
	ID       string
	Type     string
	Payload  P
	Priority int
	Timeout  time.Duration
	Retries  int // Remaining
	Attempts int

	Status      TaskStatus
	AssignedTo  string // Set only while running
	CompletedBy string // Worker of the last attempt
	Result      string
	Error       string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	seq uint64
}

// Assignment identifies one attempt of a task on one worker. Reports are
// accepted only for the task's current assignment.
type Assignment struct {
	TaskID   string
	WorkerID string
	Attempt  int
}

// Assignment returns the attempt t was delivered for.
func (t Task[P]) Assignment() Assignment {
	return Assignment{TaskID: t.ID, WorkerID: t.AssignedTo, Attempt: t.Attempts}
}

// WorkerSpec describes a worker to register.
type WorkerSpec struct {
	ID            string // Generated when empty
	Name          string
	Capabilities  []string
	MaxConcurrent int
	Weight        int
}

// Worker is a snapshot of a registered worker.
type Worker struct {
	ID             string
	Name           string
	Capabilities   []string
	MaxConcurrent  int
	Weight         int
	Status         WorkerStatus
	CurrentTask    string
	TasksCompleted int
	TasksFailed    int
	Load           int
	LastHeartbeat  time.Time
	RegisteredAt   time.Time
}

// score ranks otherwise equal workers; higher is better.
func (w *Worker) score() int {
	return w.TasksCompleted - w.TasksFailed
}

// SystemLoad summarises the pool.
type SystemLoad struct {
	IdleWorkers    int
	BusyWorkers    int
	OfflineWorkers int
	ErrorWorkers   int

	PendingTasks   int
	RunningTasks   int
	CompletedTasks int
	FailedTasks    int

	AverageLoad float64
}

// Handler runs a task on a LocalWorker. The returned string is stored as the
// task result.
type Handler[P any] func(ctx context.Context, task Task[P]) (string, error)
