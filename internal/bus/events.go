// Package bus carries lifecycle events of the scheduler, the worker pool and
// the workspaces to any number of subscribers.
//
// Events are delivered in publish order. A subscriber whose channel is full
// misses the event; publishers are never blocked.
package bus

import (
	"encoding/json"
	"time"
)

// Kind names an event.
type Kind string

const (
	SchedulerStarted Kind = "scheduler:started"
	SchedulerRunning Kind = "scheduler:running"
	SchedulerStopped Kind = "scheduler:stopped"

	JobAdded     Kind = "job:added"
	JobUpdated   Kind = "job:updated"
	JobDeleted   Kind = "job:deleted"
	JobStarted   Kind = "job:started"
	JobCompleted Kind = "job:completed"
	JobFailed    Kind = "job:failed"

	SubagentRegistered    Kind = "subagent:registered"
	SubagentUnregistered  Kind = "subagent:unregistered"
	SubagentOnline        Kind = "subagent:online"
	SubagentOffline       Kind = "subagent:offline"
	SubagentStatusChanged Kind = "subagent:status:changed"

	TaskSubmitted Kind = "task:submitted"
	TaskAssigned  Kind = "task:assigned"
	TaskCompleted Kind = "task:completed"
	TaskFailed    Kind = "task:failed"

	SystemLoadBalanced Kind = "system:load:balanced"

	WorkspaceCreated Kind = "workspace:created"
	WorkspaceLoaded  Kind = "workspace:loaded" // Rehydrated from disk at startup
	WorkspaceDeleted Kind = "workspace:deleted"

	BreakerOpened Kind = "breaker:opened"
	BreakerClosed Kind = "breaker:closed"
)

// Event is a tagged lifecycle event. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	JobID   string `json:"job_id,omitempty"`
	JobName string `json:"job_name,omitempty"`

	TaskID   string `json:"task_id,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
	Priority int    `json:"priority,omitempty"`

	WorkspaceID string `json:"workspace_id,omitempty"`

	// Status transitions (subagent:status:changed).
	PreviousStatus string `json:"previous_status,omitempty"`
	Status         string `json:"status,omitempty"`

	// Number of due jobs (scheduler:running).
	Due int `json:"due,omitempty"`

	Result *Result        `json:"result,omitempty"`
	Load   *LoadSnapshot  `json:"load,omitempty"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Result summarises one job execution or task outcome.
type Result struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Output   string        `json:"output,omitempty"`
}

// LoadSnapshot is published with system:load:balanced.
type LoadSnapshot struct {
	Workers []WorkerLoad `json:"workers"`

	IdleWorkers    int `json:"idle_workers"`
	BusyWorkers    int `json:"busy_workers"`
	OfflineWorkers int `json:"offline_workers"`

	PendingTasks   int `json:"pending_tasks"`
	RunningTasks   int `json:"running_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`

	AverageLoad float64 `json:"average_load"`
}

type WorkerLoad struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Load   int    `json:"load"`
}

// NewEvent returns an event of kind k stamped with the current time.
func NewEvent(k Kind) Event {
	return Event{Kind: k, Timestamp: time.Now()}
}

// NewJobEvent returns an event about a job.
func NewJobEvent(k Kind, jobID, jobName string) Event {
	e := NewEvent(k)
	e.JobID = jobID
	e.JobName = jobName
	return e
}

// NewTaskEvent returns an event about a task and, optionally, its worker.
func NewTaskEvent(k Kind, taskID, workerID string) Event {
	e := NewEvent(k)
	e.TaskID = taskID
	e.WorkerID = workerID
	return e
}

// NewWorkerEvent returns an event about a worker.
func NewWorkerEvent(k Kind, workerID string) Event {
	e := NewEvent(k)
	e.WorkerID = workerID
	return e
}

// ToJSON serializes the Event to JSON bytes.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes the Event from JSON bytes.
func (e *Event) FromJSON(data []byte) error {
	return json.Unmarshal(data, e)
}
