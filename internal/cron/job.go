package cron

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aatumaykin/nexcore/internal/priority"
	"github.com/aatumaykin/nexcore/internal/retry"
	"github.com/aatumaykin/nexcore/internal/schedule"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrEmptyCommand   = errors.New("job command is required")
	ErrNoPool         = errors.New("pool backend requested but no worker pool is configured")
	ErrNoWorkspaces   = errors.New("job names a workspace but no workspace manager is configured")
	ErrUnknownBackend = errors.New("unknown job backend")
	// ErrPoolWaitTimeout means the pool task outlived the wait. The task stays
	// in the pool, so the attempt is never retried.
	ErrPoolWaitTimeout = errors.New("pool task did not finish in time")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
)

// Backend selects where a job's command runs.
type Backend string

const (
	// BackendLocal runs the command as a child of this process.
	BackendLocal Backend = "local"
	// BackendPool submits the command as a task to the worker pool and
	// waits for its outcome.
	BackendPool Backend = "pool"
)

// JobConfig describes a job to add.
type JobConfig struct {
	ID       string // Генерируется, если пустой
	Name     string // Defaults to ID
	Schedule string // 5 or 6 field cron expression

	Command string
	Args    []string
	Shell   bool // Run Command through "sh -c"
	Dir     string
	Env     map[string]string

	Enabled     *bool // По умолчанию true
	Priority    priority.Level
	WorkspaceID string
	Backend     Backend // Default: local
	Timeout     time.Duration

	// Retries are applied only when MaxRetries > 0 and Retry is set.
	MaxRetries int
	Retry      retry.Config

	// A breaker is attached when BreakerThreshold > 0.
	BreakerThreshold int
	BreakerRecovery  time.Duration
}

// JobUpdate carries the fields to change. Nil fields are left alone.
type JobUpdate struct {
	Name     *string
	Schedule *string

	Command *string
	Args    *[]string
	Shell   *bool
	Dir     *string
	Env     *map[string]string

	Enabled     *bool
	Priority    *priority.Level
	WorkspaceID *string
	Backend     *Backend
	Timeout     *time.Duration

	MaxRetries *int
	Retry      *retry.Config

	BreakerThreshold *int
	BreakerRecovery  *time.Duration
}

// Job is a scheduled command and its run history.
type Job struct {
	ID         string
	Name       string
	Schedule   string
	Expression *schedule.Expression

	Command string
	Args    []string
	Shell   bool
	Dir     string
	Env     map[string]string

	Enabled     bool
	Priority    priority.Level
	WorkspaceID string
	Backend     Backend
	Timeout     time.Duration

	MaxRetries int
	Retry      retry.Config

	BreakerThreshold int
	BreakerRecovery  time.Duration

	RunCount     int
	SuccessCount int
	ErrorCount   int
	LastError    string
	LastRun      time.Time // Нулевое до первого запуска
	NextRun      time.Time // Zero when no next run could be computed

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *Job) clone() *Job {
	c := *j
	c.Args = slices.Clone(j.Args)
	c.Env = maps.Clone(j.Env)
	return &c
}

// CommandLine is the command as checked against workspace allow and deny lists.
func (j *Job) CommandLine() string {
	if j.Shell || len(j.Args) == 0 {
		return j.Command
	}
	return j.Command + " " + strings.Join(j.Args, " ")
}

// ExecutionResult is the outcome of one firing of a job.
type ExecutionResult struct {
	JobID     string
	Success   bool
	ExitCode  int
	Stdout    string
	Stderr    string
	Err       error
	TimedOut  bool
	Truncated bool
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// Stats summarises the jobs of a scheduler.
type Stats struct {
	TotalJobs      int
	EnabledJobs    int
	DisabledJobs   int
	TotalRuns      int
	TotalSuccesses int
	TotalFailures  int
	SuccessRate    float64 // Percentage of runs that succeeded, 0 without runs
}
