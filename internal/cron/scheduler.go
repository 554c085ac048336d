// Package cron fires jobs on cron schedules.
//
// A tick loop scans the enabled jobs in the order they were added and runs
// each one whose next run time has passed. After a firing the next run time
// is computed from the current time, so firings missed while a tick was busy
// are skipped rather than caught up. Jobs run as local child processes or as
// tasks on the worker pool, optionally inside a workspace, with opt-in
// retries and an opt-in circuit breaker per job.
package cron

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/executor"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/loops"
	"github.com/aatumaykin/nexcore/internal/priority"
	"github.com/aatumaykin/nexcore/internal/retry"
	"github.com/aatumaykin/nexcore/internal/schedule"
	"github.com/aatumaykin/nexcore/internal/subagent"
	"github.com/aatumaykin/nexcore/internal/workspace"
)

const (
	DefaultTickInterval    = time.Second
	DefaultPoolWaitTimeout = 5 * time.Minute
)

// Options configures a Scheduler.
type Options struct {
	TickInterval       time.Duration // Default: 1s
	MaxStartsPerSecond float64       // Job starts allowed per second; 0 means unlimited
	PoolWaitTimeout    time.Duration // Longest wait for a pool task (default: 5m)
	PoolTaskRetries    int           // Retries the pool gives each submitted task

	// DefaultRetry replaces retry.DefaultConfig for definitions that carry
	// an empty retry block.
	DefaultRetry retry.Config
}

// Deps are the components a Scheduler runs jobs with. Only Executor is
// needed for local jobs; it is created with defaults when nil.
type Deps struct {
	Executor   *executor.Executor
	Workspaces *workspace.Manager
	Pool       *subagent.Manager[executor.Config]
	Events     *bus.EventBus
	Logger     *logger.Logger
}

// Scheduler owns jobs and fires them.
type Scheduler struct {
	mu       sync.RWMutex
	opts     Options
	jobs     map[string]*Job
	order    []string // Insertion order of job ids
	breakers map[string]*retry.Breaker

	defsMu   sync.Mutex
	fileDefs map[string]Definition // Jobs owned by the definitions file

	exec       *executor.Executor
	workspaces *workspace.Manager
	pool       *subagent.Manager[executor.Config]
	limiter    *rate.Limiter
	bus        *bus.EventBus
	logger     *logger.Logger
	runner     *loops.Runner
}

// NewScheduler creates a scheduler. It does not fire anything until Start.
func NewScheduler(opts Options, deps Deps) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.PoolWaitTimeout <= 0 {
		opts.PoolWaitTimeout = DefaultPoolWaitTimeout
	}
	log := deps.Logger
	if log == nil {
		log = logger.Discard()
	}
	exec := deps.Executor
	if exec == nil {
		exec = executor.New(executor.Options{}, log)
	}

	s := &Scheduler{
		opts:       opts,
		jobs:       make(map[string]*Job),
		breakers:   make(map[string]*retry.Breaker),
		fileDefs:   make(map[string]Definition),
		exec:       exec,
		workspaces: deps.Workspaces,
		pool:       deps.Pool,
		bus:        deps.Events,
		logger:     log,
	}
	if opts.MaxStartsPerSecond > 0 {
		burst := max(1, int(math.Ceil(opts.MaxStartsPerSecond)))
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxStartsPerSecond), burst)
	}
	return s
}

// AddJob parses the job's schedule, computes its first run time and stores it.
// A malformed schedule is reported as a *schedule.ParseError.
func (s *Scheduler) AddJob(cfg JobConfig) (*Job, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	expr, err := schedule.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", cfg.ID, err)
	}

	now := time.Now()
	job := &Job{
		ID:               cfg.ID,
		Name:             cfg.Name,
		Schedule:         expr.String(),
		Expression:       expr,
		Command:          cfg.Command,
		Args:             slices.Clone(cfg.Args),
		Shell:            cfg.Shell,
		Dir:              cfg.Dir,
		Env:              maps.Clone(cfg.Env),
		Enabled:          cfg.Enabled == nil || *cfg.Enabled,
		Priority:         cfg.Priority,
		WorkspaceID:      cfg.WorkspaceID,
		Backend:          cfg.Backend,
		Timeout:          cfg.Timeout,
		MaxRetries:       cfg.MaxRetries,
		Retry:            cfg.Retry,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerRecovery:  cfg.BreakerRecovery,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.normalize(job); err != nil {
		return nil, err
	}
	job.NextRun = s.nextRun(job, now)

	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.setBreakerLocked(job)
	snapshot := job.clone()
	s.mu.Unlock()

	s.emit(bus.NewJobEvent(bus.JobAdded, job.ID, job.Name))
	s.logger.Info("job added",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "schedule", Value: job.Schedule},
		logger.Field{Key: "next_run", Value: job.NextRun})
	return snapshot, nil
}

// normalize fills defaults and rejects settings the scheduler cannot honour.
func (s *Scheduler) normalize(job *Job) error {
	if job.Name == "" {
		job.Name = job.ID
	}
	if strings.TrimSpace(job.Command) == "" {
		return fmt.Errorf("job %s: %w", job.ID, ErrEmptyCommand)
	}

	level, err := priority.Parse(string(job.Priority))
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.Priority = level

	switch job.Backend {
	case "":
		job.Backend = BackendLocal
	case BackendLocal:
	case BackendPool:
		if s.pool == nil {
			return fmt.Errorf("job %s: %w", job.ID, ErrNoPool)
		}
	default:
		return fmt.Errorf("job %s: %w %q", job.ID, ErrUnknownBackend, job.Backend)
	}

	if job.WorkspaceID != "" && s.workspaces == nil {
		return fmt.Errorf("job %s: %w", job.ID, ErrNoWorkspaces)
	}
	if job.MaxRetries < 0 {
		job.MaxRetries = 0
	}
	return nil
}

// nextRun returns the first matching instant after now, or the zero time
// when the schedule has none within the search horizon.
func (s *Scheduler) nextRun(job *Job, now time.Time) time.Time {
	next, err := job.Expression.NextRunTime(now)
	if err != nil {
		s.logger.Warn("no next run for job",
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "schedule", Value: job.Schedule},
			logger.Field{Key: "error", Value: err.Error()})
		return time.Time{}
	}
	return next
}

// UpdateJob applies the non-nil fields of upd. The schedule is re-parsed only
// when it changed; the job is left untouched if anything is invalid.
func (s *Scheduler) UpdateJob(id string, upd JobUpdate) (*Job, error) {
	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	now := time.Now()
	job := current.clone()
	reschedule := false

	if upd.Schedule != nil && *upd.Schedule != job.Schedule {
		expr, err := schedule.Parse(*upd.Schedule)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		job.Expression = expr
		job.Schedule = expr.String()
		reschedule = true
	}
	if upd.Name != nil {
		job.Name = *upd.Name
	}
	if upd.Command != nil {
		job.Command = *upd.Command
	}
	if upd.Args != nil {
		job.Args = slices.Clone(*upd.Args)
	}
	if upd.Shell != nil {
		job.Shell = *upd.Shell
	}
	if upd.Dir != nil {
		job.Dir = *upd.Dir
	}
	if upd.Env != nil {
		job.Env = maps.Clone(*upd.Env)
	}
	if upd.Enabled != nil {
		if *upd.Enabled && !job.Enabled {
			reschedule = true
		}
		job.Enabled = *upd.Enabled
	}
	if upd.Priority != nil {
		job.Priority = *upd.Priority
	}
	if upd.WorkspaceID != nil {
		job.WorkspaceID = *upd.WorkspaceID
	}
	if upd.Backend != nil {
		job.Backend = *upd.Backend
	}
	if upd.Timeout != nil {
		job.Timeout = *upd.Timeout
	}
	if upd.MaxRetries != nil {
		job.MaxRetries = *upd.MaxRetries
	}
	if upd.Retry != nil {
		job.Retry = *upd.Retry
	}
	breakerChanged := false
	if upd.BreakerThreshold != nil && *upd.BreakerThreshold != job.BreakerThreshold {
		job.BreakerThreshold = *upd.BreakerThreshold
		breakerChanged = true
	}
	if upd.BreakerRecovery != nil && *upd.BreakerRecovery != job.BreakerRecovery {
		job.BreakerRecovery = *upd.BreakerRecovery
		breakerChanged = true
	}

	if err := s.normalize(job); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if reschedule {
		job.NextRun = s.nextRun(job, now)
	}
	job.UpdatedAt = now

	s.jobs[id] = job
	if breakerChanged {
		s.setBreakerLocked(job)
	}
	snapshot := job.clone()
	s.mu.Unlock()

	s.emit(bus.NewJobEvent(bus.JobUpdated, job.ID, job.Name))
	s.logger.Info("job updated",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "schedule", Value: job.Schedule},
		logger.Field{Key: "enabled", Value: job.Enabled})
	return snapshot, nil
}

// DeleteJob removes a job. A firing in progress finishes but is not recorded.
func (s *Scheduler) DeleteJob(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	s.order = slices.DeleteFunc(s.order, func(jid string) bool { return jid == id })
	if b, ok := s.breakers[id]; ok {
		b.Reset()
		delete(s.breakers, id)
	}
	s.mu.Unlock()

	s.emit(bus.NewJobEvent(bus.JobDeleted, id, job.Name))
	s.logger.Info("job deleted", logger.Field{Key: "job_id", Value: id})
	return nil
}

// EnableJob lets a job fire again, starting from its next match after now.
func (s *Scheduler) EnableJob(id string) error {
	enabled := true
	_, err := s.UpdateJob(id, JobUpdate{Enabled: &enabled})
	return err
}

// DisableJob stops future firings. A firing in progress is not interrupted.
func (s *Scheduler) DisableJob(id string) error {
	enabled := false
	_, err := s.UpdateJob(id, JobUpdate{Enabled: &enabled})
	return err
}

// GetJob returns a snapshot of a job.
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.clone(), nil
}

// ListJobs returns snapshots of all jobs in insertion order.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id].clone())
	}
	return jobs
}

// Stats summarises job counts and run outcomes.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, job := range s.jobs {
		st.TotalJobs++
		if job.Enabled {
			st.EnabledJobs++
		} else {
			st.DisabledJobs++
		}
		st.TotalRuns += job.RunCount
		st.TotalSuccesses += job.SuccessCount
		st.TotalFailures += job.ErrorCount
	}
	if st.TotalRuns > 0 {
		st.SuccessRate = float64(st.TotalSuccesses) / float64(st.TotalRuns) * 100
	}
	return st
}

// RunJob fires a job now, whatever its schedule or enabled flag. Its next
// scheduled run is not moved.
func (s *Scheduler) RunJob(ctx context.Context, id string) (ExecutionResult, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return ExecutionResult{}, err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return ExecutionResult{}, fmt.Errorf("job %s: %w", id, err)
		}
	}

	res := s.executeJob(ctx, job)
	s.record(id, res, false)
	return res, nil
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.runner != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	runner := loops.New("scheduler", s.logger)
	s.runner = runner
	s.mu.Unlock()

	err := runner.Every("tick", s.opts.TickInterval, s.tick)
	if err == nil {
		err = runner.Start(ctx)
	}
	if err != nil {
		s.mu.Lock()
		s.runner = nil
		s.mu.Unlock()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.emit(bus.NewEvent(bus.SchedulerStarted))
	s.logger.Info("scheduler started",
		logger.Field{Key: "tick_interval", Value: s.opts.TickInterval.String()},
		logger.Field{Key: "jobs", Value: len(s.ListJobs())})
	return nil
}

// Stop cancels the tick loop and waits for the running tick to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	runner := s.runner
	s.runner = nil
	s.mu.Unlock()

	if runner == nil {
		return ErrNotStarted
	}
	err := runner.Stop()

	s.emit(bus.NewEvent(bus.SchedulerStopped))
	s.logger.Info("scheduler stopped")
	return err
}

// tick fires every due job in insertion order. Jobs held back by the start
// limiter stay due and are retried on the next tick.
func (s *Scheduler) tick(ctx context.Context) {
	due := s.dueJobs(time.Now())
	if len(due) == 0 {
		return
	}

	e := bus.NewEvent(bus.SchedulerRunning)
	e.Due = len(due)
	s.emit(e)

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Debug("job start throttled", logger.Field{Key: "job_id", Value: job.ID})
			continue
		}
		res := s.executeJob(ctx, job)
		s.record(job.ID, res, true)
	}
}

func (s *Scheduler) dueJobs(now time.Time) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Job
	for _, id := range s.order {
		job := s.jobs[id]
		if !job.Enabled || job.NextRun.IsZero() || job.NextRun.After(now) {
			continue
		}
		due = append(due, job.clone())
	}
	return due
}

// record stores the outcome of a firing on the job, if it still exists.
func (s *Scheduler) record(id string, res ExecutionResult, reschedule bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.LastRun = res.StartedAt
	job.RunCount++
	if res.Success {
		job.SuccessCount++
		job.LastError = ""
	} else {
		job.ErrorCount++
		if res.Err != nil {
			job.LastError = res.Err.Error()
		}
	}
	if reschedule {
		job.NextRun = s.nextRun(job, time.Now())
	}
}

func (s *Scheduler) setBreakerLocked(job *Job) {
	if old, ok := s.breakers[job.ID]; ok {
		old.Reset()
		delete(s.breakers, job.ID)
	}
	if job.BreakerThreshold <= 0 {
		return
	}

	id, name := job.ID, job.Name
	s.breakers[id] = retry.NewBreaker(retry.BreakerConfig{
		FailureThreshold: job.BreakerThreshold,
		RecoveryTimeout:  job.BreakerRecovery,
		OnOpen: func() {
			s.emit(bus.NewJobEvent(bus.BreakerOpened, id, name))
			s.logger.Warn("job circuit opened", logger.Field{Key: "job_id", Value: id})
		},
		OnClose: func() {
			s.emit(bus.NewJobEvent(bus.BreakerClosed, id, name))
			s.logger.Info("job circuit closed", logger.Field{Key: "job_id", Value: id})
		},
	})
}

func (s *Scheduler) breaker(id string) *retry.Breaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers[id]
}

func (s *Scheduler) emit(e bus.Event) {
	s.bus.Emit(e)
}
