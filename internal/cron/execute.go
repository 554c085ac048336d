package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/executor"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/retry"
	"github.com/aatumaykin/nexcore/internal/subagent"
	"github.com/aatumaykin/nexcore/internal/workspace"
)

// TaskType is the type of worker pool tasks submitted for jobs.
const TaskType = "cron"

// executeJob fires one job and publishes its outcome. The whole firing,
// retries included, counts as a single call on the job's breaker.
func (s *Scheduler) executeJob(ctx context.Context, job *Job) (res ExecutionResult) {
	start := time.Now()
	log := s.logger.With(
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "job_name", Value: job.Name})

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.ErrorCtx(ctx, "job panic recovered", err)
			res = ExecutionResult{JobID: job.ID, ExitCode: -1, Err: err, StartedAt: start, Duration: time.Since(start)}
			s.publishOutcome(job, res, log)
		}
	}()

	e := bus.NewJobEvent(bus.JobStarted, job.ID, job.Name)
	e.Priority = job.Priority.Weight()
	e.WorkspaceID = job.WorkspaceID
	s.emit(e)
	log.InfoCtx(ctx, "job started",
		logger.Field{Key: "backend", Value: string(job.Backend)},
		logger.Field{Key: "workspace_id", Value: job.WorkspaceID})

	attempts := 0
	attempt := func(ctx context.Context) (ExecutionResult, error) {
		attempts++
		r := s.runAttempt(ctx, job)
		return r, r.Err
	}

	fire := attempt
	if job.MaxRetries > 0 && !job.Retry.IsZero() {
		cfg := s.retryConfig(job, log)
		fire = func(ctx context.Context) (ExecutionResult, error) {
			return retry.Do(ctx, cfg, attempt)
		}
	}

	var err error
	if b := s.breaker(job.ID); b != nil {
		res, err = retry.Call(ctx, b, fire)
	} else {
		res, err = fire(ctx)
	}
	if err != nil {
		res.Success = false
		res.Err = err
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}

	res.JobID = job.ID
	res.Attempts = attempts
	res.StartedAt = start
	res.Duration = time.Since(start)

	if res.Truncated {
		log.WarnCtx(ctx, "job output truncated to its tail",
			logger.Field{Key: "stdout_bytes", Value: len(res.Stdout)},
			logger.Field{Key: "stderr_bytes", Value: len(res.Stderr)})
	}
	s.publishOutcome(job, res, log)
	return res
}

func (s *Scheduler) publishOutcome(job *Job, res ExecutionResult, log *logger.Logger) {
	result := &bus.Result{
		Success:  res.Success,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		Attempts: res.Attempts,
		TimedOut: res.TimedOut,
		Output:   res.Stdout,
	}

	if res.Success {
		e := bus.NewJobEvent(bus.JobCompleted, job.ID, job.Name)
		e.Result = result
		s.emit(e)
		log.Info("job completed",
			logger.Field{Key: "duration", Value: res.Duration.String()},
			logger.Field{Key: "attempts", Value: res.Attempts})
		return
	}

	class := retry.Classify(res.Err)
	e := bus.NewJobEvent(bus.JobFailed, job.ID, job.Name)
	e.Result = result
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	e.Meta = map[string]any{
		"category":  string(class.Category),
		"severity":  string(class.Severity),
		"retryable": class.Retryable,
	}
	s.emit(e)
	log.Error("job failed", res.Err,
		logger.Field{Key: "exit_code", Value: res.ExitCode},
		logger.Field{Key: "attempts", Value: res.Attempts},
		logger.Field{Key: "category", Value: string(class.Category)})
}

// retryConfig is the job's retry policy with MaxRetries taken from the job.
func (s *Scheduler) retryConfig(job *Job, log *logger.Logger) retry.Config {
	cfg := job.Retry
	cfg.MaxRetries = job.MaxRetries
	if cfg.Retryable == nil {
		cfg.Retryable = retryableJobError
	}
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("job attempt failed, retrying",
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "delay", Value: delay.String()},
			logger.Field{Key: "error", Value: err.Error()})
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}
	return cfg
}

// retryableJobError retries any failed attempt except cancellation, pool
// tasks that may still run, and workspace policy violations.
func retryableJobError(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, ErrPoolWaitTimeout) &&
		!errors.Is(err, workspace.ErrCommandDenied) &&
		!errors.Is(err, workspace.ErrWorkspaceNotFound)
}

// runAttempt runs the job's command once, inside its workspace when it names
// one. The command is checked against the workspace policy first.
func (s *Scheduler) runAttempt(ctx context.Context, job *Job) ExecutionResult {
	cfg := executor.Config{
		Command: job.Command,
		Args:    job.Args,
		Shell:   job.Shell,
		Dir:     job.Dir,
		Env:     job.Env,
		Timeout: job.Timeout,
	}
	if job.WorkspaceID == "" {
		return s.runBackend(ctx, job, cfg)
	}

	if err := s.workspaces.CheckCommandPermission(job.WorkspaceID, job.CommandLine()); err != nil {
		return ExecutionResult{ExitCode: -1, Err: err}
	}

	var res ExecutionResult
	err := s.workspaces.ExecuteIn(ctx, job.WorkspaceID, func(ctx context.Context, root string) error {
		cfg.Dir = root
		if job.Dir != "" {
			dir, err := s.workspaces.ResolvePath(job.WorkspaceID, job.Dir)
			if err != nil {
				return err
			}
			cfg.Dir = dir
		}
		res = s.runBackend(ctx, job, cfg)
		return nil
	})
	if err != nil {
		return ExecutionResult{ExitCode: -1, Err: err}
	}
	return res
}

func (s *Scheduler) runBackend(ctx context.Context, job *Job, cfg executor.Config) ExecutionResult {
	if job.Backend == BackendPool {
		return s.runOnPool(ctx, job, cfg)
	}
	r := s.exec.Run(ctx, cfg)
	return ExecutionResult{
		Success:   r.Success,
		ExitCode:  r.ExitCode,
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		Err:       r.Err,
		TimedOut:  r.TimedOut,
		Truncated: r.Truncated,
		Duration:  r.Duration,
	}
}

// runOnPool submits cfg as a pool task and waits for it to finish. Pool
// retries happen inside the task; job level retries wrap the whole wait.
// A task still queued or running when the wait times out is left in the pool.
func (s *Scheduler) runOnPool(ctx context.Context, job *Job, cfg executor.Config) ExecutionResult {
	task := s.pool.SubmitTask(subagent.TaskSpec[executor.Config]{
		Type:     TaskType,
		Payload:  cfg,
		Priority: job.Priority.Weight(),
		Timeout:  cfg.Timeout,
		Retries:  s.opts.PoolTaskRetries,
	})

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.PoolWaitTimeout)
	defer cancel()

	done, err := s.pool.Wait(waitCtx, task.ID)
	if errors.Is(err, context.DeadlineExceeded) {
		return ExecutionResult{
			ExitCode: -1,
			Err:      fmt.Errorf("%w: task %s after %s: %w", ErrPoolWaitTimeout, task.ID, s.opts.PoolWaitTimeout, err),
			TimedOut: true,
		}
	}
	if err != nil {
		return ExecutionResult{
			ExitCode: -1,
			Err:      fmt.Errorf("waiting for pool task %s: %w", task.ID, err),
		}
	}

	res := ExecutionResult{Stdout: done.Result, Duration: done.CompletedAt.Sub(done.StartedAt)}
	if done.Status == subagent.TaskCompleted {
		res.Success = true
		return res
	}
	res.ExitCode = -1
	res.Err = errors.New(done.Error)
	return res
}

// PoolHandler returns the handler that pool workers use to run the tasks
// the scheduler submits.
func PoolHandler(exec *executor.Executor) subagent.Handler[executor.Config] {
	return func(ctx context.Context, task subagent.Task[executor.Config]) (string, error) {
		r := exec.Run(ctx, task.Payload)
		if !r.Success {
			return r.Stdout, r.Err
		}
		return r.Stdout, nil
	}
}
