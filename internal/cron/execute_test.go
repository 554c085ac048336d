package cron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/executor"
	"github.com/aatumaykin/nexcore/internal/retry"
	"github.com/aatumaykin/nexcore/internal/subagent"
	"github.com/aatumaykin/nexcore/internal/workspace"
)

// flaky fails on its first run in dir and succeeds afterwards.
const flaky = "if [ -f marker ]; then echo recovered; else touch marker; exit 1; fi"

func TestExecute_RetriesWhenConfigured(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, err := s.AddJob(JobConfig{
		ID:         "flaky",
		Schedule:   yearly,
		Command:    flaky,
		Shell:      true,
		Dir:        t.TempDir(),
		MaxRetries: 2,
		Retry:      retry.Config{InitialDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "flaky")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "recovered\n", res.Stdout)

	job, _ := s.GetJob("flaky")
	assert.Equal(t, 1, job.RunCount)
	assert.Equal(t, 1, job.SuccessCount)
}

func TestExecute_NoRetryWithoutConfig(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, err := s.AddJob(JobConfig{
		ID:         "flaky",
		Schedule:   yearly,
		Command:    flaky,
		Shell:      true,
		Dir:        t.TempDir(),
		MaxRetries: 2,
	})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "flaky")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, err := s.AddJob(JobConfig{
		ID:         "broken",
		Schedule:   yearly,
		Command:    "exit 2",
		Shell:      true,
		MaxRetries: 2,
		Retry:      retry.Config{InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "broken")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.ExitCode)
}

func TestExecute_Timeout(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, err := s.AddJob(JobConfig{ID: "slow", Schedule: yearly, Command: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	res, err := s.RunJob(context.Background(), "slow")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)

	var timeoutErr *executor.TimeoutError
	assert.ErrorAs(t, res.Err, &timeoutErr)
}

func TestExecute_CircuitBreaker(t *testing.T) {
	events := bus.New(100, 100, testLogger())
	require.NoError(t, events.Start())
	defer events.Stop()
	ch := events.Subscribe(context.Background())

	s := newTestScheduler(Options{}, Deps{Events: events})
	_, err := s.AddJob(JobConfig{
		ID:               "failing",
		Schedule:         yearly,
		Command:          "false",
		BreakerThreshold: 2,
		BreakerRecovery:  time.Hour,
	})
	require.NoError(t, err)

	for range 2 {
		res, err := s.RunJob(context.Background(), "failing")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempts)
	}
	assert.Equal(t, retry.CircuitOpen, s.breaker("failing").State())

	res, err := s.RunJob(context.Background(), "failing")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, retry.ErrCircuitOpen)
	assert.Zero(t, res.Attempts)

	assert.Eventually(t, func() bool {
		for {
			select {
			case e := <-ch:
				if e.Kind == bus.BreakerOpened && e.JobID == "failing" {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)

	// Changing the breaker settings replaces it with a closed one.
	threshold := 3
	_, err = s.UpdateJob("failing", JobUpdate{BreakerThreshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, retry.CircuitClosed, s.breaker("failing").State())
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, err := s.AddJob(JobConfig{
		ID:         "panics",
		Schedule:   yearly,
		Command:    "false",
		MaxRetries: 1,
		Retry: retry.Config{
			InitialDelay: time.Millisecond,
			OnRetry:      func(int, error, time.Duration) { panic("hook exploded") },
		},
	})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "panics")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "hook exploded")

	job, _ := s.GetJob("panics")
	assert.Equal(t, 1, job.ErrorCount)
}

func newWorkspaceScheduler(t *testing.T) (*Scheduler, *workspace.Manager) {
	t.Helper()
	ws := workspace.NewManager(workspace.Options{Root: t.TempDir()}, nil, testLogger())
	_, err := ws.Create(workspace.Config{ID: "sandbox", DeniedCommands: []string{"rm"}})
	require.NoError(t, err)
	return newTestScheduler(Options{}, Deps{Workspaces: ws}), ws
}

func TestExecute_InWorkspace(t *testing.T) {
	s, ws := newWorkspaceScheduler(t)
	sandbox, err := ws.Get("sandbox")
	require.NoError(t, err)

	_, err = s.AddJob(JobConfig{ID: "touch", Schedule: yearly, Command: "touch", Args: []string{"created"}, WorkspaceID: "sandbox"})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "touch")
	require.NoError(t, err)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.FileExists(t, filepath.Join(sandbox.Path, "created"))

	after, _ := ws.Get("sandbox")
	assert.Zero(t, after.ProcessCount)
}

func TestExecute_InWorkspaceSubdirectory(t *testing.T) {
	s, ws := newWorkspaceScheduler(t)
	sandbox, _ := ws.Get("sandbox")
	require.NoError(t, os.Mkdir(filepath.Join(sandbox.Path, "sub"), 0755))

	_, err := s.AddJob(JobConfig{ID: "sub", Schedule: yearly, Command: "touch here", Shell: true, Dir: "sub", WorkspaceID: "sandbox"})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "sub")
	require.NoError(t, err)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.FileExists(t, filepath.Join(sandbox.Path, "sub", "here"))

	escape := "../../outside"
	_, err = s.UpdateJob("sub", JobUpdate{Dir: &escape})
	require.NoError(t, err)
	res, err = s.RunJob(context.Background(), "sub")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestExecute_WorkspaceDeniesCommand(t *testing.T) {
	s, _ := newWorkspaceScheduler(t)
	_, err := s.AddJob(JobConfig{
		ID:          "wipe",
		Schedule:    yearly,
		Command:     "rm",
		Args:        []string{"-rf", "data"},
		WorkspaceID: "sandbox",
		MaxRetries:  3,
		Retry:       retry.Config{InitialDelay: time.Millisecond},
	})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "wipe")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, workspace.ErrCommandDenied)
	assert.Equal(t, 1, res.Attempts)
}

func TestExecute_UnknownWorkspace(t *testing.T) {
	s, _ := newWorkspaceScheduler(t)
	_, err := s.AddJob(JobConfig{ID: "lost", Schedule: yearly, Command: "true", WorkspaceID: "nowhere"})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "lost")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, workspace.ErrWorkspaceNotFound)
}

func newPool(t *testing.T, workers int) *subagent.Manager[executor.Config] {
	t.Helper()
	pool := subagent.NewManager[executor.Config](subagent.Options{}, nil, testLogger())
	for range workers {
		w := subagent.NewLocalWorker(pool, subagent.WorkerSpec{}, PoolHandler(testExecutor()), testLogger())
		require.NoError(t, w.Start(context.Background()))
		t.Cleanup(func() { _ = w.Stop() })
	}
	return pool
}

func TestExecute_OnPool(t *testing.T) {
	pool := newPool(t, 2)
	s := newTestScheduler(Options{}, Deps{Pool: pool})

	_, err := s.AddJob(JobConfig{ID: "pooled", Schedule: yearly, Command: "echo pooled", Shell: true, Backend: BackendPool})
	require.NoError(t, err)
	_, err = s.AddJob(JobConfig{ID: "pool-fail", Schedule: yearly, Command: "exit 3", Shell: true, Backend: BackendPool})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "pooled")
	require.NoError(t, err)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, "pooled\n", res.Stdout)

	res, err = s.RunJob(context.Background(), "pool-fail")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.EqualError(t, res.Err, "exit status 3")

	tasks := pool.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskType, tasks[0].Type)
	assert.Equal(t, subagent.TaskCompleted, tasks[0].Status)
	assert.Equal(t, subagent.TaskFailed, tasks[1].Status)
}

func TestExecute_PoolWaitTimeout(t *testing.T) {
	pool := newPool(t, 0)
	s := newTestScheduler(Options{PoolWaitTimeout: 50 * time.Millisecond}, Deps{Pool: pool})
	_, err := s.AddJob(JobConfig{ID: "stuck", Schedule: yearly, Command: "true", Backend: BackendPool})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "stuck")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.ErrorIs(t, res.Err, ErrPoolWaitTimeout)
}

func TestExecute_PoolWaitTimeoutIsNotRetried(t *testing.T) {
	pool := newPool(t, 0)
	s := newTestScheduler(Options{PoolWaitTimeout: 50 * time.Millisecond}, Deps{Pool: pool})
	_, err := s.AddJob(JobConfig{
		ID:         "stuck",
		Schedule:   yearly,
		Command:    "true",
		Backend:    BackendPool,
		MaxRetries: 2,
		Retry:      retry.Config{InitialDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "stuck")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)

	// The one submitted task is still queued; no duplicate was submitted.
	tasks := pool.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, subagent.TaskPending, tasks[0].Status)
}

func TestExecute_ReportsTruncatedOutput(t *testing.T) {
	exec := executor.New(executor.Options{MaxOutputBytes: 4}, testLogger())
	s := newTestScheduler(Options{}, Deps{Executor: exec})
	_, err := s.AddJob(JobConfig{ID: "chatty", Schedule: yearly, Command: "printf 123456789", Shell: true})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "chatty")
	require.NoError(t, err)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.True(t, res.Truncated)
	assert.Equal(t, "6789", res.Stdout)
}

func TestRetryableJobError(t *testing.T) {
	assert.True(t, retryableJobError(errors.New("exit status 1")))
	assert.False(t, retryableJobError(context.Canceled))
	assert.False(t, retryableJobError(fmt.Errorf("%w: task x", ErrPoolWaitTimeout)))
	assert.False(t, retryableJobError(workspace.ErrCommandDenied))
	assert.False(t, retryableJobError(workspace.ErrWorkspaceNotFound))
}

func TestExecute_PoolTaskRetries(t *testing.T) {
	pool := newPool(t, 1)
	s := newTestScheduler(Options{PoolTaskRetries: 1}, Deps{Pool: pool})
	_, err := s.AddJob(JobConfig{ID: "flaky", Schedule: yearly, Command: flaky, Shell: true, Dir: t.TempDir(), Backend: BackendPool})
	require.NoError(t, err)

	res, err := s.RunJob(context.Background(), "flaky")
	require.NoError(t, err)
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "recovered\n", res.Stdout)

	tasks := pool.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].Attempts)
}
