package cron

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/executor"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/priority"
	"github.com/aatumaykin/nexcore/internal/schedule"
)

// yearly never comes due on its own during a test.
const yearly = "0 0 1 1 *"

func testLogger() *logger.Logger {
	return logger.Discard()
}

func testExecutor() *executor.Executor {
	return executor.New(executor.Options{KillGrace: 200 * time.Millisecond}, testLogger())
}

func newTestScheduler(opts Options, deps Deps) *Scheduler {
	if deps.Executor == nil {
		deps.Executor = testExecutor()
	}
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	return NewScheduler(opts, deps)
}

// makeDue moves the next run of the given jobs into the past.
func makeDue(s *Scheduler, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.jobs[id].NextRun = time.Now().Add(-time.Second)
	}
}

func stopScheduler(s *Scheduler) {
	_ = s.Stop()
}

func TestAddJob_Defaults(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})

	before := time.Now()
	job, err := s.AddJob(JobConfig{Schedule: "*/15 * * * *", Command: "true"})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, job.ID, job.Name)
	assert.True(t, job.Enabled)
	assert.Equal(t, priority.Normal, job.Priority)
	assert.Equal(t, BackendLocal, job.Backend)
	assert.True(t, job.NextRun.After(before))
	assert.Contains(t, []int{0, 15, 30, 45}, job.NextRun.Minute())
	assert.Equal(t, []int{0, 15, 30, 45}, job.Expression.Values(schedule.Minute))
	assert.Zero(t, job.RunCount)
}

func TestAddJob_Validation(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, err := s.AddJob(JobConfig{ID: "dup", Schedule: yearly, Command: "true"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     JobConfig
		wantErr error
	}{
		{"duplicate id", JobConfig{ID: "dup", Schedule: yearly, Command: "true"}, ErrJobExists},
		{"empty command", JobConfig{Schedule: yearly, Command: "  "}, ErrEmptyCommand},
		{"pool without pool", JobConfig{Schedule: yearly, Command: "true", Backend: BackendPool}, ErrNoPool},
		{"workspace without manager", JobConfig{Schedule: yearly, Command: "true", WorkspaceID: "ws"}, ErrNoWorkspaces},
		{"unknown backend", JobConfig{Schedule: yearly, Command: "true", Backend: "ssh"}, ErrUnknownBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddJob(tt.cfg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err = s.AddJob(JobConfig{Schedule: yearly, Command: "true", Priority: "urgent"})
	assert.Error(t, err)
	assert.Len(t, s.ListJobs(), 1)
}

func TestAddJob_ParseErrors(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})

	for _, expr := range []string{"60 * * * *", "* * * *", "* * * * * * *", "@weekly"} {
		t.Run(expr, func(t *testing.T) {
			_, err := s.AddJob(JobConfig{Schedule: expr, Command: "true"})
			var perr *schedule.ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
	assert.Empty(t, s.ListJobs())
}

func TestUpdateJob(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	job, err := s.AddJob(JobConfig{ID: "j", Schedule: yearly, Command: "true"})
	require.NoError(t, err)

	t.Run("schedule change reschedules", func(t *testing.T) {
		expr := "*/5 * * * * *"
		updated, err := s.UpdateJob("j", JobUpdate{Schedule: &expr})
		require.NoError(t, err)
		assert.Equal(t, expr, updated.Schedule)
		assert.True(t, updated.NextRun.Before(job.NextRun))
		assert.True(t, updated.Expression.HasSeconds())
	})

	t.Run("invalid schedule leaves job untouched", func(t *testing.T) {
		bad := "61 * * * *"
		cmd := "false"
		_, err := s.UpdateJob("j", JobUpdate{Schedule: &bad, Command: &cmd})
		var perr *schedule.ParseError
		require.ErrorAs(t, err, &perr)

		current, _ := s.GetJob("j")
		assert.Equal(t, "*/5 * * * * *", current.Schedule)
		assert.Equal(t, "true", current.Command)
	})

	t.Run("other fields apply immediately", func(t *testing.T) {
		name := "renamed"
		level := priority.Critical
		timeout := 3 * time.Second
		args := []string{"-n"}
		updated, err := s.UpdateJob("j", JobUpdate{Name: &name, Priority: &level, Timeout: &timeout, Args: &args})
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Name)
		assert.Equal(t, priority.Critical, updated.Priority)
		assert.Equal(t, 3*time.Second, updated.Timeout)
		assert.Equal(t, []string{"-n"}, updated.Args)
		assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := s.UpdateJob("missing", JobUpdate{})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobNotFound(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})

	assert.ErrorIs(t, s.DeleteJob("x"), ErrJobNotFound)
	assert.ErrorIs(t, s.EnableJob("x"), ErrJobNotFound)
	assert.ErrorIs(t, s.DisableJob("x"), ErrJobNotFound)
	_, err := s.GetJob("x")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.RunJob(context.Background(), "x")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEnableRecomputesNextRun(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, err := s.AddJob(JobConfig{ID: "j", Schedule: "* * * * * *", Command: "true"})
	require.NoError(t, err)

	require.NoError(t, s.DisableJob("j"))
	makeDue(s, "j")
	job, _ := s.GetJob("j")
	assert.False(t, job.Enabled)
	assert.Empty(t, s.dueJobs(time.Now()))

	require.NoError(t, s.EnableJob("j"))
	job, _ = s.GetJob("j")
	assert.True(t, job.Enabled)
	assert.True(t, job.NextRun.After(time.Now().Add(-10*time.Millisecond)))
}

func TestDeleteJob(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, _ = s.AddJob(JobConfig{ID: "a", Schedule: yearly, Command: "true"})
	_, _ = s.AddJob(JobConfig{ID: "b", Schedule: yearly, Command: "true"})
	_, _ = s.AddJob(JobConfig{ID: "c", Schedule: yearly, Command: "true"})

	require.NoError(t, s.DeleteJob("b"))

	var ids []string
	for _, job := range s.ListJobs() {
		ids = append(ids, job.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestTick_RunsDueJobsInInsertionOrder(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	s := newTestScheduler(Options{}, Deps{})

	for _, name := range []string{"first", "second", "third", "later"} {
		_, err := s.AddJob(JobConfig{ID: name, Schedule: yearly, Command: "echo " + name + " >> " + out, Shell: true})
		require.NoError(t, err)
	}
	require.NoError(t, s.DisableJob("second"))
	makeDue(s, "first", "second", "third")

	s.tick(context.Background())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "first\nthird\n", string(data))

	first, _ := s.GetJob("first")
	assert.Equal(t, 1, first.RunCount)
	assert.Equal(t, 1, first.SuccessCount)
	assert.False(t, first.LastRun.IsZero())
	assert.True(t, first.NextRun.After(time.Now()))

	second, _ := s.GetJob("second")
	assert.Zero(t, second.RunCount)
	later, _ := s.GetJob("later")
	assert.Zero(t, later.RunCount)
}

func TestTick_StartLimiterDefersJobs(t *testing.T) {
	s := newTestScheduler(Options{MaxStartsPerSecond: 1}, Deps{})
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.AddJob(JobConfig{ID: id, Schedule: yearly, Command: "true"})
		require.NoError(t, err)
	}
	makeDue(s, "a", "b", "c")

	s.tick(context.Background())

	assert.Equal(t, 1, s.Stats().TotalRuns)
	assert.Len(t, s.dueJobs(time.Now()), 2)
}

func TestTick_PublishesEvents(t *testing.T) {
	events := bus.New(100, 100, testLogger())
	require.NoError(t, events.Start())
	ch := events.Subscribe(context.Background())

	s := newTestScheduler(Options{}, Deps{Events: events})
	_, err := s.AddJob(JobConfig{ID: "ok", Schedule: yearly, Command: "echo hi", Shell: true, Priority: priority.High})
	require.NoError(t, err)
	_, err = s.AddJob(JobConfig{ID: "bad", Schedule: yearly, Command: "exit 1", Shell: true})
	require.NoError(t, err)
	makeDue(s, "ok", "bad")

	s.tick(context.Background())
	require.NoError(t, events.Stop())

	var got []bus.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 7)

	kinds := make([]bus.Kind, len(got))
	for i, e := range got {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []bus.Kind{
		bus.JobAdded, bus.JobAdded,
		bus.SchedulerRunning,
		bus.JobStarted, bus.JobCompleted,
		bus.JobStarted, bus.JobFailed,
	}, kinds)

	assert.Equal(t, 2, got[2].Due)
	assert.Equal(t, 100, got[3].Priority)
	require.NotNil(t, got[4].Result)
	assert.Equal(t, "hi\n", got[4].Result.Output)
	assert.Equal(t, "exit status 1", got[6].Error)
	assert.Contains(t, got[6].Meta, "category")
	assert.Contains(t, got[6].Meta, "severity")
}

func TestRunJob_AndStats(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	_, err := s.AddJob(JobConfig{ID: "ok", Schedule: yearly, Command: "echo", Args: []string{"done"}})
	require.NoError(t, err)
	enabled := false
	_, err = s.AddJob(JobConfig{ID: "bad", Schedule: yearly, Command: "exit 3", Shell: true, Enabled: &enabled})
	require.NoError(t, err)

	before, _ := s.GetJob("ok")

	res, err := s.RunJob(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done\n", res.Stdout)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "ok", res.JobID)

	after, _ := s.GetJob("ok")
	assert.Equal(t, before.NextRun, after.NextRun)

	res, err = s.RunJob(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.EqualError(t, res.Err, "exit status 3")

	bad, _ := s.GetJob("bad")
	assert.Equal(t, 1, bad.ErrorCount)
	assert.Equal(t, "exit status 3", bad.LastError)

	assert.Equal(t, Stats{
		TotalJobs:      2,
		EnabledJobs:    1,
		DisabledJobs:   1,
		TotalRuns:      2,
		TotalSuccesses: 1,
		TotalFailures:  1,
		SuccessRate:    50,
	}, s.Stats())
}

func TestStats_Empty(t *testing.T) {
	s := newTestScheduler(Options{}, Deps{})
	assert.Equal(t, Stats{}, s.Stats())
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(Options{TickInterval: 20 * time.Millisecond}, Deps{})
	_, err := s.AddJob(JobConfig{ID: "every-second", Schedule: "* * * * * *", Command: "true"})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	defer stopScheduler(s)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		job, _ := s.GetJob("every-second")
		return job.RunCount >= 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotStarted)
}

func TestJob_CommandLine(t *testing.T) {
	assert.Equal(t, "ls -la /tmp", (&Job{Command: "ls", Args: []string{"-la", "/tmp"}}).CommandLine())
	assert.Equal(t, "echo hi | wc", (&Job{Command: "echo hi | wc", Shell: true, Args: []string{"x"}}).CommandLine())
	assert.Equal(t, "true", (&Job{Command: "true"}).CommandLine())
}
