package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.PoolWaitTimeout())
	assert.Equal(t, 30*time.Second, cfg.Subagent.HeartbeatTimeout())
	assert.Equal(t, 5*time.Second, cfg.Subagent.LoadBalanceInterval())
	assert.Zero(t, cfg.Subagent.TaskRetention())
	assert.Equal(t, "~/.nexcore/workspaces", cfg.Workspace.Root)
	assert.Equal(t, 30*time.Second, cfg.Executor.Timeout())
	assert.Equal(t, 2*time.Second, cfg.Executor.KillGrace())
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay())
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay())
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, "nexcore", cfg.Metrics.Namespace)
	assert.False(t, cfg.Metrics.Enabled)

	assert.Empty(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("NEXCORE_TEST_ROOT", "/srv/workspaces")

	path := writeConfig(t, `
[logging]
level = "debug"
format = "text"

[scheduler]
tick_interval_ms = 250
max_starts_per_second = 4
jobs_file = "/etc/nexcore/jobs.yaml"
watch_jobs_file = true

[subagent]
local_workers = 3
task_retention_minutes = 60
default_task_retries = 1

[workspace]
root = "${NEXCORE_TEST_ROOT:/tmp/ws}"
max_file_size = 1048576
denied_commands = ["rm", "shutdown"]
cleanup_interval_minutes = 10

[retry]
max_retries = 5
initial_delay_ms = 200
jitter = true

[metrics]
enabled = true
listen = ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.TickInterval())
	assert.Equal(t, 4.0, cfg.Scheduler.MaxStartsPerSecond)
	assert.True(t, cfg.Scheduler.WatchJobsFile)
	assert.Equal(t, 3, cfg.Subagent.LocalWorkers)
	assert.Equal(t, time.Hour, cfg.Subagent.TaskRetention())
	assert.Equal(t, "/srv/workspaces", cfg.Workspace.Root)
	assert.Equal(t, []string{"rm", "shutdown"}, cfg.Workspace.DeniedCommands)
	assert.Equal(t, 10*time.Minute, cfg.Workspace.CleanupInterval())
	assert.Equal(t, 24*time.Hour, cfg.Workspace.MaxInactive())
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.InitialDelay())
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	_, err = Load(writeConfig(t, "[logging\nlevel = 1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")

	_, err = Load(writeConfig(t, "[scheduler]\ntick_interval = 5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.tick_interval")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"tick too small", func(c *Config) { c.Scheduler.TickIntervalMs = 1 }, "tick_interval_ms"},
		{"negative start rate", func(c *Config) { c.Scheduler.MaxStartsPerSecond = -1 }, "max_starts_per_second"},
		{"watch without file", func(c *Config) { c.Scheduler.WatchJobsFile = true }, "jobs_file is required"},
		{"jobs file traversal", func(c *Config) { c.Scheduler.JobsFile = "conf/../../jobs.yaml" }, "path traversal"},
		{"negative workers", func(c *Config) { c.Subagent.LocalWorkers = -1 }, "local_workers"},
		{"empty root", func(c *Config) { c.Workspace.Root = "" }, "workspace.root is required"},
		{"root traversal", func(c *Config) { c.Workspace.Root = "/srv/../etc" }, "path traversal"},
		{"file over total", func(c *Config) {
			c.Workspace.MaxFileSize = 10
			c.Workspace.MaxTotalSize = 5
		}, "exceeds"},
		{"empty command", func(c *Config) { c.Workspace.DeniedCommands = []string{"rm", " "} }, "empty command"},
		{"zero timeout", func(c *Config) { c.Executor.TimeoutSeconds = 0 }, "executor.timeout_seconds"},
		{"small multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"max below initial", func(c *Config) { c.Retry.MaxDelayMs = 10 }, "retry.max_delay_ms"},
		{"metrics without listen", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Listen = ""
		}, "metrics.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			errs := cfg.Validate()
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0].Error(), tt.errMsg)
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("NEXCORE_TEST_HOST", "db.internal")
	os.Unsetenv("NEXCORE_TEST_UNSET")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${NEXCORE_TEST_HOST}", "db.internal"},
		{"${NEXCORE_TEST_HOST:fallback}", "db.internal"},
		{"${NEXCORE_TEST_UNSET:fallback}", "fallback"},
		{"${NEXCORE_TEST_UNSET}", ""},
		{"http://${NEXCORE_TEST_HOST}:${NEXCORE_TEST_UNSET:5432}/x", "http://db.internal:5432/x"},
		{"${unterminated", "${unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnv(tt.in))
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "ws"), expandHome("~/ws"))
	assert.Equal(t, "/abs/ws", expandHome("/abs/ws"))
	assert.Equal(t, "rel/ws", expandHome("rel/ws"))
}
