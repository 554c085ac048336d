// Package config provides configuration loading and validation for nexcore.
// It supports TOML configuration files with environment variable expansion,
// default values, and validation.
//
// Configuration structure:
//   - [logging]: Logging level, format, and output
//   - [scheduler]: Tick interval, start rate and the job definitions file
//   - [subagent]: Worker pool timing, retention and local workers
//   - [workspace]: Workspace root, quotas and command lists
//   - [executor]: Process timeout and output capture limit
//   - [retry]: Default retry policy for jobs that opt in
//   - [metrics]: Prometheus endpoint
//   - [bus]: Event bus buffers
//
// Environment variables:
// String values can reference ${VAR} or ${VAR:default}.
// For example: root = "${NEXCORE_WORKSPACES:~/.nexcore/workspaces}"
package config

import "time"

// Config represents the main application configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Subagent  SubagentConfig  `toml:"subagent"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Executor  ExecutorConfig  `toml:"executor"`
	Retry     RetryConfig     `toml:"retry"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Bus       BusConfig       `toml:"bus"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	TickIntervalMs         int     `toml:"tick_interval_ms"`
	MaxStartsPerSecond     float64 `toml:"max_starts_per_second"`
	JobsFile               string  `toml:"jobs_file"`
	WatchJobsFile          bool    `toml:"watch_jobs_file"`
	PoolWaitTimeoutSeconds int     `toml:"pool_wait_timeout_seconds"`
}

func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c SchedulerConfig) PoolWaitTimeout() time.Duration {
	return time.Duration(c.PoolWaitTimeoutSeconds) * time.Second
}

// SubagentConfig configures the worker pool.
type SubagentConfig struct {
	HeartbeatTimeoutSeconds    int `toml:"heartbeat_timeout_seconds"`
	LoadBalanceIntervalSeconds int `toml:"load_balance_interval_seconds"`
	TaskRetentionMinutes       int `toml:"task_retention_minutes"` // 0 keeps finished tasks
	LocalWorkers               int `toml:"local_workers"`
	WorkerMaxConcurrent        int `toml:"worker_max_concurrent"`
	DefaultTaskRetries         int `toml:"default_task_retries"`
}

func (c SubagentConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c SubagentConfig) LoadBalanceInterval() time.Duration {
	return time.Duration(c.LoadBalanceIntervalSeconds) * time.Second
}

func (c SubagentConfig) TaskRetention() time.Duration {
	return time.Duration(c.TaskRetentionMinutes) * time.Minute
}

// WorkspaceConfig configures the workspace manager. Sizes are in bytes; 0
// means unlimited.
type WorkspaceConfig struct {
	Root                   string   `toml:"root"`
	MaxFileSize            int64    `toml:"max_file_size"`
	MaxTotalSize           int64    `toml:"max_total_size"`
	MaxProcesses           int      `toml:"max_processes"`
	AllowedCommands        []string `toml:"allowed_commands"`
	DeniedCommands         []string `toml:"denied_commands"`
	CleanupIntervalMinutes int      `toml:"cleanup_interval_minutes"` // 0 disables cleanup
	MaxInactiveHours       int      `toml:"max_inactive_hours"`
}

func (c WorkspaceConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

func (c WorkspaceConfig) MaxInactive() time.Duration {
	return time.Duration(c.MaxInactiveHours) * time.Hour
}

// ExecutorConfig configures process execution defaults.
type ExecutorConfig struct {
	TimeoutSeconds   int `toml:"timeout_seconds"`
	MaxOutputBytes   int `toml:"max_output_bytes"`
	KillGraceSeconds int `toml:"kill_grace_seconds"`
}

func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c ExecutorConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// RetryConfig is the default job retry policy.
type RetryConfig struct {
	MaxRetries     int     `toml:"max_retries"`
	InitialDelayMs int     `toml:"initial_delay_ms"`
	MaxDelayMs     int     `toml:"max_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	Jitter         bool    `toml:"jitter"`
}

func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

// BusConfig configures the event bus buffers.
type BusConfig struct {
	QueueSize  int `toml:"queue_size"`
	BufferSize int `toml:"buffer_size"`
}
