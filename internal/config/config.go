package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/wasilibs/go-re2"
)

// Load загружает конфигурацию из TOML файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	expandEnvVars(&cfg)
	return &cfg
}

// Validate проверяет валидность конфигурации
func (c *Config) Validate() []error {
	var errors []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
	}
	if c.Logging.Output == "" {
		errors = append(errors, fmt.Errorf("logging.output is required"))
	}

	if c.Scheduler.TickIntervalMs < 10 {
		errors = append(errors, fmt.Errorf("scheduler.tick_interval_ms must be >= 10 (got %d)", c.Scheduler.TickIntervalMs))
	}
	if c.Scheduler.MaxStartsPerSecond < 0 {
		errors = append(errors, fmt.Errorf("scheduler.max_starts_per_second must be >= 0"))
	}
	if c.Scheduler.WatchJobsFile && c.Scheduler.JobsFile == "" {
		errors = append(errors, fmt.Errorf("scheduler.jobs_file is required when watch_jobs_file is set"))
	}
	if c.Scheduler.JobsFile != "" {
		if err := validatePath(c.Scheduler.JobsFile, "scheduler.jobs_file"); err != nil {
			errors = append(errors, err)
		}
	}

	if c.Subagent.LocalWorkers < 0 {
		errors = append(errors, fmt.Errorf("subagent.local_workers must be >= 0"))
	}
	if c.Subagent.DefaultTaskRetries < 0 {
		errors = append(errors, fmt.Errorf("subagent.default_task_retries must be >= 0"))
	}
	if c.Subagent.TaskRetentionMinutes < 0 {
		errors = append(errors, fmt.Errorf("subagent.task_retention_minutes must be >= 0"))
	}

	if c.Workspace.Root == "" {
		errors = append(errors, fmt.Errorf("workspace.root is required"))
	} else if err := validatePath(c.Workspace.Root, "workspace.root"); err != nil {
		errors = append(errors, err)
	}
	if c.Workspace.MaxFileSize < 0 || c.Workspace.MaxTotalSize < 0 {
		errors = append(errors, fmt.Errorf("workspace size limits must be >= 0"))
	}
	if c.Workspace.MaxFileSize > 0 && c.Workspace.MaxTotalSize > 0 && c.Workspace.MaxFileSize > c.Workspace.MaxTotalSize {
		errors = append(errors, fmt.Errorf("workspace.max_file_size exceeds workspace.max_total_size"))
	}
	for _, cmd := range slices.Concat(c.Workspace.AllowedCommands, c.Workspace.DeniedCommands) {
		if strings.TrimSpace(cmd) == "" {
			errors = append(errors, fmt.Errorf("workspace command lists contain an empty command"))
			break
		}
	}
	if c.Workspace.CleanupIntervalMinutes > 0 && c.Workspace.MaxInactiveHours <= 0 {
		errors = append(errors, fmt.Errorf("workspace.max_inactive_hours must be > 0 when cleanup is enabled"))
	}

	if c.Executor.TimeoutSeconds < 1 {
		errors = append(errors, fmt.Errorf("executor.timeout_seconds must be >= 1"))
	}
	if c.Executor.MaxOutputBytes < 1 {
		errors = append(errors, fmt.Errorf("executor.max_output_bytes must be >= 1"))
	}

	if c.Retry.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("retry.max_retries must be >= 0"))
	}
	if c.Retry.Multiplier < 1 {
		errors = append(errors, fmt.Errorf("retry.multiplier must be >= 1 (got %g)", c.Retry.Multiplier))
	}
	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		errors = append(errors, fmt.Errorf("retry.max_delay_ms must be >= retry.initial_delay_ms"))
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errors = append(errors, fmt.Errorf("metrics.listen is required when metrics are enabled"))
	}

	return errors
}

func validatePath(path, fieldName string) error {
	if strings.HasPrefix(path, "~") {
		return nil
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
		}
	}
	return nil
}

// applyDefaults применяет значения по умолчанию
func applyDefaults(c *Config) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Scheduler.TickIntervalMs == 0 {
		c.Scheduler.TickIntervalMs = 1000
	}
	if c.Scheduler.PoolWaitTimeoutSeconds == 0 {
		c.Scheduler.PoolWaitTimeoutSeconds = 300
	}

	if c.Subagent.HeartbeatTimeoutSeconds == 0 {
		c.Subagent.HeartbeatTimeoutSeconds = 30
	}
	if c.Subagent.LoadBalanceIntervalSeconds == 0 {
		c.Subagent.LoadBalanceIntervalSeconds = 5
	}
	if c.Subagent.WorkerMaxConcurrent == 0 {
		c.Subagent.WorkerMaxConcurrent = 1
	}

	if c.Workspace.Root == "" {
		c.Workspace.Root = "~/.nexcore/workspaces"
	}
	if c.Workspace.MaxInactiveHours == 0 {
		c.Workspace.MaxInactiveHours = 24
	}

	if c.Executor.TimeoutSeconds == 0 {
		c.Executor.TimeoutSeconds = 30
	}
	if c.Executor.MaxOutputBytes == 0 {
		c.Executor.MaxOutputBytes = 10 * 1024 * 1024
	}
	if c.Executor.KillGraceSeconds == 0 {
		c.Executor.KillGraceSeconds = 2
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelayMs == 0 {
		c.Retry.InitialDelayMs = 1000
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 30000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "nexcore"
	}

	if c.Bus.QueueSize == 0 {
		c.Bus.QueueSize = 1024
	}
	if c.Bus.BufferSize == 0 {
		c.Bus.BufferSize = 256
	}
}

// expandEnvVars расширяет переменные окружения в конфигурации
func expandEnvVars(c *Config) {
	c.Logging.Output = expandHome(expandEnv(c.Logging.Output))
	c.Scheduler.JobsFile = expandHome(expandEnv(c.Scheduler.JobsFile))
	c.Workspace.Root = expandHome(expandEnv(c.Workspace.Root))
	c.Metrics.Listen = expandEnv(c.Metrics.Listen)

	for i, cmd := range c.Workspace.AllowedCommands {
		c.Workspace.AllowedCommands[i] = expandEnv(cmd)
	}
	for i, cmd := range c.Workspace.DeniedCommands {
		c.Workspace.DeniedCommands[i] = expandEnv(cmd)
	}
}

var envRef = re2.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// expandEnv заменяет ссылки ${VAR} и ${VAR:default} значениями окружения
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if val := os.Getenv(m[1]); val != "" {
			return val
		}
		return m[2]
	})
}

// expandHome расширяет ~ в пути
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
