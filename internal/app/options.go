package app

import (
	"github.com/aatumaykin/nexcore/internal/config"
	"github.com/aatumaykin/nexcore/internal/cron"
	"github.com/aatumaykin/nexcore/internal/executor"
	"github.com/aatumaykin/nexcore/internal/retry"
	"github.com/aatumaykin/nexcore/internal/subagent"
	"github.com/aatumaykin/nexcore/internal/workspace"
)

func executorOptions(cfg *config.Config) executor.Options {
	return executor.Options{
		Timeout:        cfg.Executor.Timeout(),
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
		KillGrace:      cfg.Executor.KillGrace(),
	}
}

func workspaceOptions(cfg *config.Config) workspace.Options {
	return workspace.Options{
		Root: cfg.Workspace.Root,
		Defaults: workspace.Config{
			MaxFileSize:     cfg.Workspace.MaxFileSize,
			MaxTotalSize:    cfg.Workspace.MaxTotalSize,
			AllowedCommands: cfg.Workspace.AllowedCommands,
			DeniedCommands:  cfg.Workspace.DeniedCommands,
			Limits:          workspace.ResourceLimits{MaxProcesses: cfg.Workspace.MaxProcesses},
		},
	}
}

func subagentOptions(cfg *config.Config) subagent.Options {
	return subagent.Options{
		HeartbeatTimeout:    cfg.Subagent.HeartbeatTimeout(),
		LoadBalanceInterval: cfg.Subagent.LoadBalanceInterval(),
		TaskRetention:       cfg.Subagent.TaskRetention(),
	}
}

func schedulerOptions(cfg *config.Config) cron.Options {
	return cron.Options{
		TickInterval:       cfg.Scheduler.TickInterval(),
		MaxStartsPerSecond: cfg.Scheduler.MaxStartsPerSecond,
		PoolWaitTimeout:    cfg.Scheduler.PoolWaitTimeout(),
		PoolTaskRetries:    cfg.Subagent.DefaultTaskRetries,
		DefaultRetry:       retryConfig(cfg.Retry),
	}
}

func retryConfig(c config.RetryConfig) retry.Config {
	return retry.Config{
		MaxRetries:   c.MaxRetries,
		InitialDelay: c.InitialDelay(),
		MaxDelay:     c.MaxDelay(),
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
	}
}
