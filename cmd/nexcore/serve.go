package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcore/internal/app"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/version"
)

var serveLogLevel string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, worker pool and workspaces",
	Long: `Start all components with the given configuration and run until
SIGINT or SIGTERM, then shut down gracefully.`,
	RunE: serveHandler,
}

func serveHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serveLogLevel != "" {
		cfg.Logging.Level = serveLogLevel
	}
	if err := validationError(cfg.Validate()); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	log.Info("starting nexcore",
		logger.Field{Key: "version", Value: version.Version},
		logger.Field{Key: "git_commit", Value: version.GitCommit},
		logger.Field{Key: "pid", Value: os.Getpid()},
		logger.Field{Key: "workspace_root", Value: cfg.Workspace.Root},
		logger.Field{Key: "jobs_file", Value: cfg.Scheduler.JobsFile})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.New(cfg, log).Run(ctx)
}

func init() {
	serveCmd.Flags().StringVarP(&serveLogLevel, "log-level", "l", "", "override logging.level")
}
