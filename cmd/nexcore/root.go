package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcore/internal/config"
)

const defaultConfigPath = "./config.toml"

var (
	configPath string
	envFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nexcore",
	Short: "nexcore - cron scheduler with a worker pool and sandboxed workspaces",
	Long: `nexcore fires shell jobs on cron schedules, either as local processes or
as tasks on a pool of workers, optionally inside isolated workspace directories.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.toml when present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file loaded before the config")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(workspaceCmd)
}

// loadConfig loads the .env file and the config. Without an explicit path a
// missing ./config.toml falls back to the defaults.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvOptional(envFile); err != nil {
		return nil, err
	}

	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		path = defaultConfigPath
	}
	return config.Load(path)
}

// validationError joins the errors reported by Config.Validate.
func validationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{errors.New("configuration validation failed")}, errs...)...)
}
