package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcore/internal/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			cfg *config.Config
			err error
		)
		if len(args) > 0 {
			cfg, err = config.Load(args[0])
		} else {
			cfg, err = loadConfig()
		}
		if err != nil {
			return err
		}

		if err := validationError(cfg.Validate()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
