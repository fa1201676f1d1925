package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlas-desktop/fx-regime-engine/internal/config"
	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration, including strategy parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if _, err := strategy.NewDefaultRegistry(logger).BuildAll(cfg.Strategies); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
		return nil
	},
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configWriteCmd = &cobra.Command{
	Use:   "write <path>",
	Short: "Write the effective configuration to a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return config.Save(cfg, args[0])
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd, configPrintCmd, configWriteCmd)
}
