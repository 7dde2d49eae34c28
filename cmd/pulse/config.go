package main

import (
	"fmt"

	"github.com/cuemby/pulse/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect server configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration "pulse serve" would run with: defaults, then the
--config file, then PULSE_* environment variables.

The output is a valid config file:
  pulse config show > pulse.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	configShowCmd.Flags().StringP("config", "c", "", "YAML configuration file")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
