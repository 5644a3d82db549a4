package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "configuration is valid")
		if cfg.ConfigFile != "" {
			fmt.Fprintf(out, "file: %s\n", cfg.ConfigFile)
		}
		if len(cfg.EnvOverrides) > 0 {
			names := make([]string, 0, len(cfg.EnvOverrides))
			for name := range cfg.EnvOverrides {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(out, "environment overrides: %v\n", names)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		if shown.Storage.ClickHouse.Password != "" {
			shown.Storage.ClickHouse.Password = "********"
		}
		data, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd, configShowCmd)
}
