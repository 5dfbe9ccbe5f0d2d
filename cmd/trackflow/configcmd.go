package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trackflow/trackflow/pkg/config"
	"github.com/trackflow/trackflow/pkg/tui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration and its sources",
	RunE:  runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to the user config file",
	Long: `Write the currently effective configuration (defaults, config files
and environment merged) to ~/.trackflow/config.yaml as a starting
point for editing.`,
	RunE: runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	mgr := config.Global()

	data, err := yaml.Marshal(mgr.Get())
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	fmt.Println()
	fmt.Println(tui.Title("  CONFIGURATION"))
	fmt.Println(tui.Rule())
	if paths := mgr.GetPaths(); len(paths) > 0 {
		for _, p := range paths {
			fmt.Println(tui.Muted("  loaded " + p))
		}
	} else {
		fmt.Println(tui.Muted("  no config files found, defaults and environment only"))
	}
	fmt.Println()
	fmt.Print(string(data))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := config.Global().Save()
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Println(tui.Muted("  wrote " + path))
	return nil
}
