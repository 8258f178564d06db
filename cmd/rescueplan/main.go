package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rescueplan/config"
)

var rootCmd = &cobra.Command{
	Use:   "rescueplan",
	Short: "rescueplan - offline rescue plan engine",
	Long: `rescueplan matches disaster context against response rules, resolves the
required tasks, allocates rescue teams and scores the resulting plans, using
knowledge and inventory read from local YAML files.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath    string
	knowledgePath string
	inventoryPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML settings file")
	rootCmd.PersistentFlags().StringVar(&knowledgePath, "knowledge", "", "Knowledge YAML file or directory (overrides settings)")
	rootCmd.PersistentFlags().StringVar(&inventoryPath, "inventory", "", "Inventory YAML file (overrides settings)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadSettings reads --config and applies the path flags on top.
func loadSettings() (config.Settings, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return config.Settings{}, err
	}
	settings.Knowledge.Source = config.SourceYAML
	settings.Inventory.Source = config.SourceMemory
	if knowledgePath != "" {
		settings.Knowledge.Path = knowledgePath
	}
	if inventoryPath != "" {
		settings.Inventory.SeedPath = inventoryPath
	}
	return settings, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
