package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var useCmd = &cobra.Command{
	Use:   "use <file-set>",
	Short: "Select the default file set for future invocations",
	Example: `  capsync use trip-notes
  capsync use default`,
	Args: cobra.ExactArgs(1),
	RunE: runUse,
}

func init() {
	rootCmd.AddCommand(useCmd)
}

// runUse persists the selection into the config file so every later command
// starts on that file set without --set.
func runUse(cmd *cobra.Command, args []string) error {
	path := flagConfig
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		dir := filepath.Join(home, ".config", "capsync")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		path = filepath.Join(dir, "capsync.yaml")
	}

	v := viper.New()
	v.SetConfigFile(path)
	// A missing file is fine; it gets created below.
	_ = v.ReadInConfig()

	v.Set("engine.default_file_set", args[0])
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}

	fmt.Printf("Now using file set %q (recorded in %s)\n", args[0], path)
	return nil
}
