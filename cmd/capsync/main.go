package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/capsync/internal/client"
	"github.com/TheMichaelB/capsync/internal/config"
	"github.com/TheMichaelB/capsync/internal/events"
)

var rootCmd = &cobra.Command{
	Use:   "capsync",
	Short: "Durable local store for captured media and text artifacts",
	Long: `Capsync keeps captured artifacts durably available by coordinating a
relational metadata index with a raw blob store, reconciled by a sync
engine that never blocks the caller on storage latency.`,
	SilenceUsage: true,
}

var (
	flagConfig  string
	flagFileSet string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"Config file (default: capsync.{yaml,json} in . or ~/.config/capsync)")
	rootCmd.PersistentFlags().StringVar(&flagFileSet, "set", "",
		"File set to operate on (default: from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newClient loads config and wires a client for a command invocation.
func newClient(ctx context.Context) (*client.Client, *config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}

	logger := events.New(events.ParseLevel(cfg.Log.Level), cfg.Log.Format, os.Stderr)

	c, err := client.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	if flagFileSet != "" {
		c.Engine.SwitchFileSet(flagFileSet)
	}
	return c, cfg, nil
}
