package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/capsync/internal/bridge"
	"github.com/TheMichaelB/capsync/internal/events"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the engine to a UI over a websocket bridge",
	Long: `Serve keeps the engine running and publishes every state snapshot to
connected consumers at ws://<addr>/ws, accepting save, delete, and use
commands back.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, cfg, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	addr := serveAddr
	if addr == "" {
		addr = cfg.Bridge.Addr
	}

	logger := events.New(events.ParseLevel(cfg.Log.Level), cfg.Log.Format, cmd.ErrOrStderr())
	return bridge.NewServer(c.Engine, logger).ListenAndServe(ctx, addr)
}
