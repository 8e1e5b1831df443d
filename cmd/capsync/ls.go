package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/capsync/internal/engine"
	"github.com/TheMichaelB/capsync/internal/models"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List records in the selected file set",
	Example: `  capsync ls
  capsync ls --set trip-notes --sets`,
	Args: cobra.NoArgs,
	RunE: runLs,
}

var lsShowSets bool

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().BoolVar(&lsShowSets, "sets", false, "Also list all file sets")
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, _, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	state, err := waitSettled(ctx, c.Engine)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	bold.Printf("File set %q — %d record(s)\n", state.CurrentFileSet, len(state.Files))
	for _, f := range state.Files {
		marker := " "
		if f.IsPending {
			marker = color.YellowString("~")
		}
		fmt.Printf("%s %-30s %-12s %8d  %s\n",
			marker, f.FileName, f.Category, f.Size, dim.Sprint(f.BlobKey))
	}

	if lsShowSets {
		bold.Println("\nFile sets")
		for _, info := range state.FileSetInfo {
			current := ""
			if info.Name == state.CurrentFileSet {
				current = color.GreenString(" (current)")
			}
			fmt.Printf("  %-20s %4d%s\n", info.Name, info.Count, current)
		}
	}
	return nil
}

// waitSettled blocks until the engine publishes a reconciled, idle
// snapshot.
func waitSettled(ctx context.Context, eng *engine.Engine) (*models.EngineState, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	settled := make(chan *models.EngineState, 1)
	unsubscribe := eng.Subscribe(func(s *models.EngineState) {
		if s.IsDBReady && s.SyncStatus == models.SyncIdle {
			select {
			case settled <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if s := eng.Snapshot(); s.IsDBReady && s.SyncStatus == models.SyncIdle {
		return s, nil
	}
	eng.RequestSync()

	select {
	case s := <-settled:
		return s, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("engine did not settle: %w", ctx.Err())
	}
}
