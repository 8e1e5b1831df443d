package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/capsync/internal/models"
)

var rmCmd = &cobra.Command{
	Use:     "rm <blob-key> <id>",
	Short:   "Delete a record from both stores",
	Example: `  capsync rm cap-5f3a… 0b92…`,
	Args:    cobra.ExactArgs(2),
	RunE:    runRm,
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	c, _, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	err = c.Engine.DeleteFilesWait(ctx, []models.DeleteTarget{
		{BlobKey: args[0], ID: args[1]},
	})
	if err != nil {
		return err
	}

	fmt.Println("Deleted", args[0])
	return nil
}
