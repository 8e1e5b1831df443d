package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/capsync/internal/models"
)

var saveCmd = &cobra.Command{
	Use:   "save <file>",
	Short: "Save a file into the capture store",
	Example: `  capsync save photo.jpg --category camera
  capsync save memo.ogg --category audio --set trip-notes
  capsync save notes.md --key notes-latest`,
	Args: cobra.ExactArgs(1),
	RunE: runSave,
}

var (
	saveCategory string
	saveKey      string
	saveName     string
)

func init() {
	rootCmd.AddCommand(saveCmd)

	saveCmd.Flags().StringVar(&saveCategory, "category", "",
		"Category tag (e.g. camera, audio)")
	saveCmd.Flags().StringVar(&saveKey, "key", "",
		"Explicit blob key; saving the same key again replaces the record")
	saveCmd.Flags().StringVar(&saveName, "name", "",
		"Stored file name (default: base name of <file>)")
}

func runSave(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	fileName := saveName
	if fileName == "" {
		fileName = filepath.Base(args[0])
	}

	c, _, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ticket, err := c.Engine.SaveFile(ctx, data, models.SaveOptions{
		FileName: fileName,
		MimeType: mime.TypeByExtension(filepath.Ext(fileName)),
		Category: saveCategory,
		BlobKey:  saveKey,
	})
	if err != nil {
		return err
	}

	rec, err := ticket.Wait(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Saved %s (%d bytes)\n  id:       %s\n  blob key: %s\n",
		rec.FileName, rec.Size, rec.ID, rec.BlobKey)
	return nil
}
