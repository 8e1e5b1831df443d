// Package client wires the configured stores, session context, and engine
// into a ready-to-use instance.
package client

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/capsync/internal/blob"
	"github.com/TheMichaelB/capsync/internal/capture"
	"github.com/TheMichaelB/capsync/internal/config"
	"github.com/TheMichaelB/capsync/internal/engine"
	"github.com/TheMichaelB/capsync/internal/events"
	"github.com/TheMichaelB/capsync/internal/metadata"
	"github.com/TheMichaelB/capsync/internal/session"
)

// Client bundles an engine with the collaborators it was built from.
type Client struct {
	Engine  *engine.Engine
	Blobs   blob.Store
	Meta    metadata.Store
	Session *session.Switchable
	Router  *capture.Router

	logger *events.Logger
}

// New builds a client from configuration.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	meta := metadata.NewSQLiteStore(cfg.Storage.MetadataPath, logger)

	var blobs blob.Store
	switch cfg.Storage.Backend {
	case "s3":
		store, err := blob.NewS3Store(ctx, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix, logger)
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("create s3 blob store: %w", err)
		}
		blobs = store
	default:
		store, err := blob.NewLocalStore(cfg.Storage.DataDir, logger)
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("create local blob store: %w", err)
		}
		blobs = store
	}

	sess := session.NewSwitchable(cfg.Session.ID)
	router := capture.NewRouter()

	eng := engine.New(meta, blobs, sess, router, &engine.Config{
		BufferLimit:      cfg.Engine.BufferLimit,
		HydrateChunkSize: cfg.Engine.HydrateChunkSize,
		DefaultFileSet:   cfg.Engine.DefaultFileSet,
	}, logger)

	return &Client{
		Engine:  eng,
		Blobs:   blobs,
		Meta:    meta,
		Session: sess,
		Router:  router,
		logger:  logger,
	}, nil
}

// Close shuts down the engine and the metadata store.
func (c *Client) Close() error {
	if err := c.Engine.Close(); err != nil {
		return err
	}
	return c.Meta.Close()
}
