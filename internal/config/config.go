package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all application configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Session SessionConfig `mapstructure:"session"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Log     LogConfig     `mapstructure:"log"`
}

// StorageConfig selects and locates the two stores.
type StorageConfig struct {
	// Backend is the blob store implementation: "local" or "s3".
	Backend string `mapstructure:"backend"`

	// DataDir is the base directory for local blobs.
	DataDir string `mapstructure:"data_dir"`

	// MetadataPath is the SQLite database file for the record index.
	MetadataPath string `mapstructure:"metadata_path"`

	// S3 settings, used when Backend is "s3".
	S3Bucket string `mapstructure:"s3_bucket"`
	S3Prefix string `mapstructure:"s3_prefix"`
}

// EngineConfig tunes the sync engine.
type EngineConfig struct {
	BufferLimit      int    `mapstructure:"buffer_limit"`
	HydrateChunkSize int    `mapstructure:"hydrate_chunk_size"`
	DefaultFileSet   string `mapstructure:"default_file_set"`
}

// SessionConfig fixes the logical session identity for this process.
type SessionConfig struct {
	ID string `mapstructure:"id"`
}

// BridgeConfig configures the websocket bridge.
type BridgeConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	base := "."
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".capsync")
	}

	return &Config{
		Storage: StorageConfig{
			Backend:      "local",
			DataDir:      filepath.Join(base, "blobs"),
			MetadataPath: filepath.Join(base, "metadata.db"),
		},
		Engine: EngineConfig{
			BufferLimit:      50,
			HydrateChunkSize: 5,
			DefaultFileSet:   "default",
		},
		Session: SessionConfig{
			ID: "local",
		},
		Bridge: BridgeConfig{
			Addr: "127.0.0.1:8750",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the local backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Storage.MetadataPath == "" {
		return fmt.Errorf("storage.metadata_path is required")
	}
	if c.Engine.BufferLimit <= 0 {
		return fmt.Errorf("engine.buffer_limit must be positive")
	}
	if c.Engine.HydrateChunkSize <= 0 {
		return fmt.Errorf("engine.hydrate_chunk_size must be positive")
	}
	if c.Engine.DefaultFileSet == "" {
		return fmt.Errorf("engine.default_file_set is required")
	}
	if c.Session.ID == "" {
		return fmt.Errorf("session.id is required")
	}
	return nil
}
