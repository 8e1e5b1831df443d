package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file plus CAPSYNC_* environment
// overrides. An empty path searches the default locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("storage.backend", defaults.Storage.Backend)
	v.SetDefault("storage.data_dir", defaults.Storage.DataDir)
	v.SetDefault("storage.metadata_path", defaults.Storage.MetadataPath)
	v.SetDefault("storage.s3_bucket", defaults.Storage.S3Bucket)
	v.SetDefault("storage.s3_prefix", defaults.Storage.S3Prefix)
	v.SetDefault("engine.buffer_limit", defaults.Engine.BufferLimit)
	v.SetDefault("engine.hydrate_chunk_size", defaults.Engine.HydrateChunkSize)
	v.SetDefault("engine.default_file_set", defaults.Engine.DefaultFileSet)
	v.SetDefault("session.id", defaults.Session.ID)
	v.SetDefault("bridge.addr", defaults.Bridge.Addr)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	v.SetEnvPrefix("CAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("capsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "capsync"))
			v.AddConfigPath(filepath.Join(home, ".capsync"))
		}
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
