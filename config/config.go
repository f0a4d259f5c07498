// Package config loads studysync configuration from file, environment, and
// defaults, in that order of increasing precedence for the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quizlight/studysync"
	"github.com/quizlight/studysync/logging"
)

// Config is the full runtime configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Logging  logging.Config `mapstructure:"logging"`
}

// DatabaseConfig locates the embedded SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig points at the sync backend.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Token is the bearer credential. Prefer the STUDYSYNC_REMOTE_TOKEN
	// environment variable over putting it in the config file.
	Token string `mapstructure:"token"`
}

// SyncConfig tunes the engines.
type SyncConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	Budget           time.Duration `mapstructure:"budget"`
	DriftThreshold   int           `mapstructure:"drift_threshold"`
	BlockTTL         time.Duration `mapstructure:"block_ttl"`
	AutoSyncInterval time.Duration `mapstructure:"auto_sync_interval"`
}

// Options converts the sync section into engine options.
func (c SyncConfig) Options() studysync.Options {
	return studysync.Options{
		BatchSize:        c.BatchSize,
		Budget:           c.Budget,
		DriftThreshold:   c.DriftThreshold,
		BlockTTL:         c.BlockTTL,
		AutoSyncInterval: c.AutoSyncInterval,
	}.Normalize()
}

// Validate reports configuration a process cannot start with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote.base_url %q must be an http(s) URL", c.Remote.BaseURL)
	}
	return nil
}

// Load reads configuration from path (a file), or from the default search
// locations when path is empty. Environment variables with the STUDYSYNC_
// prefix override file values (STUDYSYNC_REMOTE_BASE_URL, and so on). A
// missing config file is not an error; defaults and environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("studysync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/studysync")
	}

	v.SetEnvPrefix("STUDYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "studysync.db")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.budget", 5*time.Second)
	v.SetDefault("sync.drift_threshold", 3)
	v.SetDefault("sync.block_ttl", 15*time.Minute)
	v.SetDefault("sync.auto_sync_interval", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.environment", "production")
}
