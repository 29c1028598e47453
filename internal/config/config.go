// Package config loads upkeep configuration from file, environment, and
// defaults.
//
// Settings resolve in viper's usual order: explicit flags override
// UPKEEP_* environment variables, which override the config file
// (~/.upkeep/config.yaml or the path given with --config), which overrides
// the defaults below.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the resolved configuration for both server and client commands.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig configures the sync server.
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	DBPath         string `mapstructure:"db_path"`
	MaxPullChanges int    `mapstructure:"max_pull_changes"`
	RetryInterval  string `mapstructure:"retry_interval"`
}

// ClientConfig configures the local mirror and sync commands.
type ClientConfig struct {
	MirrorPath   string `mapstructure:"mirror_path"`
	ServerURL    string `mapstructure:"server_url"`
	ActorID      string `mapstructure:"actor_id"`
	BatchSize    int    `mapstructure:"batch_size"`
	SyncInterval string `mapstructure:"sync_interval"`
}

// LogConfig configures file logging.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Dir returns the upkeep home directory (~/.upkeep).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".upkeep"
	}
	return filepath.Join(home, ".upkeep")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.db_path", filepath.Join(Dir(), "server.db"))
	v.SetDefault("server.max_pull_changes", 200)
	v.SetDefault("server.retry_interval", "30s")

	v.SetDefault("client.mirror_path", filepath.Join(Dir(), "mirror.db"))
	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.actor_id", "")
	v.SetDefault("client.batch_size", 50)
	v.SetDefault("client.sync_interval", "1m")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// Load resolves configuration. path may be empty, in which case the default
// config file is used if present; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UPKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// WriteTemplate writes a commented starter config to path. Refuses to
// overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := map[string]any{
		"server": map[string]any{
			"addr":             ":8080",
			"db_path":          filepath.Join(Dir(), "server.db"),
			"max_pull_changes": 200,
			"retry_interval":   "30s",
		},
		"client": map[string]any{
			"mirror_path":   filepath.Join(Dir(), "mirror.db"),
			"server_url":    "http://localhost:8080",
			"actor_id":      "",
			"batch_size":    50,
			"sync_interval": "1m",
		},
		"log": map[string]any{
			"file":         "",
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 30,
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config template: %w", err)
	}
	header := []byte("# upkeep configuration. Environment variables with the UPKEEP_ prefix\n# override these values, e.g. UPKEEP_SERVER_ADDR=:9000.\n")
	if err := os.WriteFile(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
