// Package config loads and persists the downloader configuration. Settings
// come from a JSON file in the user's configuration directory, overridden by
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/downpour/downpour/internal/logger"
)

// Version is the application version string.
const Version = "1.0.0"

// Config holds all application configuration.
type Config struct {
	RetryCount            int    `mapstructure:"retry_count"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	DefaultDownloadDir    string `mapstructure:"default_download_dir"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		RetryCount:            3,
		TimeoutSeconds:        300,
		ConnectTimeoutSeconds: 30,
		DefaultDownloadDir:    "",
	}
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(logger.DefaultDir(), "config.json")
}

// Load reads configuration from the given file and environment variables.
// Priority: environment variables > config file > defaults. A missing file
// is not an error; unknown keys in the file are ignored.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("DOWNPOUR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given file as JSON, creating the
// parent directory if needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("retry_count", cfg.RetryCount)
	v.Set("timeout_seconds", cfg.TimeoutSeconds)
	v.Set("connect_timeout_seconds", cfg.ConnectTimeoutSeconds)
	v.Set("default_download_dir", cfg.DefaultDownloadDir)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// EnsureExists writes a default config file if none exists yet, so users
// have a template to edit.
func EnsureExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return Save(Default(), path)
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("retry_count", def.RetryCount)
	v.SetDefault("timeout_seconds", def.TimeoutSeconds)
	v.SetDefault("connect_timeout_seconds", def.ConnectTimeoutSeconds)
	v.SetDefault("default_download_dir", def.DefaultDownloadDir)
}
