// Package config loads the on-disk configuration for chatplex.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	// DataDir is the conversations root. If empty, DefaultDataDir is used.
	DataDir string `yaml:"data_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	// DefaultSettings is the process-wide base layer that per-conversation
	// settings.json overlays are merged over.
	DefaultSettings map[string]any `yaml:"default_settings,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

// ResolvedDataDir returns the configured data dir or the default.
func (c *Config) ResolvedDataDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.DataDir); dir != "" {
			return filepath.Clean(dir)
		}
	}
	return DefaultDataDir()
}

// DefaultConfigPath returns the default config path:
//
//	~/.chatplex/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(baseDir(), "config.yaml")
}

// DefaultDataDir returns the default conversations root:
//
//	~/.chatplex/conversations
func DefaultDataDir() string {
	return filepath.Join(baseDir(), "conversations")
}

// LockPath returns the single-process lock file guarding a data dir.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, ".lock")
}

func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	return filepath.Join(home, ".chatplex")
}

// Load reads a config file. A missing file yields a zero config so the CLI
// works out of the box; a present but malformed file is an error.
func Load(path string) (*Config, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, errors.New("missing config path")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// NewLogger builds the process logger from the configured format and level.
func (c *Config) NewLogger(w *os.File) *slog.Logger {
	level := slog.LevelInfo
	format := "text"
	if c != nil {
		switch strings.TrimSpace(c.LogLevel) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		if strings.TrimSpace(c.LogFormat) == "json" {
			format = "json"
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
