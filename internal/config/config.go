package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. MONOTERM_SERVER_PORT.
const Prefix = "MONOTERM"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Terminal TerminalConfig
	Log      LogConfig
	History  HistoryConfig
	Push     PushConfig
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Port     int    `split_words:"true" default:"8080"`
	Local    bool   `split_words:"true" default:"true"`
	Hostname string `split_words:"true" default:"monoterm"`
	Dev      bool   `split_words:"true" default:"false"`
}

// TerminalConfig tunes session spawning and teardown.
type TerminalConfig struct {
	Shell            string        `split_words:"true"`
	BridgeExecutable string        `split_words:"true"`
	DefaultRows      int           `split_words:"true" default:"24"`
	DefaultCols      int           `split_words:"true" default:"80"`
	StopWait         time.Duration `split_words:"true" default:"5s"`
	DrainTimeout     time.Duration `split_words:"true" default:"2s"`
	PingInterval     time.Duration `split_words:"true" default:"30s"`
	SendQueue        int           `split_words:"true" default:"256"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `split_words:"true" default:"info"`
}

// HistoryConfig controls the session history database.
type HistoryConfig struct {
	Enabled   bool          `split_words:"true" default:"true"`
	Path      string        `split_words:"true"`
	Retention time.Duration `split_words:"true" default:"168h"`
}

// PushConfig controls web push notifications on session exit.
type PushConfig struct {
	Enabled    bool   `split_words:"true" default:"false"`
	Subscriber string `split_words:"true" default:"mailto:monoterm@localhost"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			Local:    true,
			Hostname: "monoterm",
		},
		Terminal: TerminalConfig{
			DefaultRows:  24,
			DefaultCols:  80,
			StopWait:     5 * time.Second,
			DrainTimeout: 2 * time.Second,
			PingInterval: 30 * time.Second,
			SendQueue:    256,
		},
		Log: LogConfig{
			Level: "info",
		},
		History: HistoryConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
		},
		Push: PushConfig{
			Subscriber: "mailto:monoterm@localhost",
		},
	}
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Terminal.DefaultRows <= 0 || c.Terminal.DefaultCols <= 0 {
		return fmt.Errorf("invalid default terminal size %dx%d", c.Terminal.DefaultCols, c.Terminal.DefaultRows)
	}
	if c.Terminal.SendQueue <= 0 {
		return fmt.Errorf("invalid send queue size %d", c.Terminal.SendQueue)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", l.Level)
	}
	return lvl, nil
}

// Dir returns the per-user state directory (~/.config/monoterm).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "monoterm")
	}
	return filepath.Join(home, ".config", "monoterm")
}

// HistoryPath resolves the history database location.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(Dir(), "history.db")
}
