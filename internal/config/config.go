// Package config loads broker settings from testbridge.jsonc.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ServerConfig holds the MCP HTTP endpoint settings.
type ServerConfig struct {
	Address string `json:"address"`
}

// BridgeConfig holds the test-process transport settings.
type BridgeConfig struct {
	Network string `json:"network"` // "unix" or "tcp"
	Address string `json:"address"`
	// CallName overrides the distinguished call-site function name.
	CallName string `json:"call_name"`
}

// TimeoutConfig holds default deadlines, in seconds, for suspending
// operations. Tool callers may override per call.
type TimeoutConfig struct {
	ExecuteSeconds int `json:"execute_seconds"`
	WaitSeconds    int `json:"wait_seconds"`
}

// HistoryConfig holds session-history persistence settings.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	Dir           string `json:"dir"`
	RetentionDays int    `json:"retention_days"`
	SweepSpec     string `json:"sweep_spec"` // 5-field cron
}

// Config is the full broker configuration.
type Config struct {
	Server   ServerConfig  `json:"server"`
	Bridge   BridgeConfig  `json:"bridge"`
	Timeouts TimeoutConfig `json:"timeouts"`
	History  HistoryConfig `json:"history"`
	LogDir   string        `json:"log_dir"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8377"},
		Bridge: BridgeConfig{
			Network: "unix",
			Address: "/tmp/testbridge.sock",
		},
		Timeouts: TimeoutConfig{
			ExecuteSeconds: 30,
			WaitSeconds:    60,
		},
		History: HistoryConfig{
			Enabled:       true,
			Dir:           "data",
			RetentionDays: 14,
			SweepSpec:     "0 3 * * *",
		},
		LogDir: "logs",
	}
}

// Load reads testbridge.jsonc from configDir, falling back to defaults
// when the file is absent. A present-but-broken file is an error.
func Load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "testbridge.jsonc")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the loaded settings.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Bridge.Network != "unix" && c.Bridge.Network != "tcp" {
		return fmt.Errorf("bridge.network must be unix or tcp, got %q", c.Bridge.Network)
	}
	if c.Bridge.Address == "" {
		return fmt.Errorf("bridge.address is required")
	}
	if c.Timeouts.ExecuteSeconds <= 0 || c.Timeouts.WaitSeconds <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.History.Enabled && c.History.RetentionDays <= 0 {
		return fmt.Errorf("history.retention_days must be positive")
	}
	return nil
}
