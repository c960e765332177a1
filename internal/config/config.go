// Package config loads the daemon configuration from a TOML file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Moderation ModerationConfig `toml:"moderation"`
	Call       CallConfig       `toml:"call"`
	Typing     TypingConfig     `toml:"typing"`
	Logging    LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// RedisConfig enables the offline delivery queue. Empty addr disables it.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ModerationConfig points at the content-moderation collaborator. Empty
// base URL means messages are allowed without moderation.
type ModerationConfig struct {
	BaseURL   string `toml:"base_url"`
	TimeoutMS int    `toml:"timeout_ms"`
}

type CallConfig struct {
	RingTimeoutSec int `toml:"ring_timeout_sec"`
}

type TypingConfig struct {
	TTLSec int `toml:"ttl_sec"`
}

type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	File  string `toml:"file"`  // optional JSON log file
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:     ServerConfig{Addr: ":8090"},
		Database:   DatabaseConfig{Path: "realtime.db"},
		Moderation: ModerationConfig{TimeoutMS: 2000},
		Call:       CallConfig{RingTimeoutSec: 45},
		Typing:     TypingConfig{TTLSec: 5},
		Logging:    LoggingConfig{Level: "info"},
	}
}

// Load reads config from path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Call.RingTimeoutSec <= 0 {
		cfg.Call.RingTimeoutSec = 45
	}
	if cfg.Typing.TTLSec <= 0 {
		cfg.Typing.TTLSec = 5
	}
	if cfg.Moderation.TimeoutMS <= 0 {
		cfg.Moderation.TimeoutMS = 2000
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Timeout returns the moderation request timeout as a duration.
func (m ModerationConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// RingTimeout returns the configured ring window as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

// TypingTTL returns the configured typing indicator TTL as a duration.
func (c *Config) TypingTTL() time.Duration {
	return time.Duration(c.Typing.TTLSec) * time.Second
}
