package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr == "" {
		t.Error("default server addr empty")
	}
	if cfg.RingTimeout() != 45*time.Second {
		t.Errorf("ring timeout = %v, want 45s", cfg.RingTimeout())
	}
	if cfg.TypingTTL() != 5*time.Second {
		t.Errorf("typing ttl = %v, want 5s", cfg.TypingTTL())
	}
	if cfg.Redis.Addr != "" {
		t.Error("redis should be disabled by default")
	}
}

func TestLoadOverridesAndFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
addr = ":9000"

[call]
ring_timeout_sec = 10
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.RingTimeout() != 10*time.Second {
		t.Errorf("ring timeout = %v, want 10s", cfg.RingTimeout())
	}
	// Unset section falls back to default.
	if cfg.TypingTTL() != 5*time.Second {
		t.Errorf("typing ttl = %v, want default 5s", cfg.TypingTTL())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := Default()
	cfg.Database.Path = "/tmp/x.db"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Database.Path != "/tmp/x.db" {
		t.Errorf("database path = %q, want /tmp/x.db", loaded.Database.Path)
	}
}
