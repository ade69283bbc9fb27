package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Role:        RoleInitiator,
		CallID:      "call-1",
		UserID:      "u1",
		Backend:     BackendMemory,
		Audio:       true,
		SettleDelay: 500 * time.Millisecond,
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad role", func(c *Config) { c.Role = "host" }, true},
		{"missing call id", func(c *Config) { c.CallID = "" }, true},
		{"missing user id", func(c *Config) { c.UserID = "" }, true},
		{"sqlite without path", func(c *Config) { c.Backend = BackendSQLite }, true},
		{"sqlite with path", func(c *Config) { c.Backend = BackendSQLite; c.SQLitePath = "x.db" }, false},
		{"redis without addr", func(c *Config) { c.Backend = BackendRedis }, true},
		{"ws without url", func(c *Config) { c.Backend = BackendRemote }, true},
		{"unknown backend", func(c *Config) { c.Backend = "firestore" }, true},
		{"no media", func(c *Config) { c.Audio = false }, true},
		{"negative delay", func(c *Config) { c.SettleDelay = -time.Second }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DUET_ROLE", "receiver")
	t.Setenv("DUET_CALL_ID", "call-9")
	t.Setenv("DUET_USER_ID", "u2")
	t.Setenv("DUET_SETTLE_DELAY", "")
	t.Setenv("DUET_ICE_SERVERS", "")
	t.Setenv("DUET_AUDIO", "")
	t.Setenv("DUET_VIDEO", "")
	t.Setenv("DUET_DEVICES", "")
	t.Setenv("DUET_MAILBOX", "")
	t.Setenv("DUET_NEGOTIATION_TIMEOUT", "")
	t.Setenv("DUET_CANDIDATE_RETRIES", "")
	t.Setenv("DUET_REDIS_DB", "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != RoleReceiver || cfg.CallID != "call-9" || cfg.UserID != "u2" {
		t.Errorf("identity not loaded: %+v", cfg)
	}
	if cfg.SettleDelay != 500*time.Millisecond {
		t.Errorf("SettleDelay = %v, want 500ms", cfg.SettleDelay)
	}
	if !cfg.Audio || cfg.Video {
		t.Errorf("media defaults = audio %v video %v, want audio only", cfg.Audio, cfg.Video)
	}
	if cfg.Devices || cfg.Purge {
		t.Errorf("Devices %v, Purge %v: both should default to off", cfg.Devices, cfg.Purge)
	}
	if len(cfg.ICEServers) != 2 {
		t.Errorf("ICEServers = %v, want two defaults", cfg.ICEServers)
	}
	if cfg.Backend != BackendRemote {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendRemote)
	}
}

func TestLoadEnvFileOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DUET_MAILBOX", "memory")
	t.Setenv("DUET_DEVICES", "")
	t.Setenv("DUET_PURGE", "")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DUET_MAILBOX=sqlite\nDUET_DEVICES=on\nDUET_PURGE=on\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendSQLite || !cfg.Devices || !cfg.Purge {
		t.Errorf(".env not applied: backend %q devices %v purge %v", cfg.Backend, cfg.Devices, cfg.Purge)
	}
}
