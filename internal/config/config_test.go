package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty label", func(c *Config) { c.Profile.Label = " " }},
		{"empty key file", func(c *Config) { c.Identity.KeyFile = "" }},
		{"bad listen port", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"freshness below ring", func(c *Config) { c.Call.FreshnessWindowSec = 10 }},
		{"negative grace", func(c *Config) { c.Call.MissedGraceSec = -1 }},
		{"empty topic prefix", func(c *Config) { c.P2P.TopicPrefix = "" }},
		{"empty api addr", func(c *Config) { c.API.HTTPAddr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFillsMissingFieldsFromDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyad.json")
	if err := os.WriteFile(path, []byte(`{"profile":{"label":"Alice"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Label != "Alice" {
		t.Fatalf("label = %q", cfg.Profile.Label)
	}
	if cfg.Call.RingTimeoutSec != 30 || cfg.Call.FreshnessWindowSec != 35 {
		t.Fatalf("call defaults not applied: %+v", cfg.Call)
	}
	if cfg.P2P.TopicPrefix == "" {
		t.Fatal("topic prefix default not applied")
	}
}

func TestLoadStripsBOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyad.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"label":"Bob"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Label != "Bob" {
		t.Fatalf("label = %q", cfg.Profile.Label)
	}
}

func TestEnsureDefaultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyad.json")

	created, err := EnsureDefault(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	loaded, err := EnsureDefault(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != created {
		t.Fatalf("reloaded config differs: %+v vs %+v", loaded, created)
	}
}
