package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyad.json")

	cfg := Default()
	cfg.Profile.Label = "before"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got := make(chan Config, 4)
	cancel, err := Watch(path, func(c Config) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	cfg.Profile.Label = "after"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Profile.Label == "after" {
				return
			}
		case <-deadline:
			t.Fatal("reload never observed")
		}
	}
}

func TestWatchSkipsInvalidContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyad.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	got := make(chan Config, 4)
	cancel, err := Watch(path, func(c Config) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// Half-written JSON, as an editor mid-save would leave it.
	if err := os.WriteFile(path, []byte(`{"profile":{"label":`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		t.Fatalf("invalid content surfaced a reload: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}

	// A valid write afterwards still lands.
	cfg := Default()
	cfg.Profile.Label = "recovered"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Profile.Label == "recovered" {
				return
			}
		case <-deadline:
			t.Fatal("valid write after invalid one never observed")
		}
	}
}
