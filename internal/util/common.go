package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Common timeout durations.
const (
	DefaultShutdownTimeout = 5 * time.Second
	DefaultConnectTimeout  = 3 * time.Second
)

// ResolvePath joins base and rel, but if rel is an absolute path it is
// returned directly (cleaned). Go's filepath.Join strips leading slashes from
// later arguments, so filepath.Join("a", "/b") returns "a/b" not "/b". This
// helper gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// WriteJSONFile writes a JSON object to a file, creating parent directories
// if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadJSONFile reads a JSON file into v.
func ReadJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
