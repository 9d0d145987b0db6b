package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/mboers/dyad/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	Paths    Paths    `json:"paths"`
	API      API      `json:"api"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Profile struct {
	// Label is the display name announced to the remote party.
	Label string `json:"label"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// TopicPrefix namespaces the per-conversation signaling topics.
	TopicPrefix string `json:"topic_prefix"`
}

type Call struct {
	// RingTimeoutSec is how long an unanswered outgoing call rings before
	// it is marked missed.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// FreshnessWindowSec is the maximum age of a calling-status record that
	// a newly-subscribing endpoint still treats as answerable.
	FreshnessWindowSec int `json:"freshness_window_seconds"`

	// MissedGraceSec delays clearing the missed-call UI state so the user
	// sees the outcome before the view resets.
	MissedGraceSec int `json:"missed_grace_seconds"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

type API struct {
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Profile: Profile{
			Label: "anonymous",
		},
		P2P: P2P{
			ListenPort:  0,
			MdnsTag:     "dyad-mdns",
			TopicPrefix: "dyad.signal.v1",
		},
		Call: Call{
			RingTimeoutSec:     30,
			FreshnessWindowSec: 35,
			MissedGraceSec:     2,
		},
		Paths: Paths{
			DataDir: "data",
		},
		API: API{
			HTTPAddr: "127.0.0.1:8484",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Profile.Label) == "" {
		return errors.New("profile.label is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if strings.TrimSpace(c.P2P.TopicPrefix) == "" {
		return errors.New("p2p.topic_prefix is required")
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.FreshnessWindowSec <= 0 {
		return errors.New("call.freshness_window_seconds must be > 0")
	}
	if c.Call.FreshnessWindowSec < c.Call.RingTimeoutSec {
		return errors.New("call.freshness_window_seconds must be >= call.ring_timeout_seconds")
	}
	if c.Call.MissedGraceSec < 0 {
		return errors.New("call.missed_grace_seconds must be >= 0")
	}

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	if strings.TrimSpace(c.API.HTTPAddr) == "" {
		return errors.New("api.http_addr is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// EnsureDefault writes a default config at path when none exists yet.
// Returns the loaded (or freshly created) config.
func EnsureDefault(path string) (Config, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
