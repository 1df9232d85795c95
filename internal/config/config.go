package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/parley/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Profile  Profile  `json:"profile"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	Storage  Storage  `json:"storage"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Profile struct {
	Label string `json:"label"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Presence heartbeat/expiry (seconds).
	HeartbeatSec int `json:"heartbeat_seconds"`
	TTLSec       int `json:"ttl_seconds"`
}

type Call struct {
	// STUN/TURN server URLs handed to the peer transport.
	ICEServers []string `json:"ice_servers"`

	// How long an outgoing call may ring before it is marked missed.
	// 0 disables the automatic missed cutoff.
	RingSec int `json:"ring_seconds"`
}

type Storage struct {
	// SQLite database path for call records. Relative to the peer directory.
	DBPath string `json:"db_path"`
}

type Viewer struct {
	Port int `json:"port"`
}

func Default() Config {
	return Config{
		Identity: Identity{KeyFile: "identity.key"},
		Profile:  Profile{Label: ""},
		P2P: P2P{
			ListenPort:   0,
			MdnsTag:      "parley-mdns",
			HeartbeatSec: 10,
			TTLSec:       30,
		},
		Call: Call{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
			RingSec:    45,
		},
		Storage: Storage{DBPath: "calls.db"},
		Viewer:  Viewer{Port: 7780},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if c.P2P.HeartbeatSec <= 0 {
		return errors.New("p2p.heartbeat_seconds must be > 0")
	}
	if c.P2P.TTLSec <= c.P2P.HeartbeatSec {
		return errors.New("p2p.ttl_seconds must be > p2p.heartbeat_seconds")
	}
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must list at least one STUN/TURN URL")
	}
	for _, s := range c.Call.ICEServers {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("call.ice_servers: %w", err)
		}
	}
	if c.Call.RingSec < 0 {
		return errors.New("call.ring_seconds must be >= 0")
	}
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}
	if c.Viewer.Port <= 0 || c.Viewer.Port > 65535 {
		return errors.New("viewer.port must be 1..65535")
	}
	return nil
}

// validateICEServer accepts stun:, stuns:, turn: and turns: URLs.
func validateICEServer(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("empty URL")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", s, err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	default:
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, s)
	}
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes a config file, creating parent directories as needed.
func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}

// LoadOrCreate loads an existing config, or writes the defaults on first run.
func LoadOrCreate(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	}
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("write default config: %w", err)
	}
	return cfg, true, nil
}
