// Package config loads and persists router_config.json (spec.md §6): the
// target URL per service, HTTP/bridge parameters, per-service relay
// identities, the service-assignment map, enable/disable flags, and
// security settings. Adapted from the teacher's JSON-on-disk
// persistence idiom (cmd/dev-console/settings.go, annotation_store.go)
// but reshaped around the router's document, not a settings cache.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/overlay-relay/router/internal/types"
)

// HTTPParams are the tunables §6 lists under "HTTP parameters".
type HTTPParams struct {
	Workers       int     `json:"workers"`
	MaxBodyBytes  int64   `json:"max_body_b"`
	VerifyDefault bool    `json:"verify_default"`
	ChunkRawB     int     `json:"chunk_raw_b"`
	ChunkUploadB  int     `json:"chunk_upload_b"`
	HeartbeatS    float64 `json:"heartbeat_s"`
	BatchLines    int     `json:"batch_lines"`
	BatchLatency  float64 `json:"batch_latency"`
	Retries       int     `json:"retries"`
	RetryBackoff  float64 `json:"retry_backoff"`
	RetryCap      float64 `json:"retry_cap"`
}

// DefaultHTTPParams matches the defaults spec.md cites throughout §4.2–§4.4.
func DefaultHTTPParams() HTTPParams {
	return HTTPParams{
		Workers:       4,
		MaxBodyBytes:  2 * 1024 * 1024,
		VerifyDefault: true,
		ChunkRawB:     12 * 1024,
		ChunkUploadB:  600 * 1024,
		HeartbeatS:    10,
		BatchLines:    24,
		BatchLatency:  0.080,
		Retries:       4,
		RetryBackoff:  0.5,
		RetryCap:      4.0,
	}
}

// BridgeParams are the tunables §6 lists under "bridge parameters".
type BridgeParams struct {
	NumSubclients int `json:"num_subclients"`
	SeedWS        int `json:"seed_ws"`
	SelfProbeMs   int `json:"self_probe_ms"`
	SelfProbeFail int `json:"self_probe_fails"`
}

// DefaultBridgeParams are reasonable defaults; nothing in spec.md pins
// exact values for these beyond their existence in the config shape.
func DefaultBridgeParams() BridgeParams {
	return BridgeParams{
		NumSubclients: 1,
		SeedWS:        1,
		SelfProbeMs:   2000,
		SelfProbeFail: 3,
	}
}

// SecuritySettings carries the port-isolation toggle.
type SecuritySettings struct {
	PortIsolationEnabled bool `json:"port_isolation_enabled"`
}

// RelayRecord is the persisted form of types.RelayIdentity plus its
// hosting service name.
type RelayRecord struct {
	Service   string    `json:"service"`
	Seed      string    `json:"seed"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	RotatedAt time.Time `json:"rotated_at,omitempty"`
}

// Config is the full router_config.json document.
type Config struct {
	Services   []types.ServiceDefinition `json:"services"`
	HTTP       HTTPParams                `json:"http"`
	Bridge     BridgeParams              `json:"bridge"`
	Relays     []RelayRecord             `json:"relays"`
	Assignment map[string]string         `json:"assignment"`
	Enabled    map[string]bool           `json:"enabled"`
	Security   SecuritySettings          `json:"security"`
}

// Default returns an empty but well-formed configuration.
func Default() *Config {
	return &Config{
		HTTP:       DefaultHTTPParams(),
		Bridge:     DefaultBridgeParams(),
		Assignment: map[string]string{},
		Enabled:    map[string]bool{},
		Security:   SecuritySettings{PortIsolationEnabled: true},
	}
}

// Load reads and parses the config at path. A missing file is not an
// error: callers get a fresh Default() config, matching first-run
// behavior for a daemon that persists config lazily.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied via --config
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Assignment == nil {
		cfg.Assignment = map[string]string{}
	}
	if cfg.Enabled == nil {
		cfg.Enabled = map[string]bool{}
	}
	return cfg, nil
}

// Save writes cfg to path atomically (write to a temp file, then
// rename), so a crash mid-write never corrupts the persisted document.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".router_config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp config file into place: %w", err)
	}
	return nil
}

// FileStore implements the ConfigStore interface (see SPEC_FULL.md §6)
// against the filesystem.
type FileStore struct{}

// Load implements ConfigStore.
func (FileStore) Load(path string) (*Config, error) { return Load(path) }

// Save implements ConfigStore.
func (FileStore) Save(path string, cfg *Config) error { return Save(path, cfg) }
