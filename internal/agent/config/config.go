// Package config loads endpoint agent settings. Settings live in a JSON
// file under ProgramData on Windows (or the working directory in
// development) so technicians can pre-seed the appliance address at
// install time. Anything unset falls back to SRV discovery at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the endpoint agent settings.
type Config struct {
	// ApplianceAddr is the gRPC host:port of the site appliance. When
	// empty the agent discovers it via DNS SRV against the AD domain.
	ApplianceAddr string `json:"appliance_addr,omitempty"`
	// Domain overrides the machine's AD domain for SRV discovery.
	Domain string `json:"domain,omitempty"`

	// DataDir is where the agent keeps its certificates, offline queue
	// and status file.
	DataDir string `json:"data_dir,omitempty"`

	// mTLS material, issued by the appliance CA at first registration.
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`

	// CapabilityTier caps what the agent will do locally: "monitor",
	// "heal" or "full". Defaults to "heal".
	CapabilityTier string `json:"capability_tier,omitempty"`
}

const fileName = "agent.json"

// DefaultDataDir returns the platform data directory for the agent.
func DefaultDataDir() string {
	if pd := os.Getenv("PROGRAMDATA"); pd != "" {
		return filepath.Join(pd, "MeridianFleet")
	}
	return filepath.Join(os.TempDir(), "meridian-fleet")
}

// Load reads configuration from path, or from the default location when
// path is empty. A missing file is not an error; the zero config plus
// defaults is a valid starting state for a fresh install.
func Load(path string) (*Config, error) {
	cfg := &Config{DataDir: DefaultDataDir()}

	if path == "" {
		path = filepath.Join(cfg.DataDir, fileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fresh install
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if cfg.CertFile == "" {
		cfg.CertFile = filepath.Join(cfg.DataDir, "agent.crt")
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(cfg.DataDir, "agent.key")
	}
	if cfg.CAFile == "" {
		cfg.CAFile = filepath.Join(cfg.DataDir, "ca.crt")
	}
	if cfg.CapabilityTier == "" {
		cfg.CapabilityTier = "heal"
	}
	return cfg, nil
}

// Save persists the configuration to its default location. The file is
// world-readable; secrets (the agent key) live in separate 0600 files.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, fileName), data, 0o644)
}

// QueuePath returns the offline event queue database path.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataDir, "offline-queue.db")
}

// StatusPath returns the path of the JSON status snapshot the agent
// writes for local diagnostics.
func (c *Config) StatusPath() string {
	return filepath.Join(c.DataDir, "status.json")
}

// HasCertificates reports whether the mTLS material issued at
// registration is present on disk.
func (c *Config) HasCertificates() bool {
	for _, p := range []string{c.CertFile, c.KeyFile, c.CAFile} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
