// Package daemon implements the main appliance daemon loop.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds appliance daemon configuration.
type Config struct {
	// Required
	SiteID string `yaml:"site_id"`
	APIKey string `yaml:"api_key"`

	// API connection
	APIEndpoint string `yaml:"api_endpoint"`

	// Timing
	PollInterval        int `yaml:"poll_interval"`         // seconds
	ScanIntervalMinutes int `yaml:"scan_interval_minutes"` // drift scan cadence

	// Features
	EnableDriftDetection bool `yaml:"enable_drift_detection"`
	EnableEvidenceUpload bool `yaml:"enable_evidence_upload"`
	EnableL1Sync         bool `yaml:"enable_l1_sync"`

	// Healing
	HealingEnabled    bool   `yaml:"healing_enabled"`
	HealingDryRun     bool   `yaml:"healing_dry_run"`
	MaintenanceWindow string `yaml:"maintenance_window"` // "HH:MM-HH:MM" UTC; empty means no window

	// L2 planner sidecar. The sidecar owns the LLM credentials; the daemon
	// only knows the socket and the spend limits it enforces.
	L2Enabled            bool     `yaml:"l2_enabled"`
	L2Mode               string   `yaml:"l2_mode"` // auto, manual, disabled
	L2SocketPath         string   `yaml:"l2_socket_path"`
	L2SocketTimeoutSecs  int      `yaml:"l2_socket_timeout_seconds"`
	L2DailyBudgetUSD     float64  `yaml:"l2_daily_budget_usd"`
	L2MaxCallsPerHour    int      `yaml:"l2_max_calls_per_hour"`
	L2MaxConcurrentCalls int      `yaml:"l2_max_concurrent_calls"`
	L2AllowedActions     []string `yaml:"l2_allowed_actions"`

	// Paths
	StateDir string `yaml:"state_dir"`

	// Notifications. Escalations always reach the control plane dashboard;
	// a webhook additionally pages the operator channel.
	SlackWebhookURL string `yaml:"slack_webhook_url"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// AD/Workstation
	WorkstationEnabled bool    `yaml:"workstation_enabled"`
	ADDomain           string  `yaml:"ad_domain"`
	DomainController   *string `yaml:"domain_controller,omitempty"`
	DCUsername         *string `yaml:"dc_username,omitempty"`
	DCPassword         *string `yaml:"dc_password,omitempty"`

	// gRPC server
	GRPCPort          int    `yaml:"grpc_port"`
	GRPCAdvertiseHost string `yaml:"grpc_advertise_host"` // LAN-dialable host for agents; autodetected if empty
	CADir             string `yaml:"ca_dir"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	return Config{
		APIEndpoint:          "https://api.meridianmsp.com",
		PollInterval:         60,
		ScanIntervalMinutes:  15,
		EnableDriftDetection: true,
		EnableEvidenceUpload: true,
		EnableL1Sync:         true,
		HealingEnabled:       true,
		HealingDryRun:        false,
		L2Enabled:            false,
		L2Mode:               "auto",
		L2SocketTimeoutSecs:  30,
		L2DailyBudgetUSD:     10.00,
		L2MaxCallsPerHour:    60,
		L2MaxConcurrentCalls: 3,
		StateDir:             "/var/lib/msp",
		LogLevel:             "INFO",
		WorkstationEnabled:   true,
		GRPCPort:             50051,
		CADir:                "/var/lib/msp/ca",
	}
}

// LoadConfig loads configuration from a YAML file with env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Environment variable overrides
	if v := os.Getenv("MSP_SITE_ID"); v != "" {
		cfg.SiteID = v
	}
	if v := os.Getenv("MSP_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("MSP_API_ENDPOINT"); v != "" {
		cfg.APIEndpoint = v
	}
	if v := os.Getenv("MSP_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollInterval = n
		}
	}
	if v := os.Getenv("MSP_HEALING_DRY_RUN"); v != "" {
		cfg.HealingDryRun = !isFalsy(v)
	}
	if v := os.Getenv("MSP_MAINTENANCE_WINDOW"); v != "" {
		cfg.MaintenanceWindow = v
	}
	if v := os.Getenv("MSP_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("MSP_SLACK_WEBHOOK_URL"); v != "" {
		cfg.SlackWebhookURL = v
	}
	if v := os.Getenv("MSP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	// Validate required fields
	if cfg.SiteID == "" {
		return nil, fmt.Errorf("site_id is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required")
	}
	if cfg.PollInterval < 10 {
		cfg.PollInterval = 10
	}
	if cfg.PollInterval > 3600 {
		cfg.PollInterval = 3600
	}
	if cfg.ScanIntervalMinutes < 1 {
		cfg.ScanIntervalMinutes = 15
	}
	switch cfg.L2Mode {
	case "auto", "manual", "disabled":
	default:
		cfg.L2Mode = "auto"
	}

	return &cfg, nil
}

// EvidenceDir returns the evidence staging directory.
func (c *Config) EvidenceDir() string {
	return filepath.Join(c.StateDir, "evidence")
}

// QueueDBPath returns the SQLite evidence queue database path.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.StateDir, "queue.db")
}

// HealingDBPath returns the SQLite database backing flap suppression state.
func (c *Config) HealingDBPath() string {
	return filepath.Join(c.StateDir, "healing.db")
}

// RulesDir returns the L1 rules directory.
func (c *Config) RulesDir() string {
	return filepath.Join(c.StateDir, "rules")
}

// SyncedRulesPath returns the file the rules syncer writes control-plane
// bundles to. It sits in RulesDir so the L1 engine and the rules watcher
// see it without extra configuration.
func (c *Config) SyncedRulesPath() string {
	return filepath.Join(c.RulesDir(), "l1_rules.json")
}

// SigningKeyPath returns the evidence signing key path.
func (c *Config) SigningKeyPath() string {
	return filepath.Join(c.StateDir, "evidence-signing.key")
}

// AgentDir returns the directory holding the Windows agent binary served
// to workstations.
func (c *Config) AgentDir() string {
	return filepath.Join(c.StateDir, "agent")
}

// LockPath returns the singleton lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "daemon.lock")
}

// OrdersStateDir returns the directory for order nonce tracking.
func (c *Config) OrdersStateDir() string {
	return filepath.Join(c.StateDir, "orders")
}

// GRPCListenAddr returns the address the agent gRPC server binds.
func (c *Config) GRPCListenAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// AdvertiseHost returns a host agents and workstations can dial back:
// the configured advertise host, else the first non-loopback IPv4.
func (c *Config) AdvertiseHost() string {
	if c.GRPCAdvertiseHost != "" {
		return c.GRPCAdvertiseHost
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "localhost"
}

// GRPCAdvertiseAddr returns the host:port agents dial for streaming.
func (c *Config) GRPCAdvertiseAddr() string {
	return net.JoinHostPort(c.AdvertiseHost(), strconv.Itoa(c.GRPCPort))
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
