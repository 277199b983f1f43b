// Package config loads control-plane settings. Everything can come from
// the environment with a FLEET_ prefix (FLEET_DATABASE_URL, FLEET_AUTH_TOKEN,
// ...); an optional control-plane.yaml provides the same keys for
// file-based deployments. Only the database DSN has no default.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved control-plane configuration.
type Config struct {
	// ListenAddr is the HTTP bind address for the API, /health and /metrics.
	ListenAddr string `mapstructure:"listen_addr"`

	// DatabaseURL is the Postgres DSN. Required.
	DatabaseURL string `mapstructure:"database_url"`

	// AuthToken, when set, makes every /api route require a matching
	// Bearer token. Empty disables auth (lab installs only).
	AuthToken string `mapstructure:"auth_token"`

	// SigningKeyPath locates the Ed25519 seed used to sign orders and
	// rules bundles. Generated on first boot if absent.
	SigningKeyPath string `mapstructure:"signing_key_path"`

	// ObjstoreDir is the root of the write-once evidence bundle store.
	ObjstoreDir string `mapstructure:"objstore_dir"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// OrderTTL bounds how long an unclaimed order stays deliverable.
	OrderTTL time.Duration `mapstructure:"order_ttl"`

	// PromoteInterval is how often the flywheel scans execution history
	// for patterns worth promoting into synced rules.
	PromoteInterval time.Duration `mapstructure:"promote_interval"`

	// PromoteMinExecutions and PromoteMinSuccessRate gate promotion: a
	// pattern needs at least this many automated executions at this
	// success rate before it becomes a fleet-wide rule.
	PromoteMinExecutions  int     `mapstructure:"promote_min_executions"`
	PromoteMinSuccessRate float64 `mapstructure:"promote_min_success_rate"`
}

// Load resolves configuration from defaults, an optional YAML file and
// the environment, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("control-plane")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/fleet")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Keys with no default must be bound explicitly or AutomaticEnv
	// never sees them during Unmarshal.
	_ = v.BindEnv("database_url")
	_ = v.BindEnv("auth_token")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (set FLEET_DATABASE_URL)")
	}
	if cfg.PromoteMinExecutions < 1 {
		return nil, fmt.Errorf("promote_min_executions must be >= 1, got %d", cfg.PromoteMinExecutions)
	}
	if cfg.PromoteMinSuccessRate <= 0 || cfg.PromoteMinSuccessRate > 1 {
		return nil, fmt.Errorf("promote_min_success_rate must be in (0, 1], got %v", cfg.PromoteMinSuccessRate)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("signing_key_path", "/var/lib/fleet/server.key")
	v.SetDefault("objstore_dir", "/var/lib/fleet/evidence")
	v.SetDefault("read_timeout", "15s")
	v.SetDefault("write_timeout", "30s")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("order_ttl", "15m")
	v.SetDefault("promote_interval", "10m")
	v.SetDefault("promote_min_executions", 10)
	v.SetDefault("promote_min_success_rate", 0.8)
}
