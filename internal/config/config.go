package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	DNS         DNSConfig         `mapstructure:"dns"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Usage       UsageConfig       `mapstructure:"usage_tracking"`
	Keepalive   KeepaliveConfig   `mapstructure:"keepalive"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Domains     DomainsConfig     `mapstructure:"domains"`
	Idle        IdleConfig        `mapstructure:"idle"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"`
	HTTPPort     int    `mapstructure:"http_port"` // API and keepalive channel
	DNSPort      int    `mapstructure:"dns_port"`
	DNSEnableUDP bool   `mapstructure:"dns_enable_udp"`
	DNSEnableTCP bool   `mapstructure:"dns_enable_tcp"`
	MetricsPort  int    `mapstructure:"metrics_port"`
}

// DNSConfig defines the DNS enforcement consumer settings
type DNSConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	UpstreamServers []string `mapstructure:"upstream_servers"`
	BlockTTL        uint32   `mapstructure:"block_ttl"`
	UpstreamTimeout string   `mapstructure:"upstream_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type         string      `mapstructure:"type"`
	Path         string      `mapstructure:"path"`
	WriteTimeout string      `mapstructure:"write_timeout"`
	Redis        RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsageConfig defines usage tracking settings
type UsageConfig struct {
	Timezone      string `mapstructure:"timezone"` // IANA name, empty = local
	SweepInterval string `mapstructure:"sweep_interval"`
	RetentionDays int    `mapstructure:"retention_days"` // 0 keeps every day bucket
	CleanupTime   string `mapstructure:"cleanup_time"`
}

// KeepaliveConfig defines the counting agent channel settings
type KeepaliveConfig struct {
	Path           string   `mapstructure:"path"`
	TickInterval   string   `mapstructure:"tick_interval"`
	BackoffInitial string   `mapstructure:"backoff_initial"`
	BackoffMax     string   `mapstructure:"backoff_max"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// EnforcementConfig defines rule surface reconciliation settings
type EnforcementConfig struct {
	ReconcileInterval string `mapstructure:"reconcile_interval"`
	StaticRulesetID   string `mapstructure:"static_ruleset_id"`
	StaticRulesFile   string `mapstructure:"static_rules_file"`
	OPAPolicySource   string `mapstructure:"opa_policy_source"` // "embedded" or "filesystem"
	OPAPolicyDir      string `mapstructure:"opa_policy_dir"`
	RuleIDBase        int    `mapstructure:"rule_id_base"`
}

// DomainsConfig defines the tracked domain list sources
type DomainsConfig struct {
	Defaults          []string `mapstructure:"defaults"` // empty = built-in list
	CustomDomainsFile string   `mapstructure:"custom_domains_file"`
}

// IdleConfig defines lock detection settings
type IdleConfig struct {
	DBusEnabled bool `mapstructure:"dbus_enabled"`
}

// Location resolves the configured timezone used for day keys.
func (c UsageConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KFOCUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.http_port", 8490)
	v.SetDefault("server.dns_port", 5353)
	v.SetDefault("server.dns_enable_udp", true)
	v.SetDefault("server.dns_enable_tcp", true)
	v.SetDefault("server.metrics_port", 9090)

	// DNS defaults
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.upstream_servers", []string{"8.8.8.8:53", "1.1.1.1:53"})
	v.SetDefault("dns.block_ttl", 60)
	v.SetDefault("dns.upstream_timeout", "5s")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/kfocus/kfocus.bolt")
	v.SetDefault("storage.write_timeout", "5s")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Usage tracking defaults
	v.SetDefault("usage_tracking.timezone", "")
	v.SetDefault("usage_tracking.sweep_interval", "1m")
	v.SetDefault("usage_tracking.retention_days", 0)
	v.SetDefault("usage_tracking.cleanup_time", "03:00")

	// Keepalive defaults
	v.SetDefault("keepalive.path", "/keepalive")
	v.SetDefault("keepalive.tick_interval", "15s")
	v.SetDefault("keepalive.backoff_initial", "500ms")
	v.SetDefault("keepalive.backoff_max", "10s")
	v.SetDefault("keepalive.allowed_origins", []string{})

	// Enforcement defaults
	v.SetDefault("enforcement.reconcile_interval", "1m")
	v.SetDefault("enforcement.static_ruleset_id", "static_rules")
	v.SetDefault("enforcement.static_rules_file", "")
	v.SetDefault("enforcement.opa_policy_source", "embedded")
	v.SetDefault("enforcement.opa_policy_dir", "/etc/kfocus/policies")
	v.SetDefault("enforcement.rule_id_base", 1000)

	// Domain list defaults
	v.SetDefault("domains.defaults", []string{})
	v.SetDefault("domains.custom_domains_file", "")

	// Idle defaults
	v.SetDefault("idle.dbus_enabled", false)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.DNS.Enabled {
		if cfg.Server.DNSPort <= 0 || cfg.Server.DNSPort > 65535 {
			return fmt.Errorf("invalid DNS port: %d", cfg.Server.DNSPort)
		}
		if len(cfg.DNS.UpstreamServers) == 0 {
			return fmt.Errorf("at least one upstream DNS server is required")
		}
	}

	if _, err := cfg.Usage.Location(); err != nil {
		return err
	}
	if cfg.Usage.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}

	if !strings.HasPrefix(cfg.Keepalive.Path, "/") {
		return fmt.Errorf("keepalive path must start with '/': %q", cfg.Keepalive.Path)
	}

	switch cfg.Enforcement.OPAPolicySource {
	case "", "embedded", "filesystem":
	default:
		return fmt.Errorf("unsupported opa_policy_source: %s", cfg.Enforcement.OPAPolicySource)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
