package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/kfocus/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Load the kfocus configuration the way the server does and report errors,
keys kfocus does not recognise, and (with --dump) every effective setting.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Print every effective setting, marking values changed from the defaults")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %s is not usable: %v\n", configPath, err)
		return err
	}

	unknown, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Could not read %s for key checks: %v\n", configPath, err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ %s loads cleanly\n", configPath)

	if len(unknown) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  %d key(s) are not kfocus settings and are ignored:\n", len(unknown))
		for _, key := range unknown {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
	}

	if validateDump {
		printSettings(cfg, defaultConfig(), unknown)
	}
	return nil
}

// defaultConfig is the configuration an empty file produces.
func defaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// knownKeys lists every dotted key kfocus reads.
func knownKeys() map[string]struct{} {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]struct{})
	for _, key := range v.AllKeys() {
		keys[key] = struct{}{}
	}
	// Read when present but without a default
	for _, key := range []string{"storage.redis.password", "storage.redis.db"} {
		keys[key] = struct{}{}
	}
	return keys
}

// findUnknownKeys returns the sorted keys of path that kfocus does not read.
func findUnknownKeys(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := knownKeys()
	unknown := []string{}
	for _, key := range v.AllKeys() {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

type setting struct {
	key           string
	value, value0 interface{}
}

type settingsSection struct {
	name     string
	settings []setting
}

func configSections(c, d *config.Config) []settingsSection {
	secret := func(s string) string {
		if s == "" {
			return ""
		}
		return "***REDACTED***"
	}

	return []settingsSection{
		{"server", []setting{
			{"bind_address", c.Server.BindAddress, d.Server.BindAddress},
			{"http_port", c.Server.HTTPPort, d.Server.HTTPPort},
			{"dns_port", c.Server.DNSPort, d.Server.DNSPort},
			{"dns_enable_udp", c.Server.DNSEnableUDP, d.Server.DNSEnableUDP},
			{"dns_enable_tcp", c.Server.DNSEnableTCP, d.Server.DNSEnableTCP},
			{"metrics_port", c.Server.MetricsPort, d.Server.MetricsPort},
		}},
		{"usage_tracking", []setting{
			{"timezone", c.Usage.Timezone, d.Usage.Timezone},
			{"sweep_interval", c.Usage.SweepInterval, d.Usage.SweepInterval},
			{"retention_days", c.Usage.RetentionDays, d.Usage.RetentionDays},
			{"cleanup_time", c.Usage.CleanupTime, d.Usage.CleanupTime},
		}},
		{"keepalive", []setting{
			{"path", c.Keepalive.Path, d.Keepalive.Path},
			{"tick_interval", c.Keepalive.TickInterval, d.Keepalive.TickInterval},
			{"backoff_initial", c.Keepalive.BackoffInitial, d.Keepalive.BackoffInitial},
			{"backoff_max", c.Keepalive.BackoffMax, d.Keepalive.BackoffMax},
			{"allowed_origins", c.Keepalive.AllowedOrigins, d.Keepalive.AllowedOrigins},
		}},
		{"enforcement", []setting{
			{"reconcile_interval", c.Enforcement.ReconcileInterval, d.Enforcement.ReconcileInterval},
			{"static_ruleset_id", c.Enforcement.StaticRulesetID, d.Enforcement.StaticRulesetID},
			{"static_rules_file", c.Enforcement.StaticRulesFile, d.Enforcement.StaticRulesFile},
			{"opa_policy_source", c.Enforcement.OPAPolicySource, d.Enforcement.OPAPolicySource},
			{"opa_policy_dir", c.Enforcement.OPAPolicyDir, d.Enforcement.OPAPolicyDir},
			{"rule_id_base", c.Enforcement.RuleIDBase, d.Enforcement.RuleIDBase},
		}},
		{"domains", []setting{
			{"defaults", c.Domains.Defaults, d.Domains.Defaults},
			{"custom_domains_file", c.Domains.CustomDomainsFile, d.Domains.CustomDomainsFile},
		}},
		{"dns", []setting{
			{"enabled", c.DNS.Enabled, d.DNS.Enabled},
			{"upstream_servers", c.DNS.UpstreamServers, d.DNS.UpstreamServers},
			{"block_ttl", c.DNS.BlockTTL, d.DNS.BlockTTL},
			{"upstream_timeout", c.DNS.UpstreamTimeout, d.DNS.UpstreamTimeout},
		}},
		{"idle", []setting{
			{"dbus_enabled", c.Idle.DBusEnabled, d.Idle.DBusEnabled},
		}},
		{"storage", []setting{
			{"type", c.Storage.Type, d.Storage.Type},
			{"path", c.Storage.Path, d.Storage.Path},
			{"write_timeout", c.Storage.WriteTimeout, d.Storage.WriteTimeout},
			{"redis.host", c.Storage.Redis.Host, d.Storage.Redis.Host},
			{"redis.port", c.Storage.Redis.Port, d.Storage.Redis.Port},
			{"redis.password", secret(c.Storage.Redis.Password), secret(d.Storage.Redis.Password)},
			{"redis.db", c.Storage.Redis.DB, d.Storage.Redis.DB},
			{"redis.pool_size", c.Storage.Redis.PoolSize, d.Storage.Redis.PoolSize},
			{"redis.min_idle_conns", c.Storage.Redis.MinIdleConns, d.Storage.Redis.MinIdleConns},
			{"redis.dial_timeout", c.Storage.Redis.DialTimeout, d.Storage.Redis.DialTimeout},
			{"redis.read_timeout", c.Storage.Redis.ReadTimeout, d.Storage.Redis.ReadTimeout},
			{"redis.write_timeout", c.Storage.Redis.WriteTimeout, d.Storage.Redis.WriteTimeout},
		}},
		{"logging", []setting{
			{"level", c.Logging.Level, d.Logging.Level},
			{"format", c.Logging.Format, d.Logging.Format},
		}},
	}
}

// printSettings prints every section, yellow where a value differs from
// its default.
func printSettings(cfg, defaults *config.Config, unknown []string) {
	cyan := color.New(color.FgCyan, color.Bold)
	changed := color.New(color.FgYellow, color.Bold)
	unchanged := color.New(color.FgGreen)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("KFOCUS SETTINGS")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	for _, section := range configSections(cfg, defaults) {
		_, _ = cyan.Printf("\n%s:\n", section.name)
		for _, s := range section.settings {
			if reflect.DeepEqual(s.value, s.value0) {
				_, _ = unchanged.Printf("  %s: %v\n", s.key, s.value)
				continue
			}
			_, _ = changed.Printf("  %s: %v  (default %v)\n", s.key, s.value, s.value0)
		}
	}

	if len(unknown) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = cyan.Println("\nignored:")
		_, _ = red.Printf("  %s\n", strings.Join(unknown, "\n  "))
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
