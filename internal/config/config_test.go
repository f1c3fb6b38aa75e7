package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := body
	if !strings.Contains(body, "storage:") {
		content = "storage:\n  path: " + filepath.Join(dir, "data", "kfocus.bolt") + "\n" + body
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, 8490, cfg.Server.HTTPPort)
	assert.Equal(t, "bolt", cfg.Storage.Type)
	assert.Equal(t, "/keepalive", cfg.Keepalive.Path)
	assert.Equal(t, "15s", cfg.Keepalive.TickInterval)
	assert.Equal(t, "static_rules", cfg.Enforcement.StaticRulesetID)
	assert.Equal(t, "embedded", cfg.Enforcement.OPAPolicySource)
	assert.Equal(t, 1000, cfg.Enforcement.RuleIDBase)
	assert.False(t, cfg.DNS.Enabled)
	assert.Equal(t, []string{"8.8.8.8:53", "1.1.1.1:53"}, cfg.DNS.UpstreamServers)

	// The storage directory is created on load.
	info, err := os.Stat(filepath.Dir(cfg.Storage.Path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  http_port: 9999
usage_tracking:
  timezone: Australia/Sydney
  retention_days: 400
keepalive:
  path: /agent
  allowed_origins:
    - chrome-extension://abc
domains:
  custom_domains_file: /etc/kfocus/domains.txt
`))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 400, cfg.Usage.RetentionDays)
	assert.Equal(t, "/agent", cfg.Keepalive.Path)
	assert.Equal(t, []string{"chrome-extension://abc"}, cfg.Keepalive.AllowedOrigins)
	assert.Equal(t, "/etc/kfocus/domains.txt", cfg.Domains.CustomDomainsFile)

	loc, err := cfg.Usage.Location()
	require.NoError(t, err)
	assert.Equal(t, "Australia/Sydney", loc.String())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("KFOCUS_STORAGE_PATH", filepath.Join(t.TempDir(), "kfocus.bolt"))

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8490, cfg.Server.HTTPPort)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"http port", "server:\n  http_port: 70000\n", "invalid HTTP port"},
		{"metrics port", "server:\n  metrics_port: -1\n", "invalid metrics port"},
		{"dns port", "server:\n  dns_port: 0\ndns:\n  enabled: true\n", "invalid DNS port"},
		{"timezone", "usage_tracking:\n  timezone: Mars/Olympus\n", "invalid timezone"},
		{"retention", "usage_tracking:\n  retention_days: -3\n", "retention_days"},
		{"keepalive path", "keepalive:\n  path: agent\n", "keepalive path"},
		{"opa source", "enforcement:\n  opa_policy_source: remote\n", "opa_policy_source"},
		{"storage type", "storage:\n  type: sqlite\n", "unsupported storage type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLocation(t *testing.T) {
	loc, err := UsageConfig{}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = UsageConfig{Timezone: "Local"}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = UsageConfig{Timezone: "UTC"}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC.String(), loc.String())
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, ParseDuration("2s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("soon", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("-5s", time.Minute))
}
