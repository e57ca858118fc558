package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, env, agentYAML string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
	if agentYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.yaml"), []byte(agentYAML), 0o644))
	}
	return dir
}

func TestLoad_EnvCredentials(t *testing.T) {
	dir := writeConfigDir(t, "NEXTDNS_API_KEY=abcdef123456\nNEXTDNS_PROFILE_ID=abc123\n", "")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "abcdef123456", cfg.APIKey)
	require.Equal(t, "abc123", cfg.ProfileID)
	require.Equal(t, DefaultTickInterval, cfg.TickInterval)
	require.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	require.Equal(t, DefaultRateLimit, cfg.RateLimit)
}

func TestLoad_EnvParsing(t *testing.T) {
	dir := writeConfigDir(t, `
# comment
NEXTDNS_API_KEY="quoted-key-123"
NEXTDNS_PROFILE_ID = abc123

malformed line without equals
`, "")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "quoted-key-123", cfg.APIKey)
	require.Equal(t, "abc123", cfg.ProfileID)
}

func TestLoad_MissingKey(t *testing.T) {
	dir := writeConfigDir(t, "NEXTDNS_PROFILE_ID=abc123\n", "")
	t.Setenv("NEXTDNS_API_KEY", "")

	_, err := Load(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NEXTDNS_API_KEY")
}

func TestLoad_InvalidCredentialFormat(t *testing.T) {
	dir := writeConfigDir(t, "NEXTDNS_API_KEY=short\nNEXTDNS_PROFILE_ID=abc123\n", "")
	_, err := Load(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "format")
}

func TestLoad_AgentYAMLOverrides(t *testing.T) {
	dir := writeConfigDir(t,
		"NEXTDNS_API_KEY=abcdef123456\nNEXTDNS_PROFILE_ID=abc123\n",
		"tick_interval_seconds: 60\ncache_ttl_seconds: 30\nrate_limit: 10\nretries: 5\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, int64(60), int64(cfg.TickInterval.Seconds()))
	require.Equal(t, int64(30), int64(cfg.CacheTTL.Seconds()))
	require.Equal(t, 10, cfg.RateLimit)
	require.Equal(t, 5, cfg.Retries)
}

func TestConfigDir_EnvOverride(t *testing.T) {
	t.Setenv("NDB_CONFIG_DIR", "/tmp/ndb-test-config")
	require.Equal(t, "/tmp/ndb-test-config", ConfigDir(""))
	require.Equal(t, "/explicit", ConfigDir("/explicit"))
}
