package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{"apiKey":"secret","region":"us-east-1"}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10, cfg.DisableThreshold)
	assert.Equal(t, 7*24, cfg.AuditRetentionHours)
	assert.Equal(t, 6, cfg.AuditPurgeIntervalHours)
	assert.Equal(t, 1000, cfg.LogRingSize)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfigFile(t, `{"apiKey":"secret","region":"us-east-1","port":9001,"disableThreshold":3}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 3, cfg.DisableThreshold)
}

func TestLogLevelFromEnvDefaultsToInfo(t *testing.T) {
	t.Setenv("RUST_LOG", "")
	assert.Equal(t, slog.LevelInfo, LogLevelFromEnv())
}

func TestLogLevelFromEnvHonorsOverride(t *testing.T) {
	t.Setenv("RUST_LOG", "debug")
	assert.Equal(t, slog.LevelDebug, LogLevelFromEnv())
}

func TestValidateRequiresAPIKeyAndRegion(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, ErrConfig(err))

	cfg.APIKey = "secret"
	err = cfg.Validate()
	require.Error(t, err)

	cfg.Region = "us-east-1"
	assert.NoError(t, cfg.Validate())
}

func TestParseFlagsRequiresConfigAndCredentials(t *testing.T) {
	_, err := ParseFlags([]string{})
	require.Error(t, err)

	_, err = ParseFlags([]string{"-c", "config.json"})
	require.Error(t, err)

	flags, err := ParseFlags([]string{"-c", "config.json", "--credentials", "creds.json"})
	require.NoError(t, err)
	assert.Equal(t, "config.json", flags.ConfigPath)
	assert.Equal(t, "creds.json", flags.CredentialsPath)
}
