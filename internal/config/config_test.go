package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, 3, cfg.SurgeSupportRatio)
	assert.Equal(t, 120, cfg.MonitorInterval)
	assert.Equal(t, 90, cfg.GitPollerInterval)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
public_url: https://ci.example.com
surge_support_ratio: 5
smtp:
  server: smtp.example.com:587
  user: ci@example.com
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "https://ci.example.com", cfg.PublicURL)
	assert.Equal(t, 5, cfg.SurgeSupportRatio)
	assert.Equal(t, "smtp.example.com:587", cfg.SMTP.Server)
	// untouched fields keep defaults
	assert.Equal(t, 120, cfg.MonitorInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JOBSERV_LISTEN", ":7777")
	t.Setenv("JOBSERV_SURGE_SUPPORT_RATIO", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Listen)
	assert.Equal(t, 7, cfg.SurgeSupportRatio)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	cfg.SurgeSupportRatio = 0
	cfg.SecretsKey = "short"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
	assert.Contains(t, err.Error(), "surge_support_ratio")
	assert.Contains(t, err.Error(), "secrets_key")
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Listen)
}
