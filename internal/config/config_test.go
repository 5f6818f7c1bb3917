package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.Sessions.SweepInterval)
	assert.Equal(t, 5, cfg.RateLimit.ImpersonationLimit)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.ImpersonationWindow)
	assert.Equal(t, 1024, cfg.Audit.BufferSize)
	assert.Equal(t, "consoleguard", cfg.JWTIssuer)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9999"
rate_limit:
  guard_limit: 10
log:
  level: debug
`), 0o600))

	t.Setenv("GUARD_RATE_GUARD_LIMIT", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 7, cfg.RateLimit.GuardLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsZeroLimits(t *testing.T) {
	t.Setenv("GUARD_RATE_IMPERSONATION_LIMIT", "0")
	_, err := Load("")
	require.Error(t, err)
}
