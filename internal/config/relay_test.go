package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayDefaultsAndEnv(t *testing.T) {
	t.Setenv("RELAY_JWT_HS_SECRET", "s3cret")
	t.Setenv("RELAY_APP_PORT", "9090")
	t.Setenv("RELAY_CACHE_IDEMPOTENCY_TTL", "2m")

	cfg, err := LoadRelay("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.JWT.HSSecret)
	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, 2*time.Minute, cfg.Cache.IdempotencyTTL)
	assert.Equal(t, int64(100), cfg.Cache.RecentCap)
	assert.Equal(t, 60*time.Second, cfg.Cache.PresenceTTL)
	assert.Equal(t, "courier", cfg.Redis.Prefix)
	assert.True(t, cfg.Dev())
}

func TestLoadRelayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
app:
  port: 7000
  env: production
jwt:
  alg: HS256
  hs_secret: from-file
  single_device: true
ws:
  ping_interval: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadRelay(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.App.Port)
	assert.False(t, cfg.Dev())
	assert.True(t, cfg.JWT.SingleDevice)
	assert.Equal(t, 15*time.Second, cfg.WS.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.WS.WriteDeadline)
}

func TestRelayValidate(t *testing.T) {
	t.Setenv("RELAY_JWT_HS_SECRET", "")
	_, err := LoadRelay("")
	require.Error(t, err)

	t.Setenv("RELAY_JWT_ALG", "RS256")
	_, err = LoadRelay("")
	require.ErrorContains(t, err, "public_key_path")

	t.Setenv("RELAY_JWT_ALG", "none")
	_, err = LoadRelay("")
	require.ErrorContains(t, err, "unsupported")
}
