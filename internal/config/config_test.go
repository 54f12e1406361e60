package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 500, cfg.Gateway.BatchSize)
	assert.Equal(t, 25*time.Second, cfg.DispatchTimeout())
	assert.Equal(t, 24*time.Hour, cfg.RateWindow())
	assert.Equal(t, 10, cfg.RateLimit.UserDailyLimit)
	assert.Equal(t, DefaultVenueTiers(), cfg.RateLimit.VenueTiers)
	assert.Equal(t, "sql", cfg.RateLimit.Backend)
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: staging
server:
  port: "9090"
gateway:
  url: https://push.example.com
  batch_size: 250
rate_limit:
  backend: redis
  venue_tiers:
    free: 1
    pro: 20
features:
  venue_cache: true
`), 0o600))

	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("USER_DAILY_LIMIT", "4")
	t.Setenv("FEATURE_GATEWAY_PACING", "1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, "7070", cfg.Server.Port, "env wins over file")
	assert.Equal(t, "https://push.example.com", cfg.Gateway.URL)
	assert.Equal(t, 250, cfg.Gateway.BatchSize)
	assert.Equal(t, 2, cfg.Gateway.MaxRetries, "unset keys keep defaults")
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, map[string]int{"free": 1, "core": 5, "pro": 20, "revenue": 0}, cfg.RateLimit.VenueTiers, "file tiers merge over defaults")
	assert.Equal(t, 4, cfg.RateLimit.UserDailyLimit)
	assert.True(t, cfg.Features.VenueCache)
	assert.True(t, cfg.Features.GatewayPacing)
	assert.False(t, cfg.Features.DispatchEvents)
}

func TestLoadConfig_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dispatch":{"timeout_seconds":10}}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.DispatchTimeout())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_TierEnv(t *testing.T) {
	t.Setenv("VENUE_TIER_LIMITS", "FREE=2, core=4,revenue=0")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"free": 2, "core": 4, "revenue": 0}, cfg.RateLimit.VenueTiers)

	t.Setenv("VENUE_TIER_LIMITS", "free")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultVenueTiers(), cfg.RateLimit.VenueTiers, "malformed tiers are ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"batch too large", func(c *Config) { c.Gateway.BatchSize = 501 }},
		{"negative retries", func(c *Config) { c.Gateway.MaxRetries = -1 }},
		{"no timeout", func(c *Config) { c.Dispatch.TimeoutSeconds = 0 }},
		{"no user limit", func(c *Config) { c.RateLimit.UserDailyLimit = 0 }},
		{"no free tier", func(c *Config) { c.RateLimit.VenueTiers = map[string]int{"pro": 10} }},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "memcached" }},
		{"bad throttle", func(c *Config) { c.Server.ThrottleRPS = 0 }},
		{"no database", func(c *Config) { c.Database.Path = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
