package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  version: "2.0.0"
rate_limit:
  window: 5m
  max: 50
services:
  user:
    url: http://user.internal:3000
    timeout: 5s
venues:
  marketplace1:
    base_url: https://api.marketplace1.example.com
    requests_per_second: 10
    burst: 20
budget:
  default_daily: "750"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "2.0.0", cfg.Server.Version)
	require.Equal(t, 5*time.Minute, cfg.RateLimit.Window)
	require.Equal(t, 50, cfg.RateLimit.Max)
	require.Equal(t, "http://user.internal:3000", cfg.Services["user"].URL)
	require.Equal(t, "750", cfg.Budget.DefaultDaily)

	// Untouched sections keep their defaults.
	require.Equal(t, 10, cfg.RateLimit.AuthMax)
	require.Equal(t, "50000", cfg.Budget.DefaultTotal)
	require.Equal(t, 10.0, cfg.Monitor.ChangeThreshold)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RATE_LIMIT_MAX", "42")
	t.Setenv("USER_SERVICE_URL", "http://user.override:3000")
	t.Setenv("MONITOR_CHANGE_THRESHOLD", "15.5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	require.Equal(t, 42, cfg.RateLimit.Max)
	require.Equal(t, "http://user.override:3000", cfg.Services["user"].URL)
	require.Equal(t, 15.5, cfg.Monitor.ChangeThreshold)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero body limit", func(c *Config) { c.Server.MaxBodyBytes = 0 }},
		{"zero rate cap", func(c *Config) { c.RateLimit.Max = 0 }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"warning threshold over one", func(c *Config) { c.Budget.WarningThreshold = 1.5 }},
		{"risk score over hundred", func(c *Config) { c.Arbitrage.MaxRiskScore = 150 }},
		{"zero scan interval", func(c *Config) { c.Arbitrage.ScanInterval = 0 }},
		{"service without URL", func(c *Config) {
			c.Services["broken"] = ServiceConfig{}
		}},
		{"service with bad scheme", func(c *Config) {
			c.Services["broken"] = ServiceConfig{URL: "ftp://nope"}
		}},
		{"venue without rate", func(c *Config) {
			c.Venues["v"] = VenueConfig{BaseURL: "https://x"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestServiceDefaults(t *testing.T) {
	var svc ServiceConfig
	require.Equal(t, 30*time.Second, svc.ServiceTimeout())
	require.Equal(t, 3, svc.Retries())

	svc = ServiceConfig{Timeout: 5 * time.Second, MaxRetries: 1}
	require.Equal(t, 5*time.Second, svc.ServiceTimeout())
	require.Equal(t, 1, svc.Retries())
}
