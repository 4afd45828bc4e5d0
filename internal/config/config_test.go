package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cidrotate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
  username: cid
  password: secret
  database: cidrotate
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 300, cfg.Allocator.ReservationTTLSeconds)
	require.Equal(t, 100, cfg.Allocator.AgentRateLimitPerMinute)
	require.Equal(t, 50, cfg.Allocator.CandidateScanLimit)
	require.Equal(t, 100, cfg.Allocator.DefaultHourlyCap)
	require.Equal(t, 1000, cfg.Allocator.DefaultDailyCap)
	require.Equal(t, 2*time.Second, cfg.Allocator.RequestDeadline())
	require.Equal(t, time.Duration(0), cfg.Allocator.Cooldown())
	require.False(t, cfg.Allocator.StrictAreaCode)
	require.Equal(t, "127.0.0.1:8080", cfg.API.Address())
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
api:
  host: 0.0.0.0
  port: 9000
  enable_cors: true
redis:
  addr: 127.0.0.1:6379
allocator:
  reservation_ttl_seconds: 60
  agent_rate_limit_per_minute: 5
  candidate_scan_limit: 10
  strict_area_code: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.Allocator.ReservationTTL())
	require.Equal(t, 5, cfg.Allocator.AgentRateLimitPerMinute)
	require.Equal(t, 10, cfg.Allocator.CandidateScanLimit)
	require.True(t, cfg.Allocator.StrictAreaCode)
	require.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	require.True(t, cfg.API.EnableCORS)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  host: file-host
  password: file-pass
`)

	t.Setenv("CIDROTATE_DB_HOST", "env-host")
	t.Setenv("CIDROTATE_DB_PASSWORD", "env-pass")
	t.Setenv("CIDROTATE_RESERVATION_TTL", "120")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-host", cfg.Database.Host)
	require.Equal(t, "env-pass", cfg.Database.Password)
	require.Equal(t, 120, cfg.Allocator.ReservationTTLSeconds)
}

func TestInvalidCapOrdering(t *testing.T) {
	path := writeConfig(t, `
allocator:
  default_hourly_cap: 500
  default_daily_cap: 100
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 3306, Username: "u", Password: "p", Database: "cid"}
	require.Equal(t, "u:p@tcp(db:3306)/cid?parseTime=true&charset=utf8mb4", d.DSN())
}
