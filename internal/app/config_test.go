package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formsync/formsync/internal/cache"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)
	require.Equal(t, "require", cfg.Database.Postgres.Options["sslmode"])

	require.Equal(t, cache.BackendRedis, cfg.Cache.BackendName())
	require.Equal(t, "redis.example.com:6380", cfg.Cache.Redis.Address)
	require.Equal(t, 3*time.Second, cfg.Cache.Redis.Timeout)
	require.Equal(t, 45*time.Minute, cfg.Cache.LabelTTL)

	require.Equal(t, 20*time.Second, cfg.Collab.LockTimeout)
	require.Equal(t, 1500*time.Millisecond, cfg.Collab.FlushDelay)
	require.Equal(t, 5*time.Second, cfg.Collab.FlushTimeout)
	require.Equal(t, 25, cfg.Collab.ActivityHistory)
	require.Equal(t, 64, cfg.Collab.SendBuffer)
	require.Equal(t, []string{"https://forms.example.com", "https://admin.example.com"}, cfg.Collab.AllowedOrigins)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.Equal(t, "@every 1m", cfg.Monitoring.StatsSchedule)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, cache.BackendMemory, cfg.Cache.BackendName())
	require.Equal(t, 30*time.Minute, cfg.Cache.LabelTTL)
	require.Equal(t, 15*time.Second, cfg.Collab.LockTimeout)
	require.Equal(t, 2*time.Second, cfg.Collab.FlushDelay)
	require.Equal(t, 15, cfg.Collab.ActivityHistory)
	require.Equal(t, "@every 30s", cfg.Monitoring.StatsSchedule)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("FORMSYNC_COLLAB_LOCK_TIMEOUT", "45s")
	t.Setenv("FORMSYNC_CACHE_BACKEND", "database")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.Collab.LockTimeout)
	require.Equal(t, cache.BackendDatabase, cfg.Cache.BackendName())
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{Port: 0},
		Database: DatabaseConfig{Driver: "oracle"},
		Cache:    CacheConfig{Backend: "memcached"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "server.port")
	require.ErrorContains(t, err, "database.driver")
	require.ErrorContains(t, err, "cache.backend")
	require.ErrorContains(t, err, "collab.lock_timeout")
}

func TestDatabaseConnectionConfig(t *testing.T) {
	cfg := DatabaseConfig{
		Driver: "Postgres",
		Postgres: DBAuthConfig{
			Host:     "db",
			Port:     5432,
			Database: "forms",
			Username: "app",
		},
		MySQL: DBAuthConfig{Host: "ignored"},
	}

	conn := cfg.ConnectionConfig()
	require.Equal(t, "postgres", conn.Driver)
	require.Equal(t, "db", conn.Host)
	require.Equal(t, "forms", conn.Name)
	require.Equal(t, "app", conn.User)

	sqlite := DatabaseConfig{Driver: "sqlite", Path: "/tmp/x.db"}.ConnectionConfig()
	require.Equal(t, "/tmp/x.db", sqlite.Path)
	require.Empty(t, sqlite.Host)
}
