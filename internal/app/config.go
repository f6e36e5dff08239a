package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/formsync/formsync/internal/cache"
)

// Config represents the runtime configuration of the formsync server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Collab     CollabConfig     `mapstructure:"collab"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	Postgres        DBAuthConfig  `mapstructure:"postgres"`
	MySQL           DBAuthConfig  `mapstructure:"mysql"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	Database string            `mapstructure:"database"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Options  map[string]string `mapstructure:"options"`
}

// CacheConfig selects the shared cache backend used for field labels.
type CacheConfig struct {
	Backend       string           `mapstructure:"backend"`
	Redis         RedisCacheConfig `mapstructure:"redis"`
	LabelTTL      time.Duration    `mapstructure:"label_ttl"`
	SweepSchedule string           `mapstructure:"sweep_schedule"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Prefix   string        `mapstructure:"prefix"`
}

// CollabConfig tunes the collaboration engine and its websocket transport.
type CollabConfig struct {
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	FlushDelay      time.Duration `mapstructure:"flush_delay"`
	FlushTimeout    time.Duration `mapstructure:"flush_timeout"`
	ActivityHistory int           `mapstructure:"activity_history"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// MonitoringConfig enables health checks, metrics and the periodic stats job.
type MonitoringConfig struct {
	Prometheus    PrometheusConfig `mapstructure:"prometheus"`
	Health        HealthConfig     `mapstructure:"health_check"`
	StatsSchedule string           `mapstructure:"stats_schedule"`
}

// PrometheusConfig toggles the metrics endpoint.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("FORMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &config, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "", "sqlite", "postgres", "mysql":
	default:
		errs = multierr.Append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Cache.BackendName() {
	case cache.BackendMemory, cache.BackendRedis, cache.BackendDatabase:
	default:
		errs = multierr.Append(errs, fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend))
	}

	durations := map[string]time.Duration{
		"collab.lock_timeout":  c.Collab.LockTimeout,
		"collab.flush_delay":   c.Collab.FlushDelay,
		"collab.flush_timeout": c.Collab.FlushTimeout,
	}
	for _, key := range []string{"collab.lock_timeout", "collab.flush_delay", "collab.flush_timeout"} {
		if durations[key] <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	if c.Collab.ActivityHistory < 0 {
		errs = multierr.Append(errs, errors.New("collab.activity_history must not be negative"))
	}

	return errs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/formsync.sqlite")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("cache.backend", cache.BackendMemory)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.prefix", "formsync:")
	v.SetDefault("cache.label_ttl", "30m")
	v.SetDefault("cache.sweep_schedule", "@every 10m")

	v.SetDefault("collab.lock_timeout", "15s")
	v.SetDefault("collab.flush_delay", "2s")
	v.SetDefault("collab.flush_timeout", "5s")
	v.SetDefault("collab.activity_history", 15)
	v.SetDefault("collab.send_buffer", 64)
	v.SetDefault("collab.allowed_origins", []string{})

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
	v.SetDefault("monitoring.stats_schedule", "@every 30s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
