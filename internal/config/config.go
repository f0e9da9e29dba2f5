// Package config loads runtime configuration from a YAML file and
// ORCHESTRO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/orchestro/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// ORCHESTRO_STORE_BACKEND=sqlite.
const EnvPrefix = "ORCHESTRO"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config holds the configuration for the service.
type Config struct {
	OrchestratorID string          `mapstructure:"orchestrator_id"`
	Store          StoreConfig     `mapstructure:"store"`
	Resources      ResourcesConfig `mapstructure:"resources"`
	Health         HealthConfig    `mapstructure:"health"`
	Dispatch       DispatchConfig  `mapstructure:"dispatch"`
	Events         EventsConfig    `mapstructure:"events"`
	HTTP           HTTPConfig      `mapstructure:"http"`
	Log            logging.Config  `mapstructure:"log"`
}

// StoreConfig selects and configures the workflow store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// DSN is the database/sql data source for sqlite and postgres.
	DSN   string      `mapstructure:"dsn"`
	Redis RedisConfig `mapstructure:"redis"`
	Mongo struct {
		URI        string `mapstructure:"uri"`
		Database   string `mapstructure:"database"`
		Collection string `mapstructure:"collection"`
	} `mapstructure:"mongo"`
	Cache struct {
		Enabled bool          `mapstructure:"enabled"`
		Size    int           `mapstructure:"size"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`
}

// RedisConfig is shared by the Redis store and the Redis event publisher.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ResourcesConfig is the capacity of the resource pool.
type ResourcesConfig struct {
	CPUCores             float64 `mapstructure:"cpu_cores"`
	MemoryMB             float64 `mapstructure:"memory_mb"`
	DiskSpaceMB          float64 `mapstructure:"disk_space_mb"`
	NetworkBandwidthMbps float64 `mapstructure:"network_bandwidth_mbps"`
	// SampleHost enables host CPU and memory sampling in snapshots.
	SampleHost bool `mapstructure:"sample_host"`
}

// HealthConfig tunes the built-in health checkers.
type HealthConfig struct {
	WarnUtilization float64       `mapstructure:"warn_utilization"`
	FailUtilization float64       `mapstructure:"fail_utilization"`
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
	// NetworkTargets are host:port addresses probed with a TCP dial.
	NetworkTargets []string `mapstructure:"network_targets"`
}

// DispatchConfig configures the module dispatcher.
type DispatchConfig struct {
	OrchestrationModule string  `mapstructure:"orchestration_module"`
	RateLimit           float64 `mapstructure:"rate_limit"`
	Burst               int     `mapstructure:"burst"`
	Workers             int     `mapstructure:"workers"`
	QueueSize           int     `mapstructure:"queue_size"`
}

// EventsConfig selects where lifecycle events go.
type EventsConfig struct {
	// Backend is bus (in-process only) or redis (bus plus Redis pub/sub).
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers default values on v. Every key must have a default
// so that environment overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator_id", "orchestro")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "orchestro:")
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo.database", "orchestro")
	v.SetDefault("store.mongo.collection", "workflows")
	v.SetDefault("store.cache.enabled", false)
	v.SetDefault("store.cache.size", 1024)
	v.SetDefault("store.cache.ttl", time.Minute)

	v.SetDefault("resources.cpu_cores", 16)
	v.SetDefault("resources.memory_mb", 32768)
	v.SetDefault("resources.disk_space_mb", 102400)
	v.SetDefault("resources.network_bandwidth_mbps", 1000)
	v.SetDefault("resources.sample_host", true)

	v.SetDefault("health.warn_utilization", 0.75)
	v.SetDefault("health.fail_utilization", 0.95)
	v.SetDefault("health.check_timeout", 2*time.Second)
	v.SetDefault("health.network_targets", []string{})

	v.SetDefault("dispatch.orchestration_module", "orchestration")
	v.SetDefault("dispatch.rate_limit", 0)
	v.SetDefault("dispatch.burst", 1)
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.queue_size", 256)

	v.SetDefault("events.backend", "bus")
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.prefix", "orchestro:events:")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.development", false)
}

// Load reads configuration. When path is empty, an optional orchestro.yaml
// is looked up in . and ./config; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("orchestro")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendMongo:
	case BackendSQLite, BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	switch c.Events.Backend {
	case "bus", "redis":
	default:
		return fmt.Errorf("config: unknown events backend %q", c.Events.Backend)
	}

	r := c.Resources
	if r.CPUCores <= 0 || r.MemoryMB <= 0 || r.DiskSpaceMB <= 0 || r.NetworkBandwidthMbps <= 0 {
		return errors.New("config: resource pool capacity must be positive in every dimension")
	}

	h := c.Health
	if h.WarnUtilization <= 0 || h.FailUtilization > 1 || h.WarnUtilization >= h.FailUtilization {
		return fmt.Errorf("config: health thresholds must satisfy 0 < warn (%.2f) < fail (%.2f) <= 1",
			h.WarnUtilization, h.FailUtilization)
	}

	if c.Dispatch.OrchestrationModule == "" {
		return errors.New("config: dispatch.orchestration_module is required")
	}
	if c.Dispatch.RateLimit < 0 {
		return errors.New("config: dispatch.rate_limit must not be negative")
	}
	return nil
}
