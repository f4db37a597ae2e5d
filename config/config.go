package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. APPROVAL_STORAGE_DRIVER.
const EnvPrefix = "APPROVAL"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds the configuration of the approval engine process.
type Config struct {
	Log     Log     `mapstructure:"log"`
	Storage Storage `mapstructure:"storage"`
	Engine  Engine  `mapstructure:"engine"`
	Events  Events  `mapstructure:"events"`
	Server  Server  `mapstructure:"server"`
}

// Log configures the process logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Storage selects and configures the store.
type Storage struct {
	Driver   string   `mapstructure:"driver"`
	Redis    Redis    `mapstructure:"redis"`
	Postgres Postgres `mapstructure:"postgres"`
}

// Redis configures storage.RedisStorage.
type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Postgres configures storage.PostgresStorage.
type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Engine holds workflow engine defaults.
type Engine struct {
	DefaultPriority int           `mapstructure:"default_priority"`
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// Events configures the event bus and the breaker in front of it.
type Events struct {
	BufferSize         int           `mapstructure:"buffer_size"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// Server configures the ops HTTP endpoint.
type Server struct {
	Addr          string        `mapstructure:"addr"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.postgres.dsn", "postgres://localhost:5432/approval?sslmode=disable")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)

	v.SetDefault("engine.default_priority", 3)
	v.SetDefault("engine.default_deadline", 7*24*time.Hour)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.retry_delay", time.Second)

	v.SetDefault("events.buffer_size", 100)
	v.SetDefault("events.breaker_max_failures", 5)
	v.SetDefault("events.breaker_open_timeout", 30*time.Second)

	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.stats_interval", 15*time.Second)
}

// Load reads configuration from path, or from approval.yaml in the working
// directory or ./config when path is empty. Environment variables override
// the file and the file overrides the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("approval")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverRedis, DriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Engine.DefaultPriority < 1 {
		return fmt.Errorf("engine.default_priority must be positive, got %d", c.Engine.DefaultPriority)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative, got %d", c.Engine.MaxRetries)
	}
	return nil
}
