package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Identity IdentityConfig `mapstructure:"identity"`
}

type ServerConfig struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type StoreConfig struct {
	Driver    string         `mapstructure:"driver"`
	OpTimeout time.Duration  `mapstructure:"op_timeout"`
	RoomTTL   time.Duration  `mapstructure:"room_ttl"`
	Redis     RedisConfig    `mapstructure:"redis"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ApplicationName string        `mapstructure:"application_name"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

type SyncConfig struct {
	PersistInterval time.Duration `mapstructure:"persist_interval"`
	ResyncTimeout   time.Duration `mapstructure:"resync_timeout"`
	HostOnlyURL     bool          `mapstructure:"host_only_url"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
}

type IdentityConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"`
	Issuer           string `mapstructure:"issuer"`
	TrustClientIDs   bool   `mapstructure:"trust_client_ids"`
	AnonymousReclaim bool   `mapstructure:"anonymous_reclaim"`
}

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.secret", "change-me")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.op_timeout", "5s")
	v.SetDefault("store.room_ttl", "24h")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.pool_size", 10)
	v.SetDefault("store.redis.key_prefix", "watchparty:")
	v.SetDefault("store.redis.max_retries", 16)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("store.postgres.application_name", "watchparty")
	v.SetDefault("store.postgres.max_retries", 16)

	v.SetDefault("sweeper.interval", "60s")
	v.SetDefault("sweeper.grace", "60s")

	v.SetDefault("sync.persist_interval", "10s")
	v.SetDefault("sync.resync_timeout", "5s")
	v.SetDefault("sync.host_only_url", true)
	v.SetDefault("sync.rate_limit", 20)
	v.SetDefault("sync.rate_window", "1s")

	v.SetDefault("identity.jwt_secret", "")
	v.SetDefault("identity.issuer", "")
	v.SetDefault("identity.trust_client_ids", true)
	v.SetDefault("identity.anonymous_reclaim", false)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). Missing files
// fall back to defaults; WATCHPARTY_* variables override both.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("WATCHPARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Driver).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn required for postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}
	if c.Sweeper.Grace < 0 {
		errs = append(errs, errors.New("sweeper.grace must not be negative"))
	}
	if c.Sync.PersistInterval <= 0 {
		errs = append(errs, errors.New("sync.persist_interval must be positive"))
	}
	if c.Sync.ResyncTimeout <= 0 {
		errs = append(errs, errors.New("sync.resync_timeout must be positive"))
	}
	if c.Sync.RateLimit <= 0 || c.Sync.RateWindow <= 0 {
		errs = append(errs, errors.New("sync.rate_limit and sync.rate_window must be positive"))
	}
	return errors.Join(errs...)
}
