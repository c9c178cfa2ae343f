package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	Comments    CommentsConfig    `mapstructure:"comments"`
	Replication ReplicationConfig `mapstructure:"replication"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig.File, when set, also writes logs to a size-rotated file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Pretty     bool   `mapstructure:"pretty"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StoreConfig selects the local collection backend: memory, redis or postgres.
type StoreConfig struct {
	Driver      string         `mapstructure:"driver"`
	OpenTimeout time.Duration  `mapstructure:"open_timeout"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type CommentsConfig struct {
	MaxReplyAttempts int           `mapstructure:"max_reply_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
}

type ReplicationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Database      string        `mapstructure:"database"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
}

const envPrefix = "COMMENTSYNC"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.open_timeout", 10*time.Second)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "comments")
	v.SetDefault("store.postgres.dsn", "")

	v.SetDefault("comments.max_reply_attempts", 5)
	v.SetDefault("comments.retry_interval", 5*time.Second)

	v.SetDefault("replication.enabled", false)
	v.SetDefault("replication.url", "http://localhost:5984")
	v.SetDefault("replication.database", "comments")
	v.SetDefault("replication.username", "")
	v.SetDefault("replication.password", "")
	v.SetDefault("replication.probe_interval", 5*time.Second)
	v.SetDefault("replication.probe_timeout", 5*time.Second)
	v.SetDefault("replication.retry_interval", 30*time.Second)
	v.SetDefault("replication.poll_timeout", 25*time.Second)
}

// LoadConfig reads defaults, then config.yaml from ./config when present,
// then COMMENTSYNC_* environment variables (COMMENTSYNC_STORE_DRIVER, ...).
func LoadConfig(paths ...string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{"./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("config: store.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Replication.Enabled && (c.Replication.URL == "" || c.Replication.Database == "") {
		return errors.New("config: replication.url and replication.database are required")
	}
	return nil
}
