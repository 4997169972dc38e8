// Package config loads FieldSync configuration from a config file and
// FIELDSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_API_BASE_URL.
const EnvPrefix = "FIELDSYNC"

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type QueueConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	MaxSize    int           `mapstructure:"max_size"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type NetworkConfig struct {
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	ProbeAddress  string        `mapstructure:"probe_address"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type SyncConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	FlushOnEnqueue  bool          `mapstructure:"flush_on_enqueue"`
}

type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PhotoMaxDimension int           `mapstructure:"photo_max_dimension"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Config is the full application configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Storage StorageConfig `mapstructure:"storage"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Network NetworkConfig `mapstructure:"network"`
	Sync    SyncConfig    `mapstructure:"sync"`
	API     APIConfig     `mapstructure:"api"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`

	// ConfigFile is the file the values were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

// setDefaults registers every key so environment overrides apply to all.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.max_age", 7*24*time.Hour)
	v.SetDefault("queue.max_size", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("network.wait_timeout", 30*time.Second)
	v.SetDefault("network.probe_address", "")
	v.SetDefault("network.probe_interval", 5*time.Second)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.refresh_interval", time.Hour)
	v.SetDefault("sync.flush_on_enqueue", true)
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.photo_max_dimension", 2048)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("server.listen", "127.0.0.1:8090")
}

// Default returns the configuration with no file or environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads configuration. An explicit path must exist; otherwise
// fieldsync.{yaml,toml,json} is looked up in the working directory and
// $HOME/.fieldsync, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldsync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.fieldsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "decode config", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and required combinations.
func (c *Config) Validate() error {
	var problems []string

	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverFile:
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q must be %q or %q", c.Storage.Driver, DriverSQLite, DriverFile))
	}
	if c.Queue.MaxRetries <= 0 {
		problems = append(problems, "queue.max_retries must be positive")
	}
	if c.Queue.MaxAge <= 0 {
		problems = append(problems, "queue.max_age must be positive")
	}
	if c.Queue.MaxSize < 0 {
		problems = append(problems, "queue.max_size must not be negative")
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive")
	}
	if c.Sync.Interval <= 0 || c.Sync.RefreshInterval <= 0 {
		problems = append(problems, "sync intervals must be positive")
	}
	if c.API.PhotoMaxDimension < 0 {
		problems = append(problems, "api.photo_max_dimension must not be negative")
	}
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("api.base_url %q must be an http(s) URL", c.API.BaseURL))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not a known level", c.Log.Level))
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// LogOptions converts the log section for logging.Open.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
