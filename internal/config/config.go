// Package config loads server settings: built-in defaults, then an optional
// TOML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/manpreetbhatti/cellsync/internal/store"
)

const (
	EnvPort        = "PORT"
	EnvDBDriver    = "CELLSYNC_DB_DRIVER"
	EnvDBDSN       = "CELLSYNC_DB_DSN"
	EnvRedisAddr   = "CELLSYNC_REDIS_ADDR"
	EnvLogLevel    = "CELLSYNC_LOG_LEVEL"
	EnvLogFormat   = "CELLSYNC_LOG_FORMAT"
	EnvConfigPath  = "CELLSYNC_CONFIG"
	defaultDataDSN = "./data/cellsync.db"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Addr           string
	AllowedOrigins []string
	Database       Database
	Audit          Audit
	Retention      Retention
	RateLimit      RateLimit
	Redis          Redis
	Log            Log
}

type Database struct {
	Driver string
	DSN    string
}

type Audit struct {
	QueueSize int
	Timeout   time.Duration
}

type Retention struct {
	Interval        time.Duration
	KeepPerDocument int
}

type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Redis is optional; an empty Addr keeps broadcasts node-local.
type Redis struct {
	Addr    string
	Channel string
}

type Log struct {
	Level  string
	Format string
}

func Default() Config {
	return Config{
		Addr: ":8080",
		Database: Database{
			Driver: store.DriverSQLite,
			DSN:    defaultDataDSN,
		},
		Audit: Audit{
			QueueSize: 1024,
			Timeout:   5 * time.Second,
		},
		Retention: Retention{
			Interval:        time.Hour,
			KeepPerDocument: 10000,
		},
		RateLimit: RateLimit{
			PerSecond: 100,
			Burst:     200,
		},
		Redis: Redis{
			Channel: "cellsync:broadcast",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// duration decodes Go duration strings ("5s", "1h30m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type fileConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	Database       struct {
		Driver string `toml:"driver"`
		DSN    string `toml:"dsn"`
	} `toml:"database"`
	Audit struct {
		QueueSize int      `toml:"queue_size"`
		Timeout   duration `toml:"timeout"`
	} `toml:"audit"`
	Retention struct {
		Interval        duration `toml:"interval"`
		KeepPerDocument int      `toml:"keep_per_document"`
	} `toml:"retention"`
	RateLimit struct {
		PerSecond float64 `toml:"per_second"`
		Burst     int     `toml:"burst"`
	} `toml:"ratelimit"`
	Redis struct {
		Addr    string `toml:"addr"`
		Channel string `toml:"channel"`
	} `toml:"redis"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// Load builds the effective config. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.overlayEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: %w: unknown key %q", path, ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		c.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("allowed_origins") {
		c.AllowedOrigins = trimAll(raw.AllowedOrigins)
	}
	if meta.IsDefined("database", "driver") {
		c.Database.Driver = strings.TrimSpace(raw.Database.Driver)
	}
	if meta.IsDefined("database", "dsn") {
		c.Database.DSN = strings.TrimSpace(raw.Database.DSN)
	}
	if meta.IsDefined("audit", "queue_size") {
		c.Audit.QueueSize = raw.Audit.QueueSize
	}
	if meta.IsDefined("audit", "timeout") {
		c.Audit.Timeout = raw.Audit.Timeout.Duration
	}
	if meta.IsDefined("retention", "interval") {
		c.Retention.Interval = raw.Retention.Interval.Duration
	}
	if meta.IsDefined("retention", "keep_per_document") {
		c.Retention.KeepPerDocument = raw.Retention.KeepPerDocument
	}
	if meta.IsDefined("ratelimit", "per_second") {
		c.RateLimit.PerSecond = raw.RateLimit.PerSecond
	}
	if meta.IsDefined("ratelimit", "burst") {
		c.RateLimit.Burst = raw.RateLimit.Burst
	}
	if meta.IsDefined("redis", "addr") {
		c.Redis.Addr = strings.TrimSpace(raw.Redis.Addr)
	}
	if meta.IsDefined("redis", "channel") {
		c.Redis.Channel = strings.TrimSpace(raw.Redis.Channel)
	}
	if meta.IsDefined("log", "level") {
		c.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		c.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	return nil
}

func (c *Config) overlayEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		c.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := strings.TrimSpace(getenv(EnvDBDriver)); v != "" {
		c.Database.Driver = v
	}
	if v := strings.TrimSpace(getenv(EnvDBDSN)); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisAddr)); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(getenv(EnvLogFormat)); v != "" {
		c.Log.Format = v
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalid)
	}
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("%w: unsupported database driver %q (expected %s or %s)",
			ErrInvalid, c.Database.Driver, store.DriverSQLite, store.DriverPostgres)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database dsn is required", ErrInvalid)
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("%w: audit queue_size must be positive", ErrInvalid)
	}
	if c.Audit.Timeout <= 0 {
		return fmt.Errorf("%w: audit timeout must be positive", ErrInvalid)
	}
	if c.Retention.Interval < 0 || c.Retention.KeepPerDocument < 0 {
		return fmt.Errorf("%w: retention values must not be negative", ErrInvalid)
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("%w: ratelimit burst must be positive when per_second is set", ErrInvalid)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q (expected console or json)", ErrInvalid, c.Log.Format)
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
