package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/cellsync/internal/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func clearEnv(t *testing.T) {
	for _, key := range []string{EnvPort, EnvDBDriver, EnvDBDSN, EnvRedisAddr, EnvLogLevel, EnvLogFormat} {
		t.Setenv(key, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, store.DriverSQLite, cfg.Database.Driver)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
addr = "127.0.0.1:9000"
allowed_origins = [" https://app.example.com ", ""]

[database]
driver = "pgx"
dsn = "postgres://cellsync@localhost/cellsync"

[audit]
queue_size = 64
timeout = "750ms"

[retention]
interval = "30m"
keep_per_document = 500

[redis]
addr = "localhost:6379"

[log]
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, store.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 64, cfg.Audit.QueueSize)
	assert.Equal(t, 750*time.Millisecond, cfg.Audit.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Retention.Interval)
	assert.Equal(t, 500, cfg.Retention.KeepPerDocument)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, "cellsync:broadcast", cfg.Redis.Channel)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, float64(100), cfg.RateLimit.PerSecond)
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
addr = ":9000"
[log]
level = "warn"
`)
	t.Setenv(EnvPort, "7070")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvDBDSN, "/tmp/other.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/other.db", cfg.Database.DSN)
}

func TestLoadRejectsBadInput(t *testing.T) {
	clearEnv(t)

	cases := map[string]string{
		"unknown driver":  "[database]\ndriver = \"mysql\"\n",
		"zero queue":      "[audit]\nqueue_size = 0\n",
		"bad format":      "[log]\nformat = \"xml\"\n",
		"unknown key":     "colour = \"blue\"\n",
		"negative keep":   "[retention]\nkeep_per_document = -1\n",
		"burst with rate": "[ratelimit]\nper_second = 5.0\nburst = 0\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestLoadBadDuration(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "[audit]\ntimeout = \"soon\"\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
