package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.IdleShutdown())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
ws_listen_addr: ":9999"
module: "guest.wasm"
room_id_strategy: uuid
idle_shutdown_ms: 0
heartbeat_interval: 2s
heartbeat_timeout: 3s
`)
	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
	assert.Equal(t, ":9999", cfg.WSListenAddr)
	assert.Equal(t, "guest.wasm", cfg.Module)
	assert.Equal(t, "uuid", cfg.RoomIDStrategy)
	assert.Zero(t, cfg.IdleShutdown())
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")), ErrLoad)
	assert.ErrorIs(t, cfg.LoadFile(writeFile(t, "unknown_key: 1\n")), ErrLoad)
	assert.ErrorIs(t, cfg.LoadFile(writeFile(t, "rate_limit: [\n")), ErrLoad)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown strategy", func(c *Config) { c.RoomIDStrategy = "sequential" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"timeout not above interval", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval }},
		{"zero interval", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"zero message size", func(c *Config) { c.MaxMessageSize = 0 }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestFlags_OverrideOnlyWhenSet(t *testing.T) {
	path := writeFile(t, `
log_level: debug
rate_limit: 5
ws_listen_addr: ":7000"
`)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--rate-limit", "50", "-m", "x.wasm"}))

	cfg, err := flags.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)     // file, flag left at default
	assert.Equal(t, ":7000", cfg.WSListenAddr) // file
	assert.Equal(t, 50.0, cfg.RateLimit)       // flag beats file
	assert.Equal(t, "x.wasm", cfg.Module)      // flag beats default
}

func TestFlags_InvalidResult(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--room-id-strategy", "nope"}))

	_, err := flags.Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadFile_Empty(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.LoadFile(writeFile(t, "")))
	assert.Equal(t, Default(), cfg)
}
