// Package config loads server configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and command line flags that were explicitly set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/adwski/stateroom/backend/manager"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var (
	ErrLoad    = errors.New("unable to load config")
	ErrInvalid = errors.New("invalid config")
)

type Config struct {
	HTTPListenAddr string `yaml:"http_listen_addr"`
	WSListenAddr   string `yaml:"ws_listen_addr"`
	LogLevel       string `yaml:"log_level"`

	// Module is the path to a guest .wasm file. Empty runs the native echo service.
	Module         string `yaml:"module"`
	RoomIDStrategy string `yaml:"room_id_strategy"`
	// IdleShutdownMS is how long an empty room lives. Zero keeps rooms forever.
	IdleShutdownMS uint64 `yaml:"idle_shutdown_ms"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	// RateLimit is inbound frames per second per session. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
}

func Default() *Config {
	return &Config{
		HTTPListenAddr:    ":8080",
		WSListenAddr:      ":8888",
		LogLevel:          "info",
		RoomIDStrategy:    string(manager.StrategyImplicit),
		IdleShutdownMS:    300000,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  7 * time.Second,
		MaxMessageSize:    65536,
		RateLimit:         100,
	}
}

// LoadFile overlays the YAML file at path onto c. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(ErrLoad, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err = dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(ErrLoad, fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

func (c *Config) IdleShutdown() time.Duration {
	return time.Duration(c.IdleShutdownMS) * time.Millisecond
}

func (c *Config) Strategy() manager.Strategy {
	return manager.Strategy(c.RoomIDStrategy)
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := manager.ParseStrategy(c.RoomIDStrategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, errors.New("heartbeat_timeout must be greater than heartbeat_interval"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max_message_size must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}
	return nil
}

// Flags holds command line overrides.
type Flags struct {
	fs   *pflag.FlagSet
	path *string
	cfg  Config
}

// RegisterFlags adds config flags to fs. Their defaults mirror Default.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}
	f.path = fs.StringP("config", "c", "", "path to YAML config file")
	fs.StringVarP(&f.cfg.HTTPListenAddr, "api-listen-addr", "a", d.HTTPListenAddr, "api listen address")
	fs.StringVarP(&f.cfg.WSListenAddr, "ws-listen-addr", "w", d.WSListenAddr, "websocket listen address")
	fs.StringVarP(&f.cfg.LogLevel, "log-level", "l", d.LogLevel, "log level")
	fs.StringVarP(&f.cfg.Module, "module", "m", d.Module, "path to wasm module, native echo service if empty")
	fs.StringVar(&f.cfg.RoomIDStrategy, "room-id-strategy", d.RoomIDStrategy, "room id strategy: implicit, explicit or uuid")
	fs.Uint64Var(&f.cfg.IdleShutdownMS, "idle-shutdown-ms", d.IdleShutdownMS, "shut empty rooms down after this many milliseconds, 0 disables")
	fs.DurationVar(&f.cfg.HeartbeatInterval, "heartbeat-interval", d.HeartbeatInterval, "websocket ping interval")
	fs.DurationVar(&f.cfg.HeartbeatTimeout, "heartbeat-timeout", d.HeartbeatTimeout, "websocket pong timeout")
	fs.Int64Var(&f.cfg.MaxMessageSize, "max-message-size", d.MaxMessageSize, "max inbound websocket message size")
	fs.Float64Var(&f.cfg.RateLimit, "rate-limit", d.RateLimit, "inbound messages per second per session, 0 disables")
	return f
}

// Load builds the final config from defaults, the --config file and the flags that were set.
// fs must already be parsed.
func (f *Flags) Load() (*Config, error) {
	cfg := Default()
	if *f.path != "" {
		if err := cfg.LoadFile(*f.path); err != nil {
			return nil, err
		}
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *Flags) apply(cfg *Config) {
	set := func(name string, fn func()) {
		if f.fs.Changed(name) {
			fn()
		}
	}
	set("api-listen-addr", func() { cfg.HTTPListenAddr = f.cfg.HTTPListenAddr })
	set("ws-listen-addr", func() { cfg.WSListenAddr = f.cfg.WSListenAddr })
	set("log-level", func() { cfg.LogLevel = f.cfg.LogLevel })
	set("module", func() { cfg.Module = f.cfg.Module })
	set("room-id-strategy", func() { cfg.RoomIDStrategy = f.cfg.RoomIDStrategy })
	set("idle-shutdown-ms", func() { cfg.IdleShutdownMS = f.cfg.IdleShutdownMS })
	set("heartbeat-interval", func() { cfg.HeartbeatInterval = f.cfg.HeartbeatInterval })
	set("heartbeat-timeout", func() { cfg.HeartbeatTimeout = f.cfg.HeartbeatTimeout })
	set("max-message-size", func() { cfg.MaxMessageSize = f.cfg.MaxMessageSize })
	set("rate-limit", func() { cfg.RateLimit = f.cfg.RateLimit })
}
