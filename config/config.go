// Package config loads seamstress settings from a file and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters. Zero values are replaced by Defaults
// through Merge; durations are Go duration strings so every format can
// carry them.
type Config struct {
	Script      string `json:"script" yaml:"script" toml:"script"`
	LocalPort   int    `json:"local_port" yaml:"local_port" toml:"local_port"`
	RemotePort  int    `json:"remote_port" yaml:"remote_port" toml:"remote_port"`
	LogLevel    string `json:"log_level" yaml:"log_level" toml:"log_level"`
	JSONLogs    bool   `json:"json_logs" yaml:"json_logs" toml:"json_logs"`
	Quiet       bool   `json:"quiet" yaml:"quiet" toml:"quiet"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`

	QueueCapacity int    `json:"queue_capacity" yaml:"queue_capacity" toml:"queue_capacity"`
	StopGrace     string `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`
	SlowHandler   string `json:"slow_handler" yaml:"slow_handler" toml:"slow_handler"`

	// Watch reloads the script when it changes on disk.
	Watch bool `json:"watch" yaml:"watch" toml:"watch"`
	// NoInput disables the stdin REPL.
	NoInput bool `json:"no_input" yaml:"no_input" toml:"no_input"`
	// NoDevices disables the device monitor.
	NoDevices bool `json:"no_devices" yaml:"no_devices" toml:"no_devices"`

	// Devices maps a device kind to the globs of its device nodes. Empty
	// means the monitor's built-in patterns.
	Devices map[string][]string `json:"devices" yaml:"devices" toml:"devices"`
	Timers  []Timer             `json:"timers" yaml:"timers" toml:"timers"`
	Remote  *Remote             `json:"remote" yaml:"remote" toml:"remote"`
}

type Timer struct {
	Name     string `json:"name" yaml:"name" toml:"name"`
	Interval string `json:"interval" yaml:"interval" toml:"interval"`
}

// Remote enables the Redis Streams remote control.
type Remote struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db"`
	Stream   string `json:"stream" yaml:"stream" toml:"stream"`
	Group    string `json:"group" yaml:"group" toml:"group"`
	TLS      bool   `json:"tls" yaml:"tls" toml:"tls"`
}

// Defaults matches what seamstress does with no configuration at all.
func Defaults() Config {
	return Config{
		Script:     "script.lua",
		LocalPort:  7777,
		RemotePort: 6666,
		LogLevel:   "info",
		StopGrace:  "2s",
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("config: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("config: unsupported extension %q", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Merge fills every zero field of c from d.
func (c Config) Merge(d Config) Config {
	if c.Script == "" {
		c.Script = d.Script
	}
	if c.LocalPort == 0 {
		c.LocalPort = d.LocalPort
	}
	if c.RemotePort == 0 {
		c.RemotePort = d.RemotePort
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	c.JSONLogs = c.JSONLogs || d.JSONLogs
	c.Quiet = c.Quiet || d.Quiet
	if c.MetricsAddr == "" {
		c.MetricsAddr = d.MetricsAddr
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.StopGrace == "" {
		c.StopGrace = d.StopGrace
	}
	if c.SlowHandler == "" {
		c.SlowHandler = d.SlowHandler
	}
	c.Watch = c.Watch || d.Watch
	c.NoInput = c.NoInput || d.NoInput
	c.NoDevices = c.NoDevices || d.NoDevices
	if c.Devices == nil {
		c.Devices = d.Devices
	}
	if c.Timers == nil {
		c.Timers = d.Timers
	}
	if c.Remote == nil {
		c.Remote = d.Remote
	}
	return c
}

// ApplyEnv overrides fields from SEAMSTRESS_* variables. getenv is
// os.Getenv outside tests.
func (c Config) ApplyEnv(getenv func(string) string) (Config, error) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("SEAMSTRESS_SCRIPT", &c.Script)
	str("SEAMSTRESS_LOG_LEVEL", &c.LogLevel)
	str("SEAMSTRESS_METRICS_ADDR", &c.MetricsAddr)
	if err := errors.Join(
		num("SEAMSTRESS_LOCAL_PORT", &c.LocalPort),
		num("SEAMSTRESS_REMOTE_PORT", &c.RemotePort),
	); err != nil {
		return c, err
	}
	if addr := getenv("SEAMSTRESS_REDIS_ADDR"); addr != "" {
		if c.Remote == nil {
			c.Remote = &Remote{}
		}
		c.Remote.Addr = addr
	}
	return c, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Script == "" {
		errs = append(errs, errors.New("script must not be empty"))
	}
	for name, port := range map[string]int{"local_port": c.LocalPort, "remote_port": c.RemotePort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if c.QueueCapacity < 0 {
		errs = append(errs, errors.New("queue_capacity must not be negative"))
	}
	for _, d := range []struct{ name, v string }{{"stop_grace", c.StopGrace}, {"slow_handler", c.SlowHandler}} {
		if _, err := parseDuration(d.v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	for i, t := range c.Timers {
		if d, err := parseDuration(t.Interval); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("timers[%d]: interval %q must be a positive duration", i, t.Interval))
		}
	}
	if c.Remote != nil && c.Remote.Addr == "" {
		errs = append(errs, errors.New("remote.addr must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// StopGraceDuration is zero when unset or invalid.
func (c Config) StopGraceDuration() time.Duration {
	d, _ := parseDuration(c.StopGrace)
	return d
}

func (c Config) SlowHandlerDuration() time.Duration {
	d, _ := parseDuration(c.SlowHandler)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
