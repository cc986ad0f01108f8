// Package config loads the nbconn configuration.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("nbconn.yaml").
//	    WithEnvPrefix("NBCONN").
//	    Load()
//
// Priority: defaults, then the YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Connection ConnectionConfig `yaml:"connection" env:"CONNECTION"`
	Proxy      ProxyConfig      `yaml:"proxy" env:"PROXY"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
}

type ServerConfig struct {
	// listen address of the echo server
	Address string `yaml:"address" env:"ADDRESS"`
	// 0 means one worker per CPU
	Workers int `yaml:"workers" env:"WORKERS"`
	// round_robin or hash
	Assignment string        `yaml:"assignment" env:"ASSIGNMENT"`
	PollTick   time.Duration `yaml:"poll_tick" env:"POLL_TICK"`
	MaxEvents  int           `yaml:"max_events" env:"MAX_EVENTS"`
	// 0 disables the timeout
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
}

type ConnectionConfig struct {
	// sync or async
	FlushMode string `yaml:"flush_mode" env:"FLUSH_MODE"`
	// bytes per second, 0 is unlimited
	WriteRate      int           `yaml:"write_rate" env:"WRITE_RATE"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	ReadChunk      int           `yaml:"read_chunk" env:"READ_CHUNK"`
	// write rate applied to the first connection of each remote ip, 0 disables it
	FirstVisitRate int `yaml:"first_visit_rate" env:"FIRST_VISIT_RATE"`
	// number of remote ips remembered by the first visit throttler
	FirstVisitCapacity int `yaml:"first_visit_capacity" env:"FIRST_VISIT_CAPACITY"`
}

type ProxyConfig struct {
	Listen  string `yaml:"listen" env:"LISTEN"`
	Forward string `yaml:"forward" env:"FORWARD"`
}

type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json or console
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:    ":9050",
			Assignment: "round_robin",
			PollTick:   100 * time.Millisecond,
			MaxEvents:  1024,
		},
		Connection: ConnectionConfig{
			FlushMode:      "sync",
			ReadTimeout:    time.Minute,
			WriteTimeout:   time.Minute,
			ConnectTimeout: 10 * time.Second,
			ReadChunk:      16 * 1024,
		},
		Proxy: ProxyConfig{
			Listen:  ":9060",
			Forward: "127.0.0.1:9050",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// Validate checks values the reactor cannot run with.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Workers < 0 {
		errs = append(errs, "server.workers must not be negative")
	}
	switch strings.ToLower(c.Server.Assignment) {
	case "", "round_robin", "roundrobin", "rr", "hash":
	default:
		errs = append(errs, fmt.Sprintf("unknown server.assignment %q", c.Server.Assignment))
	}
	if c.Server.PollTick < 0 || c.Server.IdleTimeout < 0 || c.Server.ConnectionTimeout < 0 {
		errs = append(errs, "server durations must not be negative")
	}

	switch strings.ToLower(c.Connection.FlushMode) {
	case "", "sync", "async":
	default:
		errs = append(errs, fmt.Sprintf("unknown connection.flush_mode %q", c.Connection.FlushMode))
	}
	if c.Connection.WriteRate < 0 || c.Connection.FirstVisitRate < 0 || c.Connection.FirstVisitCapacity < 0 {
		errs = append(errs, "write rates and capacities must not be negative")
	}

	if c.Proxy.Forward != "" {
		if _, _, err := net.SplitHostPort(c.Proxy.Forward); err != nil {
			errs = append(errs, fmt.Sprintf("invalid proxy.forward: %v", err))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
