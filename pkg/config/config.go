package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Health    HealthConfig    `yaml:"health"`
	History   HistoryConfig   `yaml:"history"`
	Retry     RetryConfig     `yaml:"retry"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	HookQueue HookQueueConfig `yaml:"hook_queue"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds listener and storage settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	GRPCAddr     string `yaml:"grpc_addr"`
	DataDir      string `yaml:"data_dir"`
	APIRateLimit int    `yaml:"api_rate_limit"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HeartbeatConfig controls the system heartbeat emitter
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// HealthConfig controls liveness probing of viewer connections
type HealthConfig struct {
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	StaleSweepInterval time.Duration `yaml:"stale_sweep_interval"`
}

// HistoryConfig controls the replay buffer
type HistoryConfig struct {
	Capacity    int `yaml:"capacity"`
	ReplayLimit int `yaml:"replay_limit"`
}

// RetryConfig controls redelivery of failed sends
type RetryConfig struct {
	Capacity    int             `yaml:"capacity"`
	Steps       []time.Duration `yaml:"steps"`
	MaxAttempts int             `yaml:"max_attempts"`
	MaxAge      time.Duration   `yaml:"max_age"`
	Interval    time.Duration   `yaml:"interval"`
}

// DeliveryConfig controls per-connection sends
type DeliveryConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
	OutboxSize  int           `yaml:"outbox_size"`
}

// HookQueueConfig controls the inline hook event queue
type HookQueueConfig struct {
	Capacity          int           `yaml:"capacity"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

// SessionConfig controls the active session table
type SessionConfig struct {
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// Default returns the configuration with every knob at its default
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8765",
			DataDir:      "./pulse-data",
			APIRateLimit: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Heartbeat: HeartbeatConfig{
			Interval: 60 * time.Second,
		},
		Health: HealthConfig{
			PingInterval:       30 * time.Second,
			PingTimeout:        10 * time.Second,
			StaleThreshold:     40 * time.Second,
			StaleSweepInterval: 60 * time.Second,
		},
		History: HistoryConfig{
			Capacity:    1000,
			ReplayLimit: 50,
		},
		Retry: RetryConfig{
			Capacity:    1000,
			Steps:       []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
			MaxAttempts: 3,
			MaxAge:      30 * time.Second,
			Interval:    2 * time.Second,
		},
		Delivery: DeliveryConfig{
			SendTimeout: 5 * time.Second,
			OutboxSize:  256,
		},
		HookQueue: HookQueueConfig{
			Capacity:          1000,
			PollInterval:      time.Second,
			ProcessingTimeout: 2 * time.Second,
		},
		Session: SessionConfig{
			InactivityThreshold: time.Hour,
			SweepInterval:       time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Port returns the numeric port of Server.Addr, or 0 if it has none
func (c *Config) Port() int {
	_, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}

// Validate checks every knob for a usable value
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Server.Addr != "", "server.addr must be set")
	check(c.Server.APIRateLimit >= 0, "server.api_rate_limit must not be negative")
	check(c.Heartbeat.Interval > 0, "heartbeat.interval must be positive")
	check(c.Health.PingInterval > 0, "health.ping_interval must be positive")
	check(c.Health.PingTimeout > 0, "health.ping_timeout must be positive")
	check(c.Health.StaleThreshold > 0, "health.stale_threshold must be positive")
	check(c.Health.StaleSweepInterval > 0, "health.stale_sweep_interval must be positive")
	check(c.History.Capacity > 0, "history.capacity must be positive")
	check(c.History.ReplayLimit >= 0, "history.replay_limit must not be negative")
	check(c.Retry.Capacity > 0, "retry.capacity must be positive")
	check(len(c.Retry.Steps) > 0, "retry.steps must not be empty")
	for i, step := range c.Retry.Steps {
		check(step > 0, "retry.steps[%d] must be positive", i)
	}
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be positive")
	check(c.Retry.MaxAge > 0, "retry.max_age must be positive")
	check(c.Retry.Interval > 0, "retry.interval must be positive")
	check(c.Delivery.SendTimeout > 0, "delivery.send_timeout must be positive")
	check(c.Delivery.OutboxSize > 0, "delivery.outbox_size must be positive")
	check(c.HookQueue.Capacity > 0, "hook_queue.capacity must be positive")
	check(c.HookQueue.PollInterval > 0, "hook_queue.poll_interval must be positive")
	check(c.HookQueue.ProcessingTimeout > 0, "hook_queue.processing_timeout must be positive")
	check(c.Session.InactivityThreshold > 0, "session.inactivity_threshold must be positive")
	check(c.Session.SweepInterval > 0, "session.sweep_interval must be positive")

	return errors.Join(errs...)
}
