package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/pulse/pkg/log"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "PULSE_"

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "ADDR")
	setString(&c.Server.GRPCAddr, "GRPC_ADDR")
	setString(&c.Server.DataDir, "DATA_DIR")
	setString(&c.Log.Level, "LOG_LEVEL")

	for _, f := range []func() error{
		func() error { return setInt(&c.Server.APIRateLimit, "API_RATE_LIMIT") },
		func() error { return setBool(&c.Log.JSON, "LOG_JSON") },
		func() error { return setDuration(&c.Heartbeat.Interval, "HEARTBEAT_INTERVAL") },
		func() error { return setDuration(&c.Health.PingInterval, "PING_INTERVAL") },
		func() error { return setDuration(&c.Health.PingTimeout, "PING_TIMEOUT") },
		func() error { return setDuration(&c.Health.StaleThreshold, "STALE_THRESHOLD") },
		func() error { return setDuration(&c.Health.StaleSweepInterval, "STALE_SWEEP_INTERVAL") },
		func() error { return setInt(&c.History.Capacity, "HISTORY_CAPACITY") },
		func() error { return setInt(&c.History.ReplayLimit, "HISTORY_REPLAY") },
		func() error { return setInt(&c.Retry.Capacity, "RETRY_CAPACITY") },
		func() error { return setDurations(&c.Retry.Steps, "RETRY_STEPS") },
		func() error { return setInt(&c.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS") },
		func() error { return setDuration(&c.Retry.MaxAge, "RETRY_MAX_AGE") },
		func() error { return setDuration(&c.Retry.Interval, "RETRY_INTERVAL") },
		func() error { return setDuration(&c.Delivery.SendTimeout, "SEND_TIMEOUT") },
		func() error { return setInt(&c.Delivery.OutboxSize, "OUTBOX_SIZE") },
		func() error { return setInt(&c.HookQueue.Capacity, "HOOK_QUEUE_CAPACITY") },
		func() error { return setDuration(&c.HookQueue.PollInterval, "HOOK_POLL_INTERVAL") },
		func() error { return setDuration(&c.HookQueue.ProcessingTimeout, "HOOK_PROCESSING_TIMEOUT") },
		func() error { return setDuration(&c.Session.InactivityThreshold, "SESSION_INACTIVITY") },
		func() error { return setDuration(&c.Session.SweepInterval, "SESSION_SWEEP_INTERVAL") },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// lookup returns the trimmed value of PULSE_<key>; empty values count as unset
func lookup(key string) (string, bool) {
	name := EnvPrefix + key
	value, ok := os.LookupEnv(name)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", false
	}
	logger := log.WithComponent("config")
	logger.Debug().
		Str("key", name).
		Str("value", value).
		Str("source", "environment").
		Msg("Using environment variable")
	return value, true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalid, EnvPrefix, key, v)
	}
	*dst = i
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, EnvPrefix, key, v)
	}
	*dst = b
	return nil
}

// parseDuration accepts Go durations ("1500ms") and bare seconds ("30")
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := parseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q is not a duration", ErrInvalid, EnvPrefix, key, v)
	}
	*dst = d
	return nil
}

func setDurations(dst *[]time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	parts := strings.Split(v, ",")
	steps := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := parseDuration(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q contains an invalid duration", ErrInvalid, EnvPrefix, key, v)
		}
		steps = append(steps, d)
	}
	*dst = steps
	return nil
}
