package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides file settings with PROPSYNC_* environment variables.
// Invalid values are reported together and leave the setting unchanged.
func (c *Config) ApplyEnv() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.Log.Level = envOrDefault("PROPSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("PROPSYNC_LOG_FORMAT", c.Log.Format)
	c.Log.Path = expandDSN(envOrDefault("PROPSYNC_LOG_PATH", c.Log.Path))
	c.Cache.Dir = expandDSN(envOrDefault("PROPSYNC_CACHE_DIR", c.Cache.Dir))

	c.Remote.Kind = strings.ToLower(envOrDefault("PROPSYNC_REMOTE", c.Remote.Kind))
	c.Remote.URL = envOrDefault("PROPSYNC_REMOTE_URL", c.Remote.URL)
	c.Remote.Token = envOrDefault("PROPSYNC_TOKEN", c.Remote.Token)
	c.Remote.Backend = expandDSN(envOrDefault("PROPSYNC_REMOTE_BACKEND", c.Remote.Backend))
	c.Remote.SurrealDB.URL = envOrDefault("PROPSYNC_SURREALDB_URL", c.Remote.SurrealDB.URL)
	c.Remote.SurrealDB.Username = envOrDefault("PROPSYNC_SURREALDB_USER", c.Remote.SurrealDB.Username)
	c.Remote.SurrealDB.Password = envOrDefault("PROPSYNC_SURREALDB_PASSWORD", c.Remote.SurrealDB.Password)
	var err error
	c.Remote.Timeout, err = durationEnv("PROPSYNC_REMOTE_TIMEOUT", c.Remote.Timeout)
	check(err)
	c.Remote.DetectConflicts, err = boolEnv("PROPSYNC_DETECT_CONFLICTS", c.Remote.DetectConflicts)
	check(err)

	c.Outbox.DSN = expandDSN(envOrDefault("PROPSYNC_OUTBOX_DSN", c.Outbox.DSN))
	c.Outbox.Capacity, err = intEnv("PROPSYNC_OUTBOX_CAPACITY", c.Outbox.Capacity)
	check(err)
	c.Outbox.MaxAttempts, err = intEnv("PROPSYNC_OUTBOX_MAX_ATTEMPTS", c.Outbox.MaxAttempts)
	check(err)
	c.Outbox.FlushInterval, err = durationEnv("PROPSYNC_FLUSH_INTERVAL", c.Outbox.FlushInterval)
	check(err)
	c.Outbox.FlushJitter, err = floatEnv("PROPSYNC_FLUSH_JITTER", c.Outbox.FlushJitter)
	check(err)

	c.Server.Addr = envOrDefault("PROPSYNC_ADDR", c.Server.Addr)
	c.Server.Backend = expandDSN(envOrDefault("PROPSYNC_BACKEND_DSN", c.Server.Backend))
	c.Server.Profile = strings.ToLower(envOrDefault("PROPSYNC_BACKEND_PROFILE", c.Server.Profile))
	c.Server.DataDir = envOrDefault("PROPSYNC_DATA_DIR", c.Server.DataDir)
	c.Server.JWTSecret = envOrDefault("PROPSYNC_JWT_SECRET", c.Server.JWTSecret)
	c.Server.RateLimitMax, err = intEnv("PROPSYNC_RATE_LIMIT_MAX", c.Server.RateLimitMax)
	check(err)
	c.Server.RateLimitWindow, err = durationEnv("PROPSYNC_RATE_LIMIT_WINDOW", c.Server.RateLimitWindow)
	check(err)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return c.Validate()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	return value, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	return value, nil
}

func floatEnv(name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	return value, nil
}

func boolEnv(name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	return value, nil
}
