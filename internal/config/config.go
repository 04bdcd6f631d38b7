// Package config loads the propsync TOML configuration shared by the client
// agent and the document server.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigPath = "~/.config/propsync/config.toml"
	defaultDataDir    = "~/.local/share/propsync"

	RemoteHTTP      = "http"
	RemoteSurrealDB = "surrealdb"
	RemoteDirect    = "direct"
)

type Config struct {
	// Path is the file the configuration was read from, even when it did
	// not exist.
	Path   string
	Log    LogConfig
	Cache  CacheConfig
	Remote RemoteConfig
	Outbox OutboxConfig
	Server ServerConfig
}

type LogConfig struct {
	Level  string
	Format string
	Path   string
}

type CacheConfig struct {
	Dir string
}

type RemoteConfig struct {
	// Kind is http, surrealdb or direct.
	Kind            string
	URL             string
	Token           string
	Collection      string
	Document        string
	Timeout         time.Duration
	DetectConflicts bool
	// Backend is the docstore DSN used by the direct remote.
	Backend   string
	SurrealDB SurrealDBConfig
}

type SurrealDBConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

type OutboxConfig struct {
	// DSN selects the queue; empty disables the outbox.
	DSN            string
	Capacity       int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	FlushInterval  time.Duration
	FlushJitter    float64
}

type ServerConfig struct {
	Addr            string
	Backend         string
	Profile         string
	DataDir         string
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Default returns the configuration used when no file exists.
func Default() Config {
	dataDir := mustExpand(defaultDataDir)
	return Config{
		Path: mustExpand(defaultConfigPath),
		Log:  LogConfig{Level: "info", Format: "console"},
		Cache: CacheConfig{
			Dir: dataDir,
		},
		Remote: RemoteConfig{
			Kind:       RemoteHTTP,
			URL:        "http://127.0.0.1:8080",
			Collection: "prop_lifecycle",
			Document:   "app_state",
			Timeout:    10 * time.Second,
			SurrealDB: SurrealDBConfig{
				Namespace: "spaceya",
				Database:  "propsync",
			},
		},
		Outbox: OutboxConfig{
			DSN:            "file://" + filepath.Join(dataDir, "outbox.json"),
			Capacity:       1024,
			MaxAttempts:    8,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			FlushInterval:  15 * time.Second,
			FlushJitter:    0.2,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			DataDir:         ".propsync",
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    4 << 20,
		},
	}
}

type rawConfig struct {
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		Path   string `toml:"path"`
	} `toml:"log"`
	Cache struct {
		Dir string `toml:"dir"`
	} `toml:"cache"`
	Remote struct {
		Kind            string `toml:"kind"`
		URL             string `toml:"url"`
		Token           string `toml:"token"`
		Collection      string `toml:"collection"`
		Document        string `toml:"document"`
		Timeout         string `toml:"timeout"`
		DetectConflicts *bool  `toml:"detect_conflicts"`
		Backend         string `toml:"backend"`
		SurrealDB       struct {
			URL       string `toml:"url"`
			Namespace string `toml:"namespace"`
			Database  string `toml:"database"`
			Username  string `toml:"username"`
			Password  string `toml:"password"`
		} `toml:"surrealdb"`
	} `toml:"remote"`
	Outbox struct {
		DSN            *string  `toml:"dsn"`
		Capacity       int      `toml:"capacity"`
		MaxAttempts    int      `toml:"max_attempts"`
		InitialBackoff string   `toml:"initial_backoff"`
		MaxBackoff     string   `toml:"max_backoff"`
		FlushInterval  string   `toml:"flush_interval"`
		FlushJitter    *float64 `toml:"flush_jitter"`
	} `toml:"outbox"`
	Server struct {
		Addr            string `toml:"addr"`
		Backend         string `toml:"backend"`
		Profile         string `toml:"profile"`
		DataDir         string `toml:"data_dir"`
		JWTSecret       string `toml:"jwt_secret"`
		RateLimitMax    int    `toml:"rate_limit_max"`
		RateLimitWindow string `toml:"rate_limit_window"`
		MaxBodyBytes    int64  `toml:"max_body_bytes"`
	} `toml:"server"`
}

// Load parses the config file at path, falling back to defaults when it is
// missing. An empty path means ~/.config/propsync/config.toml.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	cfg.Path = resolved

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.merge(raw); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) merge(raw rawConfig) error {
	setString(&c.Log.Level, raw.Log.Level)
	setString(&c.Log.Format, raw.Log.Format)
	setPath(&c.Log.Path, raw.Log.Path)

	setPath(&c.Cache.Dir, raw.Cache.Dir)

	setString(&c.Remote.Kind, strings.ToLower(raw.Remote.Kind))
	setString(&c.Remote.URL, raw.Remote.URL)
	setString(&c.Remote.Token, raw.Remote.Token)
	setString(&c.Remote.Collection, raw.Remote.Collection)
	setString(&c.Remote.Document, raw.Remote.Document)
	setString(&c.Remote.Backend, raw.Remote.Backend)
	if raw.Remote.DetectConflicts != nil {
		c.Remote.DetectConflicts = *raw.Remote.DetectConflicts
	}
	setString(&c.Remote.SurrealDB.URL, raw.Remote.SurrealDB.URL)
	setString(&c.Remote.SurrealDB.Namespace, raw.Remote.SurrealDB.Namespace)
	setString(&c.Remote.SurrealDB.Database, raw.Remote.SurrealDB.Database)
	setString(&c.Remote.SurrealDB.Username, raw.Remote.SurrealDB.Username)
	setString(&c.Remote.SurrealDB.Password, raw.Remote.SurrealDB.Password)

	if raw.Outbox.DSN != nil {
		c.Outbox.DSN = expandDSN(strings.TrimSpace(*raw.Outbox.DSN))
	}
	setInt(&c.Outbox.Capacity, raw.Outbox.Capacity)
	setInt(&c.Outbox.MaxAttempts, raw.Outbox.MaxAttempts)
	if raw.Outbox.FlushJitter != nil {
		c.Outbox.FlushJitter = *raw.Outbox.FlushJitter
	}

	setString(&c.Server.Addr, raw.Server.Addr)
	setString(&c.Server.Backend, expandDSN(strings.TrimSpace(raw.Server.Backend)))
	setString(&c.Server.Profile, strings.ToLower(raw.Server.Profile))
	setPath(&c.Server.DataDir, raw.Server.DataDir)
	setString(&c.Server.JWTSecret, raw.Server.JWTSecret)
	setInt(&c.Server.RateLimitMax, raw.Server.RateLimitMax)
	if raw.Server.MaxBodyBytes > 0 {
		c.Server.MaxBodyBytes = raw.Server.MaxBodyBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"remote.timeout", raw.Remote.Timeout, &c.Remote.Timeout},
		{"outbox.initial_backoff", raw.Outbox.InitialBackoff, &c.Outbox.InitialBackoff},
		{"outbox.max_backoff", raw.Outbox.MaxBackoff, &c.Outbox.MaxBackoff},
		{"outbox.flush_interval", raw.Outbox.FlushInterval, &c.Outbox.FlushInterval},
		{"server.rate_limit_window", raw.Server.RateLimitWindow, &c.Server.RateLimitWindow},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		value, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse config: %s: %w", d.key, err)
		}
		*d.dst = value
	}
	return c.Validate()
}

// Validate reports settings no component can run with.
func (c Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteHTTP, RemoteSurrealDB, RemoteDirect:
	default:
		return fmt.Errorf("unsupported remote kind %q", c.Remote.Kind)
	}
	if c.Outbox.FlushJitter < 0 || c.Outbox.FlushJitter > 1 {
		return fmt.Errorf("outbox.flush_jitter must be between 0 and 1, got %v", c.Outbox.FlushJitter)
	}
	if c.Outbox.Capacity < 0 || c.Outbox.MaxAttempts < 0 {
		return errors.New("outbox capacity and max_attempts must not be negative")
	}
	return nil
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func setPath(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = mustExpand(value)
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}

// expandDSN expands ~ in file:// and sqlite:// DSNs.
func expandDSN(dsn string) string {
	for _, scheme := range []string{"file://", "sqlite://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok && strings.HasPrefix(rest, "~") {
			return scheme + mustExpand(rest)
		}
	}
	if strings.HasPrefix(dsn, "~") {
		return mustExpand(dsn)
	}
	return dsn
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
