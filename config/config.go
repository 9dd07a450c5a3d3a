// Package config loads the YAML configuration of the server and agent
// binaries. Missing fields take defaults; a few well-known environment
// variables override the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// RedisConfig points at the Redis instance carrying the session feed.
// An empty Addr disables the feed.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	LatestTTL time.Duration `yaml:"latest_ttl"`
}

// DiscoveryConfig controls mDNS announcement and browsing.
type DiscoveryConfig struct {
	Disabled bool          `yaml:"disabled"`
	Instance string        `yaml:"instance"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerConfig configures the broker host.
type ServerConfig struct {
	Addr           string          `yaml:"addr"`
	OutboxLimit    int             `yaml:"outbox_limit"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	ShutdownGrace  time.Duration   `yaml:"shutdown_grace"`
	Redis          RedisConfig     `yaml:"redis"`
	Discovery      DiscoveryConfig `yaml:"discovery"`
	Log            LogConfig       `yaml:"log"`
}

// StoreConfig selects where saved artifacts go. Kind is one of "none",
// "http", "sqlite" or "postgres".
type StoreConfig struct {
	Kind            string        `yaml:"kind"`
	BaseURL         string        `yaml:"base_url"`
	TokenEnv        string        `yaml:"token_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	DatabaseURL     string        `yaml:"database_url"`
	Retries         uint64        `yaml:"retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// AgentConfig configures a client sync agent.
type AgentConfig struct {
	Addr       string          `yaml:"addr"`
	ServerURL  string          `yaml:"server_url"`
	Session    string          `yaml:"session"`
	ClientID   string          `yaml:"client_id"`
	UserID     string          `yaml:"user_id"`
	UIDir      string          `yaml:"ui_dir"`
	DraftsPath string          `yaml:"drafts_path"`
	Store      StoreConfig     `yaml:"store"`
	Redis      RedisConfig     `yaml:"redis"`
	Discovery  DiscoveryConfig `yaml:"discovery"`
	Log        LogConfig       `yaml:"log"`
}

func (c *LogConfig) defaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

func (c *RedisConfig) defaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "blockcollab"
	}
	if c.LatestTTL <= 0 {
		c.LatestTTL = 24 * time.Hour
	}
}

func (c *DiscoveryConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c *ServerConfig) defaults() {
	if c.Addr == "" {
		c.Addr = ":8081"
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = 256
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	c.Redis.defaults()
	c.Discovery.defaults()
	c.Log.defaults()
}

func (c *StoreConfig) defaults() {
	if c.Kind == "" {
		c.Kind = "none"
	}
	if c.TokenEnv == "" {
		c.TokenEnv = "BLOCKCOLLAB_TOKEN"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "saved.db"
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

func (c *AgentConfig) defaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Session == "" {
		c.Session = "default"
	}
	if c.UIDir == "" {
		c.UIDir = "ui"
	}
	if c.DraftsPath == "" {
		c.DraftsPath = "drafts.db"
	}
	c.Store.defaults()
	c.Redis.defaults()
	c.Discovery.defaults()
	c.Log.defaults()
}

func (c *ServerConfig) env() {
	setString(&c.Addr, "BLOCKCOLLAB_ADDR")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
}

func (c *AgentConfig) env() {
	setString(&c.Addr, "BLOCKCOLLAB_ADDR")
	setString(&c.ServerURL, "BLOCKCOLLAB_SERVER_URL")
	setString(&c.Session, "BLOCKCOLLAB_SESSION")
	setString(&c.UserID, "BLOCKCOLLAB_USER")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.BaseURL, "BLOCKCOLLAB_STORE_URL")
	setString(&c.Log.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (c *ServerConfig) validate() error {
	_, err := ParseLevel(c.Log.Level)
	return err
}

func (c *AgentConfig) validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Store.Kind {
	case "none", "sqlite":
	case "http":
		if c.Store.BaseURL == "" {
			return errors.New("config: store.base_url is required for the http store")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return errors.New("config: store.database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}
	return nil
}

// LoadServer reads the server configuration. An empty path or a missing file
// yields the defaults.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.env()
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent reads the agent configuration. An empty path or a missing file
// yields the defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.env()
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the process logger described by c.
func NewLogger(c LogConfig) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
