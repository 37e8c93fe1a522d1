// ABOUTME: Configuration loading and parsing for mothership-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Persistence backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// Defaults applied to omitted values.
const (
	DefaultHTTPAddr          = "localhost:8080"
	DefaultGRPCAddr          = "localhost:50051"
	DefaultWSPath            = "/agents/ws"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatDeadline = 90 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxParallelSends  = 64
	DefaultQueueSize         = 1024
	DefaultRedisPrefix       = "mothership:"
	MinJWTSecretLength       = 32
)

// Config represents the complete mothership-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Agents      AgentsConfig      `yaml:"agents" toml:"agents"`
	Persistence PersistenceConfig `yaml:"persistence" toml:"persistence"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr is optional; the gRPC agent transport is disabled when empty.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	WSPath   string `yaml:"ws_path" toml:"ws_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AgentsConfig holds agent liveness and dispatch configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatDeadline time.Duration `yaml:"-" toml:"-"`
	DispatchTimeout   time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval,omitempty" toml:"heartbeat_interval,omitempty"`
	HeartbeatDeadlineRaw string `yaml:"heartbeat_deadline,omitempty" toml:"heartbeat_deadline,omitempty"`
	DispatchTimeoutRaw   string `yaml:"dispatch_timeout,omitempty" toml:"dispatch_timeout,omitempty"`
	WriteTimeoutRaw      string `yaml:"write_timeout,omitempty" toml:"write_timeout,omitempty"`

	// AllowedTypes restricts which agent types may register. Empty allows all.
	AllowedTypes     []string `yaml:"allowed_types,omitempty" toml:"allowed_types,omitempty"`
	MaxParallelSends int      `yaml:"max_parallel_sends,omitempty" toml:"max_parallel_sends,omitempty"`
}

// TypeAllowed reports whether agents of the given type may register.
func (a AgentsConfig) TypeAllowed(agentType string) bool {
	return len(a.AllowedTypes) == 0 || slices.Contains(a.AllowedTypes, agentType)
}

// PersistenceConfig selects and configures the storage backend
type PersistenceConfig struct {
	Backend   string       `yaml:"backend" toml:"backend"`
	QueueSize int          `yaml:"queue_size,omitempty" toml:"queue_size,omitempty"`
	SQLite    SQLiteConfig `yaml:"sqlite" toml:"sqlite"`
	Redis     RedisConfig  `yaml:"redis" toml:"redis"`
}

// SQLiteConfig holds SQLite backend configuration
type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RedisConfig holds Redis backend configuration
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password,omitempty" toml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" toml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" toml:"prefix,omitempty"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer-token auth on agent transports and the API.
	JWTSecret string `yaml:"jwt_secret,omitempty" toml:"jwt_secret,omitempty"`
}

// Enabled reports whether token auth is required.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the path to the gateway config file.
// Priority: MOTHERSHIP_CONFIG env var > XDG_CONFIG_HOME/mothership/gateway.yaml > ~/.config/mothership/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("MOTHERSHIP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mothership", "gateway.yaml")
}

// DefaultDataDir returns the mothership data directory.
// Priority: XDG_DATA_HOME/mothership > ~/.local/share/mothership
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mothership")
}

// Default returns a complete configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes configuration bytes in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "yaml", "yml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	out := *c
	a := &out.Agents
	a.HeartbeatIntervalRaw = formatDuration(a.HeartbeatInterval, a.HeartbeatIntervalRaw)
	a.HeartbeatDeadlineRaw = formatDuration(a.HeartbeatDeadline, a.HeartbeatDeadlineRaw)
	a.DispatchTimeoutRaw = formatDuration(a.DispatchTimeout, a.DispatchTimeoutRaw)
	a.WriteTimeoutRaw = formatDuration(a.WriteTimeout, a.WriteTimeoutRaw)
	return yaml.Marshal(&out)
}

func formatDuration(d time.Duration, raw string) string {
	if d == 0 {
		return raw
	}
	return d.String()
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills omitted values.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Tailscale.Enabled && c.Tailscale.StateDir == "" {
		c.Tailscale.StateDir = filepath.Join(DefaultDataDir(), "tailscale")
	}

	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatDeadline == 0 {
		c.Agents.HeartbeatDeadline = DefaultHeartbeatDeadline
	}
	if c.Agents.WriteTimeout == 0 {
		c.Agents.WriteTimeout = DefaultWriteTimeout
	}
	if c.Agents.MaxParallelSends == 0 {
		c.Agents.MaxParallelSends = DefaultMaxParallelSends
	}

	if c.Persistence.Backend == "" {
		c.Persistence.Backend = BackendSQLite
	}
	if c.Persistence.QueueSize == 0 {
		c.Persistence.QueueSize = DefaultQueueSize
	}
	if c.Persistence.Backend == BackendSQLite && c.Persistence.SQLite.Path == "" {
		c.Persistence.SQLite.Path = filepath.Join(DefaultDataDir(), "mothership.db")
	}
	if c.Persistence.Redis.Prefix == "" {
		c.Persistence.Redis.Prefix = DefaultRedisPrefix
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path %q must start with /", c.Server.WSPath)
	}

	if c.Agents.HeartbeatInterval < 0 || c.Agents.HeartbeatDeadline < 0 {
		return errors.New("agents heartbeat durations must be positive")
	}
	if c.Agents.HeartbeatDeadline <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_deadline (%s) must be greater than agents.heartbeat_interval (%s)",
			c.Agents.HeartbeatDeadline, c.Agents.HeartbeatInterval)
	}
	if c.Agents.DispatchTimeout < 0 {
		return errors.New("agents.dispatch_timeout must not be negative")
	}
	if c.Agents.WriteTimeout < 0 {
		return errors.New("agents.write_timeout must not be negative")
	}
	if c.Agents.MaxParallelSends < 0 {
		return errors.New("agents.max_parallel_sends must not be negative")
	}

	switch c.Persistence.Backend {
	case BackendSQLite:
		if c.Persistence.SQLite.Path == "" {
			return errors.New("persistence.sqlite.path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Persistence.Redis.Addr == "" {
			return errors.New("persistence.redis.addr is required for the redis backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("persistence.backend %q must be one of sqlite, redis, none", c.Persistence.Backend)
	}
	if c.Persistence.QueueSize < 0 {
		return errors.New("persistence.queue_size must not be negative")
	}

	if c.Auth.Enabled() && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"heartbeat_deadline", cfg.Agents.HeartbeatDeadlineRaw, &cfg.Agents.HeartbeatDeadline},
		{"dispatch_timeout", cfg.Agents.DispatchTimeoutRaw, &cfg.Agents.DispatchTimeout},
		{"write_timeout", cfg.Agents.WriteTimeoutRaw, &cfg.Agents.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
