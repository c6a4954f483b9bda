// ABOUTME: Configuration loading and parsing for swarm-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/swarm-relay/internal/topology"
)

// Config represents the complete swarm-relay configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds listener and identity configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	ServerID string `yaml:"server_id"`
}

// DatabaseConfig holds the audit store configuration. An empty path
// disables persistence.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CoordinationConfig holds swarm timing, capacity, and topology settings
type CoordinationConfig struct {
	HeartbeatInterval  time.Duration `yaml:"-"`
	HeartbeatTimeout   time.Duration `yaml:"-"`
	CleanupInterval    time.Duration `yaml:"-"`
	PendingGracePeriod time.Duration `yaml:"-"`
	RequestTimeout     time.Duration `yaml:"-"`

	QueueSize      int    `yaml:"queue_size"`
	MaxConnections int    `yaml:"max_connections"`
	Topology       string `yaml:"topology"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw  string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw   string `yaml:"heartbeat_timeout"`
	CleanupIntervalRaw    string `yaml:"cleanup_interval"`
	PendingGracePeriodRaw string `yaml:"pending_grace_period"`
	RequestTimeoutRaw     string `yaml:"request_timeout"`
}

// BridgeConfig holds orchestrator bridge configuration
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Source  string `yaml:"source"`

	StatusInterval time.Duration `yaml:"-"`
	StatsInterval  time.Duration `yaml:"-"`

	StatusIntervalRaw string `yaml:"status_interval"`
	StatsIntervalRaw  string `yaml:"stats_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Coordination.Topology != "" {
		if _, err := topology.ParsePolicy(c.Coordination.Topology); err != nil {
			return fmt.Errorf("coordination.topology: %w", err)
		}
	}

	if c.Coordination.QueueSize < 0 {
		return fmt.Errorf("coordination.queue_size must not be negative")
	}
	if c.Coordination.MaxConnections < 0 {
		return fmt.Errorf("coordination.max_connections must not be negative")
	}

	if c.Coordination.HeartbeatInterval > 0 && c.Coordination.HeartbeatTimeout > 0 &&
		c.Coordination.HeartbeatTimeout <= c.Coordination.HeartbeatInterval {
		return fmt.Errorf("coordination.heartbeat_timeout must exceed heartbeat_interval")
	}

	return nil
}

// durationField binds one raw YAML string to its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"heartbeat_interval", cfg.Coordination.HeartbeatIntervalRaw, &cfg.Coordination.HeartbeatInterval},
		{"heartbeat_timeout", cfg.Coordination.HeartbeatTimeoutRaw, &cfg.Coordination.HeartbeatTimeout},
		{"cleanup_interval", cfg.Coordination.CleanupIntervalRaw, &cfg.Coordination.CleanupInterval},
		{"pending_grace_period", cfg.Coordination.PendingGracePeriodRaw, &cfg.Coordination.PendingGracePeriod},
		{"request_timeout", cfg.Coordination.RequestTimeoutRaw, &cfg.Coordination.RequestTimeout},
		{"status_interval", cfg.Bridge.StatusIntervalRaw, &cfg.Bridge.StatusInterval},
		{"stats_interval", cfg.Bridge.StatsIntervalRaw, &cfg.Bridge.StatsInterval},
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
