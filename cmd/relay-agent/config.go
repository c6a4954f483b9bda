// ABOUTME: Configuration loading for relay-agent
// ABOUTME: Loads TOML config with environment variable expansion; flags override

package main

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Agent   AgentConfig   `toml:"agent"`
	Relay   RelayConfig   `toml:"relay"`
	Logging LoggingConfig `toml:"logging"`
}

type AgentConfig struct {
	ID           string   `toml:"id"`
	Capabilities []string `toml:"capabilities"`
}

type RelayConfig struct {
	URL string `toml:"url"`

	HeartbeatInterval time.Duration `toml:"-"`
	QueueSize         int           `toml:"queue_size"`

	HeartbeatIntervalRaw string `toml:"heartbeat_interval"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Relay.HeartbeatIntervalRaw != "" {
		cfg.Relay.HeartbeatInterval, err = time.ParseDuration(cfg.Relay.HeartbeatIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Relay.HeartbeatIntervalRaw, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	return nil
}

func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
