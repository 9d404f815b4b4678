// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timing and capacity values applied when the config file leaves
// them unset.
const (
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultAssignmentTimeout = 5 * time.Second
	DefaultMaxAssignRetries  = 3
	DefaultLoadCeiling       = 5
	DefaultSweepInterval     = time.Minute
	DefaultReconnectGrace    = 3 * time.Minute
)

// Config represents the complete switchboard configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Broker   BrokerConfig   `yaml:"broker"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BrokerConfig holds assignment-protocol and presence timing configuration
type BrokerConfig struct {
	HeartbeatTimeout  time.Duration `yaml:"-"`
	AssignmentTimeout time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	// ReconnectGrace is how long a disconnected agent's conversations
	// are preserved before they are closed as abandoned.
	ReconnectGrace time.Duration `yaml:"-"`

	MaxAssignRetries int  `yaml:"max_assign_retries"`
	LoadCeiling      int  `yaml:"load_ceiling"`
	SweepEnabled     bool `yaml:"sweep_enabled"`

	// Raw string values for YAML unmarshaling
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	AssignmentTimeoutRaw string `yaml:"assignment_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
	ReconnectGraceRaw    string `yaml:"reconnect_grace_period"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config populated with defaults, suitable for tests
// and for the `switchboard init` seed file.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: ":8090"},
		Database: DatabaseConfig{Path: "switchboard.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
	cfg.applyDefaults()
	return cfg
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

func (c *Config) applyDefaults() {
	if c.Broker.HeartbeatTimeout == 0 {
		c.Broker.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Broker.AssignmentTimeout == 0 {
		c.Broker.AssignmentTimeout = DefaultAssignmentTimeout
	}
	if c.Broker.SweepInterval == 0 {
		c.Broker.SweepInterval = DefaultSweepInterval
	}
	if c.Broker.ReconnectGrace == 0 {
		c.Broker.ReconnectGrace = DefaultReconnectGrace
	}
	if c.Broker.MaxAssignRetries == 0 {
		c.Broker.MaxAssignRetries = DefaultMaxAssignRetries
	}
	if c.Broker.LoadCeiling == 0 {
		c.Broker.LoadCeiling = DefaultLoadCeiling
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Broker.MaxAssignRetries < 0 {
		return fmt.Errorf("broker.max_assign_retries must not be negative")
	}

	if c.Broker.LoadCeiling < 1 {
		return fmt.Errorf("broker.load_ceiling must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Broker.HeartbeatTimeoutRaw != "" {
		cfg.Broker.HeartbeatTimeout, err = time.ParseDuration(cfg.Broker.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Broker.HeartbeatTimeoutRaw, err)
		}
	}

	if cfg.Broker.AssignmentTimeoutRaw != "" {
		cfg.Broker.AssignmentTimeout, err = time.ParseDuration(cfg.Broker.AssignmentTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing assignment_timeout %q: %w", cfg.Broker.AssignmentTimeoutRaw, err)
		}
	}

	if cfg.Broker.SweepIntervalRaw != "" {
		cfg.Broker.SweepInterval, err = time.ParseDuration(cfg.Broker.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Broker.SweepIntervalRaw, err)
		}
	}

	if cfg.Broker.ReconnectGraceRaw != "" {
		cfg.Broker.ReconnectGrace, err = time.ParseDuration(cfg.Broker.ReconnectGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_grace_period %q: %w", cfg.Broker.ReconnectGraceRaw, err)
		}
	}

	return nil
}
