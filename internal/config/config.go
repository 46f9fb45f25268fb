// Package config handles Aerie configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aerie/config.yaml, /etc/aerie/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aerie", "config.yaml"))
	}

	paths = append(paths, "/etc/aerie/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Aerie configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Agent       AgentConfig       `yaml:"agent"`
	Memory      MemoryConfig      `yaml:"memory"`
	Models      ModelsConfig      `yaml:"models"`
	Sensors     SensorsConfig     `yaml:"sensors"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Observation ObservationConfig `yaml:"observation"`
	DataDir     string            `yaml:"data_dir"`
	Timezone    string            `yaml:"timezone"`
	Location    string            `yaml:"location"` // Free-form place name shown to the model
	LogLevel    string            `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AgentConfig bounds a single reasoning run.
type AgentConfig struct {
	MaxIterations      int `yaml:"max_iterations"`       // Default 10
	GatewayTimeoutSec  int `yaml:"gateway_timeout_sec"`  // Per model call, default 120
	ToolTimeoutSec     int `yaml:"tool_timeout_sec"`     // Per tool invocation, default 30
	MaxGatewayFailures int `yaml:"max_gateway_failures"` // Consecutive failures before giving up, default 2
}

// GatewayTimeout returns the per-call model timeout.
func (c AgentConfig) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSec) * time.Second
}

// ToolTimeout returns the per-invocation tool timeout.
func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// MemoryConfig defines conversation memory settings.
type MemoryConfig struct {
	// RecentCapacity is the number of turns kept in the recent tier
	// before the oldest is moved to the archive (default 10).
	RecentCapacity int           `yaml:"recent_capacity"`
	Archive        ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig selects where evicted turns are persisted.
type ArchiveConfig struct {
	// Backend is one of "file", "sqlite" or "redis" (default "file").
	Backend string `yaml:"backend"`
	// Path is the archive directory (file) or database file (sqlite).
	// Defaults live under data_dir.
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig defines the redis archive connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"` // Key prefix, default "aerie:"
}

// ModelsConfig defines which language model answers and how to reach it.
type ModelsConfig struct {
	Provider    string       `yaml:"provider"` // ollama or openai
	Default     string       `yaml:"default"`
	Fallback    string       `yaml:"fallback"` // Optional second model tried when the default fails
	OllamaURL   string       `yaml:"ollama_url"`
	Temperature float64      `yaml:"temperature"`
	OpenAI      OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig defines OpenAI (or compatible) API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// SensorsConfig defines the sensor dataset.
type SensorsConfig struct {
	DBPath        string `yaml:"db_path"`          // SQLite file with the data table, default data_dir/sensors.db
	LiveMaxAgeSec int    `yaml:"live_max_age_sec"` // How long an MQTT reading overrides the database, default 900
}

// LiveMaxAge returns how long a live reading stays authoritative.
func (c SensorsConfig) LiveMaxAge() time.Duration {
	return time.Duration(c.LiveMaxAgeSec) * time.Second
}

// MQTTConfig defines the optional live sensor feed.
type MQTTConfig struct {
	Broker    string  `yaml:"broker"` // e.g. mqtt://localhost:1883; empty disables ingest
	Username  string  `yaml:"username"`
	Password  string  `yaml:"password"`
	ClientID  string  `yaml:"client_id"`
	Topic     string  `yaml:"topic"`      // Default sensors/+/+
	RateLimit float64 `yaml:"rate_limit"` // Messages per second accepted, default 50
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ObservationConfig bounds tool output fed back to the model.
type ObservationConfig struct {
	MaxChars int `yaml:"max_chars"` // Default 2000
	MaxRows  int `yaml:"max_rows"`  // Default 20
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.GatewayTimeoutSec == 0 {
		c.Agent.GatewayTimeoutSec = 120
	}
	if c.Agent.ToolTimeoutSec == 0 {
		c.Agent.ToolTimeoutSec = 30
	}
	if c.Agent.MaxGatewayFailures == 0 {
		c.Agent.MaxGatewayFailures = 2
	}
	if c.Memory.RecentCapacity == 0 {
		c.Memory.RecentCapacity = 10
	}
	if c.Memory.Archive.Backend == "" {
		c.Memory.Archive.Backend = "file"
	}
	c.Memory.Archive.Path = expandHome(c.Memory.Archive.Path)
	if c.Memory.Archive.Path == "" {
		switch c.Memory.Archive.Backend {
		case "sqlite":
			c.Memory.Archive.Path = filepath.Join(c.DataDir, "archive.db")
		default:
			c.Memory.Archive.Path = filepath.Join(c.DataDir, "archive")
		}
	}
	if c.Memory.Archive.Redis.Prefix == "" {
		c.Memory.Archive.Redis.Prefix = "aerie:"
	}
	if c.Models.Provider == "" {
		c.Models.Provider = "ollama"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	c.Sensors.DBPath = expandHome(c.Sensors.DBPath)
	if c.Sensors.DBPath == "" {
		c.Sensors.DBPath = filepath.Join(c.DataDir, "sensors.db")
	}
	if c.Sensors.LiveMaxAgeSec == 0 {
		c.Sensors.LiveMaxAgeSec = 900
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "sensors/+/+"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "aerie"
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = 50
	}
	if c.Observation.MaxChars == 0 {
		c.Observation.MaxChars = 2000
	}
	if c.Observation.MaxRows == 0 {
		c.Observation.MaxRows = 20
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxGatewayFailures < 1 {
		errs = append(errs, fmt.Errorf("agent.max_gateway_failures must be positive, got %d", c.Agent.MaxGatewayFailures))
	}
	if c.Agent.GatewayTimeoutSec < 0 || c.Agent.ToolTimeoutSec < 0 {
		errs = append(errs, errors.New("agent timeouts must not be negative"))
	}
	if c.Memory.RecentCapacity < 1 {
		errs = append(errs, fmt.Errorf("memory.recent_capacity must be positive, got %d", c.Memory.RecentCapacity))
	}

	switch c.Memory.Archive.Backend {
	case "file", "sqlite":
	case "redis":
		if c.Memory.Archive.Redis.Addr == "" {
			errs = append(errs, errors.New("memory.archive.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown memory.archive.backend %q (valid: file, sqlite, redis)", c.Memory.Archive.Backend))
	}

	switch strings.ToLower(c.Models.Provider) {
	case "ollama":
	case "openai":
		if c.Models.OpenAI.APIKey == "" && c.Models.OpenAI.BaseURL == "" {
			errs = append(errs, errors.New("models.openai.api_key or models.openai.base_url is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown models.provider %q (valid: ollama, openai)", c.Models.Provider))
	}

	if _, err := c.TimeLocation(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// TimeLocation resolves the configured timezone. Archive dates and the
// time shown to the model are computed in this zone.
func (c *Config) TimeLocation() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}
