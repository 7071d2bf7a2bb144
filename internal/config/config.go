// ABOUTME: Configuration loading and parsing for seance-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete seance-gateway configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Providers []ProviderConfig `yaml:"providers"`
	Accounts  AccountsConfig   `yaml:"accounts"`
	Agent     AgentConfig      `yaml:"agent"`
	Tools     ToolsConfig      `yaml:"tools"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig describes one upstream model vendor.
type ProviderConfig struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"` // anthropic, openai, or scripted
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AccountsConfig holds balance and rate limiting configuration.
type AccountsConfig struct {
	DefaultBalance int64 `yaml:"default_balance"`
	RateLimit      int   `yaml:"rate_limit"`

	RateWindow time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RateWindowRaw string `yaml:"rate_window"`
}

// AgentConfig bounds the generation/tool loop. Zero values fall back to
// the orchestrator defaults; there is no way to configure an unbounded loop.
type AgentConfig struct {
	MaxTurns      int   `yaml:"max_turns"`
	HardCapTokens int64 `yaml:"hard_cap_tokens"`

	MaxWallClock time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	MaxWallClockRaw string `yaml:"max_wall_clock"`
}

// ToolsConfig holds tool server configuration.
type ToolsConfig struct {
	// ManifestPath points at the TOML tool-server manifest.
	ManifestPath string `yaml:"manifest_path"`

	InvokeTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	InvokeTimeoutRaw string `yaml:"invoke_timeout"`
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

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
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

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		switch p.Kind {
		case "anthropic", "openai", "scripted":
		default:
			return fmt.Errorf("providers[%d].kind %q is not supported", i, p.Kind)
		}
		if p.Kind != "scripted" && p.APIKey == "" {
			return fmt.Errorf("providers[%d].api_key is required for kind %q", i, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("providers[%d].model is required", i)
		}
	}

	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}
	if c.Agent.HardCapTokens < 0 {
		return fmt.Errorf("agent.hard_cap_tokens must not be negative")
	}

	return nil
}

// Provider returns the provider config with the given ID.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Accounts.RateWindowRaw != "" {
		cfg.Accounts.RateWindow, err = time.ParseDuration(cfg.Accounts.RateWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_window %q: %w", cfg.Accounts.RateWindowRaw, err)
		}
	}

	if cfg.Agent.MaxWallClockRaw != "" {
		cfg.Agent.MaxWallClock, err = time.ParseDuration(cfg.Agent.MaxWallClockRaw)
		if err != nil {
			return fmt.Errorf("parsing max_wall_clock %q: %w", cfg.Agent.MaxWallClockRaw, err)
		}
	}

	if cfg.Tools.InvokeTimeoutRaw != "" {
		cfg.Tools.InvokeTimeout, err = time.ParseDuration(cfg.Tools.InvokeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing invoke_timeout %q: %w", cfg.Tools.InvokeTimeoutRaw, err)
		}
	}

	return nil
}
