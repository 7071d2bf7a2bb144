// ABOUTME: TOML tool-server manifest loading
// ABOUTME: Declares the MCP servers the gateway connects to at startup

package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/2389/seance-gateway/internal/tools"
)

// Manifest declares the tool servers available to agents.
type Manifest struct {
	Servers []ManifestServer `toml:"server"`
}

// ManifestServer is one tool server entry. Stdio servers set command;
// remote servers set url and transport.
type ManifestServer struct {
	ID        string            `toml:"id"`
	Transport string            `toml:"transport"` // stdio, sse, or streamable-http
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	Env       []string          `toml:"env"`
	URL       string            `toml:"url"`
	Headers   map[string]string `toml:"headers"`
}

// LoadManifest reads and validates a TOML tool-server manifest.
// Environment variables in the format ${VAR_NAME} are expanded, so API
// keys can live outside the file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var m Manifest
	if _, err := toml.Decode(expanded, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating manifest: %w", err)
	}

	return &m, nil
}

// Validate checks every server entry is complete for its transport.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool)
	for i, s := range m.Servers {
		if s.ID == "" {
			return fmt.Errorf("server[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true

		switch s.Transport {
		case "", "stdio":
			if s.Command == "" {
				return fmt.Errorf("server %q: command is required for stdio transport", s.ID)
			}
		case "sse", "streamable-http":
			if s.URL == "" {
				return fmt.Errorf("server %q: url is required for %s transport", s.ID, s.Transport)
			}
		default:
			return fmt.Errorf("server %q: transport %q is not supported", s.ID, s.Transport)
		}
	}
	return nil
}

// ServerConfigs converts the manifest into executor connection configs.
func (m *Manifest) ServerConfigs() []tools.MCPServerConfig {
	configs := make([]tools.MCPServerConfig, 0, len(m.Servers))
	for _, s := range m.Servers {
		transport := s.Transport
		if transport == "" {
			transport = "stdio"
		}
		configs = append(configs, tools.MCPServerConfig{
			ID:        s.ID,
			Transport: transport,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Headers:   s.Headers,
		})
	}
	return configs
}
