// ABOUTME: Package documentation for configuration loading.
// ABOUTME: YAML gateway config plus a TOML tool-server manifest.

// Package config loads and validates the gateway's configuration.
//
// # Overview
//
// The main configuration is a YAML file with ${VAR} environment variable
// expansion and human-readable duration strings ("30s", "5m"). It covers
// the HTTP listener, the SQLite database path, the upstream providers,
// account balance and rate-limit defaults, the agent loop bounds, and
// logging.
//
// Tool servers are declared separately in a TOML manifest referenced by
// tools.manifest_path, so operators can add or remove servers without
// touching the gateway config. See [LoadManifest].
package config
