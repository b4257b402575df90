// Package config holds the process configuration: where to listen, where
// shared memory lives, the credential secret and the team registration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for the orchestration service.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// TeamFile points at the worker registration YAML.
	TeamFile string `yaml:"team_file"`
	// MemoryPath is the SQLite path for the shared memory service.
	// ":memory:" keeps it ephemeral.
	MemoryPath string `yaml:"memory_path"`
	// Secret signs credential handles. Empty generates a random one at
	// startup, which is fine for a single-process deployment.
	Secret string `yaml:"secret"`
	// PeerToken is the process identity presented on peer agent calls.
	PeerToken string `yaml:"peer_token"`
	// OTLPEndpoint optionally exports traces to a collector; empty keeps
	// telemetry in-process only.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:     "127.0.0.1:8091",
		TeamFile:   "team.yaml",
		MemoryPath: ":memory:",
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	if v := os.Getenv("FIELDWORK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FIELDWORK_TEAM_FILE"); v != "" {
		cfg.TeamFile = v
	}
	if v := os.Getenv("FIELDWORK_MEMORY_PATH"); v != "" {
		cfg.MemoryPath = v
	}
	if v := os.Getenv("FIELDWORK_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("FIELDWORK_PEER_TOKEN"); v != "" {
		cfg.PeerToken = v
	}
	if v := os.Getenv("FIELDWORK_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	return cfg, nil
}
