package adapter

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailored-agentic-units/relay/runner"
	"github.com/tailored-agentic-units/relay/session"
)

const defaultEventBuffer = 64

// Config holds initialization parameters for all adapter subsystems.
// Each subsystem section delegates to that subsystem's config-driven
// constructor.
type Config struct {
	Agent       runner.Config  `json:"agent"`
	Session     session.Config `json:"session"`
	EventBuffer int            `json:"event_buffer,omitempty"`
	Observer    string         `json:"observer,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Agent:       runner.DefaultConfig(),
		Session:     session.DefaultConfig(),
		EventBuffer: defaultEventBuffer,
		Observer:    "slog",
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	c.Agent.Merge(&source.Agent)
	c.Session.Merge(&source.Session)

	if source.EventBuffer > 0 {
		c.EventBuffer = source.EventBuffer
	}
	if source.Observer != "" {
		c.Observer = source.Observer
	}
}

// LoadConfig reads a JSON config file, merges it with defaults, and returns
// the resulting Config.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
