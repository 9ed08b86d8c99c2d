package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models productline.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
}

// EngineConfig bounds evaluation and cloning.
type EngineConfig struct {
	// EvalWorkers caps concurrent rule evaluations inside one level.
	EvalWorkers int `yaml:"eval_workers"`
	// EvalTimeout bounds a whole evaluation run; cancellation happens at
	// level boundaries.
	EvalTimeout time.Duration `yaml:"eval_timeout"`
	// ImpactMaxDepth bounds transitive downstream traversal.
	ImpactMaxDepth int         `yaml:"impact_max_depth"`
	CloneLimits    CloneLimits `yaml:"clone_limits"`
}

// CloneLimits are per-entity ceilings for a single product clone.
type CloneLimits struct {
	AbstractAttributes int `yaml:"abstract_attributes"`
	Attributes         int `yaml:"attributes"`
	Rules              int `yaml:"rules"`
	Functionalities    int `yaml:"functionalities"`
}

// Default returns the default configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v1"
	cfg.Engine = EngineConfig{
		EvalWorkers:    8,
		EvalTimeout:    30 * time.Second,
		ImpactMaxDepth: 5,
		CloneLimits: CloneLimits{
			AbstractAttributes: 10_000,
			Attributes:         100_000,
			Rules:              10_000,
			Functionalities:    1_000,
		},
	}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Engine.EvalWorkers <= 0 {
		return fmt.Errorf("config.engine.eval_workers must be positive")
	}
	if c.Engine.EvalTimeout <= 0 {
		return fmt.Errorf("config.engine.eval_timeout must be positive")
	}
	if c.Engine.ImpactMaxDepth <= 0 {
		return fmt.Errorf("config.engine.impact_max_depth must be positive")
	}
	l := c.Engine.CloneLimits
	if l.AbstractAttributes <= 0 || l.Attributes <= 0 || l.Rules <= 0 || l.Functionalities <= 0 {
		return fmt.Errorf("config.engine.clone_limits must all be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "productline.yml")
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Absent fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for `pl config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
  allow_legacy_actor_header: false

engine:
  eval_workers: 8
  eval_timeout: 30s
  impact_max_depth: 5
  clone_limits:
    abstract_attributes: 10000
    attributes: 100000
    rules: 10000
    functionalities: 1000
`
