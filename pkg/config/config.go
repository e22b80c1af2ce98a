// Package config holds the fleet configuration file format.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cdpkit/fleet/pkg/fleeterr"
	"github.com/cdpkit/fleet/pkg/health"
	"github.com/cdpkit/fleet/pkg/logging"
	"github.com/cdpkit/fleet/pkg/pool"
	"github.com/cdpkit/fleet/pkg/procmgr"
	"github.com/cdpkit/fleet/pkg/scheduler"
)

// Config is the complete fleet configuration
type Config struct {
	Launcher  procmgr.LaunchConfig `yaml:"launcher" mapstructure:"launcher"`
	Pool      pool.Config          `yaml:"pool" mapstructure:"pool"`
	Scheduler scheduler.Config     `yaml:"scheduler" mapstructure:"scheduler"`
	Health    health.Config        `yaml:"health" mapstructure:"health"`
	Logging   logging.Config       `yaml:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig        `yaml:"metrics" mapstructure:"metrics"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Path      string `yaml:"path" mapstructure:"path"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// Default returns a configuration with every section at its defaults
func Default() Config {
	return Config{
		Launcher:  procmgr.DefaultLaunchConfig(),
		Pool:      pool.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Health:    health.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9464",
			Path:      "/metrics",
			Namespace: "fleet",
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over the defaults and validates the result
func Decode(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fleeterr.Wrap(fleeterr.CodeInvalidParam, err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section
func (c Config) Validate() error {
	checks := []struct {
		section string
		fn      func() error
	}{
		{"launcher", c.Launcher.Validate},
		{"pool", c.PoolConfig().Validate},
		{"scheduler", c.Scheduler.Validate},
		{"health", c.Health.Validate},
		{"logging", c.Logging.Validate},
		{"metrics", c.Metrics.validate},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.section, err)
		}
	}
	return nil
}

// PoolConfig returns the pool settings with the launcher section applied
func (c Config) PoolConfig() pool.Config {
	pc := c.Pool
	pc.Launch = c.Launcher
	return pc
}

// Marshal renders the configuration as YAML
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

func (m MetricsConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Addr == "" {
		return fleeterr.New(fleeterr.CodeInvalidParam, "metrics address is required when metrics are enabled")
	}
	if m.Path == "" || m.Path[0] != '/' {
		return fleeterr.Newf(fleeterr.CodeInvalidParam, "metrics path must start with /, got %q", m.Path)
	}
	return nil
}
