// Package config defines the Config structure of spec §6 and a strict
// YAML loader for local development and tests. Sourcing configuration
// from a live environment (flags, env vars, a secrets manager) is a
// transport-layer concern and out of scope here; this package only
// decodes a document already chosen by the caller.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultScriptTimeoutSeconds = 600
	DefaultMaxOutputBytes       = 10 * 1024 * 1024
	DefaultMaxRecursionDepth    = 50
	DefaultShellPath            = "/bin/zsh"
)

// Config is the external configuration the core accepts (spec §6).
type Config struct {
	RunbooksDir          string `yaml:"runbooks_dir"`
	ShellPath            string `yaml:"shell_path"`
	ScriptTimeoutSeconds int    `yaml:"script_timeout_seconds"`
	MaxOutputBytes       int64  `yaml:"max_output_bytes"`
	MaxRecursionDepth    int    `yaml:"max_recursion_depth"`
	APIProtocol          string `yaml:"api_protocol"`
	APIHost              string `yaml:"api_host"`
	APIPort              int    `yaml:"api_port"`
}

// applyDefaults fills zero-valued fields with the documented defaults
// (spec §6), mirroring the teacher's "decode then normalize" shape
// (pkg/kernel/schema/loader.go's normalizeScopes step) generalized from
// structural normalization to default-filling.
func (c *Config) applyDefaults() {
	if c.ShellPath == "" {
		c.ShellPath = DefaultShellPath
	}
	if c.ScriptTimeoutSeconds == 0 {
		c.ScriptTimeoutSeconds = DefaultScriptTimeoutSeconds
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.MaxRecursionDepth == 0 {
		c.MaxRecursionDepth = DefaultMaxRecursionDepth
	}
}

// LoadFile reads and strictly decodes a Config document from path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a Config document from r, rejecting unknown fields.
func Load(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	if c.RunbooksDir == "" {
		return nil, fmt.Errorf("decode config: runbooks_dir is required")
	}
	return &c, nil
}

// URL renders the RUNBOOK_URL value scripts observe.
func (c *Config) URL() string {
	return fmt.Sprintf("%s://%s:%d", c.APIProtocol, c.APIHost, c.APIPort)
}
