// Package config loads the host simulator configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up under the project root.
const DefaultFileName = "editorbridge.yaml"

// Config is the host simulator configuration.
type Config struct {
	Host  HostConfig  `yaml:"host"`
	Log   LogConfig   `yaml:"log"`
	Watch WatchConfig `yaml:"watch"`
}

// HostConfig describes the simulated host.
type HostConfig struct {
	// Name is the project name reported by ping; defaults to the
	// project directory name.
	Name string `yaml:"name"`
	// Version is the host version string reported by ping.
	Version string `yaml:"version"`
	// TickMillis is the main-loop tick interval.
	TickMillis int `yaml:"tick_ms"`
}

// LogConfig controls host logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File is the rotating agent log path; defaults to
	// Library/Logs/agent.log under the project.
	File string `yaml:"file"`
	// BufferSize is the console ring buffer capacity.
	BufferSize int `yaml:"buffer_size"`
	// MaxSizeMB and MaxBackups bound the rotating file.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
}

// WatchConfig controls the source-change reload watcher.
type WatchConfig struct {
	Enabled        bool `yaml:"enabled"`
	DebounceMillis int  `yaml:"debounce_ms"`
}

// Load reads the config for a project root. A missing file yields the
// defaults; a present file is parsed, env-expanded, defaulted, and
// validated.
func Load(projectRoot string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(projectRoot, DefaultFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	expandEnv(cfg)
	cfg.SetDefaults(projectRoot)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(c *Config) {
	c.Host.Name = os.ExpandEnv(c.Host.Name)
	c.Host.Version = os.ExpandEnv(c.Host.Version)
	c.Log.File = os.ExpandEnv(c.Log.File)
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults(projectRoot string) {
	if c.Host.Name == "" {
		c.Host.Name = filepath.Base(projectRoot)
	}
	if c.Host.Version == "" {
		c.Host.Version = "0.1.0"
	}
	if c.Host.TickMillis == 0 {
		c.Host.TickMillis = 16
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(projectRoot, "Library", "Logs", "agent.log")
	}
	if c.Log.BufferSize == 0 {
		c.Log.BufferSize = 1000
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Watch.DebounceMillis == 0 {
		c.Watch.DebounceMillis = 300
	}
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	if c.Host.TickMillis < 1 {
		return fmt.Errorf("host.tick_ms must be positive, got %d", c.Host.TickMillis)
	}
	if c.Log.BufferSize < 1 {
		return fmt.Errorf("log.buffer_size must be positive, got %d", c.Log.BufferSize)
	}
	switch c.Log.Format {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("log.format must be json, text, or pretty, got %q", c.Log.Format)
	}
	if c.Watch.DebounceMillis < 1 {
		return fmt.Errorf("watch.debounce_ms must be positive, got %d", c.Watch.DebounceMillis)
	}
	return nil
}
