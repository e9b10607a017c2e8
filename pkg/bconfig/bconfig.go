// Package bconfig provides the YAML-backed ambient configuration shared
// by crossfs and etcfs, adapted from the teacher's internal/config
// package. It only seeds mount options and observability endpoints — the
// live crossfs/etcfs command protocol is the sole way to mutate the
// filesystem's data model.
package bconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the root of a FUSE server's YAML config file.
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Debounce DebounceConfig `yaml:"debounce"`
	Fuse     FuseConfig     `yaml:"fuse"`
}

// GlobalConfig carries process-wide settings common to both FUSE servers.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// DebounceConfig carries the override_window setting. etcfs enforces its
// fixed etcfs.DebounceWindow and does not read this value.
type DebounceConfig struct {
	OverrideWindow time.Duration `yaml:"override_window"`
}

// FuseConfig carries go-fuse mount options.
type FuseConfig struct {
	MaxRead      int           `yaml:"max_read"`
	MaxWrite     int           `yaml:"max_write"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	Debug        bool          `yaml:"debug"`
}

// NewDefault returns the configuration used when no -c flag is given.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 9100,
			HealthPort: 9101,
		},
		Debounce: DebounceConfig{
			OverrideWindow: 1 * time.Second,
		},
		Fuse: FuseConfig{
			MaxRead:      128 * 1024,
			MaxWrite:     128 * 1024,
			EntryTimeout: 1 * time.Second,
			AttrTimeout:  1 * time.Second,
			Debug:        false,
		},
	}
}

// LoadFromFile overlays filename's YAML content onto c.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("bconfig: read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("bconfig: parse config file: %w", err)
	}
	return nil
}

// Validate rejects configurations that would make the FUSE servers
// unreachable or internally inconsistent.
func (c *Configuration) Validate() error {
	if c.Global.MetricsPort != 0 && c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("bconfig: metrics_port and health_port cannot be the same")
	}
	switch c.Global.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("bconfig: invalid log_level %q", c.Global.LogLevel)
	}
	if c.Debounce.OverrideWindow < 0 {
		return fmt.Errorf("bconfig: debounce.override_window must not be negative")
	}
	return nil
}
