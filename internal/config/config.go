// Package config loads and validates wizdiff's YAML configuration,
// adapted from the teacher's config package to the wizdiff domain.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/units"
	"github.com/go-playground/validator/v10"
	yaml "gopkg.in/yaml.v2"
)

const (
	// DefaultDBPath is the sqlite file used when --db is not given.
	DefaultDBPath = "wizdiff.db"
	// DefaultSleepTimeSeconds is the poll-interval floor between ticks (spec §5).
	DefaultSleepTimeSeconds = int64(3600)
	// DefaultMaxManifestSizeBytes bounds a single manifest download.
	DefaultMaxManifestSizeBytes = int64(10 * units.MiB)
)

// Config is wizdiff's top-level configuration, loadable from YAML and
// overridable by CLI flags (cmd/wizdiff merges the two). Durations and
// byte sizes are kept as plain numbers at the YAML boundary and converted
// via SleepTime/MaxManifestSize, since yaml.v2 decodes scalars into plain
// Go numeric kinds rather than the duration/byte-size wrapper types.
type Config struct {
	DBPath              string   `yaml:"db_path" validate:"required"`
	SleepTimeSeconds    int64    `yaml:"sleep_time_seconds" validate:"gt=0"`
	Webhooks            []string `yaml:"webhooks" validate:"dive,url"`
	Thread              string   `yaml:"thread"`
	DeleteOldRevisions  bool     `yaml:"delete_old_revisions"`
	MaxManifestSizeBytes int64   `yaml:"max_manifest_size_bytes" validate:"gt=0"`
	MetricsAddr         string   `yaml:"metrics_addr"`
	GraphPath           string   `yaml:"graph_path"`
	Debug               bool     `yaml:"debug"`
}

// SleepTime is the configured poll interval as a time.Duration.
func (c *Config) SleepTime() time.Duration {
	return time.Duration(c.SleepTimeSeconds) * time.Second
}

// MaxManifestSize is the configured manifest size ceiling in bytes.
func (c *Config) MaxManifestSize() units.Base2Bytes {
	return units.Base2Bytes(c.MaxManifestSizeBytes)
}

var validate = validator.New()

// Unmarshal decodes config, fills defaults and validates the result.
func Unmarshal(raw []byte) (*Config, error) {
	cfg := &Config{
		DBPath:               DefaultDBPath,
		SleepTimeSeconds:     DefaultSleepTimeSeconds,
		MaxManifestSizeBytes: DefaultMaxManifestSizeBytes,
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w. make sure to use 'single quotes' around strings with special characters", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile loads and validates the YAML config at path.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	cfg, err := Unmarshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}
