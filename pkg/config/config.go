package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/balena-io-experimental/gustav/pkg/telemetry"
)

// Config is the configuration of a gustav process.
type Config struct {
	// Telemetry holds the service, logging, tracing, metrics and events
	// sections.
	Telemetry telemetry.Config `yaml:",inline"`

	// Worker bounds the seek loop.
	Worker WorkerConfig `yaml:"worker"`

	// Journal configures the SQLite seek journal.
	Journal JournalConfig `yaml:"journal"`

	// Policy configures plan admission.
	Policy PolicyConfig `yaml:"policy"`
}

// WorkerConfig bounds planning and execution.
type WorkerConfig struct {
	// MaxDepth bounds method expansion while planning and running tasks.
	MaxDepth int `yaml:"max_depth" validate:"min=1"`

	// MaxReplans bounds the plans a seek may discard after a divergence.
	MaxReplans int `yaml:"max_replans" validate:"min=0"`

	// MaxParallel bounds the nodes of a wave that run at once.
	MaxParallel int `yaml:"max_parallel" validate:"min=1"`
}

// JournalConfig configures the seek journal.
type JournalConfig struct {
	// Enabled records every seek.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig lists the Rego modules offered every plan.
type PolicyConfig struct {
	// Files are .rego files or directories holding them.
	Files []string `yaml:"files" validate:"dive,required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Worker: WorkerConfig{
			MaxDepth:    256,
			MaxReplans:  16,
			MaxParallel: 10,
		},
		Journal: JournalConfig{
			Path: "gustav.db",
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the telemetry sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
