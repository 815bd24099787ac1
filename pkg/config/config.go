// Package config loads and validates ingestion job definitions from YAML,
// with ${VAR} environment substitution so credentials stay out of job files.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openmoleculedata/molingest/pkg/errors"
)

const (
	// DefaultBatchSize is the page size used when a job omits batch_size.
	DefaultBatchSize = 1000
	// DefaultConcurrency is the worker count used when a job omits
	// concurrency.
	DefaultConcurrency = 1
)

// SourceDefinition declares one ingestion source in a job file.
type SourceDefinition struct {
	// Type is the connector type tag resolved through the registry.
	Type string `yaml:"type"`
	// Name is the unique source name, used for checkpoint and output paths.
	Name string `yaml:"name"`
	// Options is the connector-specific configuration block.
	Options map[string]any `yaml:"options"`
}

// JobConfig is the top-level ingestion job definition.
type JobConfig struct {
	OutputDir      string             `yaml:"output_dir"`
	CheckpointDir  string             `yaml:"checkpoint_dir"`
	BatchSize      int                `yaml:"batch_size"`
	Concurrency    int                `yaml:"concurrency"`
	CompressOutput *bool              `yaml:"compress_output"`
	Sources        []SourceDefinition `yaml:"sources"`
}

// jobFile is the YAML wrapper around a job definition.
type jobFile struct {
	Job *JobConfig `yaml:"job"`
}

// Compress reports whether batch output is gzip-compressed. Defaults to
// true when the job file is silent.
func (c *JobConfig) Compress() bool {
	return c.CompressOutput == nil || *c.CompressOutput
}

// Load reads, substitutes, parses, and validates a job file.
func Load(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "read config file "+path)
	}

	content := substituteEnvVars(string(data))

	var wrapper jobFile
	if err := yaml.Unmarshal([]byte(content), &wrapper); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse config file "+path)
	}
	if wrapper.Job == nil {
		return nil, errors.Newf(errors.ErrorTypeConfig, "config file %s has no job definition", path)
	}

	cfg := wrapper.Job
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *JobConfig) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// Validate checks the job definition for structural problems.
func (c *JobConfig) Validate() error {
	if c.OutputDir == "" {
		return errors.New(errors.ErrorTypeConfig, "output_dir is required")
	}
	if c.CheckpointDir == "" {
		return errors.New(errors.ErrorTypeConfig, "checkpoint_dir is required")
	}
	if c.BatchSize <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "concurrency must be positive, got %d", c.Concurrency)
	}
	if len(c.Sources) == 0 {
		return errors.New(errors.ErrorTypeConfig, "at least one source is required")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Type == "" {
			return errors.Newf(errors.ErrorTypeConfig, "source %d: type is required", i)
		}
		if src.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "source %d: name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return errors.Newf(errors.ErrorTypeConfig, "duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
