// Package config loads and validates Conveyor pipeline configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

// configFileNames are the file names probed in order inside a project root
var configFileNames = []string{
	"conveyor.yaml",
	"conveyor.yml",
	"conveyor.json",
	".conveyor.yaml",
}

// ValidationError describes one problem found in a pipeline configuration
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Manager handles configuration loading and validation
type Manager struct {
	logger logger.Logger
}

// NewManager creates a new configuration manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{logger: log}
}

// FindConfigFile locates the pipeline configuration inside projectRoot
func (m *Manager) FindConfigFile(projectRoot string) (string, error) {
	for _, name := range configFileNames {
		path := filepath.Join(projectRoot, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no pipeline configuration found in %s (expected one of: %s)",
		projectRoot, strings.Join(configFileNames, ", "))
}

// LoadConfig reads and parses the configuration at path. YAML and JSON are
// both accepted; the extension decides the parser.
func (m *Manager) LoadConfig(path string) (*types.PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg types.PipelineConfig
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if m.logger != nil {
		m.logger.Debug("Loaded pipeline configuration",
			logger.WithField("path", path),
			logger.WithField("jobs", len(cfg.Jobs)))
	}

	return &cfg, nil
}

// LoadProject finds, loads, and validates the configuration for a project
func (m *Manager) LoadProject(projectRoot string) (*types.PipelineConfig, error) {
	path, err := m.FindConfigFile(projectRoot)
	if err != nil {
		return nil, err
	}

	cfg, err := m.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if errs := m.ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid pipeline configuration: %s", joinErrors(errs))
	}

	return cfg, nil
}

// ValidateConfig checks the structural validity of a pipeline configuration.
// Graph-level problems (cycles, unknown dependencies) are reported by the
// graph builder, not here.
func (m *Manager) ValidateConfig(cfg *types.PipelineConfig) []ValidationError {
	var errs []ValidationError

	if cfg.Name == "" {
		errs = append(errs, ValidationError{"name", "pipeline name is required"})
	}
	if len(cfg.Jobs) == 0 {
		errs = append(errs, ValidationError{"jobs", "at least one job is required"})
	}
	if cfg.Workers < 0 {
		errs = append(errs, ValidationError{"workers", "worker count cannot be negative"})
	}

	seen := make(map[string]bool, len(cfg.Jobs))
	for i := range cfg.Jobs {
		job := &cfg.Jobs[i]
		field := fmt.Sprintf("jobs[%d]", i)

		if job.Name == "" {
			errs = append(errs, ValidationError{field + ".name", "job name is required"})
			continue
		}
		if seen[job.Name] {
			errs = append(errs, ValidationError{field + ".name",
				fmt.Sprintf("duplicate job name %q", job.Name)})
		}
		seen[job.Name] = true

		if len(job.Steps) == 0 {
			errs = append(errs, ValidationError{field + ".steps",
				fmt.Sprintf("job %q has no steps", job.Name)})
		}
		for j, op := range job.Steps {
			if op.Run == "" {
				errs = append(errs, ValidationError{
					fmt.Sprintf("%s.steps[%d].run", field, j),
					"step command is required"})
			}
			if op.Retry != nil && op.Retry.MaxAttempts < 0 {
				errs = append(errs, ValidationError{
					fmt.Sprintf("%s.steps[%d].retry.maxAttempts", field, j),
					"retry attempts cannot be negative"})
			}
		}

		for j, binding := range job.Caches {
			if binding.Key == "" {
				errs = append(errs, ValidationError{
					fmt.Sprintf("%s.caches[%d].key", field, j),
					"cache key is required"})
			}
			if len(binding.Paths) == 0 {
				errs = append(errs, ValidationError{
					fmt.Sprintf("%s.caches[%d].paths", field, j),
					"cache binding needs at least one path"})
			}
		}

		for j, artifact := range job.Artifacts {
			if artifact.Path == "" {
				errs = append(errs, ValidationError{
					fmt.Sprintf("%s.artifacts[%d].path", field, j),
					"artifact path is required"})
			}
		}
	}

	return errs
}

// GetDefaultConfig returns a minimal starter configuration
func (m *Manager) GetDefaultConfig(name string) *types.PipelineConfig {
	return &types.PipelineConfig{
		Version: "1",
		Name:    name,
		Workers: 2,
		Jobs: []types.JobSpec{
			{
				Name: "build",
				Steps: []types.Operation{
					{Name: "build", Run: "echo building"},
				},
			},
			{
				Name:      "test",
				DependsOn: []string{"build"},
				Steps: []types.Operation{
					{Name: "test", Run: "echo testing"},
				},
			},
		},
	}
}

// WriteConfig writes a configuration as YAML
func (m *Manager) WriteConfig(cfg *types.PipelineConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func joinErrors(errs []ValidationError) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
