// Package artifacts collects terminal job outputs for post-run inspection
package artifacts

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/types"
	"github.com/conveyor-ci/conveyor/pkg/utils"
)

// Fixed output-path convention so an external results viewer can ingest
// the run without extra configuration.
const (
	ArtifactsSubdir   = "artifacts"
	TestResultsSubdir = "test-results"
	ReportFile        = "report.json"
)

// Sink persists build artifacts, test reports, and the machine-readable
// run report under a fixed directory layout.
type Sink struct {
	dir    string
	logger logger.Logger
}

// NewSink creates an artifact sink rooted at dir
func NewSink(dir string, log logger.Logger) (*Sink, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Sink{dir: dir, logger: log}, nil
}

// Dir returns the sink's root directory
func (s *Sink) Dir() string { return s.dir }

// StoreArtifact copies a declared artifact path from the job working
// directory into artifacts/<job>/.
func (s *Sink) StoreArtifact(job string, spec types.ArtifactSpec, workDir string) error {
	src := filepath.Join(workDir, spec.Path)
	if !utils.Exists(src) {
		return fmt.Errorf("artifact path %q not produced by job %q", spec.Path, job)
	}

	dest := spec.Destination
	if dest == "" {
		dest = spec.Path
	}
	dst := filepath.Join(s.dir, ArtifactsSubdir, job, dest)

	var err error
	if utils.IsDirectory(src) {
		err = utils.CopyDir(src, dst)
	} else {
		err = utils.CopyFile(src, dst)
	}
	if err != nil {
		return fmt.Errorf("failed to store artifact %q: %w", spec.Path, err)
	}

	if s.logger != nil {
		s.logger.Debug("Stored artifact",
			logger.WithField("job", job),
			logger.WithField("path", spec.Path))
	}
	return nil
}

// StoreTestResults copies a job's test report tree into test-results/<job>/
func (s *Sink) StoreTestResults(job, path, workDir string) error {
	src := filepath.Join(workDir, path)
	if !utils.Exists(src) {
		return fmt.Errorf("test results path %q not produced by job %q", path, job)
	}

	dst := filepath.Join(s.dir, TestResultsSubdir, job)
	if utils.IsDirectory(src) {
		return utils.CopyDir(src, dst)
	}
	return utils.CopyFile(src, filepath.Join(dst, filepath.Base(path)))
}

// WriteReport persists the machine-readable run report
func (s *Sink) WriteReport(result *types.RunResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}
	return utils.WriteFileAtomic(filepath.Join(s.dir, ReportFile), data, 0644)
}
