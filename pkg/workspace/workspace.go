// Package workspace provides run-scoped artifact hand-off between jobs
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/utils"
)

// NotFoundError reports a workspace read of a path never written. It fails
// the reading job, not the engine.
type NotFoundError struct {
	Path string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workspace path not found: %s", e.Path)
}

// Artifact records one published workspace path
type Artifact struct {
	Producer  string
	Path      string
	WrittenAt time.Time
}

// Store is the shared directory tree for one pipeline run. Paths become
// visible to readers only after the producing job has terminated; the
// engine publishes them at that point. The store lives from run start until
// all terminal jobs finish.
type Store struct {
	runID  string
	dir    string
	logger logger.Logger

	mu    sync.RWMutex
	index map[string]Artifact
}

// NewStore creates the workspace directory for a run
func NewStore(baseDir, runID string, log logger.Logger) (*Store, error) {
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	return &Store{
		runID:  runID,
		dir:    dir,
		logger: log,
		index:  make(map[string]Artifact),
	}, nil
}

// Dir returns the workspace root directory
func (s *Store) Dir() string { return s.dir }

// Publish copies a file or directory from srcPath into the workspace under
// path and makes it visible to readers. The engine calls this only after
// the producing job has fully completed, which is what gives downstream
// readers their causal guarantee.
func (s *Store) Publish(jobName, path, srcPath string) error {
	dst := filepath.Join(s.dir, path)

	var err error
	if utils.IsDirectory(srcPath) {
		err = utils.CopyDir(srcPath, dst)
	} else {
		err = utils.CopyFile(srcPath, dst)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %q from job %q: %w", path, jobName, err)
	}

	s.mu.Lock()
	s.index[path] = Artifact{Producer: jobName, Path: path, WrittenAt: time.Now()}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Debug("Published workspace path",
			logger.WithField("job", jobName),
			logger.WithField("path", path))
	}
	return nil
}

// Write publishes raw bytes under path on behalf of a job
func (s *Store) Write(jobName, path string, content []byte) error {
	dst := filepath.Join(s.dir, path)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to write workspace path %q: %w", path, err)
	}
	if err := os.WriteFile(dst, content, 0644); err != nil {
		return fmt.Errorf("failed to write workspace path %q: %w", path, err)
	}

	s.mu.Lock()
	s.index[path] = Artifact{Producer: jobName, Path: path, WrittenAt: time.Now()}
	s.mu.Unlock()
	return nil
}

// Read returns the bytes of a published file. Reading a path no upstream
// job has published fails with NotFoundError.
func (s *Store) Read(path string) ([]byte, error) {
	s.mu.RLock()
	_, ok := s.index[path]
	s.mu.RUnlock()

	if !ok {
		return nil, &NotFoundError{Path: path}
	}

	data, err := os.ReadFile(filepath.Join(s.dir, path))
	if err != nil {
		return nil, &NotFoundError{Path: path}
	}
	return data, nil
}

// Materialize copies a published path into a job working directory
func (s *Store) Materialize(path, destDir string) error {
	s.mu.RLock()
	_, ok := s.index[path]
	s.mu.RUnlock()

	if !ok {
		return &NotFoundError{Path: path}
	}

	src := filepath.Join(s.dir, path)
	dst := filepath.Join(destDir, path)
	if utils.IsDirectory(src) {
		return utils.CopyDir(src, dst)
	}
	return utils.CopyFile(src, dst)
}

// Producer returns the job that published a path, or empty if unpublished
func (s *Store) Producer(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[path].Producer
}

// List returns all published paths, sorted
func (s *Store) List() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Artifact, 0, len(s.index))
	for _, a := range s.index {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Archive copies the full workspace tree to destDir before teardown
func (s *Store) Archive(destDir string) error {
	if err := utils.CopyDir(s.dir, destDir); err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("Archived workspace", logger.WithField("dest", destDir))
	}
	return nil
}

// Teardown removes the workspace directory. Called once all terminal jobs
// have finished, success or failure.
func (s *Store) Teardown() error {
	return os.RemoveAll(s.dir)
}
