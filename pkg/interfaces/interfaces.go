// Package interfaces provides abstractions for dependency injection and testability
package interfaces

import (
	"context"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/cache"
	"github.com/conveyor-ci/conveyor/pkg/runner"
	"github.com/conveyor-ci/conveyor/pkg/state"
	"github.com/conveyor-ci/conveyor/pkg/types"
	"github.com/conveyor-ci/conveyor/pkg/workspace"
)

// CacheStore abstracts the key-addressed blob store for restorable trees
type CacheStore interface {
	Resolve(binding types.CacheBinding, rc types.RunContext) (*cache.Entry, error)
	Restore(entry *cache.Entry, destDir string) error
	Save(binding types.CacheBinding, rc types.RunContext, baseDir string) error
	Keys() []string
}

// WorkspaceStore abstracts the run-scoped artifact hand-off between jobs
type WorkspaceStore interface {
	Dir() string
	Publish(jobName, path, srcPath string) error
	Write(jobName, path string, content []byte) error
	Read(path string) ([]byte, error)
	Materialize(path, destDir string) error
	Producer(path string) string
	List() []workspace.Artifact
	Archive(destDir string) error
	Teardown() error
}

// OperationRunner executes a single opaque operation
type OperationRunner interface {
	Run(ctx context.Context, op types.Operation, workDir string, jobEnv map[string]string) (*runner.Result, error)
}

// RetryController wraps an operation with bounded fixed-delay retries
type RetryController interface {
	Do(ctx context.Context, name string, policy types.RetryPolicy, op func(ctx context.Context) error) (int, error)
}

// ArtifactSink collects terminal job outputs for post-run inspection
type ArtifactSink interface {
	Dir() string
	StoreArtifact(job string, spec types.ArtifactSpec, workDir string) error
	StoreTestResults(job, path, workDir string) error
	WriteReport(result *types.RunResult) error
}

// RunNotifier surfaces run lifecycle events
type RunNotifier interface {
	NotifyRunStart(pipeline, ref string)
	NotifyRunSuccess(pipeline string, duration time.Duration)
	NotifyRunFailure(pipeline string, failedJobs []string)
	NotifyJobFailure(job string, err error)
}

// StateManager handles persistent per-job run state
type StateManager interface {
	InitializeState(runID, jobName string) (*state.JobState, error)
	UpdateStatus(jobName string, status types.JobStatus, reason types.SkipReason) error
	RecordResult(result *types.JobResult) error
	ReadState(jobName string) (*state.JobState, error)
	DiscoverStates() (map[string]*state.JobState, error)
	StartHeartbeat(ctx context.Context)
	StopHeartbeat()
	Cleanup() error
}

// ProcessManager handles process lifecycle
type ProcessManager interface {
	RegisterShutdownHandler(handler func())
	Start(ctx context.Context)
	Stop()
	IsRunning() bool
}

// EngineDependencies contains all injectable collaborators of the engine
type EngineDependencies struct {
	CacheStore     CacheStore
	WorkspaceStore WorkspaceStore
	Runner         OperationRunner
	Retry          RetryController
	Sink           ArtifactSink
	Notifier       RunNotifier
	StateManager   StateManager
	ProcessManager ProcessManager
}
