// Package mocks provides mock implementations of interfaces for testing.
// These follow Go best practices for test doubles.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/cache"
	"github.com/conveyor-ci/conveyor/pkg/runner"
	"github.com/conveyor-ci/conveyor/pkg/state"
	"github.com/conveyor-ci/conveyor/pkg/types"
	"github.com/conveyor-ci/conveyor/pkg/workspace"
)

// MockCacheStore is an in-memory cache store for testing
type MockCacheStore struct {
	mu           sync.RWMutex
	entries      map[string]*cache.Entry
	resolveError error
	saveError    error
	Restored     []string
	Saved        []string
}

// NewMockCacheStore creates a new mock cache store
func NewMockCacheStore() *MockCacheStore {
	return &MockCacheStore{entries: make(map[string]*cache.Entry)}
}

// SetEntry seeds a resolvable entry under an already expanded key
func (m *MockCacheStore) SetEntry(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &cache.Entry{Key: key, StoredAt: time.Now()}
}

// SetResolveError makes Resolve fail
func (m *MockCacheStore) SetResolveError(err error) { m.resolveError = err }

// SetSaveError makes Save fail
func (m *MockCacheStore) SetSaveError(err error) { m.saveError = err }

// Resolve looks up the expanded primary key, then fallback prefixes in order
func (m *MockCacheStore) Resolve(binding types.CacheBinding, rc types.RunContext) (*cache.Entry, error) {
	if m.resolveError != nil {
		return nil, m.resolveError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	key, err := cache.ExpandKey(binding.Key, rc)
	if err != nil {
		return nil, err
	}
	if entry, ok := m.entries[key]; ok {
		return entry, nil
	}

	for _, restoreKey := range binding.RestoreKeys {
		prefix, err := cache.ExpandKey(restoreKey, rc)
		if err != nil {
			return nil, err
		}
		for stored, entry := range m.entries {
			if len(stored) >= len(prefix) && stored[:len(prefix)] == prefix {
				return entry, nil
			}
		}
	}

	return nil, nil
}

// Restore records the restored key
func (m *MockCacheStore) Restore(entry *cache.Entry, destDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Restored = append(m.Restored, entry.Key)
	return nil
}

// Save records the saved key under the expanded primary key
func (m *MockCacheStore) Save(binding types.CacheBinding, rc types.RunContext, baseDir string) error {
	if m.saveError != nil {
		return m.saveError
	}

	key, err := cache.ExpandKey(binding.Key, rc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &cache.Entry{Key: key, StoredAt: time.Now()}
	m.Saved = append(m.Saved, key)
	return nil
}

// Keys returns all stored keys
func (m *MockCacheStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys
}

// MockWorkspaceStore is an in-memory workspace store for testing
type MockWorkspaceStore struct {
	mu           sync.RWMutex
	files        map[string][]byte
	producers    map[string]string
	publishError error
	Archived     string
	TornDown     bool
}

// NewMockWorkspaceStore creates a new mock workspace store
func NewMockWorkspaceStore() *MockWorkspaceStore {
	return &MockWorkspaceStore{
		files:     make(map[string][]byte),
		producers: make(map[string]string),
	}
}

// SetPublishError makes Publish fail
func (m *MockWorkspaceStore) SetPublishError(err error) { m.publishError = err }

// Dir returns a placeholder directory
func (m *MockWorkspaceStore) Dir() string { return "/mock-workspace" }

// Publish records a published path without touching the filesystem
func (m *MockWorkspaceStore) Publish(jobName, path, srcPath string) error {
	if m.publishError != nil {
		return m.publishError
	}
	return m.Write(jobName, path, []byte(srcPath))
}

// Write stores content under path
func (m *MockWorkspaceStore) Write(jobName, path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
	m.producers[path] = jobName
	return nil
}

// Read returns the stored content for path
func (m *MockWorkspaceStore) Read(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	content, ok := m.files[path]
	if !ok {
		return nil, &workspace.NotFoundError{Path: path}
	}
	return content, nil
}

// Materialize requires the path to be published
func (m *MockWorkspaceStore) Materialize(path, destDir string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.files[path]; !ok {
		return &workspace.NotFoundError{Path: path}
	}
	return nil
}

// Producer returns the job that published path
func (m *MockWorkspaceStore) Producer(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[path]
}

// List returns all published artifacts
func (m *MockWorkspaceStore) List() []workspace.Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	artifacts := make([]workspace.Artifact, 0, len(m.files))
	for path, producer := range m.producers {
		artifacts = append(artifacts, workspace.Artifact{Producer: producer, Path: path})
	}
	return artifacts
}

// Archive records the archive destination
func (m *MockWorkspaceStore) Archive(destDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Archived = destDir
	return nil
}

// Teardown records that the store was torn down
func (m *MockWorkspaceStore) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TornDown = true
	return nil
}

// MockRunner executes operations against a scripted outcome table instead
// of a shell.
type MockRunner struct {
	mu       sync.Mutex
	outcomes map[string][]error
	Executed []string
}

// NewMockRunner creates a new mock runner
func NewMockRunner() *MockRunner {
	return &MockRunner{outcomes: make(map[string][]error)}
}

// Script queues the outcomes for successive invocations of an operation
// name. Once the queue is drained further invocations succeed.
func (m *MockRunner) Script(opName string, outcomes ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[opName] = append(m.outcomes[opName], outcomes...)
}

// Run pops the next scripted outcome for the operation
func (m *MockRunner) Run(ctx context.Context, op types.Operation, workDir string, jobEnv map[string]string) (*runner.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Executed = append(m.Executed, op.Name)

	queue := m.outcomes[op.Name]
	if len(queue) == 0 {
		return &runner.Result{}, nil
	}

	next := queue[0]
	m.outcomes[op.Name] = queue[1:]
	if next != nil {
		return &runner.Result{Output: []byte(next.Error())}, next
	}
	return &runner.Result{}, nil
}

// Invocations counts how many times an operation ran
func (m *MockRunner) Invocations(opName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, name := range m.Executed {
		if name == opName {
			count++
		}
	}
	return count
}

// MockRetryController retries immediately without sleeping
type MockRetryController struct{}

// NewMockRetryController creates a new mock retry controller
func NewMockRetryController() *MockRetryController {
	return &MockRetryController{}
}

// Do retries up to the policy bound with no delay
func (m *MockRetryController) Do(ctx context.Context, name string, policy types.RetryPolicy, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	var lastErr error
	for attempts < policy.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}
		attempts++
		lastErr = op(ctx)
		if lastErr == nil {
			return attempts, nil
		}
	}
	return attempts, fmt.Errorf("operation %q failed after %d attempts: %w", name, attempts, lastErr)
}

// MockSink records stored artifacts and reports in memory
type MockSink struct {
	mu          sync.Mutex
	Artifacts   map[string][]types.ArtifactSpec
	TestResults map[string]string
	Report      *types.RunResult
}

// NewMockSink creates a new mock artifact sink
func NewMockSink() *MockSink {
	return &MockSink{
		Artifacts:   make(map[string][]types.ArtifactSpec),
		TestResults: make(map[string]string),
	}
}

// Dir returns a placeholder directory
func (m *MockSink) Dir() string { return "/mock-output" }

// StoreArtifact records the artifact declaration
func (m *MockSink) StoreArtifact(job string, spec types.ArtifactSpec, workDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Artifacts[job] = append(m.Artifacts[job], spec)
	return nil
}

// StoreTestResults records the test report path
func (m *MockSink) StoreTestResults(job, path, workDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TestResults[job] = path
	return nil
}

// WriteReport records the run report
func (m *MockSink) WriteReport(result *types.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Report = result
	return nil
}

// MockNotifier records notifications instead of delivering them
type MockNotifier struct {
	mu         sync.Mutex
	RunStarts  []string
	Successes  []string
	Failures   map[string][]string
	JobErrors  map[string]error
}

// NewMockNotifier creates a new mock notifier
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{
		Failures:  make(map[string][]string),
		JobErrors: make(map[string]error),
	}
}

// NotifyRunStart records a run start
func (m *MockNotifier) NotifyRunStart(pipeline, ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunStarts = append(m.RunStarts, pipeline)
}

// NotifyRunSuccess records a run success
func (m *MockNotifier) NotifyRunSuccess(pipeline string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Successes = append(m.Successes, pipeline)
}

// NotifyRunFailure records a run failure
func (m *MockNotifier) NotifyRunFailure(pipeline string, failedJobs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures[pipeline] = failedJobs
}

// NotifyJobFailure records a job failure
func (m *MockNotifier) NotifyJobFailure(job string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JobErrors[job] = err
}

// MockStateManager is an in-memory state manager for testing
type MockStateManager struct {
	mu          sync.RWMutex
	states      map[string]*state.JobState
	initError   error
	updateError error
	CleanedUp   bool
}

// NewMockStateManager creates a new mock state manager
func NewMockStateManager() *MockStateManager {
	return &MockStateManager{states: make(map[string]*state.JobState)}
}

// SetInitError makes InitializeState fail
func (m *MockStateManager) SetInitError(err error) { m.initError = err }

// SetUpdateError makes UpdateStatus fail
func (m *MockStateManager) SetUpdateError(err error) { m.updateError = err }

// InitializeState creates the state record for a job
func (m *MockStateManager) InitializeState(runID, jobName string) (*state.JobState, error) {
	if m.initError != nil {
		return nil, m.initError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	js := &state.JobState{
		JobName:   jobName,
		RunID:     runID,
		Status:    types.JobStatusPending,
		Heartbeat: time.Now(),
	}
	m.states[jobName] = js
	return js, nil
}

// UpdateStatus records a scheduling transition
func (m *MockStateManager) UpdateStatus(jobName string, status types.JobStatus, reason types.SkipReason) error {
	if m.updateError != nil {
		return m.updateError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	js, ok := m.states[jobName]
	if !ok {
		return fmt.Errorf("job state not found: %s", jobName)
	}
	js.Status = status
	js.Reason = reason
	return nil
}

// RecordResult records a terminal result
func (m *MockStateManager) RecordResult(result *types.JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	js, ok := m.states[result.Job]
	if !ok {
		return fmt.Errorf("job state not found: %s", result.Job)
	}
	js.Status = result.Status
	js.Reason = result.Reason
	js.Retries = result.Retries
	js.LastError = result.Error
	return nil
}

// ReadState returns the state for a job
func (m *MockStateManager) ReadState(jobName string) (*state.JobState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	js, ok := m.states[jobName]
	if !ok {
		return nil, fmt.Errorf("job state not found: %s", jobName)
	}
	return js, nil
}

// DiscoverStates returns all known states
func (m *MockStateManager) DiscoverStates() (map[string]*state.JobState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]*state.JobState, len(m.states))
	for name, js := range m.states {
		states[name] = js
	}
	return states, nil
}

// StartHeartbeat is a no-op
func (m *MockStateManager) StartHeartbeat(ctx context.Context) {}

// StopHeartbeat is a no-op
func (m *MockStateManager) StopHeartbeat() {}

// Cleanup records that cleanup ran
func (m *MockStateManager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CleanedUp = true
	return nil
}
