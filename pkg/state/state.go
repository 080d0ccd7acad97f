// Package state provides persistent per-job run state for Conveyor
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

// JobState represents the persisted state of one job in the current or
// most recent run. The status command reads these files.
type JobState struct {
	JobName    string           `json:"jobName"`
	RunID      string           `json:"runId"`
	Status     types.JobStatus  `json:"status"`
	Reason     types.SkipReason `json:"reason,omitempty"`
	Retries    int              `json:"retries"`
	StartedAt  time.Time        `json:"startedAt,omitempty"`
	FinishedAt time.Time        `json:"finishedAt,omitempty"`
	Duration   time.Duration    `json:"duration,omitempty"`
	LastError  string           `json:"lastError,omitempty"`
	ProcessID  int              `json:"processId"`
	Heartbeat  time.Time        `json:"heartbeat"`
}

// StateManager handles persistent job state files
type StateManager struct {
	stateDir       string
	logger         logger.Logger
	mu             sync.RWMutex
	states         map[string]*JobState
	heartbeatStop  chan struct{}
	heartbeatTimer *time.Ticker
}

// NewStateManager creates a state manager rooted at projectRoot
func NewStateManager(projectRoot string, log logger.Logger) *StateManager {
	stateDir := filepath.Join(projectRoot, ".conveyor", "state")

	if err := os.MkdirAll(stateDir, 0755); err != nil && log != nil {
		log.Error("Failed to create state directory", logger.WithField("error", err))
	}

	return &StateManager{
		stateDir: stateDir,
		logger:   log,
		states:   make(map[string]*JobState),
	}
}

// InitializeState creates the state record for a job at run start
func (sm *StateManager) InitializeState(runID, jobName string) (*JobState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state := &JobState{
		JobName:   jobName,
		RunID:     runID,
		Status:    types.JobStatusPending,
		ProcessID: os.Getpid(),
		Heartbeat: time.Now(),
	}

	if err := sm.saveStateFile(state); err != nil {
		return nil, fmt.Errorf("failed to save initial state: %w", err)
	}

	sm.states[jobName] = state
	return state, nil
}

// UpdateStatus records a scheduling transition for a job
func (sm *StateManager) UpdateStatus(jobName string, status types.JobStatus, reason types.SkipReason) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, ok := sm.states[jobName]
	if !ok {
		return fmt.Errorf("job state not found: %s", jobName)
	}

	state.Status = status
	state.Reason = reason
	state.Heartbeat = time.Now()

	if status == types.JobStatusRunning {
		state.StartedAt = time.Now()
	}
	if status.Terminal() {
		state.FinishedAt = time.Now()
		if !state.StartedAt.IsZero() {
			state.Duration = state.FinishedAt.Sub(state.StartedAt)
		}
	}

	return sm.saveStateFile(state)
}

// RecordResult persists the final result of a job
func (sm *StateManager) RecordResult(result *types.JobResult) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, ok := sm.states[result.Job]
	if !ok {
		return fmt.Errorf("job state not found: %s", result.Job)
	}

	state.Status = result.Status
	state.Reason = result.Reason
	state.Retries = result.Retries
	state.Duration = result.Duration
	state.LastError = result.Error
	state.FinishedAt = time.Now()
	state.Heartbeat = time.Now()

	return sm.saveStateFile(state)
}

// ReadState reads the state for a job
func (sm *StateManager) ReadState(jobName string) (*JobState, error) {
	sm.mu.RLock()
	if state, ok := sm.states[jobName]; ok {
		sm.mu.RUnlock()
		return state, nil
	}
	sm.mu.RUnlock()

	return sm.loadStateFile(jobName)
}

// DiscoverStates finds all existing job state files
func (sm *StateManager) DiscoverStates() (map[string]*JobState, error) {
	states := make(map[string]*JobState)

	files, err := os.ReadDir(sm.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		jobName := file.Name()[:len(file.Name())-5]
		state, err := sm.loadStateFile(jobName)
		if err != nil {
			if sm.logger != nil {
				sm.logger.Warn("Failed to load state file",
					logger.WithField("job", jobName),
					logger.WithField("error", err))
			}
			continue
		}

		states[jobName] = state
	}

	return states, nil
}

// StartHeartbeat starts the heartbeat updater
func (sm *StateManager) StartHeartbeat(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.heartbeatTimer != nil {
		return // Already running
	}

	sm.heartbeatStop = make(chan struct{})
	sm.heartbeatTimer = time.NewTicker(10 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sm.heartbeatStop:
				return
			case <-sm.heartbeatTimer.C:
				sm.updateHeartbeats()
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat updater
func (sm *StateManager) StopHeartbeat() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.heartbeatTimer != nil {
		sm.heartbeatTimer.Stop()
		sm.heartbeatTimer = nil
	}

	if sm.heartbeatStop != nil {
		close(sm.heartbeatStop)
		sm.heartbeatStop = nil
	}
}

// Cleanup marks the run as finished in all state files
func (sm *StateManager) Cleanup() error {
	sm.StopHeartbeat()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, state := range sm.states {
		state.ProcessID = 0
		if err := sm.saveStateFile(state); err != nil && sm.logger != nil {
			sm.logger.Warn("Failed to save final state",
				logger.WithField("job", state.JobName),
				logger.WithField("error", err))
		}
	}

	return nil
}

// Private methods

func (sm *StateManager) getStateFilePath(jobName string) string {
	return filepath.Join(sm.stateDir, jobName+".json")
}

func (sm *StateManager) loadStateFile(jobName string) (*JobState, error) {
	data, err := os.ReadFile(sm.getStateFilePath(jobName))
	if err != nil {
		return nil, err
	}

	var state JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	return &state, nil
}

// saveStateFile writes atomically; caller holds the lock
func (sm *StateManager) saveStateFile(state *JobState) error {
	stateFile := sm.getStateFilePath(state.JobName)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

func (sm *StateManager) updateHeartbeats() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	for _, state := range sm.states {
		state.Heartbeat = now
		if err := sm.saveStateFile(state); err != nil && sm.logger != nil {
			sm.logger.Debug("Failed to update heartbeat",
				logger.WithField("job", state.JobName),
				logger.WithField("error", err))
		}
	}
}
