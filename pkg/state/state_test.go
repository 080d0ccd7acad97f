package state_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/state"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

func TestStateManager_InitializeState(t *testing.T) {
	tmpDir := t.TempDir()
	sm := state.NewStateManager(tmpDir, nil)

	js, err := sm.InitializeState("run-1", "build")
	if err != nil {
		t.Fatalf("failed to initialize state: %v", err)
	}

	if js.JobName != "build" {
		t.Errorf("expected job name build, got %s", js.JobName)
	}
	if js.RunID != "run-1" {
		t.Errorf("expected run id run-1, got %s", js.RunID)
	}
	if js.Status != types.JobStatusPending {
		t.Errorf("expected pending status, got %s", js.Status)
	}
	if js.ProcessID != os.Getpid() {
		t.Errorf("expected current PID, got %d", js.ProcessID)
	}

	stateFile := filepath.Join(tmpDir, ".conveyor", "state", "build.json")
	if _, err := os.Stat(stateFile); os.IsNotExist(err) {
		t.Error("state file was not created")
	}
}

func TestStateManager_UpdateStatus(t *testing.T) {
	sm := state.NewStateManager(t.TempDir(), nil)

	if _, err := sm.InitializeState("run-1", "test"); err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := sm.UpdateStatus("test", types.JobStatusRunning, types.SkipReasonNone); err != nil {
		t.Fatalf("update to running: %v", err)
	}
	js, err := sm.ReadState("test")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if js.Status != types.JobStatusRunning {
		t.Errorf("expected running, got %s", js.Status)
	}
	if js.StartedAt.IsZero() {
		t.Error("running transition must record a start time")
	}

	if err := sm.UpdateStatus("test", types.JobStatusSucceeded, types.SkipReasonNone); err != nil {
		t.Fatalf("update to succeeded: %v", err)
	}
	js, _ = sm.ReadState("test")
	if js.FinishedAt.IsZero() {
		t.Error("terminal transition must record a finish time")
	}
	if js.Duration < 0 {
		t.Errorf("negative duration: %v", js.Duration)
	}
}

func TestStateManager_UpdateUnknownJob(t *testing.T) {
	sm := state.NewStateManager(t.TempDir(), nil)

	if err := sm.UpdateStatus("ghost", types.JobStatusRunning, types.SkipReasonNone); err == nil {
		t.Error("expected error updating unknown job, got nil")
	}
}

func TestStateManager_RecordResult(t *testing.T) {
	sm := state.NewStateManager(t.TempDir(), nil)
	sm.InitializeState("run-1", "deploy")

	err := sm.RecordResult(&types.JobResult{
		Job:      "deploy",
		Status:   types.JobStatusFailed,
		Error:    "release failed",
		Retries:  2,
		Duration: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	js, err := sm.ReadState("deploy")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if js.Status != types.JobStatusFailed {
		t.Errorf("expected failed, got %s", js.Status)
	}
	if js.Retries != 2 {
		t.Errorf("expected 2 retries, got %d", js.Retries)
	}
	if js.LastError != "release failed" {
		t.Errorf("expected error message persisted, got %q", js.LastError)
	}
}

func TestStateManager_DiscoverStates(t *testing.T) {
	tmpDir := t.TempDir()

	writer := state.NewStateManager(tmpDir, nil)
	writer.InitializeState("run-1", "build")
	writer.InitializeState("run-1", "test")

	// A fresh manager against the same root sees the persisted files
	reader := state.NewStateManager(tmpDir, nil)
	states, err := reader.DiscoverStates()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if _, ok := states["build"]; !ok {
		t.Error("missing build state")
	}
	if _, ok := states["test"]; !ok {
		t.Error("missing test state")
	}
}

func TestStateManager_Cleanup(t *testing.T) {
	sm := state.NewStateManager(t.TempDir(), nil)
	sm.InitializeState("run-1", "build")

	if err := sm.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	js, err := sm.ReadState("build")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if js.ProcessID != 0 {
		t.Error("cleanup must clear the process id")
	}
}
