package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-ci/conveyor/pkg/types"
)

func TestDuration_ParsesFromYAMLAndJSON(t *testing.T) {
	var fromYAML struct {
		Timeout types.Duration `yaml:"timeout"`
	}
	if err := yaml.Unmarshal([]byte("timeout: 90s"), &fromYAML); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if fromYAML.Timeout.Std() != 90*time.Second {
		t.Errorf("yaml parsed %s, want 90s", fromYAML.Timeout)
	}

	var fromJSON struct {
		Timeout types.Duration `json:"timeout"`
	}
	if err := json.Unmarshal([]byte(`{"timeout": "2m"}`), &fromJSON); err != nil {
		t.Fatalf("json: %v", err)
	}
	if fromJSON.Timeout.Std() != 2*time.Minute {
		t.Errorf("json parsed %s, want 2m", fromJSON.Timeout)
	}
}

func TestDuration_RejectsGarbage(t *testing.T) {
	var d types.Duration
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestOperation_GetTimeoutDefault(t *testing.T) {
	op := types.Operation{Name: "x", Run: "true"}
	if op.GetTimeout() != 10*time.Minute {
		t.Errorf("expected 10m default, got %s", op.GetTimeout())
	}

	custom := types.Duration(30 * time.Second)
	op.Timeout = &custom
	if op.GetTimeout() != 30*time.Second {
		t.Errorf("expected explicit timeout, got %s", op.GetTimeout())
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := types.DefaultRetryPolicy()
	if p.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", p.MaxAttempts)
	}
	if p.Delay.Std() != 15*time.Second {
		t.Errorf("expected 15s delay, got %s", p.Delay)
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	terminal := []types.JobStatus{
		types.JobStatusSucceeded,
		types.JobStatusFailed,
		types.JobStatusSkipped,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}

	for _, s := range []types.JobStatus{
		types.JobStatusPending,
		types.JobStatusBlocked,
		types.JobStatusReady,
		types.JobStatusRunning,
	} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestRunContext_Ref(t *testing.T) {
	branch := types.RunContext{Branch: "main"}
	if branch.IsTagRun() || branch.Ref() != "main" {
		t.Errorf("branch context misread: %+v", branch)
	}

	tag := types.RunContext{Branch: "main", Tag: "v1.0.0"}
	if !tag.IsTagRun() || tag.Ref() != "v1.0.0" {
		t.Errorf("tag must take precedence: %+v", tag)
	}
}
