package filter_test

import (
	"errors"
	"testing"

	"github.com/conveyor-ci/conveyor/pkg/filter"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

func evaluator(t *testing.T, jobs ...types.JobSpec) *filter.Evaluator {
	t.Helper()
	e, err := filter.NewEvaluator(jobs)
	if err != nil {
		t.Fatalf("failed to build evaluator: %v", err)
	}
	return e
}

func branchRun(branch string) types.RunContext {
	return types.RunContext{RunID: "r1", Branch: branch}
}

func tagRun(tag string) types.RunContext {
	return types.RunContext{RunID: "r1", Tag: tag}
}

func TestEligible_Unfiltered(t *testing.T) {
	e := evaluator(t, types.JobSpec{Name: "build"})

	if !e.Eligible("build", branchRun("main")) {
		t.Error("unfiltered job must be eligible on branch runs")
	}
	if !e.Eligible("build", tagRun("v1.0.0")) {
		t.Error("unfiltered job must be eligible on tag runs")
	}
}

func TestEligible_TagOnlyExcludesBranchRuns(t *testing.T) {
	e := evaluator(t, types.JobSpec{
		Name: "deploy",
		Filter: &types.TriggerFilter{
			Tags: types.FilterPattern{Only: `v.*`},
		},
	})

	if e.Eligible("deploy", branchRun("main")) {
		t.Error("tag-only filtered job must be ineligible on branch runs")
	}
	if !e.Eligible("deploy", tagRun("v1.2.0")) {
		t.Error("expected eligibility for matching tag")
	}
	if e.Eligible("deploy", tagRun("rc-1")) {
		t.Error("non-matching tag must be ineligible")
	}
}

func TestEligible_BranchOnlyExcludesTagRuns(t *testing.T) {
	e := evaluator(t, types.JobSpec{
		Name: "preview",
		Filter: &types.TriggerFilter{
			Branches: types.FilterPattern{Only: `main|release/.*`},
		},
	})

	if !e.Eligible("preview", branchRun("main")) {
		t.Error("expected eligibility for matching branch")
	}
	if !e.Eligible("preview", branchRun("release/2.1")) {
		t.Error("expected eligibility for alternation match")
	}
	if e.Eligible("preview", branchRun("feature/x")) {
		t.Error("non-matching branch must be ineligible")
	}
	if e.Eligible("preview", tagRun("v1.0.0")) {
		t.Error("branch-only filtered job must be ineligible on tag runs")
	}
}

func TestEligible_IgnoreBeatsOnly(t *testing.T) {
	e := evaluator(t, types.JobSpec{
		Name: "test",
		Filter: &types.TriggerFilter{
			Branches: types.FilterPattern{
				Only:   `.*`,
				Ignore: `wip/.*`,
			},
		},
	})

	if !e.Eligible("test", branchRun("main")) {
		t.Error("expected eligibility for non-ignored branch")
	}
	if e.Eligible("test", branchRun("wip/spike")) {
		t.Error("ignore pattern must win over only pattern")
	}
}

func TestEligible_PatternsAreAnchored(t *testing.T) {
	e := evaluator(t, types.JobSpec{
		Name: "deploy",
		Filter: &types.TriggerFilter{
			Branches: types.FilterPattern{Only: `main`},
		},
	})

	if e.Eligible("deploy", branchRun("not-main-branch")) {
		t.Error("pattern must match the whole ref, not a substring")
	}
}

func TestNewEvaluator_MalformedPattern(t *testing.T) {
	_, err := filter.NewEvaluator([]types.JobSpec{{
		Name: "deploy",
		Filter: &types.TriggerFilter{
			Tags: types.FilterPattern{Only: `v[`},
		},
	}})
	if err == nil {
		t.Fatal("expected error for malformed pattern, got nil")
	}

	var ferr *filter.FilterError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FilterError, got %T", err)
	}
	if ferr.Job != "deploy" {
		t.Errorf("expected offending job name, got %q", ferr.Job)
	}
}
