// Package filter evaluates trigger filters against a run's branch or tag
package filter

import (
	"fmt"
	"regexp"

	"github.com/conveyor-ci/conveyor/pkg/types"
)

// FilterError reports a malformed trigger filter pattern. It is fatal at
// build time, before any job is scheduled.
type FilterError struct {
	Job     string
	Pattern string
	Err     error
}

// Error implements the error interface
func (e *FilterError) Error() string {
	return fmt.Sprintf("job %q: invalid filter pattern %q: %v", e.Job, e.Pattern, e.Err)
}

// Unwrap returns the underlying regexp compile error
func (e *FilterError) Unwrap() error { return e.Err }

// compiledPattern is a FilterPattern with its regexes compiled
type compiledPattern struct {
	only   *regexp.Regexp
	ignore *regexp.Regexp
	set    bool
}

// Evaluator holds the compiled filters for all jobs of one pipeline
type Evaluator struct {
	branches map[string]compiledPattern
	tags     map[string]compiledPattern
}

// NewEvaluator compiles every job's filter patterns up front so malformed
// patterns fail the run before scheduling begins.
func NewEvaluator(specs []types.JobSpec) (*Evaluator, error) {
	e := &Evaluator{
		branches: make(map[string]compiledPattern),
		tags:     make(map[string]compiledPattern),
	}

	for i := range specs {
		job := &specs[i]
		if job.Filter == nil {
			continue
		}

		branches, err := compile(job.Name, job.Filter.Branches)
		if err != nil {
			return nil, err
		}
		tags, err := compile(job.Name, job.Filter.Tags)
		if err != nil {
			return nil, err
		}

		e.branches[job.Name] = branches
		e.tags[job.Name] = tags
	}

	return e, nil
}

func compile(job string, p types.FilterPattern) (compiledPattern, error) {
	var cp compiledPattern
	if p.Only != "" {
		re, err := anchored(p.Only)
		if err != nil {
			return cp, &FilterError{Job: job, Pattern: p.Only, Err: err}
		}
		cp.only = re
		cp.set = true
	}
	if p.Ignore != "" {
		re, err := anchored(p.Ignore)
		if err != nil {
			return cp, &FilterError{Job: job, Pattern: p.Ignore, Err: err}
		}
		cp.ignore = re
		cp.set = true
	}
	return cp, nil
}

// anchored compiles a pattern that must match the whole ref name
func anchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}

// Eligible decides whether a job may run for the given run context. It is a
// pure function of the compiled filter and the context.
//
// The asymmetry is deliberate and mirrors the usual "deploy only on tags,
// build everything else" gating: a tag run makes branch-only filtered jobs
// ineligible, a branch run makes tag-only filtered jobs ineligible, and a
// job with no filter at all is eligible for both.
func (e *Evaluator) Eligible(job string, rc types.RunContext) bool {
	branches, hasBranches := e.branches[job]
	tags, hasTags := e.tags[job]

	if !hasBranches && !hasTags {
		return true // unfiltered
	}
	if !branches.set && !tags.set {
		return true
	}

	if rc.IsTagRun() {
		if !tags.set {
			// Branch filters implicitly exclude tag builds.
			return false
		}
		return tags.matches(rc.Tag)
	}

	if !branches.set {
		// Tag filters implicitly exclude branch builds.
		return false
	}
	return branches.matches(rc.Branch)
}

func (cp compiledPattern) matches(ref string) bool {
	if cp.ignore != nil && cp.ignore.MatchString(ref) {
		return false
	}
	if cp.only != nil {
		return cp.only.MatchString(ref)
	}
	return true
}
