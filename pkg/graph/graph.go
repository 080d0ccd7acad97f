// Package graph builds and validates the static job dependency graph
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conveyor-ci/conveyor/pkg/types"
)

// GraphError reports a structural problem in the job graph: a dependency
// cycle or a reference to an undefined job. It is fatal at build time and
// fails the run before any job starts.
type GraphError struct {
	Kind    string   // "cycle" or "unknown-dependency"
	Jobs    []string // member jobs of the cycle, or the referencing job
	Missing string   // the undefined dependency, for unknown-dependency
}

// Error implements the error interface
func (e *GraphError) Error() string {
	switch e.Kind {
	case "cycle":
		return fmt.Sprintf("dependency cycle involving jobs: %s", strings.Join(e.Jobs, " -> "))
	case "unknown-dependency":
		return fmt.Sprintf("job %q depends on undefined job %q", e.Jobs[0], e.Missing)
	default:
		return fmt.Sprintf("invalid job graph: %s", e.Kind)
	}
}

// Graph is the validated, immutable job dependency graph for one run
type Graph struct {
	jobs       map[string]*types.JobSpec
	dependents map[string][]string // edges: dependency -> jobs that require it
	order      []string            // a valid topological order
}

// Build validates the job specs and constructs the graph. Construction
// fails with a GraphError on cycles or references to undefined jobs.
func Build(specs []types.JobSpec) (*Graph, error) {
	jobs := make(map[string]*types.JobSpec, len(specs))
	for i := range specs {
		jobs[specs[i].Name] = &specs[i]
	}

	dependents := make(map[string][]string)
	indegree := make(map[string]int, len(jobs))

	for name := range jobs {
		indegree[name] = 0
	}

	for i := range specs {
		job := &specs[i]
		for _, dep := range job.DependsOn {
			if _, ok := jobs[dep]; !ok {
				return nil, &GraphError{
					Kind:    "unknown-dependency",
					Jobs:    []string{job.Name},
					Missing: dep,
				}
			}
			dependents[dep] = append(dependents[dep], job.Name)
			indegree[job.Name]++
		}
	}

	// Kahn's algorithm; sorted frontier keeps the order deterministic
	frontier := make([]string, 0, len(jobs))
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(jobs))
	remaining := make(map[string]int, len(indegree))
	for name, deg := range indegree {
		remaining[name] = deg
	}

	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		order = append(order, name)

		next := append([]string(nil), dependents[name]...)
		sort.Strings(next)
		for _, dep := range next {
			remaining[dep]--
			if remaining[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
		sort.Strings(frontier)
	}

	if len(order) != len(jobs) {
		// Every job not reached by the topological sweep sits on or behind
		// a back-edge; report the members so the cycle can be located.
		var members []string
		for name, deg := range remaining {
			if deg > 0 {
				members = append(members, name)
			}
		}
		sort.Strings(members)
		return nil, &GraphError{Kind: "cycle", Jobs: members}
	}

	return &Graph{
		jobs:       jobs,
		dependents: dependents,
		order:      order,
	}, nil
}

// Job returns the spec for a job name, or nil if unknown
func (g *Graph) Job(name string) *types.JobSpec {
	return g.jobs[name]
}

// Len returns the number of jobs in the graph
func (g *Graph) Len() int { return len(g.jobs) }

// TopologicalOrder returns a valid topological order of job names
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// Dependents returns the jobs that directly depend on the given job
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// Dependencies returns the direct dependencies of the given job
func (g *Graph) Dependencies(name string) []string {
	job := g.jobs[name]
	if job == nil {
		return nil
	}
	return append([]string(nil), job.DependsOn...)
}

// TransitiveDependents returns every job downstream of the given job,
// following dependency edges to the leaves.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range g.dependents[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// TransitiveDependencies returns every job upstream of the given job.
// Workspace reads are legal against any of these producers, not only
// direct dependencies.
func (g *Graph) TransitiveDependencies(name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		job := g.jobs[n]
		if job == nil {
			return
		}
		for _, dep := range job.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Terminal returns the jobs with no dependents; the workspace is torn down
// once all of them have finished.
func (g *Graph) Terminal() []string {
	var out []string
	for name := range g.jobs {
		if len(g.dependents[name]) == 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
