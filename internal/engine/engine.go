// Package engine implements the pipeline scheduler and executor
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/filter"
	"github.com/conveyor-ci/conveyor/pkg/graph"
	"github.com/conveyor-ci/conveyor/pkg/interfaces"
	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/runner"
	"github.com/conveyor-ci/conveyor/pkg/types"
	"github.com/conveyor-ci/conveyor/pkg/utils"
)

// Options configures one engine instance
type Options struct {
	Workers    int    // worker pool size; bounds parallel job execution
	WorkRoot   string // base directory for per-job working directories
	ArchiveDir string // optional workspace archival destination
}

// jobState tracks the scheduling state of one job during a run
type jobState struct {
	spec      *types.JobSpec
	status    types.JobStatus
	remaining int  // dependencies not yet terminal
	failedUp  bool // some upstream job failed (or was skipped for it)
	skippedUp bool // some upstream job was skipped without failing
}

// completion is the signal a finished job sends back to the dispatcher
type completion struct {
	job    string
	result *types.JobResult
}

// Engine walks the job graph for a single run: it prunes ineligible jobs,
// launches jobs whose dependencies succeeded, propagates failures to
// dependents, and hands artifacts between jobs through the injected stores.
type Engine struct {
	cfg    *types.PipelineConfig
	graph  *graph.Graph
	eval   *filter.Evaluator
	logger logger.Logger
	deps   interfaces.EngineDependencies
	opts   Options

	mu      sync.Mutex
	states  map[string]*jobState
	results map[string]*types.JobResult
	ready   []string
}

// New creates an engine for one validated pipeline
func New(
	cfg *types.PipelineConfig,
	g *graph.Graph,
	eval *filter.Evaluator,
	log logger.Logger,
	deps interfaces.EngineDependencies,
	opts Options,
) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = cfg.GetWorkers()
	}

	return &Engine{
		cfg:    cfg,
		graph:  g,
		eval:   eval,
		logger: log,
		deps:   deps,
		opts:   opts,
	}
}

// Run executes the whole pipeline for the given run context and returns the
// aggregate result. Job-local failures never surface as an error here; they
// are recorded in the result and propagated along graph edges as skips.
func (e *Engine) Run(ctx context.Context, rc types.RunContext) (*types.RunResult, error) {
	started := time.Now()

	e.logger.Info(fmt.Sprintf("Starting pipeline %q", e.cfg.Name),
		logger.WithField("run", rc.RunID),
		logger.WithField("ref", rc.Ref()),
		logger.WithField("build", rc.BuildNumber))

	if e.deps.Notifier != nil {
		e.deps.Notifier.NotifyRunStart(e.cfg.Name, rc.Ref())
	}

	if e.deps.StateManager != nil {
		for _, name := range e.graph.TopologicalOrder() {
			if _, err := e.deps.StateManager.InitializeState(rc.RunID, name); err != nil {
				e.logger.Warn("Failed to initialize job state",
					logger.WithField("job", name),
					logger.WithField("error", err))
			}
		}
		e.deps.StateManager.StartHeartbeat(ctx)
	}

	outstanding := e.initStates(rc)

	completionCh := make(chan completion, e.graph.Len())
	sg, runCtx := NewSafeGroup(ctx, e.logger)
	sg.SetLimit(e.opts.Workers)

	for outstanding > 0 {
		ready := e.drainReady()
		if len(ready) > 0 {
			for _, name := range ready {
				if runCtx.Err() != nil {
					// The run was aborted before this job started
					outstanding -= e.finishJob(name, &types.JobResult{
						Job:    name,
						Status: types.JobStatusSkipped,
						Error:  "run cancelled",
					})
					continue
				}

				name := name
				sg.Go(func() error {
					e.setStatus(name, types.JobStatusRunning)

					var res *types.JobResult
					defer func() {
						if res == nil {
							res = &types.JobResult{
								Job:    name,
								Status: types.JobStatusFailed,
								Error:  "internal error during job execution",
							}
						}
						completionCh <- completion{job: name, result: res}
					}()

					res = e.executeJob(runCtx, name, rc)
					return nil
				})
			}
			// Cascades above may have queued more ready jobs; drain them
			// before blocking on a completion.
			continue
		}

		c := <-completionCh
		outstanding -= e.handleCompletion(c)
	}

	if err := sg.Wait(); err != nil {
		e.logger.Error("Job goroutine aborted", logger.WithField("error", err))
	}

	return e.finalize(ctx, rc, started), nil
}

// initStates applies the trigger filter, seeds the scheduling state, and
// returns the number of jobs still to reach a terminal state.
func (e *Engine) initStates(rc types.RunContext) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.states = make(map[string]*jobState, e.graph.Len())
	e.results = make(map[string]*types.JobResult, e.graph.Len())

	for _, name := range e.graph.TopologicalOrder() {
		spec := e.graph.Job(name)
		e.states[name] = &jobState{
			spec:      spec,
			status:    types.JobStatusPending,
			remaining: len(spec.DependsOn),
		}
	}

	// Filter pruning happens before any scheduling
	var pruned []string
	for _, name := range e.graph.TopologicalOrder() {
		if e.eval.Eligible(name, rc) {
			e.states[name].status = types.JobStatusBlocked
			continue
		}

		e.states[name].status = types.JobStatusSkipped
		e.results[name] = &types.JobResult{
			Job:    name,
			Status: types.JobStatusSkipped,
			Reason: types.SkipReasonFilterMismatch,
		}
		e.recordResult(e.results[name])
		e.logger.Info("Skipping job: trigger filter does not match",
			logger.WithField("job", name))
		pruned = append(pruned, name)
	}

	terminal := len(pruned)
	terminal += e.cascade(pruned)

	// Everything unblocked by now is ready to launch
	for _, name := range e.graph.TopologicalOrder() {
		js := e.states[name]
		if js.status == types.JobStatusBlocked && js.remaining == 0 {
			js.status = types.JobStatusReady
			e.ready = append(e.ready, name)
		}
	}

	return e.graph.Len() - terminal
}

// drainReady returns and clears the ready queue
func (e *Engine) drainReady() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ready := e.ready
	e.ready = nil
	return ready
}

// handleCompletion folds a finished job back into the scheduling state and
// returns the number of jobs that reached a terminal state because of it.
func (e *Engine) handleCompletion(c completion) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	js := e.states[c.job]
	js.status = c.result.Status
	e.results[c.job] = c.result
	e.recordResult(c.result)

	return 1 + e.cascade([]string{c.job})
}

// cascade propagates terminal transitions to dependents: failures skip the
// whole downstream cone, skips defer the decision until all dependencies
// are terminal, and run-always jobs wait for terminal dependencies without
// inheriting the skip. Caller holds the lock; returns the number of jobs
// newly terminal.
func (e *Engine) cascade(seed []string) int {
	terminal := 0
	queue := append([]string(nil), seed...)

	for len(queue) > 0 {
		done := queue[0]
		queue = queue[1:]

		doneJS := e.states[done]
		result := e.results[done]

		for _, name := range e.graph.Dependents(done) {
			js := e.states[name]
			if js.status != types.JobStatusBlocked {
				continue
			}

			js.remaining--
			switch {
			case doneJS.status == types.JobStatusFailed:
				js.failedUp = true
			case doneJS.status == types.JobStatusSkipped && result != nil && result.Reason == types.SkipReasonUpstreamFailure:
				js.failedUp = true
			case doneJS.status == types.JobStatusSkipped:
				js.skippedUp = true
			}

			if js.failedUp && !js.spec.IsRunAlways() {
				e.skipLocked(name, types.SkipReasonUpstreamFailure)
				terminal++
				queue = append(queue, name)
				continue
			}

			if js.remaining > 0 {
				continue
			}

			if js.skippedUp && !js.spec.IsRunAlways() {
				e.skipLocked(name, types.SkipReasonUpstreamSkipped)
				terminal++
				queue = append(queue, name)
				continue
			}

			js.status = types.JobStatusReady
			e.ready = append(e.ready, name)
		}
	}

	return terminal
}

// skipLocked marks a job skipped; caller holds the lock
func (e *Engine) skipLocked(name string, reason types.SkipReason) {
	e.states[name].status = types.JobStatusSkipped
	e.results[name] = &types.JobResult{
		Job:    name,
		Status: types.JobStatusSkipped,
		Reason: reason,
	}
	e.recordResult(e.results[name])
	e.logger.Info("Skipping job",
		logger.WithField("job", name),
		logger.WithField("reason", reason))
}

// finishJob records a terminal result for a job that never ran and cascades
// the transition to its dependents. Returns the number of newly terminal jobs.
func (e *Engine) finishJob(name string, result *types.JobResult) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.states[name].status = result.Status
	e.results[name] = result
	e.recordResult(result)

	return 1 + e.cascade([]string{name})
}

// executeJob runs one job end to end: cache restore, workspace attach, the
// operation sequence, then workspace/cache/artifact persistence. The
// operations of a job always run sequentially.
func (e *Engine) executeJob(ctx context.Context, name string, rc types.RunContext) *types.JobResult {
	spec := e.graph.Job(name)
	log := e.logger.WithJob(name)
	start := time.Now()

	result := &types.JobResult{Job: name}

	fail := func(step string, err error, tail string) *types.JobResult {
		result.Status = types.JobStatusFailed
		result.FailedStep = step
		result.Error = err.Error()
		result.OutputTail = tail
		result.Duration = time.Since(start)

		if errors.Is(err, context.Canceled) {
			result.Error = "cancelled"
			log.Warn("Job cancelled", logger.WithField("step", step))
		} else {
			log.Error("Job failed",
				logger.WithField("step", step),
				logger.WithField("error", err))
			if e.deps.Notifier != nil {
				e.deps.Notifier.NotifyJobFailure(name, err)
			}
		}

		e.collectTestResults(spec, log, e.jobWorkDir(spec))
		return result
	}

	workDir := e.jobWorkDir(spec)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fail("prepare", fmt.Errorf("failed to create working directory: %w", err), "")
	}

	// Restore caches: a full miss is not an error, the paths stay empty
	for _, binding := range spec.Caches {
		entry, err := e.deps.CacheStore.Resolve(binding, rc)
		if err != nil {
			return fail("restore-cache", err, "")
		}
		if entry == nil {
			log.Debug("Cache miss", logger.WithField("key", binding.Key))
			continue
		}
		if err := e.deps.CacheStore.Restore(entry, workDir); err != nil {
			return fail("restore-cache", err, "")
		}
		log.Info("Restored cache", logger.WithField("key", entry.Key))
	}

	// Attach upstream workspace artifacts
	for _, path := range spec.WorkspaceReads {
		if err := e.deps.WorkspaceStore.Materialize(path, workDir); err != nil {
			return fail("attach-workspace", err, "")
		}
	}

	// Run the operation sequence
	for _, op := range spec.Steps {
		if err := ctx.Err(); err != nil {
			return fail(op.Name, err, "")
		}

		log.Info(fmt.Sprintf("Running: %s", op.Name))

		var lastRes *runner.Result
		runOnce := func(ctx context.Context) error {
			res, err := e.deps.Runner.Run(ctx, op, workDir, spec.Env)
			if res != nil {
				lastRes = res
			}
			return err
		}

		var err error
		if op.Retry != nil {
			policy := retryPolicy(op.Retry)
			var attempts int
			attempts, err = e.deps.Retry.Do(ctx, op.Name, policy, runOnce)
			result.Retries += attempts - 1
		} else {
			err = runOnce(ctx)
		}

		if err != nil {
			tail := ""
			if lastRes != nil {
				tail = lastRes.Tail(4096)
			}
			return fail(op.Name, err, tail)
		}
	}

	// Publish declared workspace writes; a declared write the job did not
	// produce is a job failure, not a silent gap for downstream readers.
	for _, path := range spec.WorkspaceWrites {
		src := filepath.Join(workDir, path)
		if !utils.Exists(src) {
			return fail("persist-workspace",
				fmt.Errorf("declared workspace write %q was not produced", path), "")
		}
		if err := e.deps.WorkspaceStore.Publish(name, path, src); err != nil {
			return fail("persist-workspace", err, "")
		}
	}

	// Save caches under the primary key; best effort
	for _, binding := range spec.Caches {
		if err := e.deps.CacheStore.Save(binding, rc, workDir); err != nil {
			log.Warn("Failed to save cache",
				logger.WithField("key", binding.Key),
				logger.WithField("error", err))
		}
	}

	// Export artifacts and test reports
	if e.deps.Sink != nil {
		for _, artifact := range spec.Artifacts {
			if err := e.deps.Sink.StoreArtifact(name, artifact, workDir); err != nil {
				return fail("store-artifacts", err, "")
			}
		}
	}
	e.collectTestResults(spec, log, workDir)

	result.Status = types.JobStatusSucceeded
	result.Duration = time.Since(start)
	log.Success(fmt.Sprintf("Job completed in %s", result.Duration.Round(time.Millisecond)))
	return result
}

// collectTestResults exports a job's test report tree if one was declared
// and produced; failed jobs keep their reports too.
func (e *Engine) collectTestResults(spec *types.JobSpec, log logger.Logger, workDir string) {
	if e.deps.Sink == nil || spec.TestResults == "" {
		return
	}
	if !utils.Exists(filepath.Join(workDir, spec.TestResults)) {
		return
	}
	if err := e.deps.Sink.StoreTestResults(spec.Name, spec.TestResults, workDir); err != nil {
		log.Warn("Failed to store test results", logger.WithField("error", err))
	}
}

// finalize computes the run status, reports it, and tears down the
// run-scoped workspace.
func (e *Engine) finalize(ctx context.Context, rc types.RunContext, started time.Time) *types.RunResult {
	e.mu.Lock()
	results := make(map[string]*types.JobResult, len(e.results))
	for name, res := range e.results {
		results[name] = res
	}
	e.mu.Unlock()

	status := types.RunStatusSucceeded
	var failedJobs []string
	for name, res := range results {
		if res.Status != types.JobStatusFailed {
			continue
		}
		if e.graph.Job(name).IsBestEffort() {
			continue
		}
		status = types.RunStatusFailed
		failedJobs = append(failedJobs, name)
	}
	if ctx.Err() != nil {
		status = types.RunStatusCancelled
	}

	runResult := &types.RunResult{
		RunID:    rc.RunID,
		Status:   status,
		Jobs:     results,
		Started:  started,
		Finished: time.Now(),
	}

	e.logSummary(runResult)

	if e.deps.Sink != nil {
		if err := e.deps.Sink.WriteReport(runResult); err != nil {
			e.logger.Warn("Failed to write run report", logger.WithField("error", err))
		}
	}

	// Archive (if requested) before the run-scoped workspace goes away.
	// Caches written during the run stay valid regardless of the outcome.
	if e.deps.WorkspaceStore != nil {
		if e.opts.ArchiveDir != "" {
			if err := e.deps.WorkspaceStore.Archive(e.opts.ArchiveDir); err != nil {
				e.logger.Warn("Failed to archive workspace", logger.WithField("error", err))
			}
		}
		if err := e.deps.WorkspaceStore.Teardown(); err != nil {
			e.logger.Warn("Failed to tear down workspace", logger.WithField("error", err))
		}
	}

	if e.deps.Notifier != nil {
		if status == types.RunStatusSucceeded {
			e.deps.Notifier.NotifyRunSuccess(e.cfg.Name, runResult.Finished.Sub(started))
		} else {
			e.deps.Notifier.NotifyRunFailure(e.cfg.Name, failedJobs)
		}
	}

	if e.deps.StateManager != nil {
		if err := e.deps.StateManager.Cleanup(); err != nil {
			e.logger.Warn("Failed to clean up run state", logger.WithField("error", err))
		}
	}

	return runResult
}

// logSummary prints the per-job status table and failure details
func (e *Engine) logSummary(result *types.RunResult) {
	e.logger.Info(fmt.Sprintf("Run %s finished: %s", result.RunID, result.Status))

	for _, name := range e.graph.TopologicalOrder() {
		res, ok := result.Jobs[name]
		if !ok {
			continue
		}

		fields := []logger.Field{
			logger.WithField("status", res.Status),
		}
		if res.Reason != types.SkipReasonNone {
			fields = append(fields, logger.WithField("reason", res.Reason))
		}
		if res.Duration > 0 {
			fields = append(fields, logger.WithField("duration", res.Duration.Round(time.Millisecond)))
		}
		if res.Retries > 0 {
			fields = append(fields, logger.WithField("retries", res.Retries))
		}
		e.logger.Info(fmt.Sprintf("  %s", name), fields...)

		if res.Status == types.JobStatusFailed && res.OutputTail != "" {
			e.logger.Error(fmt.Sprintf("  %s output:\n%s", name, res.OutputTail))
		}
	}
}

// setStatus records a scheduling transition
func (e *Engine) setStatus(name string, status types.JobStatus) {
	e.mu.Lock()
	e.states[name].status = status
	e.mu.Unlock()

	if e.deps.StateManager != nil {
		if err := e.deps.StateManager.UpdateStatus(name, status, types.SkipReasonNone); err != nil {
			e.logger.Debug("Failed to persist job status",
				logger.WithField("job", name),
				logger.WithField("error", err))
		}
	}
}

// recordResult persists a terminal result; caller holds the lock where
// required by the state map, the state manager has its own locking.
func (e *Engine) recordResult(result *types.JobResult) {
	if e.deps.StateManager == nil {
		return
	}
	if err := e.deps.StateManager.RecordResult(result); err != nil {
		e.logger.Debug("Failed to persist job result",
			logger.WithField("job", result.Job),
			logger.WithField("error", err))
	}
}

// jobWorkDir returns the working directory for a job
func (e *Engine) jobWorkDir(spec *types.JobSpec) string {
	dir := spec.WorkDir
	if dir == "" {
		dir = spec.Name
	}
	return filepath.Join(e.opts.WorkRoot, dir)
}

// retryPolicy fills unset policy fields from the default
func retryPolicy(p *types.RetryPolicy) types.RetryPolicy {
	policy := *p
	defaults := types.DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.Delay <= 0 {
		policy.Delay = defaults.Delay
	}
	return policy
}
