// Package runner executes job operations as external shell commands
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

// OperationError reports a single operation returning non-zero. It fails
// the owning job, never the engine.
type OperationError struct {
	Op     string
	Err    error
	Output string
}

// Error implements the error interface
func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %q failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying exec error
func (e *OperationError) Unwrap() error { return e.Err }

// Result holds the outcome of one operation
type Result struct {
	Output   []byte
	Duration time.Duration
}

// Tail returns the last max bytes of output, for failure reports
func (r *Result) Tail(max int) string {
	if len(r.Output) <= max {
		return string(r.Output)
	}
	return string(r.Output[len(r.Output)-max:])
}

// ShellRunner runs operations through `sh -c` with a per-operation timeout.
// The engine treats each command as opaque; only the exit code matters.
type ShellRunner struct {
	logger logger.Logger
}

// NewShellRunner creates a shell operation runner
func NewShellRunner(log logger.Logger) *ShellRunner {
	return &ShellRunner{logger: log}
}

// Run executes a single operation in workDir. Cancellation of ctx kills
// the command; the operations of a job are always run sequentially by the
// caller, never concurrently with each other.
func (r *ShellRunner) Run(ctx context.Context, op types.Operation, workDir string, jobEnv map[string]string) (*Result, error) {
	opCtx, cancel := context.WithTimeout(ctx, op.GetTimeout())
	defer cancel()

	cmd := exec.CommandContext(opCtx, "sh", "-c", op.Run)
	cmd.Dir = workDir

	cmd.Env = os.Environ()
	for k, v := range jobEnv {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range op.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if r.logger != nil {
		r.logger.Debug(fmt.Sprintf("Executing: %s", op.Run),
			logger.WithField("operation", op.Name))
	}

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Output:   output.Bytes(),
		Duration: time.Since(start),
	}

	if err != nil {
		// Distinguish external cancellation from the command's own failure
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", op.GetTimeout(), err)
		}
		return result, &OperationError{
			Op:     op.Name,
			Err:    err,
			Output: result.Tail(4096),
		}
	}

	return result, nil
}
