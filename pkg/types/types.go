// Package types provides core types and configurations for Conveyor
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// JobStatus represents the scheduling state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusBlocked   JobStatus = "blocked"
	JobStatusReady     JobStatus = "ready"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
)

// Terminal reports whether the status is a final state
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusSkipped
}

// SkipReason explains why a job was skipped
type SkipReason string

const (
	SkipReasonNone            SkipReason = ""
	SkipReasonFilterMismatch  SkipReason = "filter-mismatch"
	SkipReasonUpstreamFailure SkipReason = "upstream-failure"
	SkipReasonUpstreamSkipped SkipReason = "upstream-skipped"
)

// RunStatus represents the terminal status of a pipeline run
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Duration wraps time.Duration so it parses from "15s" style strings in
// both YAML and JSON configuration.
type Duration time.Duration

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler; yaml.v3 does not consult
// encoding.TextUnmarshaler on its own.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// RetryPolicy configures bounded retries with a fixed inter-attempt delay.
// There is deliberately no backoff and no jitter.
type RetryPolicy struct {
	MaxAttempts int      `json:"maxAttempts" yaml:"maxAttempts"`
	Delay       Duration `json:"delay" yaml:"delay"`
}

// DefaultRetryPolicy matches the policy used for flaky remote operations:
// up to 5 attempts with a fixed 15 second delay between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Delay:       Duration(15 * time.Second),
	}
}

// Operation is a single opaque external command inside a job
type Operation struct {
	Name    string            `json:"name" yaml:"name"`
	Run     string            `json:"run" yaml:"run"`
	Timeout *Duration         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Retry   *RetryPolicy      `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// GetTimeout returns the per-operation timeout, defaulting to 10 minutes
func (o *Operation) GetTimeout() time.Duration {
	if o.Timeout != nil {
		return o.Timeout.Std()
	}
	return 10 * time.Minute
}

// FilterPattern holds a pair of regular expressions gating one ref
// dimension. An empty string means unset.
type FilterPattern struct {
	Only   string `json:"only,omitempty" yaml:"only,omitempty"`
	Ignore string `json:"ignore,omitempty" yaml:"ignore,omitempty"`
}

// IsZero reports whether neither pattern is set
func (p FilterPattern) IsZero() bool { return p.Only == "" && p.Ignore == "" }

// TriggerFilter decides whether a job is eligible for a given run ref.
// A branch-only filter excludes tag builds and vice versa; a job with no
// filter at all is eligible for both.
type TriggerFilter struct {
	Branches FilterPattern `json:"branches,omitempty" yaml:"branches,omitempty"`
	Tags     FilterPattern `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// IsZero reports whether the filter has no patterns at all
func (f *TriggerFilter) IsZero() bool {
	return f == nil || (f.Branches.IsZero() && f.Tags.IsZero())
}

// CacheBinding maps a templated primary key (plus ordered fallback key
// prefixes) to a set of restorable paths inside the job working directory.
type CacheBinding struct {
	Key         string   `json:"key" yaml:"key"`
	RestoreKeys []string `json:"restoreKeys,omitempty" yaml:"restoreKeys,omitempty"`
	Paths       []string `json:"paths" yaml:"paths"`
}

// ArtifactSpec declares a path a job exports to the artifact sink
type ArtifactSpec struct {
	Path        string `json:"path" yaml:"path"`
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// JobSpec is the static description of one job. It is immutable once the
// graph is built; the scheduler never mutates it during a run.
type JobSpec struct {
	Name            string            `json:"name" yaml:"name"`
	DependsOn       []string          `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	WorkDir         string            `json:"workDir,omitempty" yaml:"workDir,omitempty"`
	Steps           []Operation       `json:"steps" yaml:"steps"`
	Filter          *TriggerFilter    `json:"filter,omitempty" yaml:"filter,omitempty"`
	Caches          []CacheBinding    `json:"caches,omitempty" yaml:"caches,omitempty"`
	WorkspaceReads  []string          `json:"workspaceReads,omitempty" yaml:"workspaceReads,omitempty"`
	WorkspaceWrites []string          `json:"workspaceWrites,omitempty" yaml:"workspaceWrites,omitempty"`
	Artifacts       []ArtifactSpec    `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	TestResults     string            `json:"testResults,omitempty" yaml:"testResults,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	RunAlways       *bool             `json:"runAlways,omitempty" yaml:"runAlways,omitempty"`
	BestEffort      *bool             `json:"bestEffort,omitempty" yaml:"bestEffort,omitempty"`
}

// IsRunAlways reports whether the job runs even when an upstream job failed
func (j *JobSpec) IsRunAlways() bool { return j.RunAlways != nil && *j.RunAlways }

// IsBestEffort reports whether the job's failure is excluded from the
// overall run status
func (j *JobSpec) IsBestEffort() bool { return j.BestEffort != nil && *j.BestEffort }

// RunContext is the read-only state of one pipeline invocation. Exactly one
// of Branch or Tag is normally set; both feed cache key templates and
// trigger filters.
type RunContext struct {
	RunID       string `json:"runId"`
	Branch      string `json:"branch,omitempty"`
	Tag         string `json:"tag,omitempty"`
	Commit      string `json:"commit,omitempty"`
	BuildNumber int    `json:"buildNumber"`
}

// IsTagRun reports whether the run was triggered by a tag ref
func (rc RunContext) IsTagRun() bool { return rc.Tag != "" }

// Ref returns the triggering reference, preferring the tag
func (rc RunContext) Ref() string {
	if rc.Tag != "" {
		return rc.Tag
	}
	return rc.Branch
}

// JobResult records the outcome of a single job. Retries counts the extra
// operation invocations consumed beyond each operation's first attempt.
type JobResult struct {
	Job        string        `json:"job"`
	Status     JobStatus     `json:"status"`
	Reason     SkipReason    `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	FailedStep string        `json:"failedStep,omitempty"`
	Retries    int           `json:"retries"`
	Duration   time.Duration `json:"duration"`
	OutputTail string        `json:"outputTail,omitempty"`
}

// RunResult is the aggregate outcome of a pipeline run
type RunResult struct {
	RunID    string                `json:"runId"`
	Status   RunStatus             `json:"status"`
	Jobs     map[string]*JobResult `json:"jobs"`
	Started  time.Time             `json:"started"`
	Finished time.Time             `json:"finished"`
}

// Failed reports whether the run ended in anything but success
func (r *RunResult) Failed() bool { return r.Status != RunStatusSucceeded }

// WorkspaceConfig controls the run-scoped workspace store
type WorkspaceConfig struct {
	Dir     string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Archive string `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// CacheConfig controls the cache store backing directory
type CacheConfig struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// OutputConfig controls where artifacts, test reports, and the run report
// land so an external results viewer can ingest them.
type OutputConfig struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string   `json:"file,omitempty" yaml:"file,omitempty"`
	Level LogLevel `json:"level,omitempty" yaml:"level,omitempty"`
}

// WatchConfig lists source paths that re-trigger the pipeline in watch mode
type WatchConfig struct {
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// PipelineConfig is the root configuration: the job graph definition plus
// store locations and ambient settings.
type PipelineConfig struct {
	Version       string              `json:"version" yaml:"version"`
	Name          string              `json:"name" yaml:"name"`
	Workers       int                 `json:"workers,omitempty" yaml:"workers,omitempty"`
	Jobs          []JobSpec           `json:"jobs" yaml:"jobs"`
	Workspace     *WorkspaceConfig    `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Cache         *CacheConfig        `json:"cache,omitempty" yaml:"cache,omitempty"`
	Output        *OutputConfig       `json:"output,omitempty" yaml:"output,omitempty"`
	Notifications *NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Logging       *LoggingConfig      `json:"logging,omitempty" yaml:"logging,omitempty"`
	Watch         *WatchConfig        `json:"watch,omitempty" yaml:"watch,omitempty"`
}

// GetWorkers returns the configured worker pool size, defaulting to 2
func (c *PipelineConfig) GetWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 2
}

// JobByName looks up a job spec by name
func (c *PipelineConfig) JobByName(name string) *JobSpec {
	for i := range c.Jobs {
		if c.Jobs[i].Name == name {
			return &c.Jobs[i]
		}
	}
	return nil
}
