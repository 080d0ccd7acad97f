// Package notifier provides pipeline run notifications
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/conveyor-ci/conveyor/pkg/logger"
)

// RunNotifier surfaces run lifecycle events as desktop notifications
type RunNotifier struct {
	enabled bool
	logger  logger.Logger
}

// Config represents notification configuration
type Config struct {
	Enabled bool
}

// New creates a new run notifier
func New(config Config, log logger.Logger) *RunNotifier {
	return &RunNotifier{
		enabled: config.Enabled,
		logger:  log,
	}
}

// NotifyRunStart notifies that a pipeline run has started
func (n *RunNotifier) NotifyRunStart(pipeline, ref string) {
	if !n.enabled {
		return
	}
	n.send("Conveyor", fmt.Sprintf("Running %s for %s", pipeline, ref))
}

// NotifyRunSuccess notifies that a run succeeded
func (n *RunNotifier) NotifyRunSuccess(pipeline string, duration time.Duration) {
	if !n.enabled {
		return
	}
	n.send("✅ Pipeline Succeeded", fmt.Sprintf("%s finished in %s", pipeline, formatDuration(duration)))
}

// NotifyRunFailure notifies that a run failed
func (n *RunNotifier) NotifyRunFailure(pipeline string, failedJobs []string) {
	if !n.enabled {
		return
	}
	n.send("❌ Pipeline Failed", fmt.Sprintf("%s: failed jobs: %v", pipeline, failedJobs))
}

// NotifyJobFailure notifies that a single job failed
func (n *RunNotifier) NotifyJobFailure(job string, err error) {
	if !n.enabled {
		return
	}
	n.send("❌ Job Failed", fmt.Sprintf("%s: %v", job, err))
}

// send delivers a desktop notification, falling back to the log
func (n *RunNotifier) send(title, message string) {
	if err := beeep.Notify(title, message, ""); err != nil && n.logger != nil {
		n.logger.Debug("Notification failed, logging instead",
			logger.WithField("error", err))
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
