package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/pkg/types"
)

// watchDebounce coalesces bursts of file events into one pipeline run
const watchDebounce = 500 * time.Millisecond

func newWatchCmd() *cobra.Command {
	var branch string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the pipeline when source files change",
		Long: `Start Conveyor in watch mode. The configured watch paths are monitored
and the pipeline re-runs after each burst of changes. A change arriving
while a run is in flight queues exactly one follow-up run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if branch == "" {
				branch = "main"
			}
			return runWatch(branch)
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "branch ref for the triggered runs")

	return cmd
}

func runWatch(branch string) error {
	cfg, err := loadPipelineConfig()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	paths := []string{"."}
	if cfg.Watch != nil && len(cfg.Watch.Paths) > 0 {
		paths = cfg.Watch.Paths
	}
	for _, path := range paths {
		if err := addRecursive(watcher, filepath.Join(projectRoot, path)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		printInfo("Shutting down watch mode")
		cancel()
	}()

	printInfo(fmt.Sprintf("Watching %d path(s), press Ctrl-C to stop", len(paths)))

	buildNumber := 0
	runOnce := func() {
		buildNumber++
		rc := types.RunContext{
			RunID:       uuid.NewString(),
			Branch:      branch,
			BuildNumber: buildNumber,
		}
		if err := runPipeline(ctx, rc); err != nil && ctx.Err() == nil {
			printError(err.Error())
		}
	}

	// Initial run before the first change
	runOnce()

	var debounce *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignoredPath(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories need their own watch
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addRecursive(watcher, event.Name)
				}
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			printWarning(fmt.Sprintf("Watcher error: %v", err))

		case <-pending:
			printInfo("Change detected, re-running pipeline")
			runOnce()
		}
	}
}

// addRecursive watches a directory tree
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if ignoredPath(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// ignoredPath filters out Conveyor's own output and VCS noise
func ignoredPath(path string) bool {
	base := filepath.Base(path)
	if base == ".git" || base == ".conveyor" || base == "node_modules" {
		return true
	}
	return strings.Contains(path, string(filepath.Separator)+".conveyor"+string(filepath.Separator)) ||
		strings.Contains(path, string(filepath.Separator)+".git"+string(filepath.Separator))
}
