package engine

import (
	"path/filepath"

	"github.com/conveyor-ci/conveyor/pkg/artifacts"
	"github.com/conveyor-ci/conveyor/pkg/cache"
	"github.com/conveyor-ci/conveyor/pkg/interfaces"
	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/notifier"
	"github.com/conveyor-ci/conveyor/pkg/process"
	"github.com/conveyor-ci/conveyor/pkg/retry"
	"github.com/conveyor-ci/conveyor/pkg/runner"
	"github.com/conveyor-ci/conveyor/pkg/state"
	"github.com/conveyor-ci/conveyor/pkg/types"
	"github.com/conveyor-ci/conveyor/pkg/workspace"
)

// DependencyFactory assembles the default collaborators for an engine run.
// Everything it builds lives under projectRoot/.conveyor except the artifact
// output directory, which the external results viewer reads.
type DependencyFactory struct {
	cfg         *types.PipelineConfig
	projectRoot string
	logger      logger.Logger
}

// NewDependencyFactory creates a factory for the given project
func NewDependencyFactory(cfg *types.PipelineConfig, projectRoot string, log logger.Logger) *DependencyFactory {
	return &DependencyFactory{
		cfg:         cfg,
		projectRoot: projectRoot,
		logger:      log,
	}
}

// CreateDependencies builds the production dependency set for one run
func (f *DependencyFactory) CreateDependencies(runID string) (interfaces.EngineDependencies, error) {
	cacheStore, err := cache.NewDiskStore(f.cacheDir(), f.logger)
	if err != nil {
		return interfaces.EngineDependencies{}, err
	}

	ws, err := workspace.NewStore(f.workspaceBase(), runID, f.logger)
	if err != nil {
		return interfaces.EngineDependencies{}, err
	}

	sink, err := artifacts.NewSink(f.OutputDir(), f.logger)
	if err != nil {
		return interfaces.EngineDependencies{}, err
	}

	deps := interfaces.EngineDependencies{
		CacheStore:     cacheStore,
		WorkspaceStore: ws,
		Runner:         runner.NewShellRunner(f.logger),
		Retry:          retry.NewController(f.logger),
		Sink:           sink,
		StateManager:   state.NewStateManager(f.projectRoot, f.logger),
		ProcessManager: process.NewManager(f.logger),
	}

	if f.notificationsEnabled() {
		deps.Notifier = notifier.New(notifier.Config{Enabled: true}, f.logger)
	}

	return deps, nil
}

// CreateOptions builds the engine options for one run
func (f *DependencyFactory) CreateOptions(runID string) Options {
	opts := Options{
		Workers:  f.cfg.GetWorkers(),
		WorkRoot: filepath.Join(f.projectRoot, ".conveyor", "runs", runID),
	}
	if f.cfg.Workspace != nil {
		opts.ArchiveDir = f.cfg.Workspace.Archive
	}
	return opts
}

// OutputDir returns the directory artifacts and reports land in
func (f *DependencyFactory) OutputDir() string {
	if f.cfg.Output != nil && f.cfg.Output.Dir != "" {
		return f.resolve(f.cfg.Output.Dir)
	}
	return filepath.Join(f.projectRoot, ".conveyor", "output")
}

func (f *DependencyFactory) cacheDir() string {
	if f.cfg.Cache != nil && f.cfg.Cache.Dir != "" {
		return f.resolve(f.cfg.Cache.Dir)
	}
	return filepath.Join(f.projectRoot, ".conveyor", "cache")
}

func (f *DependencyFactory) workspaceBase() string {
	if f.cfg.Workspace != nil && f.cfg.Workspace.Dir != "" {
		return f.resolve(f.cfg.Workspace.Dir)
	}
	return filepath.Join(f.projectRoot, ".conveyor", "workspaces")
}

func (f *DependencyFactory) notificationsEnabled() bool {
	return f.cfg.Notifications != nil &&
		f.cfg.Notifications.Enabled != nil &&
		*f.cfg.Notifications.Enabled
}

func (f *DependencyFactory) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(f.projectRoot, dir)
}
