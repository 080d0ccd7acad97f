package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/internal/engine"
	"github.com/conveyor-ci/conveyor/pkg/config"
	"github.com/conveyor-ci/conveyor/pkg/filter"
	"github.com/conveyor-ci/conveyor/pkg/graph"
	"github.com/conveyor-ci/conveyor/pkg/logger"
	"github.com/conveyor-ci/conveyor/pkg/state"
	"github.com/conveyor-ci/conveyor/pkg/types"
)

func newRunCmd() *cobra.Command {
	var branch string
	var tag string
	var commit string
	var buildNumber int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `Execute the whole pipeline for a given ref. Jobs run in parallel where
the dependency graph allows, bounded by the configured worker pool.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if branch != "" && tag != "" {
				return fmt.Errorf("--branch and --tag are mutually exclusive")
			}
			if branch == "" && tag == "" {
				branch = "main"
			}
			rc := types.RunContext{
				RunID:       uuid.NewString(),
				Branch:      branch,
				Tag:         tag,
				Commit:      commit,
				BuildNumber: buildNumber,
			}
			return runPipeline(cmd.Context(), rc)
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "branch ref triggering the run")
	cmd.Flags().StringVar(&tag, "tag", "", "tag ref triggering the run")
	cmd.Flags().StringVar(&commit, "commit", "", "commit hash for cache key templates")
	cmd.Flags().IntVar(&buildNumber, "build-number", 1, "build number for cache key templates")

	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline configuration",
		Long: `Check the configuration for structural problems, dependency cycles,
unknown dependencies, and invalid trigger filter patterns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate()
		},
	}
}

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the job dependency graph",
		Long:  `Print the jobs in topological order with their dependencies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph()
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of the last run",
		Long:  `Display the per-job status recorded by the most recent pipeline run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Create a starter pipeline configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := filepath.Base(mustAbs(projectRoot))
			if len(args) > 0 {
				name = args[0]
			}
			return runInit(name, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of Conveyor",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("⚙ Conveyor v%s\n", version)
		},
	}
}

// Implementation functions

func runPipeline(ctx context.Context, rc types.RunContext) error {
	cfg, err := loadPipelineConfig()
	if err != nil {
		return err
	}

	log := createLogger(cfg)

	g, err := graph.Build(cfg.Jobs)
	if err != nil {
		return fmt.Errorf("invalid job graph: %w", err)
	}

	eval, err := filter.NewEvaluator(cfg.Jobs)
	if err != nil {
		return fmt.Errorf("invalid trigger filters: %w", err)
	}

	factory := engine.NewDependencyFactory(cfg, mustAbs(projectRoot), log)
	deps, err := factory.CreateDependencies(rc.RunID)
	if err != nil {
		return fmt.Errorf("failed to set up run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps.ProcessManager.RegisterShutdownHandler(cancel)
	deps.ProcessManager.Start(runCtx)
	defer deps.ProcessManager.Stop()

	printInfo(fmt.Sprintf("Running pipeline %q for %s", cfg.Name, rc.Ref()))

	eng := engine.New(cfg, g, eval, log, deps, factory.CreateOptions(rc.RunID))
	result, err := eng.Run(runCtx, rc)
	if err != nil {
		return err
	}

	switch result.Status {
	case types.RunStatusSucceeded:
		printSuccess(fmt.Sprintf("Pipeline succeeded in %s", result.Finished.Sub(result.Started).Round(10*time.Millisecond)))
	case types.RunStatusCancelled:
		printWarning("Pipeline cancelled")
		return fmt.Errorf("pipeline cancelled")
	default:
		printError("Pipeline failed")
		return fmt.Errorf("pipeline failed")
	}

	printInfo(fmt.Sprintf("Artifacts in %s", factory.OutputDir()))
	return nil
}

func runValidate() error {
	mgr := config.NewManager(nil)

	path := cfgFile
	var err error
	if path == "" {
		path, err = mgr.FindConfigFile(projectRoot)
		if err != nil {
			return err
		}
	}

	cfg, err := mgr.LoadConfig(path)
	if err != nil {
		printError(fmt.Sprintf("Configuration is invalid: %v", err))
		return err
	}

	if errs := mgr.ValidateConfig(cfg); len(errs) > 0 {
		for _, verr := range errs {
			printError(verr.Error())
		}
		return fmt.Errorf("configuration has %d problem(s)", len(errs))
	}

	if _, err := graph.Build(cfg.Jobs); err != nil {
		printError(err.Error())
		return err
	}

	if _, err := filter.NewEvaluator(cfg.Jobs); err != nil {
		printError(err.Error())
		return err
	}

	printSuccess(fmt.Sprintf("Configuration is valid: %d job(s)", len(cfg.Jobs)))
	return nil
}

func runGraph() error {
	cfg, err := loadPipelineConfig()
	if err != nil {
		return err
	}

	g, err := graph.Build(cfg.Jobs)
	if err != nil {
		return fmt.Errorf("invalid job graph: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tDEPENDS ON\tFILTERED")
	fmt.Fprintln(w, "---\t----------\t--------")

	for _, name := range g.TopologicalOrder() {
		job := g.Job(name)
		deps := "-"
		if len(job.DependsOn) > 0 {
			deps = fmt.Sprintf("%v", job.DependsOn)
		}
		filtered := ""
		if !job.Filter.IsZero() {
			filtered = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, deps, filtered)
	}

	return w.Flush()
}

func runStatus() error {
	sm := state.NewStateManager(mustAbs(projectRoot), nil)

	states, err := sm.DiscoverStates()
	if err != nil {
		return fmt.Errorf("failed to discover job states: %w", err)
	}

	if len(states) == 0 {
		printInfo("No recorded runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATUS\tRETRIES\tDURATION\tERROR")
	fmt.Fprintln(w, "---\t------\t-------\t--------\t-----")

	for _, js := range states {
		status := string(js.Status)
		switch js.Status {
		case types.JobStatusSucceeded:
			status = color.GreenString(status)
		case types.JobStatusFailed:
			status = color.RedString(status)
		case types.JobStatusSkipped:
			status = color.YellowString(fmt.Sprintf("%s (%s)", status, js.Reason))
		}

		duration := "-"
		if js.Duration > 0 {
			duration = js.Duration.String()
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", js.JobName, status, js.Retries, duration, js.LastError)
	}

	return w.Flush()
}

func runInit(name string, force bool) error {
	mgr := config.NewManager(nil)
	path := filepath.Join(projectRoot, "conveyor.yaml")

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := mgr.WriteConfig(mgr.GetDefaultConfig(name), path); err != nil {
		return err
	}

	printSuccess(fmt.Sprintf("Created %s", path))
	return nil
}

// Helpers

func loadPipelineConfig() (*types.PipelineConfig, error) {
	mgr := config.NewManager(nil)

	if cfgFile != "" {
		cfg, err := mgr.LoadConfig(cfgFile)
		if err != nil {
			return nil, err
		}
		if errs := mgr.ValidateConfig(cfg); len(errs) > 0 {
			return nil, fmt.Errorf("invalid pipeline configuration: %v", errs[0])
		}
		return cfg, nil
	}

	return mgr.LoadProject(projectRoot)
}

func createLogger(cfg *types.PipelineConfig) logger.Logger {
	logFile := ""
	level := verbosity
	if cfg.Logging != nil {
		logFile = cfg.Logging.File
		if cfg.Logging.Level != "" && verbosity == "info" {
			level = string(cfg.Logging.Level)
		}
	}
	return logger.CreateLogger(logFile, level)
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
