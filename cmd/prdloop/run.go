package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/prdloop/internal/config"
	"github.com/ShayCichocki/prdloop/internal/orchestrator"
	"github.com/ShayCichocki/prdloop/internal/prd"
	"github.com/ShayCichocki/prdloop/internal/state"
)

// runFlags are the per-run overrides of the file configuration.
type runFlags struct {
	maxAttempts       int
	maxCost           float64
	continueOnFailure bool
	parallel          bool
	maxParallel       int
	noCheckpoints     bool
	qualityGate       string
	validate          []string
	backend           string
	model             string
	timeout           time.Duration
	dryRun            bool
	sessionID         string
}

// uiFlags control how a run is presented and steered.
type uiFlags struct {
	tui          bool
	watchSignals bool
	debugLog     bool
}

var (
	runOpts runFlags
	runUI   uiFlags
)

var runCmd = &cobra.Command{
	Use:   "run <prd>",
	Short: "Execute the tasks of a PRD",
	Long: `Execute every task of a PRD file (.yaml, .yml or .json) in dependency order.

Settings come from ~/.config/prdloop/config.yaml, then .prdloop.yaml in the
project, then PRDLOOP_* environment variables, then these flags.

With --parallel, tasks in the same dependency level run concurrently, up to
--max-parallel at a time. A failed task stops the run after the in-flight
tasks finish unless --continue-on-failure is set, in which case only its
dependents are skipped.

Ctrl+C cancels the run; progress up to the last finished task is kept in a
checkpoint and can be resumed with 'prdloop resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runPRD,
}

func init() {
	addRunFlags(runCmd, &runOpts)
	addUIFlags(runCmd, &runUI)
	runCmd.Flags().BoolVar(&runOpts.dryRun, "dry-run", false, "Route and estimate cost without invoking any worker")
	runCmd.Flags().StringVar(&runOpts.sessionID, "session", "", "Session ID to use (default: generated)")
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Attempts per task per model")
	cmd.Flags().Float64Var(&f.maxCost, "max-cost", 0, "Budget in USD for the whole run (0 = unlimited)")
	cmd.Flags().BoolVar(&f.continueOnFailure, "continue-on-failure", false, "Keep running independent tasks after a failure")
	cmd.Flags().BoolVar(&f.parallel, "parallel", false, "Run tasks of a dependency level concurrently")
	cmd.Flags().IntVar(&f.maxParallel, "max-parallel", 0, "Maximum concurrent tasks with --parallel")
	cmd.Flags().BoolVar(&f.noCheckpoints, "no-checkpoints", false, "Do not save progress after each task")
	cmd.Flags().StringVar(&f.qualityGate, "quality-gate", "", "Quality gate mode: pre-commit, release, full or none")
	cmd.Flags().StringArrayVar(&f.validate, "validate", nil, "Shell command to run after every successful attempt (repeatable)")
	cmd.Flags().StringVar(&f.backend, "backend", "", "Worker backend: cli, api or bedrock")
	cmd.Flags().StringVar(&f.model, "model", "", "Force every task onto one model")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Worker timeout for a simple task (scales with complexity)")
}

func addUIFlags(cmd *cobra.Command, f *uiFlags) {
	cmd.Flags().BoolVar(&f.tui, "tui", false, "Show the interactive progress view")
	cmd.Flags().BoolVar(&f.watchSignals, "watch-signals", false, "Pause or kill the run via files in .prdloop/signals")
	cmd.Flags().BoolVar(&f.debugLog, "debug-log", false, "Write a debug log to .prdloop/logs/<session>.log")
}

// apply copies the flags the user actually set onto rc.
func (f *runFlags) apply(cmd *cobra.Command, rc *orchestrator.RunConfig) {
	changed := cmd.Flags().Changed
	if changed("max-attempts") {
		rc.MaxAttempts = f.maxAttempts
	}
	if changed("max-cost") {
		rc.MaxCostUSD = f.maxCost
	}
	if changed("continue-on-failure") {
		rc.ContinueOnFailure = f.continueOnFailure
	}
	if changed("parallel") {
		rc.EnableParallelExecution = f.parallel
	}
	if changed("max-parallel") {
		rc.MaxParallelTasks = f.maxParallel
	}
	if changed("no-checkpoints") {
		rc.EnableCheckpoints = !f.noCheckpoints
	}
	if changed("quality-gate") {
		rc.QualityGateMode = f.qualityGate
	}
	if changed("validate") {
		rc.ValidationSteps = append([]string(nil), f.validate...)
	}
	if changed("backend") {
		rc.Backend = f.backend
	}
	if changed("model") {
		rc.Model = f.model
	}
	if changed("timeout") {
		rc.BaseTimeout = f.timeout
	}
	if changed("dry-run") {
		rc.DryRun = f.dryRun
	}
	if changed("session") {
		rc.SessionID = f.sessionID
	}
}

func runPRD(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dir, err := projectDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loaded, err := prd.Load(args[0])
	if err != nil {
		return err
	}

	rc, pc := cfg.RunConfig()
	runOpts.apply(cmd, &rc)
	rc.SpecPath = loaded.Path
	rc.SpecHash = loaded.Hash
	rc.WorkDir = dir

	s := &session{
		cfg:  cfg,
		spec: loaded.Spec,
		rc:   rc,
		pc:   pc,
		ui:   runUI,
		out:  cmd.OutOrStdout(),
	}
	if !rc.DryRun {
		db, err := state.OpenProject(dir)
		if err != nil {
			return fmt.Errorf("open state: %w", err)
		}
		defer db.Close()
		s.db = db
	}

	result, err := s.run(ctx)
	if err != nil {
		return err
	}
	return reportResult(s.out, result)
}
