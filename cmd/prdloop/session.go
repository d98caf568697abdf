package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/ShayCichocki/prdloop/internal/checkpoint"
	"github.com/ShayCichocki/prdloop/internal/config"
	"github.com/ShayCichocki/prdloop/internal/control"
	"github.com/ShayCichocki/prdloop/internal/exec"
	"github.com/ShayCichocki/prdloop/internal/orchestrator"
	"github.com/ShayCichocki/prdloop/internal/orchestrator/policy"
	"github.com/ShayCichocki/prdloop/internal/router"
	"github.com/ShayCichocki/prdloop/internal/state"
	"github.com/ShayCichocki/prdloop/internal/tui"
	"github.com/ShayCichocki/prdloop/internal/worker"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// session wires one orchestrator run to the CLI.
type session struct {
	cfg    *config.Config
	spec   *models.WorkSpec
	rc     orchestrator.RunConfig
	pc     *policy.Config
	db     *state.DB
	resume *checkpoint.Checkpoint
	ui     uiFlags
	out    io.Writer
}

func (s *session) backend() string {
	if s.rc.Backend != "" {
		return s.rc.Backend
	}
	return orchestrator.DefaultBackend
}

// build assembles the orchestrator and its collaborators.
func (s *session) build(ctx context.Context) (*orchestrator.Orchestrator, error) {
	backend := s.backend()
	if !s.rc.DryRun {
		if _, err := config.CheckCredentials(s.cfg, backend); err != nil {
			return nil, err
		}
	}

	reg, err := s.cfg.Registry(backend)
	if err != nil {
		return nil, err
	}
	workers, err := buildWorkers(ctx, s.cfg, backend, reg, s.rc.DryRun)
	if err != nil {
		return nil, err
	}

	if s.rc.SessionID == "" {
		s.rc.SessionID = uuid.NewString()
	}

	ropts := []router.Option{}
	if s.rc.Model != "" {
		ropts = append(ropts, router.WithModelOverride(s.rc.Model))
	}
	if s.db != nil {
		ropts = append(ropts, router.WithHistory(s.db))
	}

	runner := exec.NewRunner()
	opts := []orchestrator.Option{
		orchestrator.WithWorkers(workers),
		orchestrator.WithRouter(router.New(reg, ropts...)),
		orchestrator.WithPolicy(s.pc),
		orchestrator.WithStepRunner(policy.NewShellStepRunner(runner)),
	}
	if s.cfg.Quality.Command != "" {
		opts = append(opts, orchestrator.WithAuditor(policy.NewCommandAuditor(s.cfg.Quality.Command, runner)))
	}
	if s.db != nil {
		opts = append(opts, orchestrator.WithStore(s.db))
	}
	if s.resume != nil {
		opts = append(opts, orchestrator.WithResume(s.resume))
	}

	var logger *orchestrator.DebugLogger
	if s.ui.debugLog {
		logger = orchestrator.NewSessionLogger(s.rc.WorkDir, s.rc.SessionID)
		opts = append(opts, orchestrator.WithLogger(logger))
	}

	orch, err := orchestrator.New(s.spec, s.rc, opts...)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return orch, nil
}

// buildWorkers registers the CLI worker and, for the api and bedrock
// backends, the Anthropic API worker.
func buildWorkers(ctx context.Context, cfg *config.Config, backend string, reg *router.Registry, dryRun bool) (*worker.Registry, error) {
	workers := worker.NewRegistry()

	cliOpts := []worker.CLIOption{worker.WithPricing(reg.CostFor)}
	if cfg.Worker.Binary != "" {
		cliOpts = append(cliOpts, worker.WithBinary(cfg.Worker.Binary))
	}
	if len(cfg.Worker.Args) > 0 {
		cliOpts = append(cliOpts, worker.WithArgs(cfg.Worker.Args...))
	}
	workers.Register("cli", worker.NewCLIWorker(cliOpts...))

	if dryRun || (backend != "api" && backend != "bedrock") {
		return workers, nil
	}
	api, err := worker.NewAPIWorker(ctx, worker.APIConfig{
		APIKey:     cfg.Anthropic.APIKey,
		UseBedrock: backend == "bedrock" || cfg.Anthropic.UseBedrock,
		AWSRegion:  cfg.Anthropic.AWSRegion,
		AWSProfile: cfg.Anthropic.AWSProfile,
		MaxTokens:  cfg.Anthropic.MaxTokens,
		Pricing:    reg.CostFor,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s worker: %w", backend, err)
	}
	workers.Register(backend, api)
	return workers, nil
}

// run executes the session to completion, pause or cancellation.
func (s *session) run(ctx context.Context) (*orchestrator.RunResult, error) {
	orch, err := s.build(ctx)
	if err != nil {
		return nil, err
	}
	defer orch.Close()

	if s.db != nil {
		if _, err := checkpoint.NewStore(s.db).Sweep(ctx, s.cfg.Checkpoints.Retention); err != nil {
			log.Printf("[prdloop] checkpoint sweep failed: %v", err)
		}
	}

	shutdown := orchestrator.NewShutdownHandler(ctx, orch)
	defer shutdown.Stop()

	if s.ui.watchSignals && !s.rc.DryRun {
		w, err := control.NewWatcher(s.rc.WorkDir, control.TargetFuncs{
			OnPause: orch.Pause,
			OnKill:  shutdown.Trigger,
		})
		if err != nil {
			return nil, err
		}
		defer func() {
			w.Close()
			w.Clear()
		}()
	}

	var (
		result *orchestrator.RunResult
		runErr error
	)
	execute := func() {
		result, runErr = orch.Run(ctx)
		if shutdown.Fired() {
			if r := shutdown.Wait(); r != nil {
				result = r
			}
		}
		orch.Close()
	}

	if s.ui.tui && !s.rc.DryRun {
		// Log lines would corrupt the alt screen.
		prev := log.Writer()
		log.SetOutput(io.Discard)
		defer log.SetOutput(prev)

		app := tui.NewRunApp(s.spec.Tasks, orch.Events(), orch, s.rc.MaxCostUSD)
		app.SetRefreshRate(s.cfg.TUI.RefreshRate)
		program := tea.NewProgram(app, tea.WithAltScreen())
		done := make(chan struct{})
		go func() {
			defer close(done)
			execute()
		}()
		if _, err := program.Run(); err != nil {
			orch.Cancel()
			<-done
			return nil, fmt.Errorf("tui: %w", err)
		}
		<-done
	} else {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range orch.Events() {
				fmt.Fprintln(s.out, formatEvent(ev))
			}
		}()
		execute()
		wg.Wait()
	}

	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}
