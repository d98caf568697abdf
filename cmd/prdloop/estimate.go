package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/prdloop/internal/config"
	"github.com/ShayCichocki/prdloop/internal/prd"
	"github.com/ShayCichocki/prdloop/internal/router"
	"github.com/ShayCichocki/prdloop/internal/state"
)

var (
	estimateBackend string
	estimateModel   string
)

var estimateCmd = &cobra.Command{
	Use:   "estimate <prd>",
	Short: "Estimate the cost of running a PRD",
	Long: `Route every task of a PRD and print its expected cost range.

Nothing is executed. Routing uses the project's recorded success rates
when a state database exists, so estimates improve as runs accumulate.`,
	Args: cobra.ExactArgs(1),
	RunE: runEstimate,
}

func init() {
	estimateCmd.Flags().StringVar(&estimateBackend, "backend", "", "Worker backend the estimate is priced for")
	estimateCmd.Flags().StringVar(&estimateModel, "model", "", "Force every task onto one model")
}

func runEstimate(cmd *cobra.Command, args []string) error {
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

	backend := estimateBackend
	if backend == "" {
		backend = cfg.Run.Backend
	}
	reg, err := cfg.Registry(backend)
	if err != nil {
		return err
	}

	var opts []router.Option
	model := estimateModel
	if model == "" {
		model = cfg.Run.Model
	}
	if model != "" {
		opts = append(opts, router.WithModelOverride(model))
	}
	if _, err := os.Stat(state.ProjectDBPath(dir)); err == nil {
		db, err := state.OpenProject(dir)
		if err != nil {
			return fmt.Errorf("open state: %w", err)
		}
		defer db.Close()
		opts = append(opts, router.WithHistory(db))
	}

	est := router.New(reg, opts...).Estimate(ctx, loaded.Spec)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d task(s)\n\n", loaded.Spec.Project, len(loaded.Spec.Tasks))
	printEstimate(cmd.OutOrStdout(), &est)
	return nil
}
