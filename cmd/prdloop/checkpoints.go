package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/prdloop/internal/checkpoint"
	"github.com/ShayCichocki/prdloop/internal/config"
	"github.com/ShayCichocki/prdloop/internal/state"
)

var (
	sweepOlderThan time.Duration
	clearSession   string
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and manage saved checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointsList,
}

var checkpointsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete checkpoints older than the retention window",
	Long: `Delete checkpoints that have not been updated within the retention window.
The window defaults to checkpoints.retention from the configuration (7 days).`,
	Args: cobra.NoArgs,
	RunE: runCheckpointsSweep,
}

var checkpointsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the checkpoint of one session",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointsClear,
}

func init() {
	checkpointsSweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "Retention window (default from config)")
	checkpointsClearCmd.Flags().StringVar(&clearSession, "session", "", "Session whose checkpoint to delete")
	_ = checkpointsClearCmd.MarkFlagRequired("session")

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsSweepCmd)
	checkpointsCmd.AddCommand(checkpointsClearCmd)
}

// openCheckpoints opens the project store, or returns nil if none exists yet.
func openCheckpoints() (*state.DB, *checkpoint.Store, error) {
	dir, err := projectDir()
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(state.ProjectDBPath(dir)); os.IsNotExist(err) {
		return nil, nil, nil
	}
	db, err := state.OpenProject(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open state: %w", err)
	}
	return db, checkpoint.NewStore(db), nil
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	db, store, err := openCheckpoints()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if db == nil {
		fmt.Fprintln(out, "No checkpoints.")
		return nil
	}
	defer db.Close()

	cps, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	displayCheckpoints(out, store, cps)
	return nil
}

func displayCheckpoints(w io.Writer, store *checkpoint.Store, cps []*checkpoint.Checkpoint) {
	if len(cps) == 0 {
		fmt.Fprintln(w, "No checkpoints.")
		return
	}
	for _, cp := range cps {
		mark := okMark
		note := ""
		if !store.IsValid(cp) {
			mark = failMark
			note = "  (spec changed)"
		}
		done, failed := 0, 0
		if cp.State != nil {
			done, failed = len(cp.State.CompletedTasks), len(cp.State.FailedTasks)
		}
		fmt.Fprintf(w, "%s %s  %d done, %d failed  $%.4f  %s  %s%s\n",
			mark, cp.SessionID, done, failed, totalCost(cp), cp.SpecPath, formatAge(cp.UpdatedAt), note)
	}
}

func totalCost(cp *checkpoint.Checkpoint) float64 {
	if cp.State == nil {
		return 0
	}
	return cp.State.TotalCostUSD
}

func runCheckpointsSweep(cmd *cobra.Command, args []string) error {
	retention := sweepOlderThan
	if retention == 0 {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		retention = cfg.Checkpoints.Retention
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", retention)
	}

	db, store, err := openCheckpoints()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints.")
		return nil
	}
	defer db.Close()

	n, err := store.Sweep(cmd.Context(), retention)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d checkpoint(s) older than %s\n", n, retention)
	return nil
}

func runCheckpointsClear(cmd *cobra.Command, args []string) error {
	db, store, err := openCheckpoints()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints.")
		return nil
	}
	defer db.Close()

	if err := store.Clear(cmd.Context(), checkpoint.IDFor(clearSession)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s cleared checkpoint for %s\n", okMark, clearSession)
	return nil
}
