package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/prdloop/internal/state"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent and resumable sessions",
	Long: `Display the sessions recorded in this project's state database.

Shows:
  - Recent sessions with status, progress and cost
  - Sessions that can be resumed from a checkpoint`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of recent sessions to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	dir, err := projectDir()
	if err != nil {
		return err
	}
	if _, err := os.Stat(state.ProjectDBPath(dir)); os.IsNotExist(err) {
		fmt.Fprintln(out, "No sessions yet. Run 'prdloop run <prd>' to start.")
		return nil
	}

	db, err := state.OpenProject(dir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	sessions, err := db.ListSessions(ctx, statusLimit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	resumable, err := db.ListResumable(ctx)
	if err != nil {
		return fmt.Errorf("list resumable sessions: %w", err)
	}

	displaySessions(out, sessions)
	fmt.Fprintln(out)
	displayResumable(out, resumable)
	return nil
}

func displaySessions(w io.Writer, sessions []state.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions yet.")
		return
	}
	fmt.Fprintln(w, "Recent Sessions:")
	for _, s := range sessions {
		st := s.State
		fmt.Fprintf(w, "  %s  %-10s %d/%d done", s.ID, statusColor(models.LoopStatus(st.Status)), st.CompletedTasks, st.TotalTasks)
		if st.FailedTasks > 0 {
			fmt.Fprintf(w, ", %d failed", st.FailedTasks)
		}
		fmt.Fprintf(w, "  $%.4f  %s\n", st.TotalCostUSD, formatAge(s.UpdatedAt))
		if st.Error != "" {
			fmt.Fprintf(w, "      %s\n", st.Error)
		}
	}
}

func displayResumable(w io.Writer, sessions []state.ResumableSession) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "Nothing to resume.")
		return
	}
	fmt.Fprintln(w, "Resumable:")
	for _, s := range sessions {
		fmt.Fprintf(w, "  %s  %-10s %d/%d done  %s  (last activity %s)\n",
			s.SessionID, s.Status, s.Completed, s.Total, s.SpecPath, formatAge(s.LastActivity))
	}
	fmt.Fprintf(w, "\nResume with: prdloop resume --session %s\n", sessions[0].SessionID)
}
