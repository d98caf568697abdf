package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/prdloop/internal/checkpoint"
	"github.com/ShayCichocki/prdloop/internal/config"
	"github.com/ShayCichocki/prdloop/internal/orchestrator"
	"github.com/ShayCichocki/prdloop/internal/prd"
	"github.com/ShayCichocki/prdloop/internal/state"
)

var (
	resumeSession     string
	resumeRetryFailed bool
	resumeUI          uiFlags
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue an interrupted run from its checkpoint",
	Long: `Continue a paused, cancelled or failed run from its last checkpoint.

Completed tasks are not run again. Failed tasks stay failed unless
--retry-failed is given. The run keeps the settings it was started with.

Without --session the most recent resumable session is used. A checkpoint
whose PRD file changed since it was saved cannot be resumed; start a fresh
run instead.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeSession, "session", "", "Session ID to resume (default: most recent)")
	resumeCmd.Flags().BoolVar(&resumeRetryFailed, "retry-failed", false, "Run tasks that failed in the checkpoint again")
	addUIFlags(resumeCmd, &resumeUI)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dir, err := projectDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := state.OpenProject(dir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	sessionID := resumeSession
	if sessionID == "" {
		resumable, err := db.ListResumable(ctx)
		if err != nil {
			return fmt.Errorf("list resumable sessions: %w", err)
		}
		if len(resumable) == 0 {
			return errors.New("no resumable sessions; start one with 'prdloop run <prd>'")
		}
		sessionID = resumable[0].SessionID
	}

	cp, err := checkpoint.NewStore(db).LoadValid(ctx, sessionID)
	if err != nil {
		var mismatch *checkpoint.MismatchError
		if errors.As(err, &mismatch) {
			if ferr := failStaleSession(ctx, db, mismatch); ferr != nil {
				log.Printf("[resume] mark session %s failed: %v", sessionID, ferr)
			}
			return fmt.Errorf("%w\nthe checkpoint was discarded; start a fresh run with: prdloop run %s", err, mismatch.SpecPath)
		}
		return err
	}

	loaded, err := prd.Load(cp.SpecPath)
	if err != nil {
		return err
	}

	rc := orchestrator.RunConfigFromCheckpoint(cp)
	rc.RetryFailed = resumeRetryFailed
	rc.SpecHash = loaded.Hash
	if rc.WorkDir == "" {
		rc.WorkDir = dir
	}
	_, pc := cfg.RunConfig()

	done := 0
	if cp.State != nil {
		done = len(cp.State.CompletedTasks)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resuming session %s (%d task(s) done)\n", cp.SessionID, done)

	s := &session{
		cfg:    cfg,
		spec:   loaded.Spec,
		rc:     rc,
		pc:     pc,
		db:     db,
		resume: cp,
		ui:     resumeUI,
		out:    cmd.OutOrStdout(),
	}
	result, err := s.run(ctx)
	if err != nil {
		return err
	}
	return reportResult(s.out, result)
}

// failStaleSession marks a session whose checkpoint no longer matches its
// PRD as failed, so it stops being offered for resume.
func failStaleSession(ctx context.Context, db state.SessionStore, mismatch *checkpoint.MismatchError) error {
	sess, err := db.GetSession(ctx, mismatch.SessionID)
	if err != nil || sess == nil {
		return err
	}
	st := sess.State
	st.Status = state.SessionFailed
	st.Error = "prd changed since the last checkpoint"
	return db.UpdateSessionState(ctx, sess.ID, st)
}
