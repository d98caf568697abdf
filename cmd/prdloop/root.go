package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var workDirFlag string

var rootCmd = &cobra.Command{
	Use:   "prdloop",
	Short: "Run a PRD's tasks through coding agents",
	Long: `prdloop executes the tasks of a PRD (product requirements document)
with AI coding agents, in dependency order.

Each task is routed to a model tier by its complexity, retried and escalated
to stronger models on failure, checked by the quality gate and validation
steps, and tracked against a cost budget. Progress is checkpointed after
every task so an interrupted run can be resumed.

Core commands:
  run <prd>      Execute a PRD
  resume         Continue a paused, cancelled or failed run
  estimate <prd> Show the expected cost without running anything
  status         List recent and resumable sessions
  checkpoints    Inspect or sweep saved checkpoints`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDirFlag, "dir", "C", "", "Project directory (default: current directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(versionCmd)
}

// projectDir resolves --dir, defaulting to the working directory.
func projectDir() (string, error) {
	if workDirFlag != "" {
		return workDirFlag, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}
