package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/prdloop/internal/control"
)

var signalCmd = &cobra.Command{
	Use:   "signal <pause|kill>",
	Short: "Pause or kill a run started with --watch-signals",
	Long: `Drop a control file into .prdloop/signals for a run started with
--watch-signals.

  pause  finish in-flight tasks, save a checkpoint, and stop
  kill   cancel the run; results still in flight are discarded`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"pause", "kill"},
	RunE:      runSignal,
}

func runSignal(cmd *cobra.Command, args []string) error {
	dir, err := projectDir()
	if err != nil {
		return err
	}
	switch args[0] {
	case "pause":
		err = control.SendPause(dir)
	case "kill":
		err = control.SendKill(dir)
	default:
		return fmt.Errorf("unknown signal %q (want pause or kill)", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s sent %s to %s\n", okMark, args[0], control.SignalsDir(dir))
	return nil
}
