package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/prdloop/internal/orchestrator"
	"github.com/ShayCichocki/prdloop/internal/router"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	failMark = color.New(color.FgRed).Sprint("✗")
	skipMark = color.New(color.FgYellow).Sprint("-")
	infoMark = color.New(color.FgCyan).Sprint("•")
	warnMark = color.New(color.FgYellow).Sprint("!")
)

// formatEvent renders one event as a headless progress line.
func formatEvent(ev orchestrator.Event) string {
	ts := ev.Timestamp.Local().Format("15:04:05")
	switch ev.Type {
	case orchestrator.EventLoopStarted:
		return fmt.Sprintf("%s %s run %s started (%s)", ts, infoMark, ev.SessionID, ev.Message)
	case orchestrator.EventTaskStarted:
		return fmt.Sprintf("%s %s %s %s on %s", ts, infoMark, ev.TaskID, ev.TaskTitle, ev.Model)
	case orchestrator.EventTaskEscalated:
		return fmt.Sprintf("%s %s %s %s to %s", ts, warnMark, ev.TaskID, ev.Message, ev.Model)
	case orchestrator.EventTaskCompleted:
		return fmt.Sprintf("%s %s %s completed in %d attempt(s), $%.4f, %s",
			ts, okMark, ev.TaskID, ev.Attempts, ev.CostUSD, ev.Duration.Round(time.Second))
	case orchestrator.EventTaskFailed:
		return fmt.Sprintf("%s %s %s failed after %d attempt(s): %s", ts, failMark, ev.TaskID, ev.Attempts, ev.Error)
	case orchestrator.EventTaskSkipped:
		return fmt.Sprintf("%s %s %s skipped: %s", ts, skipMark, ev.TaskID, ev.Message)
	case orchestrator.EventCircuitBreakerTripped:
		return fmt.Sprintf("%s %s circuit breaker tripped: %s", ts, warnMark, ev.Message)
	case orchestrator.EventLoopCompleted:
		return fmt.Sprintf("%s %s run completed", ts, okMark)
	case orchestrator.EventLoopPaused:
		return fmt.Sprintf("%s %s run paused", ts, warnMark)
	case orchestrator.EventLoopCancelled:
		return fmt.Sprintf("%s %s run cancelled", ts, warnMark)
	case orchestrator.EventLoopFailed:
		return fmt.Sprintf("%s %s run failed: %s", ts, failMark, ev.Error)
	default:
		return fmt.Sprintf("%s %s %s", ts, ev.Type, ev.Message)
	}
}

// errRunFailed is returned to make the process exit non-zero.
var errRunFailed = errors.New("run did not complete")

// reportResult prints a run summary and returns errRunFailed for failed
// or cancelled runs.
func reportResult(w io.Writer, r *orchestrator.RunResult) error {
	if r.Estimate != nil {
		printEstimate(w, r.Estimate)
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Session:   %s\n", r.SessionID)
	fmt.Fprintf(w, "Status:    %s\n", statusColor(r.Status))
	fmt.Fprintf(w, "Tasks:     %d completed, %d failed, %d skipped\n",
		len(r.CompletedTasks), len(r.FailedTasks), len(r.SkippedTasks))
	fmt.Fprintf(w, "Cost:      $%.4f (%d tokens)\n", r.TotalCostUSD, r.TotalTokens)
	fmt.Fprintf(w, "Duration:  %s\n", (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Second))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", r.Error)
	}

	switch r.Status {
	case models.LoopCompleted:
		return nil
	case models.LoopPaused:
		fmt.Fprintf(w, "\nResume with: prdloop resume --session %s\n", r.SessionID)
		return nil
	default:
		if len(r.FailedTasks) > 0 || r.Status == models.LoopCancelled {
			fmt.Fprintf(w, "\nResume with: prdloop resume --session %s --retry-failed\n", r.SessionID)
		}
		return errRunFailed
	}
}

func statusColor(s models.LoopStatus) string {
	switch s {
	case models.LoopCompleted:
		return color.GreenString(string(s))
	case models.LoopFailed:
		return color.RedString(string(s))
	case models.LoopPaused, models.LoopCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// printEstimate renders a cost estimate as a per-task table and totals.
func printEstimate(w io.Writer, e *router.CostEstimate) {
	fmt.Fprintf(w, "%-16s %-10s %-28s %10s %10s %10s\n", "TASK", "TIER", "MODEL", "LOW", "EXPECTED", "HIGH")
	fmt.Fprintln(w, strings.Repeat("-", 89))
	for _, t := range e.Tasks {
		fmt.Fprintf(w, "%-16s %-10s %-28s %10s %10s %10s\n",
			truncate(t.TaskID, 16), t.Tier, truncate(t.Model, 28),
			usd(t.Optimistic), usd(t.Expected), usd(t.Pessimistic))
	}
	fmt.Fprintln(w, strings.Repeat("-", 89))
	fmt.Fprintf(w, "%-56s %10s %10s %10s\n", fmt.Sprintf("Total (%d tokens)", e.TotalTokens),
		usd(e.Optimistic), usd(e.Expected), usd(e.Pessimistic))
}

func usd(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
