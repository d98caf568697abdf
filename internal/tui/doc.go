// Package tui provides the terminal user interface for prdloop runs.
//
// The run view consumes the orchestrator's event stream and renders:
//   - Overall progress (completed/failed/skipped out of total tasks)
//   - Cost and token totals against the configured budget
//   - The task list with per-task status, model and attempts
//   - Recent events
//
// Keys: 'p' requests a pause, 'c' cancels the run, 'q' or Ctrl+C cancels
// and quits. The program exits on its own once the event stream closes.
//
// Usage:
//
//	app := tui.NewRunApp(spec.Tasks, orch.Events(), orch, cfg.MaxCostUSD)
//	program := tea.NewProgram(app, tea.WithAltScreen())
//	_, err := program.Run()
package tui
