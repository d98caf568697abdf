// Package orchestrator executes a PRD's task graph.
//
// The orchestrator provides:
//   - Level-by-level or topological execution with bounded parallelism
//   - Per-task model routing with escalation to stronger models on failure
//   - A policy pipeline around every attempt (budget, retry, circuit breaker,
//     rate limit, quality gate, validation)
//   - A checkpoint after every task, so interrupted runs can resume
//   - An ordered event stream and a cost callback for observers
//
// The run state machine is idle -> running <-> paused -> completed, failed or
// cancelled. Pause is cooperative: the loop stops at the next task or chunk
// boundary and Run returns with status paused; Resume re-enters it.
//
// Example usage:
//
//	orch, err := orchestrator.New(spec, cfg,
//		orchestrator.WithWorkers(workers),
//		orchestrator.WithStore(db),
//	)
//	if err != nil {
//		return err
//	}
//	defer orch.Close()
//	result, err := orch.Run(ctx)
package orchestrator
