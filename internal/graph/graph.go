// Package graph provides the task dependency graph used for scheduling.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a task depends on an ID not in the PRD.
var ErrUnknownDependency = errors.New("unknown dependency")

// CycleError reports the full cycle, starting and ending on the same task.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
// The graph is read-only once Build succeeds.
type DependencyGraph struct {
	mu sync.RWMutex
	// order holds task IDs in PRD order; all iteration follows it.
	order []string
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]*models.Task),
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the dependency graph from a slice of tasks.
// It rejects empty or duplicate IDs, unknown dependencies and cycles.
// A cycle is returned as *CycleError.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.order = g.order[:0]
	g.nodes = make(map[string]*models.Task, len(tasks))
	g.edges = make(map[string][]string, len(tasks))

	g.debugLog("[graph.Build] building graph from %d tasks", len(tasks))

	for _, task := range tasks {
		if task == nil || task.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if _, dup := g.nodes[task.ID]; dup {
			return fmt.Errorf("duplicate task id %q", task.ID)
		}
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
		g.order = append(g.order, task.ID)
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on %s: %w", task.ID, depID, ErrUnknownDependency)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &CycleError{Cycle: cycle}
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.nodes))
	return nil
}

// findCycleLocked walks the graph with two-color DFS and returns the first
// cycle found as a closed path, or nil. Caller holds the lock.
func (g *DependencyGraph) findCycleLocked() []string {
	// 0 = unvisited, 1 = visiting, 2 = visited.
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				start := 0
				for i, s := range stack {
					if s == depID {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), depID)
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalSort returns task IDs so that every task comes after its
// dependencies. Ties are broken by PRD order, so the result is stable.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	remaining := make(map[string]int, len(g.nodes))
	for id, deps := range g.edges {
		remaining[id] = len(deps)
	}
	dependents := g.dependentsLocked()

	emitted := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))
	for len(result) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if emitted[id] || remaining[id] > 0 {
				continue
			}
			emitted[id] = true
			result = append(result, id)
			for _, child := range dependents[id] {
				remaining[child]--
			}
			progressed = true
			break
		}
		if !progressed {
			// Unreachable after the cycle check above.
			return nil, ErrCycleDetected
		}
	}
	return result, nil
}

// dependentsLocked inverts the edge map. Caller holds the lock.
func (g *DependencyGraph) dependentsLocked() map[string][]string {
	out := make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		for _, dep := range g.edges[id] {
			out[dep] = append(out[dep], id)
		}
	}
	return out
}

// DependenciesMet reports whether every dependency of the task is in completed.
// The second value lists the unmet dependency IDs.
func (g *DependencyGraph) DependenciesMet(taskID string, completed map[string]bool) (bool, []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var missing []string
	for _, dep := range g.edges[taskID] {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}
	return len(missing) == 0, missing
}

// Task returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) Task(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// Dependents returns the IDs of tasks that directly depend on the given task, in PRD order.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked()[taskID]
}
