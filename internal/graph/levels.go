package graph

import "github.com/ShayCichocki/prdloop/pkg/models"

// Levels groups tasks by dependency depth.
// level(t) is 0 for tasks without dependencies, otherwise 1 + the deepest dependency.
// Members of each level keep PRD order.
func (g *DependencyGraph) Levels() []models.TaskLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()

	depth := make(map[string]int, len(g.nodes))
	var levelOf func(id string) int
	levelOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range g.edges[id] {
			if l := levelOf(dep) + 1; l > d {
				d = l
			}
		}
		depth[id] = d
		return d
	}

	maxLevel := -1
	for _, id := range g.order {
		if l := levelOf(id); l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([]models.TaskLevel, maxLevel+1)
	for i := range levels {
		levels[i].Index = i
	}
	for _, id := range g.order {
		l := depth[id]
		levels[l].Tasks = append(levels[l].Tasks, g.nodes[id])
	}
	for i := range levels {
		levels[i].Parallelizable = g.independentLocked(levels[i].Tasks)
	}

	g.debugLog("[graph.Levels] %d tasks in %d levels", len(g.order), len(levels))
	return levels
}

// independentLocked reports whether no member depends directly on another member.
func (g *DependencyGraph) independentLocked(tasks []*models.Task) bool {
	members := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		members[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range g.edges[t.ID] {
			if members[dep] {
				return false
			}
		}
	}
	return true
}
