package models

// TaskLevel is a group of tasks whose dependencies are all satisfied by earlier levels.
type TaskLevel struct {
	// Index is the level number, starting at 0.
	Index int `json:"index"`
	// Tasks are the members in PRD order.
	Tasks []*Task `json:"tasks"`
	// Parallelizable is true iff no member depends on another member.
	Parallelizable bool `json:"parallelizable"`
}

// IDs returns member task IDs.
func (l TaskLevel) IDs() []string {
	ids := make([]string, len(l.Tasks))
	for i, t := range l.Tasks {
		ids[i] = t.ID
	}
	return ids
}
