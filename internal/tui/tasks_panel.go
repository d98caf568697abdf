package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// TaskRowStatus is the display status of one task.
type TaskRowStatus string

const (
	RowPending   TaskRowStatus = "pending"
	RowRunning   TaskRowStatus = "running"
	RowCompleted TaskRowStatus = "completed"
	RowFailed    TaskRowStatus = "failed"
	RowSkipped   TaskRowStatus = "skipped"
)

// TaskRow is one line in the tasks panel.
type TaskRow struct {
	ID       string
	Title    string
	Status   TaskRowStatus
	Model    string
	Attempts int
	CostUSD  float64
	Note     string
}

// TasksPanel renders the task list in PRD order.
type TasksPanel struct {
	rows  []*TaskRow
	index map[string]*TaskRow
	width int

	pendingStyle   lipgloss.Style
	runningStyle   lipgloss.Style
	completedStyle lipgloss.Style
	failedStyle    lipgloss.Style
	skippedStyle   lipgloss.Style
	idStyle        lipgloss.Style
	dimStyle       lipgloss.Style
}

// NewTasksPanel creates a panel with every task pending.
func NewTasksPanel(tasks []*models.Task) *TasksPanel {
	p := &TasksPanel{
		index: make(map[string]*TaskRow, len(tasks)),

		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		runningStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true),
		completedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),
		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
		skippedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true),
		idStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),
		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
	for _, t := range tasks {
		row := &TaskRow{ID: t.ID, Title: t.Title, Status: RowPending}
		p.rows = append(p.rows, row)
		p.index[t.ID] = row
	}
	return p
}

// Row returns the row for a task ID, or nil.
func (p *TasksPanel) Row(id string) *TaskRow {
	return p.index[id]
}

// Counts returns how many rows are in each status.
func (p *TasksPanel) Counts() map[TaskRowStatus]int {
	counts := make(map[TaskRowStatus]int, 5)
	for _, r := range p.rows {
		counts[r.Status]++
	}
	return counts
}

// Len returns the number of tasks.
func (p *TasksPanel) Len() int {
	return len(p.rows)
}

// SetWidth sets the render width.
func (p *TasksPanel) SetWidth(width int) {
	p.width = width
}

// View renders one line per task.
func (p *TasksPanel) View(spinnerFrame string) string {
	var b strings.Builder
	titleWidth := 40
	if p.width > 60 {
		titleWidth = p.width - 40
	}
	for _, r := range p.rows {
		icon, style := p.iconFor(r.Status, spinnerFrame)
		title := r.Title
		if len(title) > titleWidth {
			title = title[:titleWidth-3] + "..."
		}
		b.WriteString(fmt.Sprintf(" %s %s %s", style.Render(icon), p.idStyle.Render(r.ID), title))
		if r.Model != "" {
			b.WriteString(p.dimStyle.Render(fmt.Sprintf("  [%s", r.Model)))
			if r.Attempts > 0 {
				b.WriteString(p.dimStyle.Render(fmt.Sprintf(" x%d", r.Attempts)))
			}
			b.WriteString(p.dimStyle.Render("]"))
		}
		if r.Note != "" {
			b.WriteString("  ")
			b.WriteString(style.Render(r.Note))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (p *TasksPanel) iconFor(status TaskRowStatus, spinnerFrame string) (string, lipgloss.Style) {
	switch status {
	case RowRunning:
		if spinnerFrame == "" {
			spinnerFrame = "*"
		}
		return spinnerFrame, p.runningStyle
	case RowCompleted:
		return "✓", p.completedStyle
	case RowFailed:
		return "✗", p.failedStyle
	case RowSkipped:
		return "-", p.skippedStyle
	default:
		return "·", p.pendingStyle
	}
}
