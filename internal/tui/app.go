package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/prdloop/internal/orchestrator"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// maxLogLines bounds the recent-events panel.
const maxLogLines = 8

// Controller is the part of a run the view can steer.
type Controller interface {
	Pause() bool
	Cancel()
}

// EventMsg carries one orchestrator event into the model.
type EventMsg struct {
	Event orchestrator.Event
}

// StreamClosedMsg is sent once the event stream is drained.
type StreamClosedMsg struct{}

type keyMap struct {
	Pause  key.Binding
	Cancel key.Binding
	Quit   key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Pause:  key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause")),
		Cancel: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// LogLine is one entry in the recent-events panel.
type LogLine struct {
	Timestamp time.Time
	Type      orchestrator.EventType
	Text      string
}

// RunApp is the bubbletea model for a run.
type RunApp struct {
	events  <-chan orchestrator.Event
	ctl     Controller
	tasks   *TasksPanel
	spinner spinner.Model
	keys    keyMap

	status     string
	sessionID  string
	costUSD    float64
	tokens     int64
	budgetUSD  float64
	logs       []LogLine
	width      int
	closed     bool
	quitting   bool
	pauseAsked bool

	titleStyle  lipgloss.Style
	labelStyle  lipgloss.Style
	valueStyle  lipgloss.Style
	barFull     lipgloss.Style
	barEmpty    lipgloss.Style
	logTime     lipgloss.Style
	errorStyle  lipgloss.Style
	doneStyle   lipgloss.Style
	footerStyle lipgloss.Style
}

// NewRunApp creates a run view over tasks fed by events.
// budgetUSD of zero hides the budget bar.
func NewRunApp(tasks []*models.Task, events <-chan orchestrator.Event, ctl Controller, budgetUSD float64) *RunApp {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return &RunApp{
		events:    events,
		ctl:       ctl,
		tasks:     NewTasksPanel(tasks),
		spinner:   sp,
		keys:      defaultKeyMap(),
		status:    string(models.LoopIdle),
		budgetUSD: budgetUSD,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1),
		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(10),
		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),
		barFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),
		barEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		logTime: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),
		footerStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// SetRefreshRate sets how often the spinner redraws. Non-positive values are ignored.
func (a *RunApp) SetRefreshRate(d time.Duration) {
	if d > 0 {
		a.spinner.Spinner.FPS = d
	}
}

// Init starts the spinner and the first event read.
func (a *RunApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, waitForEvent(a.events))
}

// waitForEvent reads the next event, or reports the stream closed.
func waitForEvent(events <-chan orchestrator.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// Update handles keys, events and spinner ticks.
func (a *RunApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, a.keys.Quit):
			a.quitting = true
			if !a.closed && a.ctl != nil {
				a.ctl.Cancel()
			}
			return a, tea.Quit
		case key.Matches(msg, a.keys.Pause):
			if a.ctl != nil && a.ctl.Pause() {
				a.pauseAsked = true
				a.addLog(time.Now(), "", "pause requested, finishing in-flight tasks")
			}
		case key.Matches(msg, a.keys.Cancel):
			if a.ctl != nil && !a.closed {
				a.ctl.Cancel()
				a.addLog(time.Now(), "", "cancel requested")
			}
		}
		return a, nil

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.tasks.SetWidth(msg.Width)
		return a, nil

	case EventMsg:
		a.apply(msg.Event)
		return a, waitForEvent(a.events)

	case StreamClosedMsg:
		a.closed = true
		return a, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// apply folds one event into the view state.
func (a *RunApp) apply(ev orchestrator.Event) {
	if ev.SessionID != "" {
		a.sessionID = ev.SessionID
	}
	row := a.tasks.Row(ev.TaskID)

	switch ev.Type {
	case orchestrator.EventLoopStarted:
		a.status = string(models.LoopRunning)
		a.pauseAsked = false
		a.addLog(ev.Timestamp, ev.Type, "run started: "+ev.Message)

	case orchestrator.EventTaskStarted:
		if row != nil {
			row.Status = RowRunning
			row.Model = ev.Model
			row.Note = ""
		}
		a.addLog(ev.Timestamp, ev.Type, fmt.Sprintf("%s started on %s", ev.TaskID, ev.Model))

	case orchestrator.EventTaskEscalated:
		if row != nil {
			row.Model = ev.Model
			row.Note = "escalated"
		}
		a.addLog(ev.Timestamp, ev.Type, fmt.Sprintf("%s %s to %s", ev.TaskID, ev.Message, ev.Model))

	case orchestrator.EventTaskCompleted, orchestrator.EventTaskFailed:
		a.costUSD += ev.CostUSD
		a.tokens += ev.TokensUsed
		if row != nil {
			row.Attempts = ev.Attempts
			row.CostUSD = ev.CostUSD
			row.Model = ev.Model
			row.Note = ""
			row.Status = RowCompleted
			if ev.Type == orchestrator.EventTaskFailed {
				row.Status = RowFailed
				row.Note = ev.Error
			}
		}
		if ev.Type == orchestrator.EventTaskFailed {
			a.addLog(ev.Timestamp, ev.Type, fmt.Sprintf("%s failed: %s", ev.TaskID, ev.Error))
		} else {
			a.addLog(ev.Timestamp, ev.Type, fmt.Sprintf("%s completed ($%.4f)", ev.TaskID, ev.CostUSD))
		}

	case orchestrator.EventTaskSkipped:
		if row != nil {
			row.Status = RowSkipped
			row.Note = ev.Message
		}
		a.addLog(ev.Timestamp, ev.Type, fmt.Sprintf("%s skipped: %s", ev.TaskID, ev.Message))

	case orchestrator.EventCircuitBreakerTripped:
		a.addLog(ev.Timestamp, ev.Type, "circuit breaker tripped: "+ev.Message)

	case orchestrator.EventLoopPaused, orchestrator.EventLoopCompleted,
		orchestrator.EventLoopFailed, orchestrator.EventLoopCancelled:
		// Loop totals include cost carried over from a resumed checkpoint.
		a.costUSD = ev.CostUSD
		a.tokens = ev.TokensUsed
		a.status = loopStatus(ev.Type)
		for _, r := range a.tasks.rows {
			if r.Status == RowRunning {
				r.Status = RowPending
			}
		}
		text := "run " + a.status
		if ev.Error != "" {
			text += ": " + ev.Error
		} else if ev.Message != "" {
			text += ": " + ev.Message
		}
		a.addLog(ev.Timestamp, ev.Type, text)
	}
}

func loopStatus(t orchestrator.EventType) string {
	switch t {
	case orchestrator.EventLoopPaused:
		return string(models.LoopPaused)
	case orchestrator.EventLoopCompleted:
		return string(models.LoopCompleted)
	case orchestrator.EventLoopCancelled:
		return string(models.LoopCancelled)
	default:
		return string(models.LoopFailed)
	}
}

func (a *RunApp) addLog(ts time.Time, t orchestrator.EventType, text string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	a.logs = append(a.logs, LogLine{Timestamp: ts, Type: t, Text: text})
	if len(a.logs) > maxLogLines {
		a.logs = a.logs[len(a.logs)-maxLogLines:]
	}
}

// Status returns the last loop status seen.
func (a *RunApp) Status() string {
	return a.status
}

// Totals returns the cost and tokens seen so far.
func (a *RunApp) Totals() (float64, int64) {
	return a.costUSD, a.tokens
}

// Logs returns the recent-events buffer.
func (a *RunApp) Logs() []LogLine {
	out := make([]LogLine, len(a.logs))
	copy(out, a.logs)
	return out
}

// Tasks returns the tasks panel.
func (a *RunApp) Tasks() *TasksPanel {
	return a.tasks
}

// View renders the run.
func (a *RunApp) View() string {
	if a.quitting && !a.closed {
		return "Run cancelled.\n"
	}

	var b strings.Builder

	title := "prdloop"
	if a.sessionID != "" {
		title += "  " + a.sessionID
	}
	b.WriteString(a.titleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(a.labelStyle.Render("Status:"))
	b.WriteString(a.renderStatus())
	b.WriteString("\n")

	counts := a.tasks.Counts()
	total := a.tasks.Len()
	finished := counts[RowCompleted] + counts[RowFailed] + counts[RowSkipped]
	pct := 0.0
	if total > 0 {
		pct = float64(finished) / float64(total) * 100
	}
	b.WriteString(a.labelStyle.Render("Tasks:"))
	b.WriteString(a.valueStyle.Render(fmt.Sprintf("%d/%d", counts[RowCompleted], total)))
	if counts[RowFailed] > 0 {
		b.WriteString(a.errorStyle.Render(fmt.Sprintf("  %d failed", counts[RowFailed])))
	}
	if counts[RowSkipped] > 0 {
		b.WriteString(a.footerStyle.Render(fmt.Sprintf("  %d skipped", counts[RowSkipped])))
	}
	b.WriteString("\n")
	b.WriteString(a.renderBar(pct, 30))
	b.WriteString("\n")

	b.WriteString(a.labelStyle.Render("Cost:"))
	b.WriteString(a.valueStyle.Render(fmt.Sprintf("$%.4f", a.costUSD)))
	if a.budgetUSD > 0 {
		b.WriteString(a.footerStyle.Render(fmt.Sprintf(" of $%.2f", a.budgetUSD)))
	}
	b.WriteString("\n")
	if a.budgetUSD > 0 {
		b.WriteString(a.renderBar(a.costUSD/a.budgetUSD*100, 30))
		b.WriteString("\n")
	}
	b.WriteString(a.labelStyle.Render("Tokens:"))
	b.WriteString(a.valueStyle.Render(fmt.Sprintf("%d", a.tokens)))
	b.WriteString("\n\n")

	b.WriteString(a.tasks.View(a.spinner.View()))

	if len(a.logs) > 0 {
		b.WriteString("\n")
		for _, l := range a.logs {
			b.WriteString(a.logTime.Render(l.Timestamp.Format("15:04:05")))
			b.WriteString(" ")
			if l.Type == orchestrator.EventTaskFailed || l.Type == orchestrator.EventLoopFailed {
				b.WriteString(a.errorStyle.Render(l.Text))
			} else {
				b.WriteString(l.Text)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if a.closed {
		b.WriteString(a.footerStyle.Render("event stream closed"))
	} else {
		b.WriteString(a.footerStyle.Render("p pause • c cancel • q quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func (a *RunApp) renderStatus() string {
	switch a.status {
	case string(models.LoopCompleted):
		return a.doneStyle.Render(a.status)
	case string(models.LoopFailed), string(models.LoopCancelled):
		return a.errorStyle.Render(a.status)
	case string(models.LoopRunning):
		s := a.spinner.View() + " " + a.valueStyle.Render(a.status)
		if a.pauseAsked {
			s += a.footerStyle.Render(" (pausing)")
		}
		return s
	default:
		return a.valueStyle.Render(a.status)
	}
}

func (a *RunApp) renderBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	filled := int(pct / 100 * float64(width))
	return fmt.Sprintf("  %s%s %.0f%%",
		a.barFull.Render(strings.Repeat("█", filled)),
		a.barEmpty.Render(strings.Repeat("░", width-filled)),
		pct)
}
