package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ShayCichocki/prdloop/internal/exec"
)

// Mode selects which audit findings fail the quality gate.
type Mode string

const (
	// ModePreCommit fails on any critical finding.
	ModePreCommit Mode = "pre-commit"
	// ModeRelease fails on critical or high findings.
	ModeRelease Mode = "release"
	// ModeFull fails on critical, high or medium findings.
	ModeFull Mode = "full"
	// ModeNone disables the gate.
	ModeNone Mode = "none"
)

// Valid returns true if the mode is a known value.
func (m Mode) Valid() bool {
	switch m {
	case ModePreCommit, ModeRelease, ModeFull, ModeNone:
		return true
	default:
		return false
	}
}

// ParseMode converts a string to a Mode. The empty string means pre-commit.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModePreCommit, nil
	}
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("invalid quality gate mode %q (want pre-commit, release, full or none)", s)
	}
	return m, nil
}

// AuditReport summarizes static-analysis findings by severity.
type AuditReport struct {
	Critical    int            `json:"critical"`
	High        int            `json:"high"`
	Medium      int            `json:"medium"`
	Low         int            `json:"low"`
	TotalIssues int            `json:"total_issues"`
	Categories  map[string]int `json:"categories,omitempty"`
}

// Passes applies the mode's pass rule.
func (r *AuditReport) Passes(mode Mode) bool {
	switch mode {
	case ModeNone:
		return true
	case ModeRelease:
		return r.Critical == 0 && r.High == 0
	case ModeFull:
		return r.Critical == 0 && r.High == 0 && r.Medium == 0
	default:
		return r.Critical == 0
	}
}

// Auditor runs static checks over a source tree.
type Auditor interface {
	RunAudit(ctx context.Context, root string) (*AuditReport, error)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(ctx context.Context, root string) (*AuditReport, error)

// RunAudit implements Auditor.
func (f AuditorFunc) RunAudit(ctx context.Context, root string) (*AuditReport, error) {
	return f(ctx, root)
}

// CommandAuditor runs a shell command that prints an AuditReport as JSON.
type CommandAuditor struct {
	Command string
	Runner  exec.CommandRunner
}

// NewCommandAuditor creates an auditor backed by a shell command.
func NewCommandAuditor(command string, runner exec.CommandRunner) *CommandAuditor {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &CommandAuditor{Command: command, Runner: runner}
}

// RunAudit implements Auditor. A non-zero exit is fine as long as the output is a report.
func (c *CommandAuditor) RunAudit(ctx context.Context, root string) (*AuditReport, error) {
	out, runErr := c.Runner.RunShell(ctx, root, c.Command)
	start := strings.IndexByte(string(out), '{')
	if start < 0 {
		if runErr != nil {
			return nil, fmt.Errorf("run audit: %w", runErr)
		}
		return nil, fmt.Errorf("audit produced no JSON report")
	}
	var report AuditReport
	if err := json.Unmarshal(out[start:], &report); err != nil {
		return nil, fmt.Errorf("parse audit report: %w", err)
	}
	if report.TotalIssues == 0 {
		report.TotalIssues = report.Critical + report.High + report.Medium + report.Low
	}
	return &report, nil
}

// QualityGate audits the tree after successful attempts that changed files.
type QualityGate struct {
	cfg     QualityConfig
	auditor Auditor
	root    string
	group   singleflight.Group

	mu       sync.Mutex
	last     *AuditReport
	lastRoot string
	lastAt   time.Time
	now      func() time.Time
}

// NewQualityGate creates a quality gate. root is used when an attempt has no work dir.
func NewQualityGate(cfg QualityConfig, auditor Auditor, root string) *QualityGate {
	return &QualityGate{
		cfg:     cfg,
		auditor: auditor,
		root:    root,
		now:     time.Now,
	}
}

// Name implements Policy.
func (q *QualityGate) Name() string { return "quality" }

// Before implements Policy.
func (q *QualityGate) Before(ctx context.Context, a *Attempt) error { return nil }

// After audits and, in blocking mode, fails the attempt with feedback.
func (q *QualityGate) After(ctx context.Context, a *Attempt, out *Outcome) error {
	if q.cfg.Mode == ModeNone || q.auditor == nil {
		return nil
	}
	if !out.Success() || !out.FilesModified() {
		return nil
	}

	root := a.WorkDir
	if root == "" {
		root = q.root
	}
	report, err := q.audit(ctx, root)
	if err != nil {
		log.Printf("[quality] audit failed, skipping gate: %v", err)
		return nil
	}
	if report.Passes(q.cfg.Mode) {
		return nil
	}

	if !q.cfg.Blocking {
		log.Printf("[quality] WARNING: task %s fails %s gate (%d critical, %d high, %d medium)",
			a.Task.ID, q.cfg.Mode, report.Critical, report.High, report.Medium)
		return nil
	}
	// A blocking verdict is never served from cache.
	q.Invalidate()
	return &QualityGateBlockedError{
		Mode:     q.cfg.Mode,
		Report:   *report,
		Feedback: Feedback(q.cfg.Mode, report),
	}
}

// audit returns a cached report inside the debounce window and collapses
// concurrent audits of the same root.
func (q *QualityGate) audit(ctx context.Context, root string) (*AuditReport, error) {
	q.mu.Lock()
	if q.last != nil && q.lastRoot == root && q.now().Sub(q.lastAt) < q.cfg.Debounce {
		r := q.last
		q.mu.Unlock()
		return r, nil
	}
	q.mu.Unlock()

	v, err, _ := q.group.Do(root, func() (interface{}, error) {
		r, err := q.auditor.RunAudit(ctx, root)
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.last = r
		q.lastRoot = root
		q.lastAt = q.now()
		q.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuditReport), nil
}

// Invalidate drops the cached report.
func (q *QualityGate) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.last = nil
}

// Feedback renders a failed report as corrective prompt text.
func Feedback(mode Mode, r *AuditReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The %s quality gate failed: %d critical, %d high, %d medium, %d low issues.\n",
		mode, r.Critical, r.High, r.Medium, r.Low)
	if len(r.Categories) > 0 {
		names := make([]string, 0, len(r.Categories))
		for name := range r.Categories {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("Issues by category:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "- %s: %d\n", name, r.Categories[name])
		}
	}
	switch mode {
	case ModeRelease:
		sb.WriteString("Fix every critical and high severity issue before finishing.")
	case ModeFull:
		sb.WriteString("Fix every critical, high and medium severity issue before finishing.")
	default:
		sb.WriteString("Fix every critical issue before finishing.")
	}
	return sb.String()
}
