package orchestrator

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger writes a per-session trace of routing, attempts and events.
// Lines carry the offset from when the log was opened, so one run reads as
// a timeline. A zero DebugLogger discards everything.
type DebugLogger struct {
	mu      sync.Mutex
	w       io.WriteCloser
	session string
	opened  time.Time
	now     func() time.Time
}

// NewDebugLogger opens (appending) the log at logPath for a session.
// An empty path yields a logger that discards.
func NewDebugLogger(logPath, sessionID string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return newDebugLogger(f, sessionID, time.Now), nil
}

func newDebugLogger(w io.WriteCloser, sessionID string, now func() time.Time) *DebugLogger {
	l := &DebugLogger{w: w, session: sessionID, opened: now(), now: now}
	fmt.Fprintf(w, "--- session %s opened %s ---\n", sessionID, l.opened.UTC().Format(time.RFC3339))
	return l
}

// SessionLogPath returns <workDir>/.prdloop/logs/<sessionID>.log.
func SessionLogPath(workDir, sessionID string) string {
	return filepath.Join(workDir, ".prdloop", "logs", sessionID+".log")
}

// NewSessionLogger opens the session's debug log. On failure the run goes
// on without one.
func NewSessionLogger(workDir, sessionID string) *DebugLogger {
	l, err := NewDebugLogger(SessionLogPath(workDir, sessionID), sessionID)
	if err != nil {
		log.Printf("[orchestrator] debug log disabled: %v", err)
		return &DebugLogger{}
	}
	return l
}

// NopLogger returns a logger that discards.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Log appends one line. Safe on a nil logger.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	offset := l.now().Sub(l.opened).Seconds()
	fmt.Fprintf(l.w, "%+10.3fs %s\n", offset, fmt.Sprintf(format, args...))
}

// Close writes the trailer and closes the file. Later calls do nothing.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	fmt.Fprintf(l.w, "--- session %s closed after %s ---\n", l.session, l.now().Sub(l.opened).Round(time.Millisecond))
	err := l.w.Close()
	l.w = nil
	return err
}
