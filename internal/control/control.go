// Package control lets another process pause or kill a running loop by
// dropping signal files into the project's .prdloop/signals directory.
package control

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names.
const (
	PauseFile = "pause"
	KillFile  = "kill"
)

// pollInterval is how often signal files are checked without fsnotify.
const pollInterval = 500 * time.Millisecond

var newFSWatcher = fsnotify.NewWatcher

// Target is what the watcher drives.
type Target interface {
	Pause() bool
	Cancel()
}

// TargetFuncs adapts a pair of functions to Target. OnKill runs on the kill
// file; a nil OnPause ignores the pause file.
type TargetFuncs struct {
	OnPause func() bool
	OnKill  func()
}

// Pause implements Target.
func (f TargetFuncs) Pause() bool {
	if f.OnPause == nil {
		return false
	}
	return f.OnPause()
}

// Cancel implements Target.
func (f TargetFuncs) Cancel() {
	if f.OnKill != nil {
		f.OnKill()
	}
}

// SignalsDir returns <root>/.prdloop/signals.
func SignalsDir(root string) string {
	return filepath.Join(root, ".prdloop", "signals")
}

// Watcher turns pause and kill files into calls on a Target.
type Watcher struct {
	dir    string
	target Target

	mu     sync.Mutex
	paused bool
	killed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWatcher creates the signals directory, clears stale signal files and
// starts watching. Without fsnotify support it polls the directory instead.
func NewWatcher(root string, target Target) (*Watcher, error) {
	dir := SignalsDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:    dir,
		target: target,
		done:   make(chan struct{}),
	}
	w.clearFiles()

	fw, err := newFSWatcher()
	if err != nil {
		log.Printf("[control] file watching unavailable, polling only: %v", err)
		w.startPolling(pollInterval)
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		log.Printf("[control] cannot watch %s, polling only: %v", dir, err)
		w.startPolling(pollInterval)
		return w, nil
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			switch filepath.Base(event.Name) {
			case KillFile:
				w.kill()
			case PauseFile:
				w.pause()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[control] watch error: %v", err)
		}
	}
}

func (w *Watcher) startPolling(every time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				w.Poll()
			}
		}
	}()
}

// Poll checks the signal files directly, in case an event was missed.
func (w *Watcher) Poll() {
	if exists(filepath.Join(w.dir, KillFile)) {
		w.kill()
	}
	if exists(filepath.Join(w.dir, PauseFile)) {
		w.pause()
	}
}

func (w *Watcher) kill() {
	w.mu.Lock()
	first := !w.killed
	w.killed = true
	w.mu.Unlock()
	if first {
		log.Printf("[control] kill signal received")
		w.target.Cancel()
	}
}

func (w *Watcher) pause() {
	w.mu.Lock()
	first := !w.paused
	w.paused = true
	w.mu.Unlock()
	if first {
		log.Printf("[control] pause signal received")
		w.target.Pause()
	}
}

// Killed reports whether a kill signal was seen.
func (w *Watcher) Killed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// Paused reports whether a pause signal was seen since the last Clear.
func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Clear removes signal files and resets state. Callers use it once a run
// has settled so a handled signal does not outlive it.
func (w *Watcher) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	w.killed = false
	w.clearFiles()
}

func (w *Watcher) clearFiles() {
	os.Remove(filepath.Join(w.dir, KillFile))
	os.Remove(filepath.Join(w.dir, PauseFile))
}

// Close stops watching.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
		w.wg.Wait()
	})
}

// SendPause asks a loop running in root to pause.
func SendPause(root string) error {
	return send(root, PauseFile)
}

// SendKill asks a loop running in root to cancel.
func SendKill(root string) error {
	return send(root, KillFile)
}

func send(root, name string) error {
	dir := SignalsDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().Format(time.RFC3339)), 0644)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
