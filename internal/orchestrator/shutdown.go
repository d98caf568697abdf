package orchestrator

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// Runner is the part of an Orchestrator the shutdown handler drives.
type Runner interface {
	Status() models.LoopStatus
	Cancel()
	Resume(ctx context.Context) (*RunResult, error)
}

// ShutdownHandler turns SIGINT/SIGTERM into a single graceful cancellation.
// Stop deregisters it so repeated runs in one process do not leak handlers.
type ShutdownHandler struct {
	ctx    context.Context
	target Runner

	sigCh    chan os.Signal
	done     chan struct{}
	fireOnce sync.Once
	stopOnce sync.Once
	fired    atomic.Bool

	wg      sync.WaitGroup
	mu      sync.Mutex
	resumed *RunResult
}

// NewShutdownHandler registers for SIGINT and SIGTERM.
func NewShutdownHandler(ctx context.Context, target Runner) *ShutdownHandler {
	h := newShutdownHandler(ctx, target)
	signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go h.watch()
	return h
}

func newShutdownHandler(ctx context.Context, target Runner) *ShutdownHandler {
	return &ShutdownHandler{
		ctx:    ctx,
		target: target,
		sigCh:  make(chan os.Signal, 1),
		done:   make(chan struct{}),
	}
}

func (h *ShutdownHandler) watch() {
	select {
	case sig := <-h.sigCh:
		log.Printf("[shutdown] received %s, cancelling run", sig)
		h.Trigger()
	case <-h.done:
	}
}

// Trigger cancels the run. It acts once; later calls are no-ops.
// A terminal run is left alone. A paused run is cancelled and re-entered
// so it can settle as cancelled; Wait blocks until that finishes.
func (h *ShutdownHandler) Trigger() {
	h.fireOnce.Do(func() {
		h.fired.Store(true)
		status := h.target.Status()
		switch {
		case status.Terminal():
			return
		case status == models.LoopPaused:
			h.target.Cancel()
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				res, err := h.target.Resume(context.WithoutCancel(h.ctx))
				if err != nil {
					log.Printf("[shutdown] resume paused run: %v", err)
					return
				}
				h.mu.Lock()
				h.resumed = res
				h.mu.Unlock()
			}()
		default:
			h.target.Cancel()
		}
	})
}

// Fired reports whether Trigger ran.
func (h *ShutdownHandler) Fired() bool {
	return h.fired.Load()
}

// Wait blocks until a paused run re-entered by Trigger has settled and
// returns its result, or nil when no re-entry happened.
func (h *ShutdownHandler) Wait() *RunResult {
	h.wg.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resumed
}

// Stop deregisters the handler. Safe to call more than once.
func (h *ShutdownHandler) Stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigCh)
		close(h.done)
	})
}
var _ Runner = (*Orchestrator)(nil)
