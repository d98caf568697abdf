package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/prdloop/internal/checkpoint"
	"github.com/ShayCichocki/prdloop/internal/graph"
	"github.com/ShayCichocki/prdloop/internal/orchestrator/policy"
	"github.com/ShayCichocki/prdloop/internal/router"
	"github.com/ShayCichocki/prdloop/internal/state"
	"github.com/ShayCichocki/prdloop/internal/worker"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// ErrNotPaused is returned by Resume when the run is not paused.
var ErrNotPaused = errors.New("run is not paused")

// ErrAlreadyStarted is returned by Run when called twice.
var ErrAlreadyStarted = errors.New("run already started")

// RunResult is the aggregate outcome of a run.
type RunResult struct {
	Success        bool
	Status         models.LoopStatus
	SessionID      string
	CompletedTasks []string
	FailedTasks    []string
	SkippedTasks   []string
	TotalCostUSD   float64
	TotalTokens    int64
	DurationMs     int64
	Estimate       *router.CostEstimate
	// Error explains a failed or cancelled run.
	Error string
}

// Orchestrator executes one PRD.
type Orchestrator struct {
	spec     *models.WorkSpec
	cfg      RunConfig
	policyIn *policy.Config

	graph    *graph.DependencyGraph
	order    []string
	levels   []models.TaskLevel
	plans    map[string]models.ExecutionPlan
	router   *router.Router
	workers  *worker.Registry
	policies *policy.Set
	estimate *router.CostEstimate
	system   string

	sessions    state.SessionStore
	eventStore  state.EventStore
	checkpoints *checkpoint.Store
	auditor     policy.Auditor
	stepRunner  policy.StepRunner
	contextB    ContextBuilder
	logger      *DebugLogger
	onCost      func(policy.CostUpdate)
	resume      *checkpoint.Checkpoint

	emitter *EventEmitter

	// mu guards state, results, decisions and checkpoint writes.
	mu        sync.Mutex
	state     *models.LoopState
	results   []models.TaskExecutionResult
	decisions map[string]models.RoutingDecision
	runErr    string

	abort          atomic.Bool
	budgetExceeded atomic.Bool
	storageFatal   atomic.Bool
	stopOnFailure  atomic.Bool

	// runMu serializes entries into the loop.
	runMu     sync.Mutex
	prepared  bool
	startedAt time.Time
	elapsed   time.Duration
	closeOnce sync.Once
}

// New creates an orchestrator for spec. It returns an error for invalid configuration.
func New(spec *models.WorkSpec, cfg RunConfig, opts ...Option) (*Orchestrator, error) {
	if spec == nil {
		return nil, errors.New("nil work spec")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if o.resume != nil && cfg.SessionID == "" {
		cfg.SessionID = o.resume.SessionID
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	cfg.applySettings(spec.Config)

	orch := &Orchestrator{
		spec:        spec,
		cfg:         cfg,
		policyIn:    o.policyConfig,
		router:      o.router,
		workers:     o.workers,
		sessions:    o.sessions,
		eventStore:  o.events,
		checkpoints: o.checkpoints,
		auditor:     o.auditor,
		stepRunner:  o.stepRunner,
		contextB:    o.contextB,
		logger:      o.logger,
		onCost:      o.onCost,
		resume:      o.resume,
		state:       models.NewLoopState(),
		decisions:   make(map[string]models.RoutingDecision),
	}
	if orch.logger == nil {
		orch.logger = NopLogger()
	}
	if orch.workers == nil {
		orch.workers = worker.NewRegistry()
	}
	if orch.router == nil {
		backend := cfg.Backend
		if backend == "" {
			backend = DefaultBackend
		}
		var ropts []router.Option
		if o.history != nil {
			ropts = append(ropts, router.WithHistory(o.history))
		}
		if cfg.Model != "" {
			ropts = append(ropts, router.WithModelOverride(cfg.Model))
		}
		orch.router = router.New(router.DefaultRegistry(backend), ropts...)
	}
	if orch.contextB == nil {
		orch.contextB = FileListContext{Root: cfg.WorkDir}
	}
	orch.emitter = NewEventEmitter(orch.persistEvent)
	return orch, nil
}

// prepare builds the graph and policies. It runs once, before the first task.
func (o *Orchestrator) prepare(ctx context.Context) error {
	if o.prepared {
		return nil
	}

	g := graph.New()
	g.SetDebugLog(o.logger.Log)
	if err := g.Build(o.spec.Tasks); err != nil {
		return err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return err
	}
	o.graph = g
	o.order = order
	o.levels = g.Levels()
	o.plans = o.router.Plan(o.levels, o.cfg.EnableParallelExecution, o.cfg.MaxParallelTasks)
	est := o.router.Estimate(ctx, o.spec)
	o.estimate = &est
	o.system = buildSystemPrompt(o.spec.Config)

	pcfg := policy.Default()
	if o.policyIn != nil {
		c := *o.policyIn
		pcfg = &c
	}
	o.cfg.applyPolicy(pcfg)
	set, err := policy.Build(pcfg, policy.Deps{
		Auditor:    o.auditor,
		StepRunner: o.stepRunner,
		OnCost:     o.handleCost,
		OnTrip:     o.handleTrip,
		Root:       o.cfg.WorkDir,
	})
	if err != nil {
		return fmt.Errorf("build policies: %w", err)
	}
	o.policies = set

	if o.resume != nil {
		o.restore(o.resume)
	}
	o.prepared = true
	return nil
}

// restore seeds progress from a checkpoint.
func (o *Orchestrator) restore(cp *checkpoint.Checkpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := models.NewLoopState()
	if cp.State != nil {
		st = cp.State.Clone()
	}
	st.Status = models.LoopIdle
	st.CurrentTaskID = ""
	if o.cfg.RetryFailed {
		if cleared := st.ClearFailed(); len(cleared) > 0 {
			log.Printf("[orchestrator] retrying %d previously failed task(s)", len(cleared))
		}
	}
	o.state = st
	o.results = append([]models.TaskExecutionResult(nil), cp.Results...)
	if o.cfg.RetryFailed {
		kept := o.results[:0]
		for _, r := range o.results {
			if r.Success {
				kept = append(kept, r)
			}
		}
		o.results = kept
	}
	o.policies.Cost.Seed(st.TotalCostUSD, st.TotalTokensUsed)
	log.Printf("[orchestrator] resuming session %s: %d completed, %d failed",
		cp.SessionID, len(st.CompletedTasks), len(st.FailedTasks))
}

// Run executes the PRD until it completes, fails, is cancelled or is paused.
// It returns an error only for an invalid or cyclic spec; task failures are
// reported in the result.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.Status() != models.LoopIdle {
		return nil, ErrAlreadyStarted
	}
	if err := o.prepare(ctx); err != nil {
		return nil, err
	}

	if o.cfg.DryRun {
		log.Printf("[orchestrator] dry run: %d task(s), expected cost $%.4f", o.graph.Size(), o.estimate.Expected)
		return o.result(), nil
	}

	o.startedAt = time.Now()
	o.setStatus(models.LoopRunning)
	o.createSession(ctx)
	return o.enter(ctx), nil
}

// Resume re-enters a paused run.
func (o *Orchestrator) Resume(ctx context.Context) (*RunResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.mu.Lock()
	if o.state.Status != models.LoopPaused {
		o.mu.Unlock()
		return nil, ErrNotPaused
	}
	o.state.Status = models.LoopRunning
	o.mu.Unlock()

	o.startedAt = time.Now()
	o.updateSession(ctx)
	log.Printf("[orchestrator] resumed")
	return o.enter(ctx), nil
}

// enter runs the loop and settles the resulting status. Caller holds runMu.
func (o *Orchestrator) enter(ctx context.Context) *RunResult {
	stop := context.AfterFunc(ctx, o.Cancel)
	defer stop()

	o.emit(Event{Type: EventLoopStarted, Message: fmt.Sprintf("%d task(s)", o.graph.Size())})

	if o.cfg.EnableParallelExecution && o.cfg.MaxParallelTasks > 1 {
		o.runParallel(ctx)
	} else {
		o.runSequential(ctx)
	}

	o.elapsed += time.Since(o.startedAt)
	return o.settle(ctx)
}

// settle decides the status after the loop exits.
func (o *Orchestrator) settle(ctx context.Context) *RunResult {
	o.mu.Lock()
	var status models.LoopStatus
	switch {
	case o.abort.Load():
		status = models.LoopCancelled
	case o.state.Status == models.LoopPaused && !o.allCompletedLocked():
		status = models.LoopPaused
	case o.budgetExceeded.Load():
		status = models.LoopFailed
		o.runErr = "budget exceeded"
	case o.storageFatal.Load():
		status = models.LoopFailed
		if o.runErr == "" {
			o.runErr = "state storage is corrupt"
		}
	case len(o.state.FailedTasks) > 0:
		status = models.LoopFailed
		o.runErr = fmt.Sprintf("%d task(s) failed", len(o.state.FailedTasks))
	default:
		status = models.LoopCompleted
	}
	if status == models.LoopCancelled {
		o.runErr = "cancelled"
	}
	o.state.Status = status
	o.state.CurrentTaskID = ""
	if status != models.LoopCompleted {
		o.saveCheckpointLocked(ctx)
	}
	tokens, cost := o.state.TotalTokensUsed, o.state.TotalCostUSD
	msg := o.runErr
	o.mu.Unlock()

	o.updateSession(ctx)

	switch status {
	case models.LoopCompleted:
		o.clearCheckpoint(ctx)
		o.emit(Event{Type: EventLoopCompleted, TokensUsed: tokens, CostUSD: cost, Duration: o.elapsed})
	case models.LoopPaused:
		o.emit(Event{Type: EventLoopPaused, TokensUsed: tokens, CostUSD: cost, Duration: o.elapsed})
	case models.LoopCancelled:
		o.emit(Event{Type: EventLoopCancelled, Message: msg, TokensUsed: tokens, CostUSD: cost, Duration: o.elapsed})
	default:
		o.emit(Event{Type: EventLoopFailed, Error: msg, TokensUsed: tokens, CostUSD: cost, Duration: o.elapsed})
	}
	log.Printf("[orchestrator] run %s: %s", o.cfg.SessionID, status)
	return o.result()
}

func (o *Orchestrator) allCompletedLocked() bool {
	done := o.state.CompletedSet()
	for _, id := range o.order {
		if !done[id] {
			return false
		}
	}
	return true
}

func (o *Orchestrator) result() *RunResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state
	return &RunResult{
		Success:        st.Status == models.LoopCompleted,
		Status:         st.Status,
		SessionID:      o.cfg.SessionID,
		CompletedTasks: append([]string{}, st.CompletedTasks...),
		FailedTasks:    append([]string{}, st.FailedTasks...),
		SkippedTasks:   append([]string{}, st.SkippedTasks...),
		TotalCostUSD:   st.TotalCostUSD,
		TotalTokens:    st.TotalTokensUsed,
		DurationMs:     o.elapsed.Milliseconds(),
		Estimate:       o.estimate,
		Error:          o.runErr,
	}
}

// Pause asks the loop to stop at the next boundary. It reports whether the
// run was running.
func (o *Orchestrator) Pause() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Status != models.LoopRunning {
		return false
	}
	o.state.Status = models.LoopPaused
	log.Printf("[orchestrator] pause requested, stopping at next boundary")
	return true
}

// Cancel raises the abort flag. In-flight workers finish, but their results
// are discarded and no further task starts.
func (o *Orchestrator) Cancel() {
	if o.abort.CompareAndSwap(false, true) {
		log.Printf("[orchestrator] abort requested")
	}
}

// Cancelled reports whether abort was raised.
func (o *Orchestrator) Cancelled() bool {
	return o.abort.Load()
}

// Status returns the current loop status.
func (o *Orchestrator) Status() models.LoopStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Status
}

func (o *Orchestrator) setStatus(s models.LoopStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Status = s
}

// State returns a copy of the loop state.
func (o *Orchestrator) State() *models.LoopState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Results returns the merged task results in completion order.
func (o *Orchestrator) Results() []models.TaskExecutionResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.TaskExecutionResult(nil), o.results...)
}

// Decision returns the latest routing decision for a task.
func (o *Orchestrator) Decision(taskID string) (models.RoutingDecision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.decisions[taskID]
	return d, ok
}

// Levels returns the dependency levels. Nil before Run.
func (o *Orchestrator) Levels() []models.TaskLevel {
	return o.levels
}

// SessionID returns the run's session id.
func (o *Orchestrator) SessionID() string {
	return o.cfg.SessionID
}

// Config returns the effective run configuration.
func (o *Orchestrator) Config() RunConfig {
	return o.cfg
}

// Events returns the ordered event stream. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Close closes the event stream and the debug log.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.emitter.Close()
		err = o.logger.Close()
	})
	return err
}

func (o *Orchestrator) emit(ev Event) {
	ev.SessionID = o.cfg.SessionID
	ev = o.emitter.Emit(ev)
	o.logger.Log("[event] #%d %s task=%s %s%s", ev.Seq, ev.Type, ev.TaskID, ev.Message, ev.Error)
}

func (o *Orchestrator) handleCost(u policy.CostUpdate) {
	if o.onCost != nil {
		o.onCost(u)
	}
}

func (o *Orchestrator) handleTrip(t policy.CircuitTrip) {
	o.emit(Event{
		Type:    EventCircuitBreakerTripped,
		TaskID:  t.TaskID,
		Message: fmt.Sprintf("%d consecutive failures, open until %s", t.ConsecutiveFailures, t.Until.Format(time.RFC3339)),
	})
}
