package orchestrator

import (
	"github.com/ShayCichocki/prdloop/internal/checkpoint"
	"github.com/ShayCichocki/prdloop/internal/orchestrator/policy"
	"github.com/ShayCichocki/prdloop/internal/router"
	"github.com/ShayCichocki/prdloop/internal/state"
	"github.com/ShayCichocki/prdloop/internal/worker"
)

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	workers      *worker.Registry
	router       *router.Router
	sessions     state.SessionStore
	events       state.EventStore
	history      router.HistoryStore
	checkpoints  *checkpoint.Store
	policyConfig *policy.Config
	auditor      policy.Auditor
	stepRunner   policy.StepRunner
	contextB     ContextBuilder
	logger       *DebugLogger
	onCost       func(policy.CostUpdate)
	resume       *checkpoint.Checkpoint
}

// WithWorkers sets the backend-to-worker registry.
func WithWorkers(r *worker.Registry) Option {
	return func(o *orchestratorOptions) { o.workers = r }
}

// WithRouter sets the model router. Without it a router over the default
// registry is built, using the store's routing history when one is set.
func WithRouter(r *router.Router) Option {
	return func(o *orchestratorOptions) { o.router = r }
}

// WithStore wires one store for sessions, events, checkpoints and routing history.
func WithStore(s state.Store) Option {
	return func(o *orchestratorOptions) {
		o.sessions = s
		o.events = s
		o.history = s
		o.checkpoints = checkpoint.NewStore(s)
	}
}

// WithSessionStore sets where session status is recorded.
func WithSessionStore(s state.SessionStore) Option {
	return func(o *orchestratorOptions) { o.sessions = s }
}

// WithEventStore sets where events are persisted.
func WithEventStore(s state.EventStore) Option {
	return func(o *orchestratorOptions) { o.events = s }
}

// WithCheckpoints sets the checkpoint store.
func WithCheckpoints(s *checkpoint.Store) Option {
	return func(o *orchestratorOptions) { o.checkpoints = s }
}

// WithPolicy sets the base policy configuration. Run settings override
// its attempt limit, budget, quality gate mode and validation steps.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policyConfig = p }
}

// WithAuditor sets the quality gate's auditor. Without one the gate is off.
func WithAuditor(a policy.Auditor) Option {
	return func(o *orchestratorOptions) { o.auditor = a }
}

// WithStepRunner sets the validation step runner.
func WithStepRunner(r policy.StepRunner) Option {
	return func(o *orchestratorOptions) { o.stepRunner = r }
}

// WithContextBuilder sets the builder of per-task prompt context.
func WithContextBuilder(b ContextBuilder) Option {
	return func(o *orchestratorOptions) { o.contextB = b }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithCostCallback registers a callback that receives every cost update.
// It is called synchronously and must not block.
func WithCostCallback(fn func(policy.CostUpdate)) Option {
	return func(o *orchestratorOptions) { o.onCost = fn }
}

// WithResume seeds the run from a checkpoint.
func WithResume(cp *checkpoint.Checkpoint) Option {
	return func(o *orchestratorOptions) { o.resume = cp }
}
