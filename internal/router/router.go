package router

import (
	"context"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

const statsCacheSize = 256

// Router selects a model per task and builds its escalation path.
// It is safe for concurrent use.
type Router struct {
	registry *Registry
	keywords TierKeywords
	history  HistoryStore
	override string
	cache    *lru.Cache[string, []ModelStats]
	now      func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithHistory injects the routing history store.
// Without it, routing is purely heuristic and Record is a no-op.
func WithHistory(h HistoryStore) Option {
	return func(r *Router) {
		r.history = h
	}
}

// WithModelOverride forces every task onto one model.
// Escalation still climbs from that model's tier.
func WithModelOverride(model string) Option {
	return func(r *Router) {
		r.override = model
	}
}

// WithKeywords replaces the tier keyword lists.
func WithKeywords(kw TierKeywords) Option {
	return func(r *Router) {
		r.keywords = kw
	}
}

// New creates a router over the registry.
func New(registry *Registry, opts ...Option) *Router {
	cache, _ := lru.New[string, []ModelStats](statsCacheSize)
	r := &Router{
		registry: registry,
		keywords: DefaultTierKeywords(),
		cache:    cache,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the router's model registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Route produces the initial decision for a task.
func (r *Router) Route(ctx context.Context, task *models.Task) models.RoutingDecision {
	score := Score(task, r.keywords)
	tier := TierForScore(score)
	source := models.SourceHeuristic

	var spec ModelSpec
	var found bool

	if r.override != "" {
		spec, found = r.registry.Get(r.override)
		if !found {
			// Unknown override: run it at the scored tier with that tier's pricing.
			spec, _ = r.registry.Primary(tier)
			spec.ID = r.override
			found = true
		}
		tier = spec.Tier
	} else if stats := r.stats(ctx, Signature(task)); len(stats) > 0 {
		if best, ok := r.preferredModel(stats, tier); ok {
			spec, found = best, true
			tier = best.Tier
			source = models.SourceHistory
		} else if r.tierIsWeak(stats, tier) {
			if next, ok := tier.Next(); ok {
				tier = next
				source = models.SourceHistory
			}
		}
	}

	if !found {
		spec, _ = r.registry.Primary(tier)
	}

	path := r.pathAbove(tier)
	return models.RoutingDecision{
		TaskID:         task.ID,
		Model:          spec.ID,
		Tier:           tier,
		Source:         source,
		Score:          score,
		CanEscalate:    len(path) > 0,
		EscalationPath: path,
		Plan:           models.ExecutionPlan{Mode: models.ExecutionSequential, SuggestedConcurrency: 1},
	}
}

// Escalate pops the next model off the decision's path and returns a new
// decision for it. The task, score and plan carry over. With an empty path
// it returns the decision with CanEscalate=false and false.
func (r *Router) Escalate(d models.RoutingDecision) (models.RoutingDecision, bool) {
	if len(d.EscalationPath) == 0 {
		d.CanEscalate = false
		return d, false
	}

	next := d.EscalationPath[0]
	rest := append([]string(nil), d.EscalationPath[1:]...)

	tier := d.Tier
	if spec, ok := r.registry.Get(next); ok {
		tier = spec.Tier
	}

	log.Printf("[router] escalating %s: %s -> %s", d.TaskID, d.Model, next)
	return models.RoutingDecision{
		TaskID:         d.TaskID,
		Model:          next,
		Tier:           tier,
		Source:         models.SourceEscalation,
		Score:          d.Score,
		CanEscalate:    len(rest) > 0,
		EscalationPath: rest,
		Plan:           d.Plan,
	}, true
}

// Record stores the outcome of an attempt under the task's signature.
func (r *Router) Record(ctx context.Context, task *models.Task, model string, success bool, costUSD float64) error {
	if r.history == nil {
		return nil
	}
	sig := Signature(task)
	err := r.history.RecordRouting(ctx, AttemptRecord{
		Signature: sig,
		TaskID:    task.ID,
		Model:     model,
		Success:   success,
		CostUSD:   costUSD,
		At:        r.now(),
	})
	r.cache.Remove(sig)
	return err
}

// Plan assigns an execution plan to every task based on its level.
func (r *Router) Plan(levels []models.TaskLevel, parallel bool, maxParallel int) map[string]models.ExecutionPlan {
	plans := make(map[string]models.ExecutionPlan)
	for _, level := range levels {
		plan := models.ExecutionPlan{Mode: models.ExecutionSequential, SuggestedConcurrency: 1}
		if parallel && level.Parallelizable && len(level.Tasks) > 1 {
			n := len(level.Tasks)
			if maxParallel > 0 && n > maxParallel {
				n = maxParallel
			}
			plan = models.ExecutionPlan{Mode: models.ExecutionParallel, SuggestedConcurrency: n}
		}
		for _, t := range level.Tasks {
			plans[t.ID] = plan
		}
	}
	return plans
}

func (r *Router) pathAbove(tier models.Tier) []string {
	above := r.registry.Above(tier)
	path := make([]string, 0, len(above))
	for _, m := range above {
		path = append(path, m.ID)
	}
	return path
}

// stats returns cached history for a signature. Read errors degrade to heuristic routing.
func (r *Router) stats(ctx context.Context, sig string) []ModelStats {
	if r.history == nil {
		return nil
	}
	if s, ok := r.cache.Get(sig); ok {
		return s
	}
	s, err := r.history.RoutingStats(ctx, sig)
	if err != nil {
		log.Printf("[router] history lookup for %q failed: %v", sig, err)
		return nil
	}
	r.cache.Add(sig, s)
	return s
}
