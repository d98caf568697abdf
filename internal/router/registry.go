// Package router selects worker models for tasks and plans escalation.
package router

import (
	"fmt"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// Model identifiers for the default catalog.
const (
	// ModelHaiku is the lightweight, fast model for simple tasks.
	ModelHaiku = "claude-3-5-haiku-20241022"
	// ModelSonnet is the balanced model for standard work.
	ModelSonnet = "claude-sonnet-4-20250514"
	// ModelOpus is the most capable model for complex tasks.
	ModelOpus = "claude-opus-4-5-20251101"
)

// ModelSpec describes one model a worker can run.
type ModelSpec struct {
	// ID is the model identifier passed to the worker.
	ID string
	// Tier is the capability class.
	Tier models.Tier
	// Backend names the worker adapter ("cli", "api", "bedrock").
	Backend string
	// InputPerMillion is the cost per 1M input tokens in USD.
	InputPerMillion float64
	// OutputPerMillion is the cost per 1M output tokens in USD.
	OutputPerMillion float64
}

// Cost returns the USD cost of the given token counts on this model.
func (m ModelSpec) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1_000_000*m.InputPerMillion +
		float64(outputTokens)/1_000_000*m.OutputPerMillion
}

// Registry is an explicitly constructed model catalog.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	models []ModelSpec
	byID   map[string]ModelSpec
}

// NewRegistry builds a registry. Models are kept in registration order
// within each tier; the first model of a tier is its primary.
func NewRegistry(specs ...ModelSpec) (*Registry, error) {
	r := &Registry{byID: make(map[string]ModelSpec, len(specs))}
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("model with empty id")
		}
		if !s.Tier.Valid() {
			return nil, fmt.Errorf("model %s: invalid tier %q", s.ID, s.Tier)
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate model %s", s.ID)
		}
		r.byID[s.ID] = s
		r.models = append(r.models, s)
	}
	for _, tier := range models.TierOrder {
		if len(r.ForTier(tier)) == 0 {
			return nil, fmt.Errorf("no model registered for tier %s", tier)
		}
	}
	return r, nil
}

// DefaultRegistry returns the three-tier Claude catalog bound to a backend.
func DefaultRegistry(backend string) *Registry {
	if backend == "" {
		backend = "cli"
	}
	r, err := NewRegistry(
		ModelSpec{ID: ModelHaiku, Tier: models.TierFast, Backend: backend, InputPerMillion: 0.80, OutputPerMillion: 4.00},
		ModelSpec{ID: ModelSonnet, Tier: models.TierStandard, Backend: backend, InputPerMillion: 3.00, OutputPerMillion: 15.00},
		ModelSpec{ID: ModelOpus, Tier: models.TierPremium, Backend: backend, InputPerMillion: 15.00, OutputPerMillion: 75.00},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// WithTierModel returns a copy of the registry whose primary model for tier
// is id. Pricing is copied from the tier's previous primary when id is new.
func (r *Registry) WithTierModel(tier models.Tier, id string) (*Registry, error) {
	if id == "" {
		return r, nil
	}
	prev, ok := r.Primary(tier)
	if !ok {
		return nil, fmt.Errorf("no model for tier %s", tier)
	}
	spec := prev
	if existing, ok := r.byID[id]; ok {
		spec = existing
	}
	spec.ID = id
	spec.Tier = tier

	specs := []ModelSpec{spec}
	for _, m := range r.models {
		if m.ID != id {
			specs = append(specs, m)
		}
	}
	return NewRegistry(specs...)
}

// Get returns the model with the given ID.
func (r *Registry) Get(id string) (ModelSpec, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// Models returns all models in registration order.
func (r *Registry) Models() []ModelSpec {
	return append([]ModelSpec(nil), r.models...)
}

// ForTier returns the models of one tier.
func (r *Registry) ForTier(tier models.Tier) []ModelSpec {
	var out []ModelSpec
	for _, m := range r.models {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

// Primary returns the first model registered for a tier.
func (r *Registry) Primary(tier models.Tier) (ModelSpec, bool) {
	for _, m := range r.models {
		if m.Tier == tier {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// Above returns the models of every tier strictly more capable than tier,
// least capable tier first.
func (r *Registry) Above(tier models.Tier) []ModelSpec {
	var out []ModelSpec
	for _, t := range models.TierOrder {
		if t.Rank() > tier.Rank() {
			out = append(out, r.ForTier(t)...)
		}
	}
	return out
}

// CostFor prices token counts on a model. Unknown models are priced as the
// standard tier's primary.
func (r *Registry) CostFor(model string, inputTokens, outputTokens int64) float64 {
	spec, ok := r.Get(model)
	if !ok {
		spec, _ = r.Primary(models.TierStandard)
	}
	return spec.Cost(inputTokens, outputTokens)
}
