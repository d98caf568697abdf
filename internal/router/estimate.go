package router

import (
	"context"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// Share of estimated tokens billed as input; the rest is output.
const inputShare = 0.7

// baseTokens is the expected token spend per attempt by complexity.
var baseTokens = map[models.Complexity]int64{
	models.ComplexityTrivial:  2_000,
	models.ComplexitySimple:   5_000,
	models.ComplexityModerate: 15_000,
	models.ComplexityComplex:  40_000,
	models.ComplexityEpic:     80_000,
}

// escalationProbability is how often a task of each complexity needed a
// stronger model in practice.
var escalationProbability = map[models.Complexity]float64{
	models.ComplexityTrivial:  0.05,
	models.ComplexitySimple:   0.10,
	models.ComplexityModerate: 0.20,
	models.ComplexityComplex:  0.35,
	models.ComplexityEpic:     0.50,
}

// TaskEstimate is the cost range for one task.
type TaskEstimate struct {
	TaskID                string
	Model                 string
	Tier                  models.Tier
	Tokens                int64
	EscalationProbability float64
	Optimistic            float64
	Expected              float64
	Pessimistic           float64
}

// CostEstimate is the summed cost range for a whole PRD.
type CostEstimate struct {
	Optimistic  float64
	Expected    float64
	Pessimistic float64
	TotalTokens int64
	Tasks       []TaskEstimate
}

// EstimateTokens guesses the tokens one attempt at the task will use.
func EstimateTokens(task *models.Task) int64 {
	tokens, ok := baseTokens[task.Complexity]
	if !ok {
		tokens = baseTokens[models.ComplexityModerate]
	}
	tokens += int64(len(task.AcceptanceCriteria)) * 1_000
	tokens += int64(len(task.AffectedFiles)) * 2_000
	return tokens
}

// Estimate routes every task and sums optimistic, expected and pessimistic costs.
// Optimistic assumes the first model succeeds; expected adds the next model
// weighted by the escalation probability; pessimistic walks the whole path.
func (r *Router) Estimate(ctx context.Context, spec *models.WorkSpec) CostEstimate {
	var est CostEstimate
	for _, task := range spec.Tasks {
		d := r.Route(ctx, task)
		tokens := EstimateTokens(task)
		p, ok := escalationProbability[task.Complexity]
		if !ok {
			p = escalationProbability[models.ComplexityModerate]
		}

		primary := r.tokenCost(d.Model, d.Tier, tokens)
		te := TaskEstimate{
			TaskID:                task.ID,
			Model:                 d.Model,
			Tier:                  d.Tier,
			Tokens:                tokens,
			EscalationProbability: p,
			Optimistic:            primary,
			Expected:              primary,
			Pessimistic:           primary,
		}
		for i, id := range d.EscalationPath {
			c := r.tokenCost(id, d.Tier, tokens)
			if i == 0 {
				te.Expected += p * c
			}
			te.Pessimistic += c
		}

		est.Tasks = append(est.Tasks, te)
		est.Optimistic += te.Optimistic
		est.Expected += te.Expected
		est.Pessimistic += te.Pessimistic
		est.TotalTokens += tokens
	}
	return est
}

func (r *Router) tokenCost(model string, fallback models.Tier, tokens int64) float64 {
	spec, ok := r.registry.Get(model)
	if !ok {
		spec, _ = r.registry.Primary(fallback)
	}
	in := int64(float64(tokens) * inputShare)
	return spec.Cost(in, tokens-in)
}
