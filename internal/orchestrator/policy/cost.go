package policy

import (
	"context"
	"log"
	"sync"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// CostUpdate is sent to the cost callback after every usage report.
type CostUpdate struct {
	TaskID       string
	Delta        models.Usage
	TotalCostUSD float64
	TotalTokens  int64
	LimitUSD     float64
}

// CostPolicy accumulates usage and enforces the run's hard ceiling.
type CostPolicy struct {
	mu          sync.Mutex
	limit       float64
	warnAt      float64
	totalCost   float64
	totalTokens int64
	warned      bool
	exceeded    bool
	onUpdate    func(CostUpdate)
}

// NewCostPolicy creates a cost policy. A limit of zero disables the ceiling.
// onUpdate is called under the policy's lock, so updates arrive in order;
// it must not call back into the policy.
func NewCostPolicy(cfg CostConfig, onUpdate func(CostUpdate)) *CostPolicy {
	return &CostPolicy{
		limit:    cfg.MaxCostUSD,
		warnAt:   cfg.WarningThreshold,
		onUpdate: onUpdate,
	}
}

// Name implements Policy.
func (c *CostPolicy) Name() string { return "cost" }

// Seed restores totals from a checkpoint.
func (c *CostPolicy) Seed(costUSD float64, tokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCost = costUSD
	c.totalTokens = tokens
	c.exceeded = c.limit > 0 && c.totalCost > c.limit
}

// Before blocks every attempt once the budget is gone.
func (c *CostPolicy) Before(ctx context.Context, a *Attempt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exceeded {
		return &BudgetExceededError{LimitUSD: c.limit, SpentUSD: c.totalCost}
	}
	return nil
}

// After adds the attempt's usage and fails the run if the ceiling is crossed.
func (c *CostPolicy) After(ctx context.Context, a *Attempt, out *Outcome) error {
	if out.Blocked {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalCost += out.Usage.CostUSD
	c.totalTokens += out.Usage.TotalTokens()

	if c.onUpdate != nil {
		taskID := ""
		if a.Task != nil {
			taskID = a.Task.ID
		}
		c.onUpdate(CostUpdate{
			TaskID:       taskID,
			Delta:        out.Usage,
			TotalCostUSD: c.totalCost,
			TotalTokens:  c.totalTokens,
			LimitUSD:     c.limit,
		})
	}

	if c.limit <= 0 {
		return nil
	}
	if c.totalCost > c.limit {
		if !c.exceeded {
			log.Printf("[cost] budget exceeded: $%.4f > $%.4f", c.totalCost, c.limit)
		}
		c.exceeded = true
		return &BudgetExceededError{LimitUSD: c.limit, SpentUSD: c.totalCost}
	}
	if !c.warned && c.warnAt > 0 && c.totalCost >= c.limit*c.warnAt {
		c.warned = true
		log.Printf("[cost] WARNING: $%.4f spent, %.0f%% of $%.2f budget", c.totalCost, c.totalCost/c.limit*100, c.limit)
	}
	return nil
}

// Totals returns cumulative cost and tokens.
func (c *CostPolicy) Totals() (float64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCost, c.totalTokens
}

// Exceeded reports whether the ceiling has been crossed.
func (c *CostPolicy) Exceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exceeded
}
