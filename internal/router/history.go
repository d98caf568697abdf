package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// AttemptRecord is one routed attempt, stored for future routing.
type AttemptRecord struct {
	Signature string
	TaskID    string
	Model     string
	Success   bool
	CostUSD   float64
	At        time.Time
}

// ModelStats aggregates past attempts of one model for one task signature.
type ModelStats struct {
	Model      string
	Attempts   int
	Successes  int
	AvgCostUSD float64
}

// SuccessRate returns Successes/Attempts, or 0 with no attempts.
func (s ModelStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// HistoryRecorder persists routing attempts.
type HistoryRecorder interface {
	RecordRouting(ctx context.Context, rec AttemptRecord) error
}

// HistoryReader returns per-model statistics for a task signature.
type HistoryReader interface {
	RoutingStats(ctx context.Context, signature string) ([]ModelStats, error)
}

// HistoryStore is both sides of the routing history.
type HistoryStore interface {
	HistoryRecorder
	HistoryReader
}

// Signature buckets a task so similar tasks share history.
// It combines complexity, sorted tags and a coarse file-count bucket.
func Signature(task *models.Task) string {
	tags := append([]string(nil), task.Tags...)
	for i := range tags {
		tags[i] = strings.ToLower(strings.TrimSpace(tags[i]))
	}
	sort.Strings(tags)

	var files string
	switch n := len(task.AffectedFiles); {
	case n == 0:
		files = "0"
	case n == 1:
		files = "1"
	case n <= 5:
		files = "2-5"
	default:
		files = "6+"
	}

	complexity := task.Complexity
	if !complexity.Valid() {
		complexity = models.ComplexityModerate
	}
	return fmt.Sprintf("%s|%s|files:%s", complexity, strings.Join(tags, ","), files)
}

// Thresholds for trusting history.
const (
	minHistoryAttempts   = 3
	preferredSuccessRate = 0.8
	weakTierSuccessRate  = 0.5
)

// preferredModel picks the cheapest model at or above tier with a proven track record.
func (r *Router) preferredModel(stats []ModelStats, tier models.Tier) (ModelSpec, bool) {
	var best ModelSpec
	bestCost := -1.0
	for _, s := range stats {
		if s.Attempts < minHistoryAttempts || s.SuccessRate() < preferredSuccessRate {
			continue
		}
		spec, ok := r.registry.Get(s.Model)
		if !ok || spec.Tier.Rank() < tier.Rank() {
			continue
		}
		if bestCost < 0 || s.AvgCostUSD < bestCost {
			best, bestCost = spec, s.AvgCostUSD
		}
	}
	return best, bestCost >= 0
}

// tierIsWeak reports whether the tier's models have mostly failed this signature.
func (r *Router) tierIsWeak(stats []ModelStats, tier models.Tier) bool {
	attempts, successes := 0, 0
	for _, s := range stats {
		spec, ok := r.registry.Get(s.Model)
		if !ok || spec.Tier != tier {
			continue
		}
		attempts += s.Attempts
		successes += s.Successes
	}
	if attempts < minHistoryAttempts {
		return false
	}
	return float64(successes)/float64(attempts) < weakTierSuccessRate
}
