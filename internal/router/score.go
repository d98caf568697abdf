package router

import "github.com/ShayCichocki/prdloop/pkg/models"

// Score thresholds between tiers.
const (
	standardThreshold = 5.0
	premiumThreshold  = 9.0
)

// Score maps a task to a routing score. Higher means more capable model.
// Complexity dominates; criteria and file counts nudge, keywords shift.
func Score(task *models.Task, kw TierKeywords) float64 {
	score := float64(task.Complexity.Weight()) * 2

	criteria := len(task.AcceptanceCriteria)
	if criteria > 8 {
		criteria = 8
	}
	score += float64(criteria) * 0.5

	files := len(task.AffectedFiles)
	if files > 10 {
		files = 10
	}
	score += float64(files) * 0.4

	switch {
	case matches(task, kw.Premium):
		score += 3
	case matches(task, kw.Fast):
		score -= 2
	}

	if score < 0 {
		score = 0
	}
	return score
}

// TierForScore converts a score into a tier.
func TierForScore(score float64) models.Tier {
	switch {
	case score >= premiumThreshold:
		return models.TierPremium
	case score >= standardThreshold:
		return models.TierStandard
	default:
		return models.TierFast
	}
}
