package router

import (
	"strings"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// TierKeywords holds the words that push a task toward a tier.
// There is no standard list; standard is where unmatched tasks land.
type TierKeywords struct {
	Fast    []string
	Premium []string
}

// DefaultTierKeywords returns the built-in keyword lists.
func DefaultTierKeywords() TierKeywords {
	return TierKeywords{
		Fast: []string{
			"typo",
			"rename",
			"formatting",
			"comment",
			"docs",
			"readme",
			"documentation",
			"boilerplate",
			"trivial",
		},
		Premium: []string{
			"architecture",
			"design",
			"redesign",
			"migration",
			"migrate",
			"security",
			"auth",
			"concurrency",
			"schema",
			"infrastructure",
			"refactor",
		},
	}
}

// matches reports whether any keyword appears in the task's text or tags.
func matches(task *models.Task, keywords []string) bool {
	text := strings.ToLower(task.Title + " " + task.Description + " " + strings.Join(task.Tags, " "))
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
