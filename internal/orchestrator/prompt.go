package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// promptInput is everything that goes into one attempt's prompt.
type promptInput struct {
	Project   string
	Task      *models.Task
	Prereqs   []*models.Task
	Context   string
	Attempt   int
	LastError string
	Feedback  string
}

func buildPrompt(in promptInput) string {
	var sb strings.Builder
	t := in.Task

	if in.Project != "" {
		fmt.Fprintf(&sb, "Project: %s\n\n", in.Project)
	}
	fmt.Fprintf(&sb, "## Task %s: %s\n\n", t.ID, t.Title)
	if t.Description != "" {
		sb.WriteString(t.Description)
		sb.WriteString("\n\n")
	}

	if len(t.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance criteria\n")
		for i, ac := range t.AcceptanceCriteria {
			fmt.Fprintf(&sb, "%d. %s", i+1, ac.Description)
			if ac.TestCommand != "" {
				fmt.Fprintf(&sb, " (verify with `%s`)", ac.TestCommand)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if len(in.Prereqs) > 0 {
		sb.WriteString("## Builds on (already completed)\n")
		for _, p := range in.Prereqs {
			fmt.Fprintf(&sb, "- %s: %s\n", p.ID, p.Title)
		}
		sb.WriteString("\n")
	}

	if len(t.AffectedFiles) > 0 && in.Context == "" {
		sb.WriteString("## Files\n")
		for _, f := range t.AffectedFiles {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}

	if in.Context != "" {
		sb.WriteString("## Context\n")
		sb.WriteString(strings.TrimRight(in.Context, "\n"))
		sb.WriteString("\n\n")
	}

	if in.Attempt > 1 && in.LastError != "" {
		fmt.Fprintf(&sb, "## Previous attempt failed\n%s\n\n", in.LastError)
	}
	if in.Feedback != "" {
		fmt.Fprintf(&sb, "## Quality feedback\n%s\n\n", in.Feedback)
	}

	sb.WriteString("Implement the task completely. Do not leave placeholders.")
	return sb.String()
}

func buildSystemPrompt(s models.RunSettings) string {
	if !s.AutoCommit {
		return ""
	}
	if s.Branch != "" {
		return fmt.Sprintf("When the task is done, commit your changes to branch %s with a message naming the task.", s.Branch)
	}
	return "When the task is done, commit your changes with a message naming the task."
}
