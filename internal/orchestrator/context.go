package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// ContextBuilder produces a text block injected into a task's prompt.
type ContextBuilder interface {
	BuildContext(ctx context.Context, task *models.Task) (string, error)
}

// ContextBuilderFunc adapts a function to ContextBuilder.
type ContextBuilderFunc func(ctx context.Context, task *models.Task) (string, error)

// BuildContext implements ContextBuilder.
func (f ContextBuilderFunc) BuildContext(ctx context.Context, task *models.Task) (string, error) {
	return f(ctx, task)
}

// FileListContext lists a task's affected files and whether each exists yet.
type FileListContext struct {
	Root string
}

// BuildContext implements ContextBuilder.
func (f FileListContext) BuildContext(ctx context.Context, task *models.Task) (string, error) {
	if len(task.AffectedFiles) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("Files in scope:\n")
	for _, p := range task.AffectedFiles {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(f.Root, p)
		}
		info, err := os.Stat(full)
		switch {
		case err == nil && info.IsDir():
			fmt.Fprintf(&sb, "- %s (directory)\n", p)
		case err == nil:
			fmt.Fprintf(&sb, "- %s (%d bytes)\n", p, info.Size())
		default:
			fmt.Fprintf(&sb, "- %s (new)\n", p)
		}
	}
	return sb.String(), nil
}
