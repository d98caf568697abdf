package prd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/prdloop/internal/graph"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

const sampleYAML = `
project: billing
config:
  auto_commit: true
tasks:
  - id: A
    title: Add invoice model
    complexity: simple
    affected_files: [internal/invoice.go]
    acceptance_criteria:
      - description: model compiles
        test_command: go build ./...
  - id: B
    title: Add invoice API
    depends_on: [A]
    tags: [api]
  - id: C
    title: Add invoice docs
    complexity: trivial
    depends_on: [A]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "prd.yaml", sampleYAML)

	loaded, err := Load(path)
	require.NoError(t, err)

	spec := loaded.Spec
	assert.Equal(t, "billing", spec.Project)
	assert.True(t, spec.Config.AutoCommit)
	require.Len(t, spec.Tasks, 3)
	assert.Equal(t, []string{"A", "B", "C"}, spec.TaskIDs())
	assert.Equal(t, models.ComplexityModerate, spec.Task("B").Complexity, "missing complexity defaults to moderate")
	assert.Equal(t, "A-ac1", spec.Task("A").AcceptanceCriteria[0].ID)
	assert.Equal(t, "go build ./...", spec.Task("A").AcceptanceCriteria[0].TestCommand)

	want, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, loaded.Hash)
	assert.True(t, filepath.IsAbs(loaded.Path))
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "prd.json", `{
		"project": "p",
		"tasks": [
			{"id": "a", "title": "first", "complexity": "epic", "priority": 2},
			{"id": "b", "title": "second", "depends_on": ["a"]}
		]
	}`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.ComplexityEpic, loaded.Spec.Task("a").Complexity)
	assert.Equal(t, 2, loaded.Spec.Task("a").Priority)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing project", `tasks: [{id: a, title: t}]`},
		{"missing title", `{project: p, tasks: [{id: a}]}`},
		{"bad complexity", `{project: p, tasks: [{id: a, title: t, complexity: huge}]}`},
		{"depends_on not a list", `{project: p, tasks: [{id: a, title: t, depends_on: b}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), FormatYAML)
			assert.Error(t, err)
		})
	}
}

func TestParse_CycleIsReported(t *testing.T) {
	doc := `{project: p, tasks: [{id: a, title: t, depends_on: [b]}, {id: b, title: t, depends_on: [a]}]}`
	_, err := Parse([]byte(doc), FormatYAML)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrCycleDetected))
}

func TestParse_UnknownDependency(t *testing.T) {
	doc := `{project: p, tasks: [{id: a, title: t, depends_on: [zzz]}]}`
	_, err := Parse([]byte(doc), FormatYAML)
	assert.ErrorIs(t, err, graph.ErrUnknownDependency)
}

func TestHashFile_ChangesWithContent(t *testing.T) {
	path := writeFile(t, "prd.yaml", sampleYAML)
	before, err := HashFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\n# edited\n"), 0644))
	after, err := HashFile(path)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
	assert.Equal(t, HashBytes([]byte(sampleYAML+"\n# edited\n")), after)
}
