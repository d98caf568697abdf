// Package prd loads and validates work specifications.
package prd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/prdloop/internal/graph"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// Loaded is a parsed PRD together with where it came from.
type Loaded struct {
	Spec *models.WorkSpec
	// Path is the absolute path of the source file.
	Path string
	// Hash is the BLAKE3 digest of the file bytes at load time.
	Hash string
}

// Load reads a PRD from a .yaml, .yml or .json file, validates it, and
// records its content hash.
func Load(path string) (*Loaded, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read prd: %w", err)
	}

	spec, err := Parse(data, formatFor(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Loaded{Spec: spec, Path: abs, Hash: HashBytes(data)}, nil
}

// Format is a PRD encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Parse decodes and validates PRD bytes.
// Both formats are normalized to JSON so one schema validates either.
func Parse(data []byte, format Format) (*models.WorkSpec, error) {
	var raw interface{}
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown prd format %q", format)
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize prd: %w", err)
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("normalize prd: %w", err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var spec models.WorkSpec
	if err := json.Unmarshal(normalized, &spec); err != nil {
		return nil, fmt.Errorf("decode prd: %w", err)
	}

	applyDefaults(&spec)
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// applyDefaults fills optional fields that routing and prompts rely on.
func applyDefaults(spec *models.WorkSpec) {
	for _, t := range spec.Tasks {
		if t.Complexity == "" {
			t.Complexity = models.ComplexityModerate
		}
		for i := range t.AcceptanceCriteria {
			if t.AcceptanceCriteria[i].ID == "" {
				t.AcceptanceCriteria[i].ID = fmt.Sprintf("%s-ac%d", t.ID, i+1)
			}
		}
	}
}

// Validate enforces the semantic invariants: unique IDs, known complexities,
// resolvable dependencies and an acyclic graph.
func Validate(spec *models.WorkSpec) error {
	if len(spec.Tasks) == 0 {
		return fmt.Errorf("prd has no tasks")
	}
	for _, t := range spec.Tasks {
		if !t.Complexity.Valid() {
			return fmt.Errorf("task %s: invalid complexity %q", t.ID, t.Complexity)
		}
	}
	return graph.New().Build(spec.Tasks)
}
