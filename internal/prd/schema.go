package prd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "prdloop://prd.schema.json"

// prdSchema is the structural contract every PRD document must satisfy.
// Semantic checks (unique IDs, resolvable dependencies, cycles) happen after decoding.
const prdSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["project", "tasks"],
  "properties": {
    "project": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "config": {
      "type": "object",
      "properties": {
        "auto_commit": {"type": "boolean"},
        "branch": {"type": "string"},
        "max_attempts": {"type": "integer", "minimum": 0},
        "continue_on_failure": {"type": "boolean"}
      }
    },
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "complexity": {"enum": ["trivial", "simple", "moderate", "complex", "epic"]},
          "priority": {"type": "integer"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "affected_files": {"type": "array", "items": {"type": "string"}},
          "tags": {"type": "array", "items": {"type": "string"}},
          "acceptance_criteria": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["description"],
              "properties": {
                "id": {"type": "string"},
                "description": {"type": "string"},
                "test_command": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(prdSchema)); err != nil {
			compileErr = fmt.Errorf("add prd schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

// validateDocument checks a decoded JSON document against the PRD schema.
func validateDocument(doc interface{}) error {
	s, err := schema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("prd schema: %w", err)
	}
	return nil
}
