package models

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// graphSchema is the structural contract a graph definition must satisfy
// before a run may snapshot it.
const graphSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["nodes", "edges"],
	"properties": {
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id":   {"type": "string", "minLength": 1},
					"type": {"type": "string"},
					"data": {"type": "object"}
				}
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source", "target"],
				"properties": {
					"source": {"type": "string", "minLength": 1},
					"target": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

// Graph is an immutable snapshot of a workflow's node/edge definition, copied
// verbatim at run start so later edits never affect in-flight runs.
type Graph struct {
	Definition json.RawMessage `json:"definition"`
}

// NewGraph validates and deep-copies a raw graph definition.
func NewGraph(definition []byte) (Graph, error) {
	if err := ValidateGraph(definition); err != nil {
		return Graph{}, err
	}

	snapshot := make(json.RawMessage, len(definition))
	copy(snapshot, definition)

	return Graph{Definition: snapshot}, nil
}

// Clone returns an independent copy of the snapshot bytes.
func (g Graph) Clone() Graph {
	if g.Definition == nil {
		return Graph{}
	}

	snapshot := make(json.RawMessage, len(g.Definition))
	copy(snapshot, g.Definition)

	return Graph{Definition: snapshot}
}

// IsZero reports whether the graph carries no definition.
func (g Graph) IsZero() bool {
	return len(g.Definition) == 0
}

// ValidateGraph checks a raw definition against the graph JSON schema.
func ValidateGraph(definition []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(graphSchema),
		gojsonschema.NewBytesLoader(definition),
	)
	if err != nil {
		return fmt.Errorf("failed to validate graph definition: %w", err)
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return fmt.Errorf("invalid graph definition: %s", first.String())
	}

	return nil
}
