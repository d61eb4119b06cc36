package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/weave/pkg/schema"
)

const graphSchemaURL = "https://weave.dev/schemas/workflow-graph.json"

// graphSchemaJSON is the JSON Schema for WorkflowGraph documents.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weave.dev/schemas/workflow-graph.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "organization_id": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "terminal_nodes": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "enum": ["trigger", "action", "transform"] },
        "app_id": { "type": "string" },
        "operation_id": { "type": "string" },
        "params": { "type": "object" },
        "runtime_code": { "$ref": "#/$defs/runtime_code" },
        "retry": { "$ref": "#/$defs/retry" },
        "condition": { "type": "string" },
        "credential_ref": { "$ref": "#/$defs/credential_ref" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "runtime_code": {
      "type": "object",
      "required": ["code"],
      "properties": {
        "code": { "type": "string", "minLength": 1 },
        "entry_point": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" },
        "timeout_ms": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
        "max_delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" }
      },
      "additionalProperties": false
    },
    "credential_ref": {
      "type": "object",
      "required": ["ciphertext", "iv", "key_id"],
      "properties": {
        "ciphertext": { "type": "string" },
        "iv": { "type": "string" },
        "key_id": { "type": "string" },
        "data_key_ciphertext": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// Violation is one leaf failure from a schema validation.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// SchemaValidator validates graphs against the built-in graph schema and
// arbitrary values against caller-supplied schemas. Safe for concurrent use.
type SchemaValidator struct {
	graphSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a SchemaValidator with the graph schema pre-compiled.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	graphSchema, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &SchemaValidator{
		graphSchema: graphSchema,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// GraphViolations validates the JSON form of a graph.
func (v *SchemaValidator) GraphViolations(g *schema.WorkflowGraph) ([]Violation, error) {
	doc, err := toJSONValue(g)
	if err != nil {
		return nil, fmt.Errorf("serialize graph: %w", err)
	}
	return violationsOf(v.graphSchema.Validate(doc)), nil
}

// Violations validates value against a JSON Schema given as raw bytes. The
// compiled schema is cached by its text.
func (v *SchemaValidator) Violations(value any, schemaBytes []byte) ([]Violation, error) {
	if len(schemaBytes) == 0 {
		return nil, nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return nil, err
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return nil, fmt.Errorf("serialize value: %w", err)
	}
	return violationsOf(compiled.Validate(doc)), nil
}

// ValidateInput validates a parameter map against a schema and returns a
// VALIDATION_ERROR listing every violation.
func (v *SchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	violations, err := v.Violations(input, inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return violationsError(violations)
}

func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	// A fresh compiler and URL per schema keeps resources from colliding.
	url := fmt.Sprintf("weave://schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func violationsOf(err error) []Violation {
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []Violation{{Path: "/", Message: err.Error()}}
	}
	return collectViolations(verr)
}

// collectViolations walks a ValidationError tree and collects the leaves.
func collectViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		return []Violation{{Path: "/" + strings.Join(verr.InstanceLocation, "/"), Message: verr.Error()}}
	}
	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

func violationsError(violations []Violation) error {
	switch len(violations) {
	case 0:
		return nil
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0].String()).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors: %s",
		len(violations), violations[0].String()).
		WithDetails(map[string]any{"violations": violations})
}
