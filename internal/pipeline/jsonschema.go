package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/outreach/pkg/schema"
)

// catalogSchemaJSON is the JSON Schema for pipeline catalog files.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://outreach.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "role"],
      "properties": {
        "id": { "type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_-]*$" },
        "role": { "type": "string", "minLength": 1 },
        "instructions": { "type": "string" },
        "model": { "type": "string" },
        "tool": { "type": "string" },
        "min_output_length": { "type": "integer", "minimum": 0 },
        "quality_rule": { "type": "string" },
        "checkpoint": { "type": "string", "enum": ["", "artifactApproval", "messageApproval"] },
        "artifact_query": { "type": "string" },
        "dispatch": { "type": "boolean" },
        "dispatch_when": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

const catalogSchemaURL = "https://outreach.dev/schemas/pipeline.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func catalogSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal pipeline schema: %w", err)
			return
		}
		if err := c.AddResource(catalogSchemaURL, doc); err != nil {
			compileErr = fmt.Errorf("add pipeline schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(catalogSchemaURL)
	})
	return compiledSchema, compileErr
}

// validateDocument checks a decoded YAML document against the catalog schema.
func validateDocument(raw any) error {
	sch, err := catalogSchema()
	if err != nil {
		return err
	}
	doc, err := toJSONValue(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, "pipeline file cannot be represented as JSON").WithCause(err)
	}
	if err := sch.Validate(doc); err != nil {
		return toOutreachError(err)
	}
	return nil
}

// toJSONValue round-trips a value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toOutreachError(err error) *schema.OutreachError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeInvalidConfiguration, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeInvalidConfiguration, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeInvalidConfiguration, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidConfiguration, "pipeline file has %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
