package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/labflow/pkg/schema"
)

const (
	workflowSchemaURL = "https://labflow.dev/schemas/workflow-config.json"
	hardwareSchemaURL = "https://labflow.dev/schemas/hardware-config.json"
)

// workflowConfigSchemaJSON describes parameters.workflow_config. Graph
// editors attach extra keys (positions, styling) so objects stay open.
const workflowConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://labflow.dev/schemas/workflow-config.json",
  "type": "object",
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "data": {
          "type": "object",
          "properties": {
            "label": { "type": "string" },
            "parameters": { "type": "object" },
            "conditions": {
              "type": "object",
              "additionalProperties": { "type": "string", "minLength": 1 }
            }
          }
        }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string" },
        "target": { "type": "string" }
      }
    }
  }
}`

// hardwareConfigSchemaJSON describes the hardware platforms file.
const hardwareConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://labflow.dev/schemas/hardware-config.json",
  "type": "object",
  "required": ["hardware_platforms"],
  "properties": {
    "hardware_platforms": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/platform" }
    }
  },
  "$defs": {
    "platform": {
      "type": "object",
      "properties": {
        "connection": {
          "type": "object",
          "properties": {
            "port": { "type": ["string", "integer"] },
            "baudrate": { "type": "integer", "minimum": 1 },
            "timeout_ms": { "type": "integer", "minimum": 1 },
            "boot_delay_ms": { "type": "integer", "minimum": 0 },
            "ip": { "type": "string", "minLength": 1 },
            "url": { "type": "string", "format": "uri" },
            "protocol": { "enum": ["http", "https"] }
          }
        },
        "capabilities": {
          "type": "object",
          "properties": {
            "delay_scale": { "type": "number", "minimum": 0 },
            "guards": {
              "type": "object",
              "additionalProperties": { "type": "string", "minLength": 1 }
            },
            "initialization": {
              "type": "object",
              "properties": { "auto_enable": { "type": "boolean" } }
            }
          }
        },
        "calibration": {
          "type": ["object", "null"],
          "properties": {
            "pumps": {
              "type": "object",
              "additionalProperties": {
                "type": "object",
                "properties": { "slope": { "type": "number", "exclusiveMinimum": 0 } }
              }
            }
          }
        }
      }
    }
  }
}`

// JSONSchemaValidator checks workflow and hardware documents against their
// JSON Schemas (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	hardwareSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, src := range map[string]string{
		workflowSchemaURL: workflowConfigSchemaJSON,
		hardwareSchemaURL: hardwareConfigSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	hw, err := c.Compile(hardwareSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile hardware schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wf, hardwareSchema: hw}, nil
}

// ValidateWorkflowConfig validates the raw workflow_config parameter.
func (v *JSONSchemaValidator) ValidateWorkflowConfig(raw any) error {
	if raw == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow_config is nil")
	}
	return v.validate(v.workflowSchema, raw, "workflow_config")
}

// ValidateHardwareConfig validates a decoded hardware config document.
func (v *JSONSchemaValidator) ValidateHardwareConfig(doc any) error {
	return v.validate(v.hardwareSchema, doc, "hardware config")
}

func (v *JSONSchemaValidator) validate(s *jsonschema.Schema, value any, what string) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize %s", what).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toLabError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toLabError converts a jsonschema.ValidationError into a LabError listing
// each violation with its instance location.
func toLabError(err error) *schema.LabError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
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
