package validation

import (
	"github.com/rendis/labflow/pkg/schema"
)

// Validator checks workflow configs before a run: JSON Schema first, then
// semantic analysis.
type Validator struct {
	schemas    *JSONSchemaValidator
	conditions ConditionCompiler
}

// New builds a Validator. conditions may be nil to skip compiling
// primitive conditions.
func New(conditions ConditionCompiler) (*Validator, error) {
	s, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: s, conditions: conditions}, nil
}

// Check runs both stages and returns every issue found. A schema failure
// stops before semantic analysis.
func (v *Validator) Check(raw any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := v.schemas.ValidateWorkflowConfig(raw); err != nil {
		result.AddError("workflow_config", schema.ErrCodeValidation, err.Error())
		return result
	}
	cfg, err := schema.DecodeWorkflowConfig(raw)
	if err != nil {
		result.AddError("workflow_config", schema.ErrCodeValidation, err.Error())
		return result
	}
	result.Merge(CheckWorkflow(cfg, v.conditions))
	return result
}

// ValidateWorkflowConfig returns a VALIDATION_ERROR when raw fails either
// stage, or CYCLE_DETECTED when the edges form a cycle. Warnings do not
// fail validation.
func (v *Validator) ValidateWorkflowConfig(raw any) error {
	result := v.Check(raw)
	for _, issue := range result.Errors {
		if issue.Code == schema.ErrCodeCycleDetected {
			return schema.NewError(issue.Code, issue.Message)
		}
	}
	return result.ToError()
}

// ValidateHardwareConfig validates a decoded hardware config document.
func (v *Validator) ValidateHardwareConfig(doc any) error {
	return v.schemas.ValidateHardwareConfig(doc)
}
