package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow or hardware document.
// NodeID is set when the issue belongs to a single workflow node.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"node_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	var b strings.Builder
	b.WriteString(string(i.Severity))
	if i.Path != "" {
		b.WriteString(": ")
		b.WriteString(i.Path)
	}
	if i.NodeID != "" {
		fmt.Fprintf(&b, " (node %s)", i.NodeID)
	}
	fmt.Fprintf(&b, ": [%s] %s", i.Code, i.Message)
	return b.String()
}

// ValidationResult collects the issues of one validation pass. Warnings
// never make a document invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.AddNodeError(path, "", code, message)
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.AddNodeWarning(path, "", code, message)
}

// AddNodeError records an error attributed to nodeID.
func (r *ValidationResult) AddNodeError(path, nodeID, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddNodeWarning records a warning attributed to nodeID.
func (r *ValidationResult) AddNodeWarning(path, nodeID, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, NodeID: nodeID, Code: code, Message: message, Severity: SeverityWarning,
	})
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Issues returns warnings first, then errors, for printing.
func (r *ValidationResult) Issues() []ValidationIssue {
	out := make([]ValidationIssue, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Warnings...)
	return append(out, r.Errors...)
}

// ToError returns nil for a valid result. A single error keeps its code
// and node; several errors collapse into one VALIDATION_ERROR carrying
// all issues in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	code, msg := first.Code, first.Message
	if len(r.Errors) > 1 {
		code = ErrCodeValidation
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	err := NewError(code, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
	if len(r.Errors) == 1 && first.NodeID != "" {
		err = err.WithNode(first.NodeID)
	}
	return err
}
