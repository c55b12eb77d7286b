package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeProtocolTimeout   = "PROTOCOL_TIMEOUT"
	ErrCodeConnectionLost    = "CONNECTION_LOST"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeRunFailure        = "RUN_FAILURE"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeDevice            = "DEVICE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// LabError is the structured error type shared by the engine and the
// hardware layer.
type LabError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LabError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LabError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LabError.
func NewError(code, message string) *LabError {
	return &LabError{Code: code, Message: message}
}

// NewErrorf creates a new LabError with a formatted message.
func NewErrorf(code, format string, args ...any) *LabError {
	return &LabError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *LabError) WithNode(nodeID string) *LabError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *LabError) WithCause(err error) *LabError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LabError) WithDetails(details map[string]any) *LabError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first LabError in err's chain, or "" when
// there is none.
func CodeOf(err error) string {
	var le *LabError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// HasCode reports whether err's chain carries a LabError with the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
