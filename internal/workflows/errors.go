package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/covergate/internal/reconcile"
)

// Error severity levels for workflow errors
type ErrorSeverity string

const (
	// ErrorSeverityCritical indicates the workflow must fail
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh indicates a major issue but workflow can continue
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityLow indicates a minor issue that doesn't affect main functionality
	ErrorSeverityLow ErrorSeverity = "low"
)

// Application error types carried across the Temporal boundary.
const (
	ErrTypeConfiguration  = "ConfigError"
	ErrTypeInfrastructure = "InfraError"
	ErrTypeInvalidInput   = "InvalidInput"
)

// WorkflowError represents a structured error in a workflow
type WorkflowError struct {
	Operation string        // The operation that failed, e.g. "reconcile_pass"
	Severity  ErrorSeverity // How severe the error is
	Err       error         // The underlying error
	Context   string        // Additional context about the error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Err.Error(), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to work with WorkflowError
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a new workflow error with context
func NewWorkflowError(operation string, severity ErrorSeverity, err error, context string) *WorkflowError {
	return &WorkflowError{
		Operation: operation,
		Severity:  severity,
		Err:       err,
		Context:   context,
	}
}

// FormatErrorForResult formats an error for inclusion in a result's Errors
// slice.
func FormatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}

// classifyPassError converts an engine error into a Temporal application
// error. Configuration errors are non-retryable: another attempt would fail
// the same way. Infrastructure errors stay retryable.
func classifyPassError(err error) error {
	if err == nil {
		return nil
	}
	var cfgErr *reconcile.ConfigError
	if errors.As(err, &cfgErr) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeConfiguration,
			NewWorkflowError("reconcile_pass", ErrorSeverityCritical, err, "field "+cfgErr.Field))
	}
	if errors.Is(err, reconcile.ErrInfrastructure) {
		return temporal.NewApplicationError(err.Error(), ErrTypeInfrastructure,
			NewWorkflowError("reconcile_pass", ErrorSeverityHigh, err, ""))
	}
	return err
}
