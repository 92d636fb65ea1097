package kernel

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrNoWorkerAvailable is returned when no healthy worker declares the
	// requested capability, or none could ever hold the request.
	ErrNoWorkerAvailable = errors.New("no worker available")

	// ErrExecutionTimeout matches results that failed with CodeExecutionTimeout.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrUnknownCapability is returned for capabilities nobody registered.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrQueueFull is returned when the deferred queue is at its limit.
	ErrQueueFull = errors.New("execution queue full")

	// ErrWorkerNotFound is returned for unknown worker ids.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrEngineStopped is returned by Execute and Submit once Stop or
	// Shutdown has been called.
	ErrEngineStopped = errors.New("engine stopped")
)

// Result error codes.
const (
	CodeExecutionTimeout   = "EXECUTION_TIMEOUT"
	CodeExecutionError     = "EXECUTION_ERROR"
	CodeExecutionCancelled = "EXECUTION_CANCELLED"
	CodeHandlerPanic       = "HANDLER_PANIC"
	CodeNoWorkerAvailable  = "NO_WORKER_AVAILABLE"
)

// =============================================================================
// Execution Error
// =============================================================================

// ExecutionError is the structured failure carried by a failed result.
// Capability handlers may return one to choose their own code.
type ExecutionError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches ErrExecutionTimeout for timeout-coded errors.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionTimeout && e.Code == CodeExecutionTimeout
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(code, message string, details map[string]any) *ExecutionError {
	return &ExecutionError{Code: code, Message: message, Details: details}
}

// toExecutionError converts any handler error into an ExecutionError.
func toExecutionError(err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return NewExecutionError(CodeHandlerPanic, panicErr.Error(), map[string]any{"operation": panicErr.Operation})
	}
	return NewExecutionError(CodeExecutionError, err.Error(), nil)
}

// =============================================================================
// Admission Errors
// =============================================================================

// InputValidationError reports inputs that do not match a capability schema.
type InputValidationError struct {
	Capability string
	Field      string
	Reason     string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("invalid input %q for %s: %s", e.Field, e.Capability, e.Reason)
}

// NewInputValidationError creates a new InputValidationError.
func NewInputValidationError(capability, field, reason string) *InputValidationError {
	return &InputValidationError{Capability: capability, Field: field, Reason: reason}
}

// RateLimitedError is returned when a user exceeds an admission window.
type RateLimitedError struct {
	UserID string
	Result *RateLimitResult
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%d per %s, retry after %.1fs",
		e.UserID, e.Result.Current, e.Result.Limit, e.Result.LimitType, e.Result.RetryAfter)
}

// CostExceededError is returned when a request's estimated cost is above
// its ceiling.
type CostExceededError struct {
	Capability string
	Estimated  float64
	Limit      float64
}

func (e *CostExceededError) Error() string {
	return fmt.Sprintf("estimated cost %.4f for %s exceeds ceiling %.4f", e.Estimated, e.Capability, e.Limit)
}
