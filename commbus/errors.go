package commbus

import (
	"errors"
	"fmt"
)

// =============================================================================
// EXCEPTIONS
// =============================================================================

// ErrDeadLetterNotFound is returned when replaying an unknown dead letter.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// ErrNoReplyTo is returned when replying to an envelope without ReplyTo.
var ErrNoReplyTo = errors.New("envelope has no reply-to topic")

// CommBusError is the base error type for commbus errors.
type CommBusError struct {
	Message string
	Cause   error
}

func (e *CommBusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommBusError) Unwrap() error {
	return e.Cause
}

// DeliveryError is returned by Publish when the envelope could not be
// enqueued. The envelope is already in the topic's dead-letter queue.
type DeliveryError struct {
	Topic     string
	MessageID string
	Cause     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s to %s failed: %v", e.MessageID, e.Topic, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(topic, messageID string, cause error) *DeliveryError {
	return &DeliveryError{Topic: topic, MessageID: messageID, Cause: cause}
}

// NoHandlerError is raised when a request targets a topic nobody subscribes to.
type NoHandlerError struct {
	Topic string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no subscriber registered for %s", e.Topic)
}

// NewNoHandlerError creates a new NoHandlerError.
func NewNoHandlerError(topic string) *NoHandlerError {
	return &NoHandlerError{Topic: topic}
}

// QueryTimeoutError is raised when a request gets no reply in time.
type QueryTimeoutError struct {
	Topic   string
	Timeout float64
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %.2fs", e.Topic, e.Timeout)
}

// NewQueryTimeoutError creates a new QueryTimeoutError.
func NewQueryTimeoutError(topic string, timeout float64) *QueryTimeoutError {
	return &QueryTimeoutError{Topic: topic, Timeout: timeout}
}

// RetriesExhaustedError is returned when replaying a dead letter that has
// already used all its retries.
type RetriesExhaustedError struct {
	MessageID  string
	RetryCount int
	MaxRetries int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("message %s exhausted retries (%d/%d)", e.MessageID, e.RetryCount, e.MaxRetries)
}

// NewRetriesExhaustedError creates a new RetriesExhaustedError.
func NewRetriesExhaustedError(messageID string, retryCount, maxRetries int) *RetriesExhaustedError {
	return &RetriesExhaustedError{MessageID: messageID, RetryCount: retryCount, MaxRetries: maxRetries}
}

// CircuitOpenError is returned by the circuit breaker while a topic's
// circuit is open.
type CircuitOpenError struct {
	Topic string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Topic)
}

// HandlerPanicError wraps a panic recovered from a subscriber.
type HandlerPanicError struct {
	SubscriptionID string
	Value          any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("subscriber %s panicked: %v", e.SubscriptionID, e.Value)
}
