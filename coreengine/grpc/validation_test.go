package grpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/ensemble"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
)

// =============================================================================
// ARGUMENT VALIDATION TESTS
// =============================================================================

func TestValidateRequired(t *testing.T) {
	assert.NoError(t, validateRequired("value", "field"))
	assert.NoError(t, validateRequired("  ", "field"))

	err := validateRequired("", "topic")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "topic is required")
}

func TestErrorBuilders(t *testing.T) {
	assert.Equal(t, codes.NotFound, status.Code(NotFound("execution", "exec_1")))
	assert.Equal(t, codes.Internal, status.Code(Internal("encode", errors.New("x"))))
	assert.Equal(t, codes.ResourceExhausted, status.Code(ResourceExhausted("queue", "1000")))
}

// =============================================================================
// ERROR MAPPING TESTS
// =============================================================================

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"validation", kernel.NewInputValidationError("echo", "text", "is required"), codes.InvalidArgument},
		{"cost", &kernel.CostExceededError{Capability: "echo", Estimated: 2, Limit: 1}, codes.InvalidArgument},
		{"unknown capability", fmt.Errorf("validate: %w", kernel.ErrUnknownCapability), codes.InvalidArgument},
		{"strategy", ensemble.NewStrategyError("nope", "unknown strategy type"), codes.InvalidArgument},
		{"bus", &commbus.CommBusError{Message: "topic is required"}, codes.InvalidArgument},
		{"delivery", commbus.NewDeliveryError("t", "msg_1", errors.New("json: unsupported type")), codes.FailedPrecondition},
		{"wrapped delivery", fmt.Errorf("publish: %w", commbus.NewDeliveryError("t", "msg_1", errors.New("x"))), codes.FailedPrecondition},
		{"no handler", commbus.NewNoHandlerError("q"), codes.Unavailable},
		{"rate limited", &kernel.RateLimitedError{UserID: "u1", Result: &kernel.RateLimitResult{LimitType: "minute"}}, codes.ResourceExhausted},
		{"queue full", kernel.ErrQueueFull, codes.ResourceExhausted},
		{"no worker", fmt.Errorf("execute: %w", kernel.ErrNoWorkerAvailable), codes.Unavailable},
		{"routing exhausted", ensemble.NewAgentError(0, "a", "response", router.NewAllModelsFailedError("a", nil)), codes.Unavailable},
		{"stopped", kernel.ErrEngineStopped, codes.Unavailable},
		{"worker not found", kernel.ErrWorkerNotFound, codes.NotFound},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"query timeout", commbus.NewQueryTimeoutError("q", 1), codes.DeadlineExceeded},
		{"cancelled", fmt.Errorf("route: %w", context.Canceled), codes.Canceled},
		{"unknown", errors.New("disk on fire"), codes.Internal},
		{"already status", status.Error(codes.Aborted, "x"), codes.Aborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}

	assert.NoError(t, toStatus(nil))
}

func TestRPCError_PrefixesOperation(t *testing.T) {
	err := rpcError("submit execution", kernel.ErrQueueFull)

	st := status.Convert(err)
	assert.Equal(t, codes.ResourceExhausted, st.Code())
	assert.Contains(t, st.Message(), "submit execution: ")
}

// =============================================================================
// CONVERSION TESTS
// =============================================================================

func TestExecuteOptions(t *testing.T) {
	opts, err := executeOptions(map[string]any{
		"user_id":     "u1",
		"session_id":  "s1",
		"priority":    "high",
		"timeout_ms":  1500.0,
		"max_retries": 2.0,
		"max_cost":    0.25,
		"compliance":  []any{"hipaa"},
		"tags":        map[string]any{"team": "core"},
		"cpu":         2.0,
		"memory_mb":   256.0,
	})

	require.NoError(t, err)
	assert.Equal(t, "u1", opts.Context.UserID)
	assert.Equal(t, "s1", opts.Context.SessionID)
	assert.Equal(t, kernel.PriorityHigh, opts.Priority)
	assert.Equal(t, 1500*time.Millisecond, opts.Timeout)
	assert.Equal(t, 2, opts.MaxRetries)
	assert.Equal(t, 0.25, opts.Constraints.MaxCost)
	assert.Equal(t, []string{"hipaa"}, opts.Constraints.Compliance)
	assert.Equal(t, map[string]string{"team": "core"}, opts.Tags)
	require.NotNil(t, opts.Resources)
	assert.Equal(t, 2.0, opts.Resources.CPU)
	assert.Equal(t, 256, opts.Resources.MemoryMB)
}

func TestExecuteOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"unknown priority", map[string]any{"priority": "urgent"}},
		{"priority out of range", map[string]any{"priority": 9.0}},
		{"zero timeout", map[string]any{"timeout_ms": 0.0}},
		{"negative retries", map[string]any{"max_retries": -1.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeOptions(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestExecuteOptions_Empty(t *testing.T) {
	opts, err := executeOptions(nil)

	require.NoError(t, err)
	assert.Nil(t, opts.Resources)
	assert.Zero(t, opts.Priority)
}

func TestToStruct_NormalizesTypes(t *testing.T) {
	s, err := toStruct(map[string]any{
		"names":   []string{"a", "b"},
		"latency": 2 * time.Second,
		"nested":  struct{ N int }{N: 3},
	})

	require.NoError(t, err)
	m := s.AsMap()
	assert.Equal(t, []any{"a", "b"}, m["names"])
	assert.Equal(t, float64(2*time.Second), m["latency"])
	assert.Equal(t, map[string]any{"N": 3.0}, m["nested"])
}

func TestEnvelopeToStruct(t *testing.T) {
	env := &commbus.Envelope{
		ID:        "msg_1",
		Topic:     "jobs",
		Type:      commbus.MessageTypeCommand,
		Data:      []byte(`{"n":1}`),
		Metadata:  commbus.Metadata{Priority: commbus.PriorityHigh, CorrelationID: "c1"},
		Timestamp: time.UnixMilli(1000),
	}

	s, err := envelopeToStruct(env)

	require.NoError(t, err)
	m := s.AsMap()
	assert.Equal(t, "msg_1", m["id"])
	assert.Equal(t, "command", m["type"])
	assert.Equal(t, "high", m["priority"])
	assert.Equal(t, "c1", m["correlation_id"])
	assert.Equal(t, 1000.0, m["timestamp_ms"])
	assert.Equal(t, map[string]any{"n": 1.0}, m["payload"])
}

func TestPublishOptions(t *testing.T) {
	opts, err := publishOptions(map[string]any{
		"type":     "command",
		"priority": "critical",
		"ttl_ms":   500.0,
		"headers":  map[string]any{"k": "v"},
	})

	require.NoError(t, err)
	assert.Equal(t, commbus.MessageTypeCommand, opts.Type)
	assert.Equal(t, commbus.PriorityCritical, opts.Priority)
	assert.Equal(t, 500*time.Millisecond, opts.TTL)
	assert.Equal(t, map[string]string{"k": "v"}, opts.Headers)

	_, err = publishOptions(map[string]any{"priority": "whenever"})
	assert.Error(t, err)
}
