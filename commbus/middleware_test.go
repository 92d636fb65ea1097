package commbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/testutil"
)

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

func testEnvelope(topic string) *Envelope {
	return &Envelope{ID: "msg_" + topic, Type: MessageTypeEvent, Topic: topic, Timestamp: time.Now()}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(2, time.Minute, nil, testutil.NewMockLogger())
	ctx := context.Background()
	env := testEnvelope("t")

	require.NoError(t, cb.After(ctx, env, errors.New("boom")))
	assert.Equal(t, CircuitClosed, cb.GetStates()["t"])

	require.NoError(t, cb.After(ctx, env, errors.New("boom")))
	assert.Equal(t, CircuitOpen, cb.GetStates()["t"])

	_, err := cb.Before(ctx, env)
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "t", openErr.Topic)
}

func TestCircuitBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	logger := testutil.NewMockLogger()
	cb := NewCircuitBreakerMiddleware(1, 20*time.Millisecond, nil, logger)
	ctx := context.Background()

	require.NoError(t, cb.After(ctx, testEnvelope("t"), errors.New("boom")))
	require.Equal(t, CircuitOpen, cb.GetStates()["t"])
	time.Sleep(30 * time.Millisecond)

	trial := testEnvelope("t")
	out, err := cb.Before(ctx, trial)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, CircuitHalfOpen, cb.GetStates()["t"])

	// A second message while the trial is outstanding is turned away.
	_, err = cb.Before(ctx, testEnvelope("t"))
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)

	require.NoError(t, cb.After(ctx, trial, nil))
	assert.Equal(t, CircuitClosed, cb.GetStates()["t"])
	assert.True(t, logger.HasLog("info", "circuit_closed"))

	_, err = cb.Before(ctx, testEnvelope("t"))
	assert.NoError(t, err)
}

func TestCircuitBreakerFailedTrialReopens(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(1, 20*time.Millisecond, nil, testutil.NewMockLogger())
	ctx := context.Background()

	require.NoError(t, cb.After(ctx, testEnvelope("t"), errors.New("boom")))
	time.Sleep(30 * time.Millisecond)

	trial := testEnvelope("t")
	_, err := cb.Before(ctx, trial)
	require.NoError(t, err)
	require.NoError(t, cb.After(ctx, trial, errors.New("still failing")))
	assert.Equal(t, CircuitOpen, cb.GetStates()["t"])

	_, err = cb.Before(ctx, testEnvelope("t"))
	var openErr *CircuitOpenError
	assert.ErrorAs(t, err, &openErr)
}

func TestCircuitBreakerAbandonedTrialIsReplaced(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(1, 20*time.Millisecond, nil, testutil.NewMockLogger())
	ctx := context.Background()

	require.NoError(t, cb.After(ctx, testEnvelope("t"), errors.New("boom")))
	time.Sleep(30 * time.Millisecond)

	// The trial never reports back through After.
	_, err := cb.Before(ctx, testEnvelope("t"))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	_, err = cb.Before(ctx, testEnvelope("t"))
	assert.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, cb.GetStates()["t"])
}

func TestCircuitBreakerOnBusDeadLettersWhileOpen(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(1, time.Minute, []string{"excluded"}, testutil.NewMockLogger())
	bus.AddMiddleware(cb)

	bus.Subscribe("t", failingHandler("down"), SubscribeOptions{})
	var excludedCalls int32
	bus.Subscribe("excluded", failingHandler("down"), SubscribeOptions{})
	bus.Subscribe("excluded", countingHandler(&excludedCalls), SubscribeOptions{})

	_, err := bus.Publish(context.Background(), "t", "first", PublishOptions{})
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), "t", "second", PublishOptions{})
	require.NoError(t, err)

	letters := bus.DeadLetters("t")
	require.NotEmpty(t, letters)
	assert.Equal(t, ReasonRejected, letters[len(letters)-1].Reason)

	for i := 0; i < 3; i++ {
		_, err = bus.Publish(context.Background(), "excluded", i, PublishOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), excludedCalls)
	_, tracked := cb.GetStates()["excluded"]
	assert.False(t, tracked)
}
