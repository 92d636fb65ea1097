package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/llm"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
)

// =============================================================================
// MOCK BACKEND TESTS
// =============================================================================

func TestMockBackend_PerModelBehaviour(t *testing.T) {
	boom := errors.New("boom")
	b := NewMockBackend().
		WithResponse("a", "alpha").
		WithError("b", boom)

	resp, err := b.Complete(context.Background(), "a", llm.UserPrompt("p1"), llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.Text)

	_, err = b.Complete(context.Background(), "b", llm.UserPrompt("p2"), llm.Options{})
	assert.ErrorIs(t, err, boom)

	resp, err = b.Complete(context.Background(), "c", llm.UserPrompt("p3"), llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "mock response", resp.Text)

	assert.Equal(t, 3, b.GetCallCount())
	require.Len(t, b.CallsFor("b"), 1)
	assert.Equal(t, "p2", b.CallsFor("b")[0].Prompt)

	b.ClearError("b")
	_, err = b.Complete(context.Background(), "b", llm.UserPrompt("p4"), llm.Options{})
	assert.NoError(t, err)

	b.Reset()
	assert.Zero(t, b.GetCallCount())
}

func TestMockBackend_DelayHonoursContext(t *testing.T) {
	b := NewMockBackend().WithDelay("slow", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Complete(ctx, "slow", llm.UserPrompt("p"), llm.Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockBackend_CompleteFunc(t *testing.T) {
	b := NewMockBackend()
	b.CompleteFunc = func(ctx context.Context, model, prompt string) (string, error) {
		return model + ":" + prompt, nil
	}

	resp, err := b.Complete(context.Background(), "m", llm.UserPrompt("q"), llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "m:q", resp.Text)
}

func TestMockBackend_Concurrent(t *testing.T) {
	b := NewMockBackend()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Complete(context.Background(), "m", llm.UserPrompt("p"), llm.Options{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, b.GetCallCount())
}

func TestFailingBackend(t *testing.T) {
	down := errors.New("down")
	_, err := FailingBackend(down).Complete(context.Background(), "m", llm.UserPrompt("p"), llm.Options{})
	assert.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "m")
}

// =============================================================================
// LOGGER AND SINK TESTS
// =============================================================================

func TestMockLogger(t *testing.T) {
	l := NewMockLogger()
	l.Info("worker_registered", "worker_id", "w1")
	l.Warn("handler_failed")

	assert.True(t, l.HasLog("info", "worker_registered"))
	assert.False(t, l.HasLog("error", "worker_registered"))
	assert.Equal(t, "w1", l.GetLogs()[0].Fields["worker_id"])

	l.Clear()
	assert.Empty(t, l.GetLogs())
}

func TestRecordingSink(t *testing.T) {
	s := NewRecordingSink()
	s.Emit(observability.NewEvent("ensemble.completed", "ensemble", nil))

	assert.True(t, s.HasEvent("ensemble.completed"))
	assert.False(t, s.HasEvent("execution.failed"))
	assert.Len(t, s.Events(), 1)
}

func TestEventually(t *testing.T) {
	start := time.Now()
	assert.True(t, Eventually(time.Second, func() bool { return time.Since(start) > 20*time.Millisecond }))
	assert.False(t, Eventually(20*time.Millisecond, func() bool { return false }))
}
