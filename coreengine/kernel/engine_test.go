package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/testutil"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// =============================================================================
// Helpers
// =============================================================================

type publishedEvent struct {
	Topic   string
	Payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Topic: topic, Payload: payload})
	return nil
}

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	topics := make([]string, 0, len(p.events))
	for _, e := range p.events {
		topics = append(topics, e.Topic)
	}
	return topics
}

func testEngineConfig() *config.EngineConfig {
	cfg := config.DefaultConfig().Engine
	cfg.DrainIntervalMS = 10
	cfg.DefaultTimeoutMS = 1000
	cfg.DefaultCPU = 1
	cfg.DefaultMemoryMB = 256
	return &cfg
}

func echoCapability() *Capability {
	return &Capability{
		Name:        "echo",
		InputSchema: InputSchema{"text": {Kind: typeutil.KindString, Required: true}},
		Handler: TaskFunc(func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
			return &TaskOutput{Output: map[string]any{"text": req.Inputs["text"]}}, nil
		}),
	}
}

func newTestEngine(t *testing.T, cfg *config.EngineConfig, opts ...Option) (*Engine, *recordingPublisher) {
	t.Helper()
	if cfg == nil {
		cfg = testEngineConfig()
	}
	pub := &recordingPublisher{}
	opts = append([]Option{WithPublisher(pub)}, opts...)
	e := NewEngine(nil, nil, cfg, testutil.NewMockLogger(), opts...)
	t.Cleanup(e.Stop)
	return e, pub
}

func register(t *testing.T, e *Engine, capability *Capability, workers ...*WorkerNode) {
	t.Helper()
	require.NoError(t, e.RegisterCapability(capability))
	for _, w := range workers {
		require.NoError(t, e.RegisterWorker(w))
	}
}

// blockingCapability blocks every call until release is closed.
func blockingCapability(name string, started chan<- string, release <-chan struct{}) *Capability {
	return &Capability{
		Name: name,
		Handler: TaskFunc(func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
			if started != nil {
				started <- req.ID
			}
			select {
			case <-release:
				return &TaskOutput{Output: map[string]any{"ok": true}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	}
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestEngine_ExecuteSuccess(t *testing.T) {
	sink := testutil.NewRecordingSink()
	e, pub := newTestEngine(t, nil, WithSink(sink))
	register(t, e, echoCapability(), newWorker("w1", 4, 4096, "echo"))

	result, err := e.Execute(context.Background(), "agent-1", "echo",
		map[string]any{"text": "hello"},
		ExecuteOptions{Context: ExecutionContext{UserID: "user-1"}})

	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Nil(t, result.Err())
	assert.Equal(t, "hello", result.Output["text"])
	assert.Equal(t, "w1", result.Metadata.WorkerID)
	assert.Equal(t, 1, result.Metadata.Attempts)
	assert.Contains(t, result.ID, "res_")
	assert.Contains(t, result.RequestID, "exec_")

	assert.Equal(t, []string{TopicExecutionCompleted}, pub.Topics())
	assert.True(t, sink.HasEvent(TopicExecutionCompleted))

	m := e.Metrics()
	assert.Equal(t, int64(1), m.TotalExecutions)
	assert.Equal(t, int64(1), m.Succeeded)
	assert.Equal(t, 0, m.ActiveExecutions)
	assert.Equal(t, 0, m.QueueLength)
}

func TestEngine_ExecuteCleansUpOnEveryPath(t *testing.T) {
	tests := []struct {
		name     string
		handler  TaskFunc
		timeout  time.Duration
		wantOK   bool
		wantCode string
	}{
		{
			name: "success",
			handler: func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
				return &TaskOutput{}, nil
			},
			wantOK: true,
		},
		{
			name: "handler error",
			handler: func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
				return nil, errors.New("model unavailable")
			},
			wantCode: CodeExecutionError,
		},
		{
			name: "structured error",
			handler: func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
				return nil, NewExecutionError("QUOTA", "quota exhausted", map[string]any{"limit": 3})
			},
			wantCode: "QUOTA",
		},
		{
			name: "panic",
			handler: func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
				panic("boom")
			},
			wantCode: CodeHandlerPanic,
		},
		{
			name: "timeout",
			handler: func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout:  20 * time.Millisecond,
			wantCode: CodeExecutionTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, pub := newTestEngine(t, nil)
			register(t, e, &Capability{Name: "task", Handler: tt.handler}, newWorker("w1", 2, 2048, "task"))
			before := e.Registry().Get("w1").Capacity

			result, err := e.Execute(context.Background(), "agent-1", "task", nil, ExecuteOptions{Timeout: tt.timeout})

			require.NoError(t, err)
			require.NotNil(t, result)
			assert.Equal(t, tt.wantOK, result.Success)
			if !tt.wantOK {
				require.NotNil(t, result.Error)
				assert.Equal(t, tt.wantCode, result.Error.Code)
				assert.Equal(t, []string{TopicExecutionFailed}, pub.Topics())
			}

			assert.Empty(t, e.ActiveExecutions())
			state, ok := e.Status(result.RequestID)
			require.True(t, ok)
			assert.True(t, state.IsTerminal())
			assert.Equal(t, before, e.Registry().Get("w1").Capacity)
		})
	}
}

func TestEngine_TimeoutReleasesBeforeHandlerReturns(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	stuck := make(chan struct{})
	defer close(stuck)
	register(t, e, &Capability{
		Name: "stuck",
		Handler: TaskFunc(func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
			<-stuck // ignores cancellation
			return &TaskOutput{}, nil
		}),
	}, newWorker("w1", 1, 1024, "stuck"))

	result, err := e.Execute(context.Background(), "agent-1", "stuck", nil, ExecuteOptions{Timeout: 20 * time.Millisecond})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err(), ErrExecutionTimeout)
	assert.Equal(t, int64(20), result.Error.Details["timeout_ms"])
	assert.Empty(t, e.ActiveExecutions())
	assert.Equal(t, 1.0, e.Registry().Get("w1").Capacity.AvailableCPU)
}

func TestEngine_ExecuteRejections(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, echoCapability(), newWorker("w1", 4, 4096, "echo"))
	require.NoError(t, e.RegisterCapability(&Capability{Name: "orphan", Handler: noopHandler()}))

	_, err := e.Execute(context.Background(), "agent-1", "missing", nil, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrUnknownCapability)

	_, err = e.Execute(context.Background(), "agent-1", "echo", map[string]any{}, ExecuteOptions{})
	var valErr *InputValidationError
	assert.ErrorAs(t, err, &valErr)

	_, err = e.Execute(context.Background(), "agent-1", "orphan", nil, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)

	m := e.Metrics()
	assert.Equal(t, int64(3), m.Rejected)
	assert.Equal(t, int64(0), m.TotalExecutions)
}

func TestEngine_NoHealthyWorker(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, echoCapability(), newWorker("w1", 4, 4096, "echo"))
	require.NoError(t, e.SetWorkerHealth("w1", HealthUnhealthy))

	result, err := e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestEngine_RateLimit(t *testing.T) {
	cfg := testEngineConfig()
	cfg.RateLimitPerMinute = 1
	e, _ := newTestEngine(t, cfg)
	register(t, e, echoCapability(), newWorker("w1", 4, 4096, "echo"))
	opts := ExecuteOptions{Context: ExecutionContext{UserID: "user-1"}}

	_, err := e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, opts)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, opts)
	var rlErr *RateLimitedError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "user-1", rlErr.UserID)
	assert.Equal(t, "minute", rlErr.Result.LimitType)

	_, err = e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"},
		ExecuteOptions{Context: ExecutionContext{UserID: "user-2"}})
	assert.NoError(t, err)
}

func TestEngine_CostCeiling(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	c := echoCapability()
	c.CostPerSecond = 1
	register(t, e, c, newWorker("w1", 4, 4096, "echo"))

	_, err := e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"},
		ExecuteOptions{Timeout: 10 * time.Second, Constraints: Constraints{MaxCost: 5}})
	var costErr *CostExceededError
	require.ErrorAs(t, err, &costErr)
	assert.InDelta(t, 10.0, costErr.Estimated, 1e-9)

	result, err := e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"},
		ExecuteOptions{Timeout: 2 * time.Second, Constraints: Constraints{MaxCost: 5}})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.GreaterOrEqual(t, result.Metrics.Cost, 0.0)
}

func TestEngine_CallerCancellation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	started := make(chan string, 1)
	register(t, e, blockingCapability("slow", started, nil), newWorker("w1", 1, 1024, "slow"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := e.Execute(ctx, "agent-1", "slow", nil, ExecuteOptions{Timeout: 5 * time.Second})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, CodeExecutionCancelled, result.Error.Code)
	assert.Empty(t, e.ActiveExecutions())
	assert.Equal(t, 1.0, e.Registry().Get("w1").Capacity.AvailableCPU)
}

func TestEngine_RequestIsCopied(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	var seen map[string]any
	register(t, e, &Capability{
		Name: "capture",
		Handler: TaskFunc(func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
			seen = req.Inputs
			return &TaskOutput{}, nil
		}),
	}, newWorker("w1", 1, 1024, "capture"))

	inputs := map[string]any{"k": "v"}
	_, err := e.Execute(context.Background(), "agent-1", "capture", inputs, ExecuteOptions{})
	require.NoError(t, err)

	inputs["k"] = "changed"
	assert.Equal(t, "v", seen["k"])
}

func TestEngine_LedgerConservationAcrossExecutions(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, echoCapability(), newWorker("w1", 4, 4096, "echo"))
	before := e.Registry().Get("w1").Capacity.AvailableCPU

	for _, cpu := range []float64{0.5, 1, 2, 4} {
		_, err := e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"},
			ExecuteOptions{Resources: &ResourceRequirements{CPU: cpu, MemoryMB: 128}})
		require.NoError(t, err)
		assert.Equal(t, before, e.Registry().Get("w1").Capacity.AvailableCPU)
	}
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestEngine_RetriesUntilSuccess(t *testing.T) {
	e, pub := newTestEngine(t, nil)
	var calls atomic.Int32
	var retryCounts []int
	var mu sync.Mutex
	register(t, e, &Capability{
		Name: "flaky",
		Handler: TaskFunc(func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
			mu.Lock()
			retryCounts = append(retryCounts, req.Metadata.RetryCount)
			mu.Unlock()
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return &TaskOutput{}, nil
		}),
	}, newWorker("w1", 1, 1024, "flaky"))

	result, err := e.Execute(context.Background(), "agent-1", "flaky", nil, ExecuteOptions{MaxRetries: 2})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Metadata.Attempts)
	assert.Equal(t, []int{0, 1, 2}, retryCounts)
	assert.Equal(t, []string{TopicExecutionCompleted}, pub.Topics(), "one result per request")

	m := e.Metrics()
	assert.Equal(t, int64(2), m.Retried)
	assert.Equal(t, int64(1), m.TotalExecutions)
}

func TestEngine_RetriesExhausted(t *testing.T) {
	e, pub := newTestEngine(t, nil)
	var calls atomic.Int32
	register(t, e, &Capability{
		Name: "broken",
		Handler: TaskFunc(func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
			calls.Add(1)
			return nil, errors.New("always fails")
		}),
	}, newWorker("w1", 1, 1024, "broken"))

	result, err := e.Execute(context.Background(), "agent-1", "broken", nil, ExecuteOptions{MaxRetries: 1})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 2, result.Metadata.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{TopicExecutionFailed}, pub.Topics())
	assert.Equal(t, int64(1), e.Metrics().Failed)
}

// =============================================================================
// Queue Tests
// =============================================================================

func TestEngine_QueuesWhenWorkersAreFull(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	started := make(chan string, 2)
	release := make(chan struct{})
	register(t, e, blockingCapability("slow", started, release), newWorker("w1", 1, 1024, "slow"))

	firstDone := make(chan *ExecutionResult, 1)
	go func() {
		r, _ := e.Execute(context.Background(), "agent-1", "slow", nil, ExecuteOptions{})
		firstDone <- r
	}()
	<-started

	secondDone := make(chan *ExecutionResult, 1)
	go func() {
		r, _ := e.Execute(context.Background(), "agent-2", "slow", nil, ExecuteOptions{})
		secondDone <- r
	}()

	require.True(t, testutil.Eventually(time.Second, func() bool { return e.Metrics().QueueLength == 1 }))
	assert.Equal(t, 1, e.Metrics().ActiveExecutions)

	close(release)
	first := <-firstDone
	assert.True(t, first.Success)

	assert.Equal(t, 1, e.DrainOnce())
	second := <-secondDone
	assert.True(t, second.Success)
	assert.Equal(t, 0, e.Metrics().QueueLength)
}

func TestEngine_CancelWhileQueued(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 1)
	register(t, e, blockingCapability("slow", started, release), newWorker("w1", 1, 1024, "slow"))

	go func() {
		_, _ = e.Execute(context.Background(), "agent-1", "slow", nil, ExecuteOptions{})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	result, err := e.Execute(ctx, "agent-2", "slow", nil, ExecuteOptions{})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, CodeExecutionCancelled, result.Error.Code)
	assert.Equal(t, 0, e.Metrics().QueueLength)
}

func TestEngine_QueuedRequestFailsWhenWorkerLost(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	release := make(chan struct{})
	started := make(chan string, 1)
	register(t, e, blockingCapability("slow", started, release), newWorker("w1", 1, 1024, "slow"))
	register(t, e, echoCapability(), newWorker("w2", 1, 1024, "echo"))

	firstDone := make(chan *ExecutionResult, 1)
	go func() {
		r, _ := e.Execute(context.Background(), "agent-1", "slow", nil, ExecuteOptions{})
		firstDone <- r
	}()
	<-started

	slowID, err := e.Submit(context.Background(), "agent-1", "slow", nil, ExecuteOptions{})
	require.NoError(t, err)
	echoID, err := e.Submit(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})
	require.NoError(t, err)

	require.NoError(t, e.SetWorkerHealth("w1", HealthUnhealthy))
	close(release)
	<-firstDone

	assert.Equal(t, 1, e.DrainOnce(), "echo must not wait behind a request nobody can run")

	result, ok := e.Result(slowID)
	require.True(t, ok)
	assert.False(t, result.Success)
	assert.Equal(t, CodeNoWorkerAvailable, result.Error.Code)

	require.True(t, testutil.Eventually(time.Second, func() bool {
		r, ok := e.Result(echoID)
		return ok && r.Success
	}))
	assert.Equal(t, 0, e.Metrics().QueueLength)
}

func TestEngine_TimeoutCountsQueueTime(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 1)
	register(t, e, blockingCapability("slow", started, release), newWorker("w1", 1, 1024, "slow"))
	e.Start(context.Background())

	go func() {
		_, _ = e.Execute(context.Background(), "agent-1", "slow", nil, ExecuteOptions{})
	}()
	<-started

	begin := time.Now()
	result, err := e.Execute(context.Background(), "agent-2", "slow", nil, ExecuteOptions{Timeout: 50 * time.Millisecond})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, CodeExecutionTimeout, result.Error.Code)
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Equal(t, 0, e.Metrics().QueueLength)
}

func TestEngine_QueuedRequestExpiresOnDrain(t *testing.T) {
	var offset atomic.Int64
	clock := func() time.Time { return epoch.Add(time.Duration(offset.Load())) }
	e, _ := newTestEngine(t, nil, WithClock(clock))
	register(t, e, echoCapability(), newWorker("w1", 1, 1024, "echo"))

	id, err := e.Submit(context.Background(), "agent-1", "echo", map[string]any{"text": "x"},
		ExecuteOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	offset.Store(int64(100 * time.Millisecond))
	assert.Equal(t, 0, e.DrainOnce())

	result, ok := e.Result(id)
	require.True(t, ok)
	assert.Equal(t, CodeExecutionTimeout, result.Error.Code)
}

func TestEngine_StopRejectsAndCancelsQueued(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 1)
	register(t, e, blockingCapability("slow", started, release), newWorker("w1", 1, 1024, "slow"))
	e.Start(context.Background())

	go func() {
		_, _ = e.Execute(context.Background(), "agent-1", "slow", nil, ExecuteOptions{})
	}()
	<-started

	queuedID, err := e.Submit(context.Background(), "agent-1", "slow", nil, ExecuteOptions{})
	require.NoError(t, err)
	waiting := make(chan *ExecutionResult, 1)
	go func() {
		r, _ := e.Execute(context.Background(), "agent-2", "slow", nil, ExecuteOptions{})
		waiting <- r
	}()
	require.True(t, testutil.Eventually(time.Second, func() bool {
		return e.Metrics().QueueLength == 2
	}))

	e.Stop()

	assert.Equal(t, 0, e.Metrics().QueueLength)
	result, ok := e.Result(queuedID)
	require.True(t, ok)
	assert.Equal(t, CodeExecutionCancelled, result.Error.Code)

	select {
	case r := <-waiting:
		assert.Equal(t, CodeExecutionCancelled, r.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("queued Execute still blocked after Stop")
	}

	_, err = e.Execute(context.Background(), "agent-3", "slow", nil, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrEngineStopped)
	_, err = e.Submit(context.Background(), "agent-3", "slow", nil, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_QueueFull(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxQueueLength = 1
	e, _ := newTestEngine(t, cfg)
	register(t, e, echoCapability(), newWorker("w1", 1, 1024, "echo"))
	inputs := map[string]any{"text": "x"}

	_, err := e.Submit(context.Background(), "agent-1", "echo", inputs, ExecuteOptions{})
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), "agent-1", "echo", inputs, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEngine_SubmitAndResult(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, echoCapability(), newWorker("w1", 4, 4096, "echo"))

	id, err := e.Submit(context.Background(), "agent-1", "echo", map[string]any{"text": "later"}, ExecuteOptions{})
	require.NoError(t, err)

	state, ok := e.Status(id)
	require.True(t, ok)
	assert.Equal(t, StateQueued, state)
	_, ok = e.Result(id)
	assert.False(t, ok)

	assert.Equal(t, 1, e.DrainOnce())

	var result *ExecutionResult
	require.True(t, testutil.Eventually(time.Second, func() bool {
		result, ok = e.Result(id)
		return ok
	}))
	assert.True(t, result.Success)
	assert.Equal(t, "later", result.Output["text"])

	_, ok = e.Result(id)
	assert.False(t, ok, "results are taken once")
}

func TestEngine_SubmitNoWorker(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	require.NoError(t, e.RegisterCapability(echoCapability()))

	_, err := e.Submit(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})

	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestEngine_DrainRespectsMaxPerTick(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxDrainPerTick = 2
	e, _ := newTestEngine(t, cfg)
	register(t, e, echoCapability(), newWorker("w1", 8, 8192, "echo"))

	for i := 0; i < 3; i++ {
		_, err := e.Submit(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, e.DrainOnce())
	assert.Equal(t, 1, e.DrainOnce())
	assert.Equal(t, 0, e.DrainOnce())
}

func TestEngine_DrainIsFIFO(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, echoCapability(), newWorker("w1", 2, 8192, "echo"))

	// Hold half the worker so the 2-CPU head cannot fit.
	hold := &ExecutionRequest{Capability: "echo", Resources: ResourceRequirements{CPU: 1}}
	w, _ := e.Registry().Reserve(hold)
	require.NotNil(t, w)

	big, err := e.Submit(context.Background(), "agent-1", "echo", map[string]any{"text": "big"},
		ExecuteOptions{Resources: &ResourceRequirements{CPU: 2}})
	require.NoError(t, err)
	small, err := e.Submit(context.Background(), "agent-1", "echo", map[string]any{"text": "small"},
		ExecuteOptions{Resources: &ResourceRequirements{CPU: 1}})
	require.NoError(t, err)

	assert.Equal(t, 0, e.DrainOnce(), "small must not overtake big")

	e.Registry().Release(w.ID, hold.Resources)
	assert.Equal(t, 1, e.DrainOnce())

	require.True(t, testutil.Eventually(time.Second, func() bool {
		state, _ := e.Status(big)
		return state.IsTerminal()
	}))
	state, _ := e.Status(small)
	assert.NotEqual(t, StateCompleted, state)
}

func TestEngine_StartDrainsInBackground(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, echoCapability(), newWorker("w1", 1, 1024, "echo"))

	e.Start(context.Background())
	e.Start(context.Background()) // no-op

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := e.Submit(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.True(t, testutil.Eventually(2*time.Second, func() bool {
		return e.Metrics().Succeeded == 5
	}))
	for _, id := range ids {
		_, ok := e.Result(id)
		assert.True(t, ok)
	}

	e.Stop()
	e.Stop()
}

func TestEngine_ConcurrentExecuteBoundedByCapacity(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	var running, peak atomic.Int32
	register(t, e, &Capability{
		Name: "work",
		Handler: TaskFunc(func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return &TaskOutput{}, nil
		}),
	}, newWorker("w1", 2, 4096, "work"), newWorker("w2", 2, 4096, "work"))
	e.Start(context.Background())

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.Execute(context.Background(), "agent-1", "work", nil, ExecuteOptions{})
			if err == nil && r.Success {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), succeeded.Load())
	assert.LessOrEqual(t, peak.Load(), int32(4))
	for _, w := range e.Workers() {
		assert.Equal(t, w.Capacity.TotalCPU, w.Capacity.AvailableCPU)
		assert.Equal(t, 0, w.CurrentLoad)
	}
}

func TestEngine_Shutdown(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, echoCapability(), newWorker("w1", 1, 1024, "echo"))
	e.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, e.Shutdown(ctx))
}

// =============================================================================
// Maintenance Tests
// =============================================================================

func TestEngine_TickSweepsHeartbeats(t *testing.T) {
	cfg := testEngineConfig()
	cfg.HeartbeatTimeoutMS = 1000
	now := epoch
	e, _ := newTestEngine(t, cfg, WithClock(func() time.Time { return now }))
	register(t, e, echoCapability(), newWorker("w1", 1, 1024, "echo"))

	now = epoch.Add(1500 * time.Millisecond)
	e.Tick()
	assert.Equal(t, HealthDegraded, e.Registry().Get("w1").Health.Status)

	_, err := e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)

	require.NoError(t, e.Heartbeat("w1"))
	_, err = e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})
	assert.NoError(t, err)
}

func TestEngine_TickPrunesRetainedResults(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ResultRetentionMS = 1000
	now := epoch
	e, _ := newTestEngine(t, cfg, WithClock(func() time.Time { return now }))
	register(t, e, echoCapability(), newWorker("w1", 1, 1024, "echo"))

	result, err := e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})
	require.NoError(t, err)

	now = epoch.Add(2 * time.Second)
	e.Tick()

	_, ok := e.Result(result.RequestID)
	assert.False(t, ok)
}

func TestEngine_MetricsAverage(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	register(t, e, &Capability{
		Name: "sleep",
		Handler: TaskFunc(func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
			time.Sleep(10 * time.Millisecond)
			return &TaskOutput{}, nil
		}),
	}, newWorker("w1", 1, 1024, "sleep"))

	for i := 0; i < 2; i++ {
		_, err := e.Execute(context.Background(), "agent-1", "sleep", nil, ExecuteOptions{})
		require.NoError(t, err)
	}

	m := e.Metrics()
	assert.Equal(t, int64(2), m.TotalExecutions)
	assert.GreaterOrEqual(t, m.AverageExecutionTime, 10*time.Millisecond)
}

// =============================================================================
// Bus Integration
// =============================================================================

func TestEngine_PublishesToBus(t *testing.T) {
	bus := commbus.NewInMemoryBus(nil, nil)
	received := make(chan *commbus.Envelope, 1)
	bus.Subscribe(TopicExecutionCompleted, func(ctx context.Context, env *commbus.Envelope) error {
		received <- env
		return nil
	}, commbus.SubscribeOptions{Name: "test"})

	e := NewEngine(nil, nil, testEngineConfig(), nil, WithPublisher(bus))
	register(t, e, echoCapability(), newWorker("w1", 1, 1024, "echo"))

	result, err := e.Execute(context.Background(), "agent-1", "echo", map[string]any{"text": "x"}, ExecuteOptions{})
	require.NoError(t, err)

	select {
	case env := <-received:
		assert.Equal(t, commbus.MessageTypeEvent, env.Type)
		got, ok := env.Payload.(*ExecutionResult)
		require.True(t, ok)
		assert.Equal(t, result.RequestID, got.RequestID)

		var decoded ExecutionResult
		require.NoError(t, env.Decode(&decoded))
		assert.True(t, decoded.Success)
	case <-time.After(time.Second):
		t.Fatal("execution.completed not delivered")
	}
}
