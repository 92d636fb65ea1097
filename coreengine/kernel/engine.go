package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
)

var tracer = otel.Tracer("agentcore/kernel")

// Event topics published by the engine.
const (
	TopicExecutionCompleted = "execution.completed"
	TopicExecutionFailed    = "execution.failed"
)

// EventPublisher publishes lifecycle events. The message bus implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, payload any) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher publishes execution events through p.
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithSink sends telemetry events to s.
func WithSink(s observability.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithEstimator replaces the fixed default resource estimator.
func WithEstimator(est ResourceEstimator) Option {
	return func(e *Engine) { e.estimator = est }
}

// WithClock replaces time.Now for the engine and its worker registry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.workers.now = now
	}
}

// =============================================================================
// Engine
// =============================================================================

// pending tracks one request from admission to its single result.
type pending struct {
	request    *ExecutionRequest
	capability *Capability
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan *ExecutionResult
	finished   bool
}

type retainedResult struct {
	result     *ExecutionResult
	retainedAt time.Time
}

// Engine runs capability requests on registered workers.
//
// Execute attempts immediate dispatch and falls back to the FIFO queue when
// every eligible worker is full. The background loop started by Start
// drains that queue and sweeps worker heartbeats.
//
// Usage:
//
//	engine := NewEngine(nil, nil, &cfg.Engine, logger, WithPublisher(bus))
//	engine.RegisterCapability(&Capability{Name: "echo", Handler: handler})
//	engine.RegisterWorker(&WorkerNode{ID: "w1", Capabilities: []string{"echo"},
//	    Capacity: NewWorkerCapacity(4, 8192, 0)})
//	engine.Start(ctx)
//	defer engine.Stop()
//
//	result, err := engine.Execute(ctx, "agent-1", "echo", inputs, ExecuteOptions{})
type Engine struct {
	config       config.EngineConfig
	workers      *WorkerRegistry
	capabilities *CapabilityRegistry
	estimator    ResourceEstimator
	limiter      *RateLimiter
	publisher    EventPublisher
	sink         observability.Sink
	logger       Logger
	now          func() time.Time

	mu      sync.Mutex
	stopped bool
	queue   []*pending
	active  map[string]*ActiveExecution
	results map[string]retainedResult

	totalExecutions int64
	succeeded       int64
	failed          int64
	rejected        int64
	retried         int64
	totalExecTime   time.Duration

	inflight sync.WaitGroup
	wake     chan struct{}

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewEngine creates an engine. Nil registries are created empty.
func NewEngine(workers *WorkerRegistry, capabilities *CapabilityRegistry, cfg *config.EngineConfig, logger Logger, opts ...Option) *Engine {
	if cfg == nil {
		cfg = &config.DefaultConfig().Engine
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if workers == nil {
		workers = NewWorkerRegistry(logger)
	}
	if capabilities == nil {
		capabilities = NewCapabilityRegistry()
	}

	e := &Engine{
		config:       *cfg,
		workers:      workers,
		capabilities: capabilities,
		estimator: FixedEstimator{Requirements: ResourceRequirements{
			CPU:      cfg.DefaultCPU,
			MemoryMB: cfg.DefaultMemoryMB,
			Timeout:  cfg.DefaultTimeout(),
		}},
		limiter: NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitPerHour),
		sink:    observability.NopSink{},
		logger:  logger,
		now:     time.Now,
		active:  make(map[string]*ActiveExecution),
		results: make(map[string]retainedResult),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the worker registry.
func (e *Engine) Registry() *WorkerRegistry {
	return e.workers
}

// Capabilities returns the capability registry.
func (e *Engine) Capabilities() *CapabilityRegistry {
	return e.capabilities
}

// RateLimiter returns the per-user admission limiter.
func (e *Engine) RateLimiter() *RateLimiter {
	return e.limiter
}

// RegisterCapability adds a capability.
func (e *Engine) RegisterCapability(c *Capability) error {
	if err := e.capabilities.Register(c); err != nil {
		return err
	}
	e.logger.Info("capability_registered", "capability", c.Name)
	return nil
}

// RegisterWorker adds a worker and wakes the drain loop.
func (e *Engine) RegisterWorker(node *WorkerNode) error {
	if err := e.workers.Register(node); err != nil {
		return err
	}
	e.signal()
	return nil
}

// Heartbeat records worker liveness.
func (e *Engine) Heartbeat(workerID string) error {
	if err := e.workers.Heartbeat(workerID); err != nil {
		return err
	}
	e.signal()
	return nil
}

// SetWorkerHealth sets a worker's health explicitly.
func (e *Engine) SetWorkerHealth(workerID string, status HealthStatus) error {
	if err := e.workers.SetHealth(workerID, status); err != nil {
		return err
	}
	e.signal()
	return nil
}

// Workers returns copies of every registered worker.
func (e *Engine) Workers() []*WorkerNode {
	return e.workers.List()
}

// =============================================================================
// Admission
// =============================================================================

// prepare validates, builds and admits a request.
func (e *Engine) prepare(ctx context.Context, agentID, capability string, inputs map[string]any, opts ExecuteOptions) (*pending, error) {
	c, err := e.capabilities.Validate(capability, inputs)
	if err != nil {
		return nil, e.reject(capability, "invalid", err)
	}

	req := e.buildRequest(agentID, capability, inputs, opts)

	if limit := req.Constraints.MaxCost; limit > 0 {
		if estimated := estimateCost(c, req.Resources.Timeout); estimated > limit {
			return nil, e.reject(capability, "cost_exceeded", &CostExceededError{Capability: capability, Estimated: estimated, Limit: limit})
		}
	}
	if result := e.limiter.Allow(req.Context.UserID, e.now()); !result.Allowed {
		return nil, e.reject(capability, "rate_limited", &RateLimitedError{UserID: req.Context.UserID, Result: result})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &pending{
		request:    req,
		capability: c,
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan *ExecutionResult, 1),
	}, nil
}

func (e *Engine) buildRequest(agentID, capability string, inputs map[string]any, opts ExecuteOptions) *ExecutionRequest {
	resources := e.estimator.Estimate(capability, inputs)
	if opts.Resources != nil {
		resources = *opts.Resources
	}
	switch {
	case opts.Timeout > 0:
		resources.Timeout = opts.Timeout
	case resources.Timeout <= 0:
		resources.Timeout = e.config.DefaultTimeout()
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.config.DefaultMaxRetries
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	copied := make(map[string]any, len(inputs))
	for k, v := range inputs {
		copied[k] = v
	}

	return &ExecutionRequest{
		ID:         "exec_" + uuid.New().String()[:16],
		AgentID:    agentID,
		Capability: capability,
		Inputs:     copied,
		Context:    opts.Context,
		Resources:  resources,
		Constraints: Constraints{
			MaxCost:    opts.Constraints.MaxCost,
			Compliance: append([]string(nil), opts.Constraints.Compliance...),
		},
		Priority: priority,
		Metadata: RequestMetadata{
			CreatedAt:  e.now(),
			MaxRetries: maxRetries,
			Tags:       opts.Tags,
		},
	}
}

func (e *Engine) reject(capability, reason string, err error) error {
	e.mu.Lock()
	e.rejected++
	e.mu.Unlock()

	observability.RecordExecution(capability, "rejected", 0)
	e.logger.Warn("execution_rejected", "capability", capability, "reason", reason, "error", err.Error())
	return err
}

func (e *Engine) noWorker(capability string) error {
	return e.reject(capability, "no_worker", fmt.Errorf("%w: capability %q", ErrNoWorkerAvailable, capability))
}

// =============================================================================
// Execute / Submit
// =============================================================================

// Execute runs capability and returns its result.
//
// Admission failures (unknown capability, invalid inputs, rate limit, cost
// ceiling, no eligible worker, full queue) return a nil result and an error.
// Once admitted, every outcome is a result: failures carry Success=false
// and a structured ExecutionError. If ctx ends first the request is
// cancelled and its cancellation result is returned.
func (e *Engine) Execute(ctx context.Context, agentID, capability string, inputs map[string]any, opts ExecuteOptions) (*ExecutionResult, error) {
	ctx, span := tracer.Start(ctx, "kernel.execute",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("capability", capability),
		),
	)
	defer span.End()

	p, err := e.prepare(ctx, agentID, capability, inputs, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("request_id", p.request.ID))
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		p.cancel()
		err := e.reject(capability, "stopped", ErrEngineStopped)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var worker *WorkerNode
	eligible := false
	if len(e.queue) == 0 {
		worker, eligible = e.workers.Reserve(p.request)
	} else {
		eligible = e.workers.Eligible(p.request)
	}
	if worker == nil {
		if !eligible {
			e.mu.Unlock()
			p.cancel()
			err := e.noWorker(capability)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if err := e.enqueueLocked(p); err != nil {
			e.mu.Unlock()
			p.cancel()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, e.reject(capability, "not_queued", err)
		}
		e.mu.Unlock()
		span.AddEvent("queued")
		e.signal()
	} else {
		e.mu.Unlock()
		e.process(p, worker)
	}

	result := e.await(ctx, p)
	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, result.Error.Message)
	}
	return result, nil
}

// Submit admits a request and queues it for the drain loop without waiting.
// The outcome is collected later with Result.
func (e *Engine) Submit(ctx context.Context, agentID, capability string, inputs map[string]any, opts ExecuteOptions) (string, error) {
	p, err := e.prepare(ctx, agentID, capability, inputs, opts)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		p.cancel()
		return "", e.reject(capability, "stopped", ErrEngineStopped)
	}
	if !e.workers.Eligible(p.request) {
		e.mu.Unlock()
		p.cancel()
		return "", e.noWorker(capability)
	}
	if err := e.enqueueLocked(p); err != nil {
		e.mu.Unlock()
		p.cancel()
		return "", e.reject(capability, "not_queued", err)
	}
	e.mu.Unlock()

	e.signal()
	return p.request.ID, nil
}

// enqueueLocked appends p to the deferred queue. Caller holds e.mu.
func (e *Engine) enqueueLocked(p *pending) error {
	if e.stopped {
		return ErrEngineStopped
	}
	if p.ctx.Err() != nil {
		return p.ctx.Err()
	}
	if e.config.MaxQueueLength > 0 && len(e.queue) >= e.config.MaxQueueLength {
		return fmt.Errorf("%w: %d queued", ErrQueueFull, len(e.queue))
	}
	e.queue = append(e.queue, p)
	e.logger.Debug("execution_queued",
		"request_id", p.request.ID,
		"capability", p.request.Capability,
		"queue_length", len(e.queue),
	)
	observability.SetExecutionGauges(len(e.queue), len(e.active))
	return nil
}

// removeQueuedLocked drops p from the queue and reports whether it was there.
func (e *Engine) removeQueuedLocked(p *pending) bool {
	for i, q := range e.queue {
		if q == p {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}

// await waits for p's result, cancelling p if ctx ends first.
func (e *Engine) await(ctx context.Context, p *pending) *ExecutionResult {
	select {
	case result := <-p.done:
		return result
	case <-ctx.Done():
	}

	p.cancel()
	e.mu.Lock()
	wasQueued := e.removeQueuedLocked(p)
	e.mu.Unlock()
	if wasQueued {
		e.finish(p, e.failure(p, "", 0, NewExecutionError(CodeExecutionCancelled, "cancelled while queued", nil)))
	}
	return <-p.done
}

// =============================================================================
// Dispatch
// =============================================================================

// process runs p on worker, retrying on a fresh copy of the request while
// retries remain. A retry that finds no free capacity goes back on the queue.
func (e *Engine) process(p *pending, worker *WorkerNode) {
	for {
		result := e.run(p, worker)
		if result.Success || !e.shouldRetry(p, result) {
			e.finish(p, result)
			return
		}

		p.request = p.request.withRetry()
		e.logger.Info("execution_retrying",
			"request_id", p.request.ID,
			"retry_count", p.request.Metadata.RetryCount,
			"max_retries", p.request.Metadata.MaxRetries,
			"error", result.Error.Message,
		)

		e.mu.Lock()
		e.retried++
		var eligible bool
		worker = nil
		if len(e.queue) == 0 {
			worker, eligible = e.workers.Reserve(p.request)
		} else {
			eligible = e.workers.Eligible(p.request)
		}
		if worker != nil {
			e.mu.Unlock()
			continue
		}
		if !eligible || e.enqueueLocked(p) != nil {
			e.mu.Unlock()
			e.finish(p, result)
			return
		}
		e.mu.Unlock()
		e.signal()
		return
	}
}

func (e *Engine) shouldRetry(p *pending, result *ExecutionResult) bool {
	return p.ctx.Err() == nil &&
		e.remaining(p) > 0 &&
		result.Error != nil &&
		result.Error.Code != CodeExecutionCancelled &&
		p.request.Metadata.RetryCount < p.request.Metadata.MaxRetries
}

type handlerOutcome struct {
	output *TaskOutput
	err    error
}

// run executes one attempt on a reserved worker. The active entry and the
// reservation are released on every path, including timeout.
func (e *Engine) run(p *pending, worker *WorkerNode) *ExecutionResult {
	req := p.request
	start := e.now()

	e.mu.Lock()
	e.active[req.ID] = &ActiveExecution{
		RequestID:  req.ID,
		Capability: req.Capability,
		WorkerID:   worker.ID,
		Attempt:    req.Metadata.RetryCount + 1,
		StartedAt:  start,
	}
	observability.SetExecutionGauges(len(e.queue), len(e.active))
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, req.ID)
		observability.SetExecutionGauges(len(e.queue), len(e.active))
		e.mu.Unlock()
		e.workers.Release(worker.ID, req.Resources)
		e.signal()
	}()

	remaining := e.remaining(p)
	if remaining <= 0 {
		return e.failure(p, worker.ID, 0, e.timeoutError(req))
	}
	ctx, cancel := context.WithTimeout(p.ctx, remaining)
	defer cancel()
	ctx, span := tracer.Start(ctx, "kernel.run",
		trace.WithAttributes(
			attribute.String("request_id", req.ID),
			attribute.String("worker_id", worker.ID),
			attribute.Int("attempt", req.Metadata.RetryCount+1),
		),
	)
	defer span.End()

	e.logger.Debug("execution_started",
		"request_id", req.ID,
		"capability", req.Capability,
		"worker_id", worker.ID,
	)

	outcomes := make(chan handlerOutcome, 1)
	go func() {
		out, err := SafeExecuteWithResult(e.logger, "capability:"+req.Capability, func() (*TaskOutput, error) {
			return p.capability.Handler.Handle(ctx, req)
		})
		outcomes <- handlerOutcome{output: out, err: err}
	}()

	var result *ExecutionResult
	select {
	case o := <-outcomes:
		elapsed := e.now().Sub(start)
		switch {
		case o.err == nil:
			result = e.success(p, worker.ID, elapsed, o.output)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result = e.failure(p, worker.ID, elapsed, e.timeoutError(req))
		default:
			result = e.failure(p, worker.ID, elapsed, toExecutionError(o.err))
		}
	case <-ctx.Done():
		elapsed := e.now().Sub(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = e.failure(p, worker.ID, elapsed, e.timeoutError(req))
		} else {
			result = e.failure(p, worker.ID, elapsed, NewExecutionError(CodeExecutionCancelled, "execution cancelled", nil))
		}
	}

	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, result.Error.Message)
		e.logger.Warn("execution_attempt_failed",
			"request_id", req.ID,
			"worker_id", worker.ID,
			"code", result.Error.Code,
			"error", result.Error.Message,
		)
	}
	return result
}

// remaining is what is left of p's timeout, measured from admission so
// queueing and earlier attempts count against it.
func (e *Engine) remaining(p *pending) time.Duration {
	return p.request.Resources.Timeout - e.now().Sub(p.request.Metadata.CreatedAt)
}

func (e *Engine) timeoutError(req *ExecutionRequest) *ExecutionError {
	return NewExecutionError(CodeExecutionTimeout,
		fmt.Sprintf("execution exceeded %s", req.Resources.Timeout),
		map[string]any{"timeout_ms": req.Resources.Timeout.Milliseconds()},
	)
}

func (e *Engine) success(p *pending, workerID string, elapsed time.Duration, out *TaskOutput) *ExecutionResult {
	result := e.newResult(p, workerID, elapsed)
	result.Success = true
	if out != nil {
		result.Output = out.Output
		result.Artifacts = out.Artifacts
		result.Metrics.ResourceUsage = out.ResourceUsage
	}
	return result
}

func (e *Engine) failure(p *pending, workerID string, elapsed time.Duration, execErr *ExecutionError) *ExecutionResult {
	result := e.newResult(p, workerID, elapsed)
	result.Error = execErr
	return result
}

func (e *Engine) newResult(p *pending, workerID string, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		ID:        "res_" + uuid.New().String()[:16],
		RequestID: p.request.ID,
		Metrics: ExecutionMetrics{
			ExecutionTime: elapsed,
			Cost:          p.capability.CostPerSecond * elapsed.Seconds(),
		},
		Metadata: ResultMetadata{
			CompletedAt: e.now(),
			WorkerID:    workerID,
			Attempts:    p.request.Metadata.RetryCount + 1,
		},
	}
}

// finish records p's single result, publishes it, and wakes any waiter.
func (e *Engine) finish(p *pending, result *ExecutionResult) {
	e.mu.Lock()
	if p.finished {
		e.mu.Unlock()
		return
	}
	p.finished = true
	e.totalExecutions++
	e.totalExecTime += result.Metrics.ExecutionTime
	if result.Success {
		e.succeeded++
	} else {
		e.failed++
	}
	e.results[result.RequestID] = retainedResult{result: result, retainedAt: e.now()}
	e.mu.Unlock()

	status, topic := "success", TopicExecutionCompleted
	if !result.Success {
		status, topic = "failed", TopicExecutionFailed
	}
	observability.RecordExecution(p.request.Capability, status, int(result.Metrics.ExecutionTime.Milliseconds()))

	if result.Success {
		e.logger.Info("execution_completed",
			"request_id", result.RequestID,
			"capability", p.request.Capability,
			"worker_id", result.Metadata.WorkerID,
			"duration_ms", result.Metrics.ExecutionTime.Milliseconds(),
		)
	} else {
		e.logger.Error("execution_failed",
			"request_id", result.RequestID,
			"capability", p.request.Capability,
			"code", result.Error.Code,
			"error", result.Error.Message,
			"attempts", result.Metadata.Attempts,
		)
	}

	if e.publisher != nil {
		if err := e.publisher.PublishEvent(context.WithoutCancel(p.ctx), topic, result); err != nil {
			e.logger.Warn("execution_event_publish_failed", "topic", topic, "request_id", result.RequestID, "error", err.Error())
		}
	}
	e.sink.Emit(observability.NewEvent(topic, "kernel", map[string]any{
		"request_id":  result.RequestID,
		"capability":  p.request.Capability,
		"success":     result.Success,
		"duration_ms": result.Metrics.ExecutionTime.Milliseconds(),
	}))

	p.cancel()
	p.done <- result
}

// =============================================================================
// Drain Loop
// =============================================================================

// DrainOnce dispatches up to MaxDrainPerTick queued requests in FIFO order
// while capacity allows and returns how many it dispatched. It stops at the
// first request no worker has room for, so later requests never overtake it.
// Queued requests past their timeout, or that no worker could run any more,
// are failed first.
func (e *Engine) DrainOnce() int {
	type dispatch struct {
		p      *pending
		worker *WorkerNode
	}

	limit := e.config.MaxDrainPerTick
	if limit <= 0 {
		limit = 1
	}

	e.mu.Lock()
	expired, stranded := e.purgeQueueLocked()
	var batch []dispatch
	for len(batch) < limit && len(e.queue) > 0 {
		head := e.queue[0]
		worker, _ := e.workers.Reserve(head.request)
		if worker == nil {
			break
		}
		e.queue = e.queue[1:]
		batch = append(batch, dispatch{p: head, worker: worker})
	}
	queued := len(e.queue)
	e.mu.Unlock()

	for _, p := range expired {
		e.finish(p, e.failure(p, "", 0, e.timeoutError(p.request)))
	}
	for _, p := range stranded {
		e.finish(p, e.failure(p, "", 0, NewExecutionError(CodeNoWorkerAvailable,
			fmt.Sprintf("no worker can run capability %q", p.request.Capability),
			map[string]any{"capability": p.request.Capability},
		)))
	}

	for _, d := range batch {
		e.inflight.Add(1)
		SafeGo(e.logger, "drain:"+d.p.request.ID, func() {
			defer e.inflight.Done()
			e.process(d.p, d.worker)
		}, func(recovered any) {
			e.finish(d.p, e.failure(d.p, d.worker.ID, 0,
				NewExecutionError(CodeHandlerPanic, fmt.Sprint(recovered), nil)))
		})
	}

	if len(batch) > 0 {
		e.logger.Debug("queue_drained", "dispatched", len(batch), "remaining", queued)
	}
	return len(batch)
}

// purgeQueueLocked removes queued requests that timed out or lost every
// eligible worker. Caller holds e.mu and finishes the returned requests
// after unlocking.
func (e *Engine) purgeQueueLocked() (expired, stranded []*pending) {
	if len(e.queue) == 0 {
		return nil, nil
	}
	kept := e.queue[:0]
	for _, p := range e.queue {
		switch {
		case e.remaining(p) <= 0:
			expired = append(expired, p)
		case !e.workers.Eligible(p.request):
			stranded = append(stranded, p)
		default:
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = nil
	}
	e.queue = kept
	if len(expired) > 0 || len(stranded) > 0 {
		e.logger.Warn("queued_executions_failed",
			"timed_out", len(expired),
			"no_worker", len(stranded),
			"queue_length", len(e.queue),
		)
		observability.SetExecutionGauges(len(e.queue), len(e.active))
	}
	return expired, stranded
}

// Tick runs one maintenance pass: heartbeat sweep, retention pruning,
// rate limiter cleanup, then a drain.
func (e *Engine) Tick() int {
	now := e.now()
	e.workers.SweepHeartbeats(now, e.config.HeartbeatTimeout())
	e.pruneResults(now)
	e.limiter.CleanupExpired(now)
	return e.DrainOnce()
}

func (e *Engine) pruneResults(now time.Time) {
	retention := e.config.ResultRetention()
	if retention <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, r := range e.results {
		if now.Sub(r.retainedAt) > retention {
			delete(e.results, id)
		}
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the background loop. It ticks every DrainIntervalMS and
// also drains as soon as capacity is released. Calling Start on a running
// or stopped engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if e.loopCancel != nil || stopped {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})

	interval := e.config.DrainInterval()
	if interval <= 0 {
		interval = time.Second
	}
	go e.loop(ctx, interval, e.loopDone)
	e.logger.Info("engine_started", "drain_interval_ms", interval.Milliseconds())
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		case <-e.wake:
			e.DrainOnce()
		}
	}
}

// Stop halts the background loop and waits for it to exit. A stopped engine
// rejects new work with ErrEngineStopped and fails every queued request as
// cancelled. In-flight executions keep running.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	e.mu.Lock()
	e.stopped = true
	queued := e.queue
	e.queue = nil
	observability.SetExecutionGauges(0, len(e.active))
	e.mu.Unlock()

	for _, p := range queued {
		e.finish(p, e.failure(p, "", 0, NewExecutionError(CodeExecutionCancelled, "engine stopped", nil)))
	}

	if e.loopCancel == nil {
		return
	}
	e.loopCancel()
	<-e.loopDone
	e.loopCancel = nil
	e.loopDone = nil
	e.logger.Info("engine_stopped", "cancelled_queued", len(queued))
}

// Shutdown stops the loop and waits for drained executions to finish or
// ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// =============================================================================
// Queries
// =============================================================================

// Result takes the retained result for a request. It returns false while
// the request is still pending, after it has been taken once, or after it
// aged out of retention.
func (e *Engine) Result(requestID string) (*ExecutionResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.results[requestID]
	if !ok {
		return nil, false
	}
	delete(e.results, requestID)
	return r.result, true
}

// Status reports where a request currently is.
func (e *Engine) Status(requestID string) (ExecutionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[requestID]; ok {
		return StateRunning, true
	}
	for _, p := range e.queue {
		if p.request.ID == requestID {
			return StateQueued, true
		}
	}
	if r, ok := e.results[requestID]; ok {
		if r.result.Success {
			return StateCompleted, true
		}
		return StateFailed, true
	}
	return "", false
}

// ActiveExecutions lists in-flight requests, oldest first.
func (e *Engine) ActiveExecutions() []ActiveExecution {
	e.mu.Lock()
	result := make([]ActiveExecution, 0, len(e.active))
	for _, a := range e.active {
		result = append(result, *a)
	}
	e.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Metrics returns a snapshot of engine counters.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := EngineMetrics{
		TotalExecutions:  e.totalExecutions,
		Succeeded:        e.succeeded,
		Failed:           e.failed,
		Rejected:         e.rejected,
		Retried:          e.retried,
		QueueLength:      len(e.queue),
		ActiveExecutions: len(e.active),
	}
	if e.totalExecutions > 0 {
		m.AverageExecutionTime = e.totalExecTime / time.Duration(e.totalExecutions)
	}
	return m
}
