// Package ensemble combines several agents' completions into one answer.
//
// Concurrent strategies (parallel, voting, weighted) fan out with an
// errgroup and aggregate once every agent has answered. The sequential
// cascade strategy runs agents strictly in order. Any agent failure fails
// the whole call.
package ensemble

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
)

var tracer = otel.Tracer("agentcore/ensemble")

// Event topics published by the orchestrator.
const (
	TopicEnsembleCompleted = "ensemble.completed"
	TopicEnsembleFailed    = "ensemble.failed"
)

// Logger interface for the orchestrator.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Completer routes one agent completion.
type Completer interface {
	RouteCompletion(ctx context.Context, agent router.Agent, prompt string, opts router.RouteOptions) (*router.Completion, error)
}

// EventPublisher publishes lifecycle events. The message bus implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, payload any) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher publishes ensemble events through p.
func WithPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithSink sends telemetry events to s.
func WithSink(s observability.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithStrategy registers or replaces a strategy.
func WithStrategy(s Strategy) Option {
	return func(o *Orchestrator) { o.strategies[s.Name()] = s }
}

// Orchestrator executes ensemble strategies.
type Orchestrator struct {
	completer  Completer
	config     config.EnsembleConfig
	logger     Logger
	publisher  EventPublisher
	sink       observability.Sink
	strategies map[StrategyType]Strategy
}

// NewOrchestrator creates an Orchestrator with the built-in strategies.
func NewOrchestrator(completer Completer, cfg *config.EnsembleConfig, logger Logger, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = &config.DefaultConfig().Ensemble
	}
	if logger == nil {
		logger = logging.Nop()
	}
	o := &Orchestrator{
		completer:  completer,
		config:     *cfg,
		logger:     logger,
		sink:       observability.NopSink{},
		strategies: make(map[StrategyType]Strategy),
	}
	for _, s := range DefaultStrategies() {
		o.strategies[s.Name()] = s
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs prompt through the strategy named by spec.
func (o *Orchestrator) Execute(ctx context.Context, prompt string, spec Spec) (*Result, error) {
	strategy, err := o.resolve(spec)
	if err != nil {
		return nil, err
	}

	if timeout := o.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "ensemble.execute",
		trace.WithAttributes(
			attribute.String("agentcore.ensemble.strategy", string(spec.Type)),
			attribute.Int("agentcore.ensemble.agents", len(spec.Agents)),
		),
	)
	defer span.End()

	start := time.Now()
	var result *Result
	switch s := strategy.(type) {
	case SequentialStrategy:
		result, err = o.runSequential(ctx, s, prompt, spec)
	case ConcurrentStrategy:
		result, err = o.runConcurrent(ctx, s, prompt, spec)
	default:
		err = NewStrategyError(spec.Type, "strategy is neither concurrent nor sequential")
	}
	elapsed := time.Since(start)

	if err != nil {
		observability.RecordEnsembleExecution(string(spec.Type), "error", int(elapsed.Milliseconds()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("ensemble_failed", "strategy", string(spec.Type), "error", err.Error())
		o.emit(ctx, TopicEnsembleFailed, map[string]any{
			"strategy": string(spec.Type),
			"error":    err.Error(),
		})
		return nil, err
	}

	result.ID = "ens_" + uuid.New().String()[:16]
	result.Strategy = spec.Type
	result.TotalLatency = elapsed

	observability.RecordEnsembleExecution(string(spec.Type), "success", int(elapsed.Milliseconds()))
	span.SetStatus(codes.Ok, "success")
	o.logger.Info("ensemble_completed",
		"ensemble_id", result.ID,
		"strategy", string(spec.Type),
		"agents", len(result.Responses),
		"latency_ms", elapsed.Milliseconds(),
	)
	o.emit(ctx, TopicEnsembleCompleted, map[string]any{
		"ensemble_id":    result.ID,
		"strategy":       string(spec.Type),
		"final_response": result.FinalResponse,
		"agents":         len(result.Responses),
		"latency_ms":     elapsed.Milliseconds(),
	})
	return result, nil
}

func (o *Orchestrator) resolve(spec Spec) (Strategy, error) {
	strategy, ok := o.strategies[spec.Type]
	if !ok {
		return nil, NewStrategyError(spec.Type, "unknown strategy type")
	}
	if len(spec.Agents) == 0 {
		return nil, NewStrategyError(spec.Type, "at least one agent is required")
	}
	if err := strategy.Validate(spec); err != nil {
		return nil, err
	}
	return strategy, nil
}

func (o *Orchestrator) complete(spec Spec) CompleteFunc {
	return func(ctx context.Context, agent router.Agent, prompt string) (*router.Completion, error) {
		return o.completer.RouteCompletion(ctx, agent, prompt, spec.Route)
	}
}

func (o *Orchestrator) runConcurrent(ctx context.Context, s ConcurrentStrategy, prompt string, spec Spec) (*Result, error) {
	complete := o.complete(spec)
	responses := make([]AgentResponse, len(spec.Agents))

	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range spec.Agents {
		g.Go(func() error {
			c, err := complete(gctx, agent, prompt)
			if err != nil {
				return NewAgentError(i, agent.Name, "response", err)
			}
			responses[i] = AgentResponse{
				Agent:      agent,
				Model:      c.Model,
				Response:   c.Text,
				Confidence: s.Confidence(i, spec),
				Latency:    c.Latency,
			}
			return nil
		})
	}
	// Wait returns only after every agent goroutine has finished.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	final, err := s.Aggregate(ctx, prompt, spec, responses, complete)
	if err != nil {
		return nil, err
	}
	return &Result{Responses: responses, FinalResponse: final}, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, s SequentialStrategy, prompt string, spec Spec) (*Result, error) {
	complete := o.complete(spec)
	responses := make([]AgentResponse, 0, len(spec.Agents))

	current := prompt
	for i, agent := range spec.Agents {
		c, err := complete(ctx, agent, current)
		if err != nil {
			return nil, NewAgentError(i, agent.Name, "response", err)
		}
		resp := AgentResponse{
			Agent:      agent,
			Model:      c.Model,
			Response:   c.Text,
			Confidence: s.Confidence(i, spec),
			Latency:    c.Latency,
		}
		responses = append(responses, resp)
		current = s.NextPrompt(current, resp)
	}
	return &Result{Responses: responses, FinalResponse: s.Final(responses)}, nil
}

func (o *Orchestrator) emit(ctx context.Context, topic string, payload map[string]any) {
	o.sink.Emit(observability.NewEvent(topic, "ensemble", payload))
	if o.publisher == nil || !o.config.PublishResults {
		return
	}
	if err := o.publisher.PublishEvent(ctx, topic, payload); err != nil {
		o.logger.Warn("ensemble_event_publish_failed", "topic", topic, "error", err.Error())
	}
}
