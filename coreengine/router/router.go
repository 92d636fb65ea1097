// Package router routes single completions across model candidates.
//
// A candidate list is the agent's primary model plus its fallbacks. Before
// every call the list is reordered by the shared ScoreBoard and tried in
// order until one model answers.
package router

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/llm"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
)

var tracer = otel.Tracer("agentcore/router")

// Logger interface for the router.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Agent is a named model consumer with a primary model.
type Agent struct {
	Name         string      `json:"name"`
	Model        string      `json:"model"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	Options      llm.Options `json:"options"`
}

// RouteOptions tune one routing call.
type RouteOptions struct {
	// FallbackModels replaces the fallback table entry when non-empty.
	FallbackModels []string
	// Options overrides the agent's sampling options when set.
	Options *llm.Options
	// AttemptTimeout overrides the configured per-candidate timeout.
	AttemptTimeout time.Duration
}

// Attempt records one candidate call.
type Attempt struct {
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
}

// Completion is a successful routing result.
type Completion struct {
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Text     string        `json:"text"`
	Latency  time.Duration `json:"latency"`
	Usage    *llm.Usage    `json:"usage,omitempty"`
	Attempts []Attempt     `json:"attempts"`
}

// Router selects a model per completion with fallback.
type Router struct {
	backend llm.ModelBackend
	scores  *ScoreBoard
	config  config.RouterConfig
	logger  Logger
}

// New creates a Router. A nil scores creates a fresh ScoreBoard, a nil cfg
// uses defaults and a nil logger discards output.
func New(backend llm.ModelBackend, scores *ScoreBoard, cfg *config.RouterConfig, logger Logger) *Router {
	if cfg == nil {
		cfg = &config.DefaultConfig().Router
	}
	if scores == nil {
		scores = NewScoreBoard(cfg.FailurePenalty)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Router{
		backend: backend,
		scores:  scores,
		config:  *cfg,
		logger:  logger,
	}
}

// Scores returns the shared score board.
func (r *Router) Scores() *ScoreBoard {
	return r.scores
}

// Candidates returns the deduplicated candidate list before scoring.
func (r *Router) Candidates(primary string, fallbacks []string) []string {
	if len(fallbacks) == 0 {
		fallbacks = r.config.FallbackTable[primary]
	}
	seen := make(map[string]bool, len(fallbacks)+1)
	out := make([]string, 0, len(fallbacks)+1)
	for _, m := range append([]string{primary}, fallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// RouteCompletion completes prompt for agent, falling back across candidates.
//
// A cancelled ctx stops routing without penalising the model in flight.
func (r *Router) RouteCompletion(ctx context.Context, agent Agent, prompt string, opts RouteOptions) (*Completion, error) {
	candidates := r.Candidates(agent.Model, opts.FallbackModels)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("agent %s: %w", agent.Name, ErrNoCandidates)
	}
	ordered := r.scores.Order(candidates)

	ctx, span := tracer.Start(ctx, "router.route_completion",
		trace.WithAttributes(
			attribute.String("agentcore.agent.name", agent.Name),
			attribute.String("agentcore.router.primary", agent.Model),
			attribute.StringSlice("agentcore.router.candidates", ordered),
		),
	)
	defer span.End()

	messages := buildMessages(agent, prompt)
	sampling := agent.Options
	if opts.Options != nil {
		sampling = *opts.Options
	}
	timeout := r.config.AttemptTimeout()
	if opts.AttemptTimeout > 0 {
		timeout = opts.AttemptTimeout
	}

	start := time.Now()
	attempts := make([]Attempt, 0, len(ordered))
	for _, model := range ordered {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("route completion for agent %s: %w", agent.Name, err)
		}

		provider := ProviderFor(model, r.config.DefaultProvider)
		resp, latency, err := r.attempt(ctx, model, messages, sampling, timeout)
		attempt := Attempt{Model: model, Provider: provider, Latency: latency}

		if err != nil && ctx.Err() != nil {
			// Caller gave up mid-attempt; not the model's fault.
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, fmt.Errorf("route completion for agent %s: %w", agent.Name, ctx.Err())
		}

		if err != nil {
			r.scores.RecordAttempt(model, false)
			attempt.Err = err
			attempt.Error = err.Error()
			attempts = append(attempts, attempt)
			observability.RecordModelCall(provider, model, "error", int(latency.Milliseconds()))
			span.AddEvent("attempt_failed", trace.WithAttributes(
				attribute.String("agentcore.model", model),
				attribute.String("error", err.Error()),
			))
			r.logger.Warn("model_attempt_failed",
				"agent", agent.Name,
				"model", model,
				"provider", provider,
				"error", err.Error(),
			)
			continue
		}

		r.scores.RecordAttempt(model, true)
		attempts = append(attempts, attempt)
		observability.RecordModelCall(provider, model, "success", int(latency.Milliseconds()))
		span.SetAttributes(
			attribute.String("agentcore.router.model", model),
			attribute.String("agentcore.router.provider", provider),
			attribute.Int("agentcore.router.attempts", len(attempts)),
		)
		span.SetStatus(codes.Ok, "success")
		r.logger.Debug("model_attempt_succeeded",
			"agent", agent.Name,
			"model", model,
			"latency_ms", latency.Milliseconds(),
		)

		return &Completion{
			Model:    model,
			Provider: provider,
			Text:     resp.Text,
			Latency:  time.Since(start),
			Usage:    resp.Usage,
			Attempts: attempts,
		}, nil
	}

	observability.RecordRoutingExhausted()
	err := NewAllModelsFailedError(agent.Name, attempts)
	span.RecordError(err)
	span.SetStatus(codes.Error, "routing exhausted")
	r.logger.Error("routing_exhausted", "agent", agent.Name, "attempts", len(attempts))
	return nil, err
}

func (r *Router) attempt(ctx context.Context, model string, messages []llm.Message, opts llm.Options, timeout time.Duration) (*llm.Response, time.Duration, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := r.backend.Complete(ctx, model, messages, opts)
	latency := time.Since(start)
	if err == nil && resp == nil {
		err = fmt.Errorf("model %s returned no response", model)
	}
	return resp, latency, err
}

func buildMessages(agent Agent, prompt string) []llm.Message {
	if agent.SystemPrompt == "" {
		return llm.UserPrompt(prompt)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: agent.SystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}
}
