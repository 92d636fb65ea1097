// Package capabilities exposes model routing and ensembles as kernel
// capabilities, so both run under the engine's admission and worker ledger.
package capabilities

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/ensemble"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// Capability names.
const (
	TextGeneration = "text-generation"
	Ensemble       = "ensemble"
)

// Handler error codes, on top of the kernel's own.
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeRoutingExhausted = "ROUTING_EXHAUSTED"
	CodeStrategyError    = "STRATEGY_ERROR"
	CodeAgentFailed      = "AGENT_FAILED"
)

// Completer routes one completion.
type Completer interface {
	RouteCompletion(ctx context.Context, agent router.Agent, prompt string, opts router.RouteOptions) (*router.Completion, error)
}

// Ensembler runs one ensemble call.
type Ensembler interface {
	Execute(ctx context.Context, prompt string, spec ensemble.Spec) (*ensemble.Result, error)
}

// Registrar is the part of the engine capabilities are installed on.
type Registrar interface {
	RegisterCapability(c *kernel.Capability) error
}

// =============================================================================
// Text Generation
// =============================================================================

// NewTextGeneration builds the text-generation capability.
//
// Inputs: prompt and model are required; system_prompt, fallback_models,
// temperature, top_p and max_tokens are optional.
func NewTextGeneration(c Completer, costPerSecond float64) *kernel.Capability {
	return &kernel.Capability{
		Name:        TextGeneration,
		Description: "Single completion routed across a primary model and its fallbacks",
		InputSchema: kernel.InputSchema{
			"prompt":          {Kind: typeutil.KindString, Required: true},
			"model":           {Kind: typeutil.KindString, Required: true},
			"system_prompt":   {Kind: typeutil.KindString},
			"fallback_models": {Kind: typeutil.KindList},
			"temperature":     {Kind: typeutil.KindNumber},
			"top_p":           {Kind: typeutil.KindNumber},
			"max_tokens":      {Kind: typeutil.KindNumber},
		},
		CostPerSecond: costPerSecond,
		Handler: kernel.TaskFunc(func(ctx context.Context, req *kernel.ExecutionRequest) (*kernel.TaskOutput, error) {
			return generate(ctx, c, req)
		}),
	}
}

func generate(ctx context.Context, c Completer, req *kernel.ExecutionRequest) (*kernel.TaskOutput, error) {
	prompt, _ := typeutil.AsString(req.Inputs["prompt"])
	model, _ := typeutil.AsString(req.Inputs["model"])
	systemPrompt, _ := typeutil.AsString(req.Inputs["system_prompt"])

	opts, err := ParseOptions(TextGeneration, req.Inputs)
	if err != nil {
		return nil, invalidInput(err)
	}
	var route router.RouteOptions
	if v, ok := req.Inputs["fallback_models"]; ok && v != nil {
		fallbacks, ok := typeutil.AsStringSlice(v)
		if !ok {
			return nil, invalidInput(kernel.NewInputValidationError(TextGeneration, "fallback_models", "must be a list of strings"))
		}
		route.FallbackModels = fallbacks
	}

	agent := router.Agent{Name: req.AgentID, Model: model, SystemPrompt: systemPrompt, Options: opts}
	completion, err := c.RouteCompletion(ctx, agent, prompt, route)
	if err != nil {
		return nil, routeError(ctx, err)
	}

	output := map[string]any{
		"text":       completion.Text,
		"model":      completion.Model,
		"provider":   completion.Provider,
		"latency_ms": completion.Latency.Milliseconds(),
		"attempts":   len(completion.Attempts),
	}
	var usage []kernel.ResourceUsage
	if completion.Usage != nil {
		output["usage"] = map[string]any{
			"prompt_tokens":     completion.Usage.PromptTokens,
			"completion_tokens": completion.Usage.CompletionTokens,
			"total_tokens":      completion.Usage.TotalTokens,
		}
		usage = append(usage, kernel.ResourceUsage{Resource: "tokens", Amount: float64(completion.Usage.TotalTokens), Unit: "tokens"})
	}
	return &kernel.TaskOutput{Output: output, ResourceUsage: usage}, nil
}

// =============================================================================
// Ensemble
// =============================================================================

// NewEnsemble builds the ensemble capability.
//
// Inputs: prompt, strategy and agents are required; weights and
// fallback_models are optional.
func NewEnsemble(e Ensembler, costPerSecond float64) *kernel.Capability {
	return &kernel.Capability{
		Name:        Ensemble,
		Description: "Multi-agent completion aggregated by a named strategy",
		InputSchema: kernel.InputSchema{
			"prompt":          {Kind: typeutil.KindString, Required: true},
			"strategy":        {Kind: typeutil.KindString, Required: true},
			"agents":          {Kind: typeutil.KindList, Required: true},
			"weights":         {Kind: typeutil.KindList},
			"fallback_models": {Kind: typeutil.KindList},
		},
		CostPerSecond: costPerSecond,
		Handler: kernel.TaskFunc(func(ctx context.Context, req *kernel.ExecutionRequest) (*kernel.TaskOutput, error) {
			return runEnsemble(ctx, e, req)
		}),
	}
}

func runEnsemble(ctx context.Context, e Ensembler, req *kernel.ExecutionRequest) (*kernel.TaskOutput, error) {
	prompt, _ := typeutil.AsString(req.Inputs["prompt"])
	spec, err := ParseEnsembleSpec(Ensemble, req.Inputs)
	if err != nil {
		return nil, invalidInput(err)
	}

	result, err := e.Execute(ctx, prompt, spec)
	if err != nil {
		return nil, ensembleError(ctx, err)
	}
	return &kernel.TaskOutput{Output: EnsembleOutput(result)}, nil
}

// EnsembleOutput flattens a result into a result output map.
func EnsembleOutput(result *ensemble.Result) map[string]any {
	responses := make([]any, 0, len(result.Responses))
	for _, r := range result.Responses {
		responses = append(responses, map[string]any{
			"agent":      r.Agent.Name,
			"model":      r.Model,
			"response":   r.Response,
			"confidence": r.Confidence,
			"latency_ms": r.Latency.Milliseconds(),
		})
	}
	return map[string]any{
		"ensemble_id":      result.ID,
		"final_response":   result.FinalResponse,
		"strategy":         string(result.Strategy),
		"responses":        responses,
		"total_latency_ms": result.TotalLatency.Milliseconds(),
	}
}

// =============================================================================
// Registration
// =============================================================================

// Register installs both capabilities.
func Register(reg Registrar, c Completer, e Ensembler, costPerSecond float64) error {
	if err := reg.RegisterCapability(NewTextGeneration(c, costPerSecond)); err != nil {
		return fmt.Errorf("register %s: %w", TextGeneration, err)
	}
	if err := reg.RegisterCapability(NewEnsemble(e, costPerSecond)); err != nil {
		return fmt.Errorf("register %s: %w", Ensemble, err)
	}
	return nil
}

// =============================================================================
// Error Mapping
// =============================================================================

func invalidInput(err error) *kernel.ExecutionError {
	details := map[string]any{}
	var valErr *kernel.InputValidationError
	if errors.As(err, &valErr) {
		details["field"] = valErr.Field
	}
	return kernel.NewExecutionError(CodeInvalidInput, err.Error(), details)
}

func routeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		// Cancellation and timeouts are classified by the engine.
		return err
	}
	var failed *router.AllModelsFailedError
	if errors.As(err, &failed) {
		models := make([]any, 0, len(failed.Attempts))
		for _, a := range failed.Attempts {
			models = append(models, a.Model)
		}
		return kernel.NewExecutionError(CodeRoutingExhausted, err.Error(), map[string]any{"models": models})
	}
	if errors.Is(err, router.ErrNoCandidates) {
		return kernel.NewExecutionError(CodeInvalidInput, err.Error(), map[string]any{"field": "model"})
	}
	return err
}

func ensembleError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var strategyErr *ensemble.StrategyError
	if errors.As(err, &strategyErr) {
		return kernel.NewExecutionError(CodeStrategyError, err.Error(), map[string]any{"strategy": string(strategyErr.Strategy)})
	}
	var agentErr *ensemble.AgentError
	if errors.As(err, &agentErr) {
		return kernel.NewExecutionError(CodeAgentFailed, err.Error(), map[string]any{
			"agent_index": agentErr.Index,
			"agent":       agentErr.Agent,
			"phase":       agentErr.Phase,
		})
	}
	return err
}
