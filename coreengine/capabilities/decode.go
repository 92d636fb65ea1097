package capabilities

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/ensemble"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/llm"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// ParseOptions reads optional sampling parameters from a loosely typed map.
// Absent keys stay nil so the backend default applies.
func ParseOptions(capability string, raw map[string]any) (llm.Options, error) {
	var opts llm.Options
	if v, ok := raw["temperature"]; ok && v != nil {
		f, ok := typeutil.AsFloat(v)
		if !ok {
			return opts, kernel.NewInputValidationError(capability, "temperature", "must be a number")
		}
		opts.Temperature = &f
	}
	if v, ok := raw["top_p"]; ok && v != nil {
		f, ok := typeutil.AsFloat(v)
		if !ok {
			return opts, kernel.NewInputValidationError(capability, "top_p", "must be a number")
		}
		opts.TopP = &f
	}
	if v, ok := raw["max_tokens"]; ok && v != nil {
		n, ok := typeutil.AsInt(v)
		if !ok || n <= 0 {
			return opts, kernel.NewInputValidationError(capability, "max_tokens", "must be a positive integer")
		}
		opts.MaxTokens = &n
	}
	return opts, nil
}

// ParseAgent decodes one agent definition.
//
//	{"name": "critic", "model": "gpt-4o", "system_prompt": "...", "temperature": 0.2}
func ParseAgent(capability string, index int, raw any) (router.Agent, error) {
	field := fmt.Sprintf("agents[%d]", index)
	m, ok := typeutil.AsMap(raw)
	if !ok {
		return router.Agent{}, kernel.NewInputValidationError(capability, field, "must be an object")
	}

	model, _ := typeutil.AsString(m["model"])
	if strings.TrimSpace(model) == "" {
		return router.Agent{}, kernel.NewInputValidationError(capability, field+".model", "is required")
	}
	name, _ := typeutil.AsString(m["name"])
	if name == "" {
		name = fmt.Sprintf("agent-%d", index)
	}
	systemPrompt, _ := typeutil.AsString(m["system_prompt"])

	opts, err := ParseOptions(capability, m)
	if err != nil {
		return router.Agent{}, err
	}
	return router.Agent{Name: name, Model: model, SystemPrompt: systemPrompt, Options: opts}, nil
}

// ParseEnsembleSpec decodes the inputs of an ensemble call.
// Weight and agent count agreement is left to the strategy.
func ParseEnsembleSpec(capability string, inputs map[string]any) (ensemble.Spec, error) {
	var spec ensemble.Spec

	strategy, ok := typeutil.AsString(inputs["strategy"])
	if !ok || strategy == "" {
		return spec, kernel.NewInputValidationError(capability, "strategy", "is required")
	}
	spec.Type = ensemble.StrategyType(strings.ToLower(strategy))

	rawAgents, ok := asList(inputs["agents"])
	if !ok || len(rawAgents) == 0 {
		return spec, kernel.NewInputValidationError(capability, "agents", "must be a non-empty list")
	}
	spec.Agents = make([]router.Agent, 0, len(rawAgents))
	for i, raw := range rawAgents {
		agent, err := ParseAgent(capability, i, raw)
		if err != nil {
			return spec, err
		}
		spec.Agents = append(spec.Agents, agent)
	}

	if v, ok := inputs["weights"]; ok && v != nil {
		weights, ok := typeutil.AsFloatSlice(v)
		if !ok {
			return spec, kernel.NewInputValidationError(capability, "weights", "must be a list of numbers")
		}
		spec.Weights = weights
	}

	if v, ok := inputs["fallback_models"]; ok && v != nil {
		fallbacks, ok := typeutil.AsStringSlice(v)
		if !ok {
			return spec, kernel.NewInputValidationError(capability, "fallback_models", "must be a list of strings")
		}
		spec.Route.FallbackModels = fallbacks
	}
	return spec, nil
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}
