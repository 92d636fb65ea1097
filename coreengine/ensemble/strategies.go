package ensemble

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
)

// CompleteFunc runs one agent completion through the router.
type CompleteFunc func(ctx context.Context, agent router.Agent, prompt string) (*router.Completion, error)

// Strategy is the part every strategy shares.
type Strategy interface {
	Name() StrategyType
	Validate(spec Spec) error
}

// ConcurrentStrategy runs every agent at once and aggregates after all return.
type ConcurrentStrategy interface {
	Strategy
	Confidence(index int, spec Spec) float64
	Aggregate(ctx context.Context, prompt string, spec Spec, responses []AgentResponse, complete CompleteFunc) (string, error)
}

// SequentialStrategy runs agents one after another; agent i+1 sees the
// prompt produced from agent i's response.
type SequentialStrategy interface {
	Strategy
	Confidence(index int, spec Spec) float64
	NextPrompt(current string, previous AgentResponse) string
	Final(responses []AgentResponse) string
}

// DefaultStrategies returns the four built-in strategies.
func DefaultStrategies() []Strategy {
	return []Strategy{
		ParallelStrategy{},
		VotingStrategy{},
		WeightedStrategy{},
		CascadeStrategy{},
	}
}

// =============================================================================
// PARALLEL
// =============================================================================

// ParallelStrategy asks every agent, then has the first agent synthesize.
type ParallelStrategy struct{}

func (ParallelStrategy) Name() StrategyType { return StrategyParallel }

func (ParallelStrategy) Validate(Spec) error { return nil }

// Confidence is uniform: responses feed the synthesis, they are not votes.
func (ParallelStrategy) Confidence(int, Spec) float64 { return 1.0 }

func (ParallelStrategy) Aggregate(ctx context.Context, prompt string, spec Spec, responses []AgentResponse, complete CompleteFunc) (string, error) {
	synthesizer := spec.Agents[0]
	c, err := complete(ctx, synthesizer, SynthesisPrompt(prompt, responses))
	if err != nil {
		return "", NewAgentError(0, synthesizer.Name, "synthesis", err)
	}
	return c.Text, nil
}

// SynthesisPrompt embeds every response into one prompt.
func SynthesisPrompt(prompt string, responses []AgentResponse) string {
	var b strings.Builder
	b.WriteString("Synthesize the following responses into a single, coherent answer.\n\n")
	fmt.Fprintf(&b, "Original prompt:\n%s\n", prompt)
	for i, r := range responses {
		fmt.Fprintf(&b, "\nResponse %d (%s):\n%s\n", i+1, r.Agent.Name, r.Response)
	}
	return b.String()
}

// =============================================================================
// VOTING
// =============================================================================

// VotingStrategy picks the most frequent exact response.
type VotingStrategy struct{}

func (VotingStrategy) Name() StrategyType { return StrategyVoting }

func (VotingStrategy) Validate(Spec) error { return nil }

// Confidence is the uniform prior 1/N.
func (VotingStrategy) Confidence(_ int, spec Spec) float64 {
	return 1.0 / float64(len(spec.Agents))
}

// Aggregate returns the most frequent response; ties go to the first seen.
func (VotingStrategy) Aggregate(_ context.Context, _ string, _ Spec, responses []AgentResponse, _ CompleteFunc) (string, error) {
	return Vote(responses), nil
}

// Vote returns the most frequent exact response string.
func Vote(responses []AgentResponse) string {
	counts := make(map[string]int, len(responses))
	order := make([]string, 0, len(responses))
	for _, r := range responses {
		if counts[r.Response] == 0 {
			order = append(order, r.Response)
		}
		counts[r.Response]++
	}

	winner, best := "", 0
	for _, text := range order {
		if counts[text] > best {
			winner, best = text, counts[text]
		}
	}
	return winner
}

// =============================================================================
// WEIGHTED
// =============================================================================

// WeightedStrategy picks the response of the highest-weighted agent.
type WeightedStrategy struct{}

func (WeightedStrategy) Name() StrategyType { return StrategyWeighted }

func (WeightedStrategy) Validate(spec Spec) error {
	if len(spec.Weights) != len(spec.Agents) {
		return NewStrategyError(StrategyWeighted,
			fmt.Sprintf("got %d weights for %d agents", len(spec.Weights), len(spec.Agents)))
	}
	return nil
}

func (WeightedStrategy) Confidence(index int, spec Spec) float64 {
	return spec.Weights[index]
}

// Aggregate returns the first response whose weight equals the maximum.
func (WeightedStrategy) Aggregate(_ context.Context, _ string, spec Spec, responses []AgentResponse, _ CompleteFunc) (string, error) {
	best := 0
	for i := 1; i < len(spec.Weights); i++ {
		if spec.Weights[i] > spec.Weights[best] {
			best = i
		}
	}
	return responses[best].Response, nil
}

// =============================================================================
// CASCADE
// =============================================================================

// CascadeStrategy chains agents; each refines the previous answer.
type CascadeStrategy struct{}

func (CascadeStrategy) Name() StrategyType { return StrategyCascade }

func (CascadeStrategy) Validate(Spec) error { return nil }

func (CascadeStrategy) Confidence(int, Spec) float64 { return 1.0 }

// NextPrompt appends the previous response verbatim with a refine instruction.
func (CascadeStrategy) NextPrompt(current string, previous AgentResponse) string {
	return fmt.Sprintf("%s\n\nPrevious response from %s:\n%s\n\nRefine or expand on this response.",
		current, previous.Agent.Name, previous.Response)
}

// Final is the last agent's response.
func (CascadeStrategy) Final(responses []AgentResponse) string {
	if len(responses) == 0 {
		return ""
	}
	return responses[len(responses)-1].Response
}

var (
	_ ConcurrentStrategy = ParallelStrategy{}
	_ ConcurrentStrategy = VotingStrategy{}
	_ ConcurrentStrategy = WeightedStrategy{}
	_ SequentialStrategy = CascadeStrategy{}
)
