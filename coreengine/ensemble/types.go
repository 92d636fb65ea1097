package ensemble

import (
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
)

// StrategyType names an aggregation strategy.
type StrategyType string

const (
	StrategyParallel StrategyType = "parallel"
	StrategyVoting   StrategyType = "voting"
	StrategyWeighted StrategyType = "weighted"
	StrategyCascade  StrategyType = "cascade"
)

// Spec selects a strategy and the agents it runs.
type Spec struct {
	Type    StrategyType   `json:"type"`
	Agents  []router.Agent `json:"agents"`
	Weights []float64      `json:"weights,omitempty"`

	// Route is passed to every completion of this call.
	Route router.RouteOptions `json:"-"`
}

// AgentResponse is one agent's contribution.
type AgentResponse struct {
	Agent      router.Agent  `json:"agent"`
	Model      string        `json:"model"`
	Response   string        `json:"response"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency"`
}

// Result is the outcome of one ensemble call.
type Result struct {
	ID            string          `json:"id"`
	Responses     []AgentResponse `json:"responses"`
	FinalResponse string          `json:"final_response"`
	Strategy      StrategyType    `json:"strategy"`
	TotalLatency  time.Duration   `json:"total_latency"`
}

// =============================================================================
// ERRORS
// =============================================================================

// StrategyError reports an unknown or misconfigured strategy.
type StrategyError struct {
	Strategy StrategyType
	Reason   string
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %q: %s", e.Strategy, e.Reason)
}

// NewStrategyError creates a new StrategyError.
func NewStrategyError(strategy StrategyType, reason string) *StrategyError {
	return &StrategyError{Strategy: strategy, Reason: reason}
}

// AgentError reports the agent completion that failed an ensemble call.
type AgentError struct {
	Index int
	Agent string
	Phase string // "response" or "synthesis"
	Cause error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %d (%s) failed during %s: %v", e.Index, e.Agent, e.Phase, e.Cause)
}

func (e *AgentError) Unwrap() error {
	return e.Cause
}

// NewAgentError creates a new AgentError.
func NewAgentError(index int, agent, phase string, cause error) *AgentError {
	return &AgentError{Index: index, Agent: agent, Phase: phase, Cause: cause}
}
