package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// =============================================================================
// Task Handlers
// =============================================================================

// TaskHandler performs the work behind a capability.
type TaskHandler interface {
	Handle(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error)
}

// TaskFunc adapts a function to TaskHandler.
type TaskFunc func(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error)

// Handle calls f.
func (f TaskFunc) Handle(ctx context.Context, req *ExecutionRequest) (*TaskOutput, error) {
	return f(ctx, req)
}

// =============================================================================
// Input Schema
// =============================================================================

// FieldSpec describes one input field.
type FieldSpec struct {
	Kind     typeutil.Kind `json:"kind"`
	Required bool          `json:"required"`
}

// InputSchema maps input field names to their specs. Fields not in the
// schema are passed through unchecked.
type InputSchema map[string]FieldSpec

// Validate checks inputs against the schema.
func (s InputSchema) Validate(capability string, inputs map[string]any) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := s[name]
		value, ok := typeutil.Lookup(inputs, name)
		if !ok || value == nil {
			if spec.Required {
				return NewInputValidationError(capability, name, "required")
			}
			continue
		}
		if spec.Kind == "" {
			continue
		}
		if got := typeutil.KindOf(value); got != spec.Kind {
			return NewInputValidationError(capability, name, fmt.Sprintf("expected %s, got %s", spec.Kind, got))
		}
	}
	return nil
}

// =============================================================================
// Capabilities
// =============================================================================

// Capability is a named, independently callable unit of work.
type Capability struct {
	Name        string
	Description string
	InputSchema InputSchema
	// CostPerSecond prices execution time for cost ceilings and result metrics.
	CostPerSecond float64
	Handler       TaskHandler
}

// CapabilityRegistry holds the capabilities an engine can run.
type CapabilityRegistry struct {
	capabilities map[string]*Capability
	mu           sync.RWMutex
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{capabilities: make(map[string]*Capability)}
}

// Register adds or replaces a capability.
func (r *CapabilityRegistry) Register(c *Capability) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("register capability: name is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("register capability %s: handler is required", c.Name)
	}
	if c.CostPerSecond < 0 {
		return fmt.Errorf("register capability %s: negative cost", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c.Name] = c
	return nil
}

// Get returns a capability by name.
func (r *CapabilityRegistry) Get(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	return c, ok
}

// Names returns registered capability names, sorted.
func (r *CapabilityRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that capability exists and inputs match its schema.
func (r *CapabilityRegistry) Validate(capability string, inputs map[string]any) (*Capability, error) {
	c, ok := r.Get(capability)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	if err := c.InputSchema.Validate(capability, inputs); err != nil {
		return nil, err
	}
	return c, nil
}

// =============================================================================
// Resource Estimation
// =============================================================================

// ResourceEstimator computes the resources a request reserves.
type ResourceEstimator interface {
	Estimate(capability string, inputs map[string]any) ResourceRequirements
}

// EstimatorFunc adapts a function to ResourceEstimator.
type EstimatorFunc func(capability string, inputs map[string]any) ResourceRequirements

// Estimate calls f.
func (f EstimatorFunc) Estimate(capability string, inputs map[string]any) ResourceRequirements {
	return f(capability, inputs)
}

// FixedEstimator returns the same requirements for every request.
type FixedEstimator struct {
	Requirements ResourceRequirements
}

// Estimate returns the fixed requirements.
func (e FixedEstimator) Estimate(string, map[string]any) ResourceRequirements {
	return e.Requirements
}

// estimateCost prices a request at its full timeout.
func estimateCost(c *Capability, timeout time.Duration) float64 {
	return c.CostPerSecond * timeout.Seconds()
}
