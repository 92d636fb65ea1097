// Package kernel implements the execution engine.
//
// Requests for a named capability are validated, admitted, and dispatched
// to a registered worker whose capacity ledger can hold them. Requests that
// fit no worker right now wait in a FIFO queue drained by a background loop.
//
// Key concepts:
//   - ExecutionRequest: one unit of work, immutable once built
//   - ExecutionResult: produced exactly once per request
//   - WorkerNode: a logical worker with a capacity ledger
//   - Capability: a named task handler with an input schema
package kernel

import (
	"time"
)

// =============================================================================
// Execution States
// =============================================================================

// ExecutionState represents the lifecycle state of a request.
// State transitions:
//
//	QUEUED -> RUNNING -> (COMPLETED | FAILED)
type ExecutionState string

const (
	StateQueued    ExecutionState = "queued"
	StateRunning   ExecutionState = "running"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
)

// IsTerminal returns true if the state is terminal.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// =============================================================================
// Priority
// =============================================================================

// Priority orders requests for reporting. The queue itself is FIFO.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// Execution Request
// =============================================================================

// ExecutionContext identifies who asked for the work.
type ExecutionContext struct {
	WorkflowID  string `json:"workflow_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// ResourceRequirements is the estimate reserved on the chosen worker.
type ResourceRequirements struct {
	CPU      float64       `json:"cpu"`
	MemoryMB int           `json:"memory_mb"`
	GPU      int           `json:"gpu"`
	Timeout  time.Duration `json:"timeout"`
}

// Constraints narrow which workers may run a request.
type Constraints struct {
	// MaxCost rejects requests whose estimated cost exceeds it. 0 = no ceiling.
	MaxCost float64 `json:"max_cost,omitempty"`
	// Compliance tags every chosen worker must carry.
	Compliance []string `json:"compliance,omitempty"`
}

// RequestMetadata carries bookkeeping fields.
type RequestMetadata struct {
	CreatedAt  time.Time         `json:"created_at"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// ExecutionRequest is one unit of work.
type ExecutionRequest struct {
	ID          string               `json:"id"`
	AgentID     string               `json:"agent_id"`
	Capability  string               `json:"capability"`
	Inputs      map[string]any       `json:"inputs"`
	Context     ExecutionContext     `json:"context"`
	Resources   ResourceRequirements `json:"resources"`
	Constraints Constraints          `json:"constraints"`
	Priority    Priority             `json:"priority"`
	Metadata    RequestMetadata      `json:"metadata"`
}

// withRetry returns a copy with RetryCount incremented.
// The original request is left untouched.
func (r *ExecutionRequest) withRetry() *ExecutionRequest {
	next := *r
	next.Metadata.RetryCount = r.Metadata.RetryCount + 1
	if r.Constraints.Compliance != nil {
		next.Constraints.Compliance = append([]string(nil), r.Constraints.Compliance...)
	}
	if r.Metadata.Tags != nil {
		next.Metadata.Tags = make(map[string]string, len(r.Metadata.Tags))
		for k, v := range r.Metadata.Tags {
			next.Metadata.Tags[k] = v
		}
	}
	return &next
}

// ExecuteOptions tune a single Execute or Submit call. Zero values take the
// engine defaults.
type ExecuteOptions struct {
	Context     ExecutionContext
	Resources   *ResourceRequirements
	Constraints Constraints
	Priority    Priority
	Timeout     time.Duration
	MaxRetries  int
	Tags        map[string]string
}

// =============================================================================
// Execution Result
// =============================================================================

// ResourceUsage reports one consumed resource.
type ResourceUsage struct {
	Resource string  `json:"resource"`
	Amount   float64 `json:"amount"`
	Unit     string  `json:"unit,omitempty"`
}

// Artifact is a named output produced by a task.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URI         string `json:"uri,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// ExecutionMetrics measure one execution.
type ExecutionMetrics struct {
	ExecutionTime time.Duration   `json:"execution_time"`
	ResourceUsage []ResourceUsage `json:"resource_usage,omitempty"`
	Cost          float64         `json:"cost"`
}

// ResultMetadata carries bookkeeping fields.
type ResultMetadata struct {
	CompletedAt time.Time `json:"completed_at"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Attempts    int       `json:"attempts"`
}

// ExecutionResult is the terminal outcome of a request. Exactly one of
// Output and Error is meaningful, selected by Success.
type ExecutionResult struct {
	ID        string           `json:"id"`
	RequestID string           `json:"request_id"`
	Success   bool             `json:"success"`
	Output    map[string]any   `json:"output,omitempty"`
	Error     *ExecutionError  `json:"error,omitempty"`
	Metrics   ExecutionMetrics `json:"metrics"`
	Artifacts []Artifact       `json:"artifacts,omitempty"`
	Metadata  ResultMetadata   `json:"metadata"`
}

// Err returns the result's error, or nil on success.
func (r *ExecutionResult) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// TaskOutput is what a capability handler returns.
type TaskOutput struct {
	Output        map[string]any
	Artifacts     []Artifact
	ResourceUsage []ResourceUsage
}

// =============================================================================
// Worker Nodes
// =============================================================================

// HealthStatus is a worker's health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Valid reports whether s is a known status.
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthHealthy, HealthDegraded, HealthUnhealthy:
		return true
	}
	return false
}

// WorkerCapacity is a worker's resource ledger. Available never exceeds Total.
type WorkerCapacity struct {
	TotalCPU          float64 `json:"total_cpu"`
	TotalMemoryMB     int     `json:"total_memory_mb"`
	TotalGPU          int     `json:"total_gpu"`
	AvailableCPU      float64 `json:"available_cpu"`
	AvailableMemoryMB int     `json:"available_memory_mb"`
	AvailableGPU      int     `json:"available_gpu"`
}

// NewWorkerCapacity returns a ledger with everything available.
func NewWorkerCapacity(cpu float64, memoryMB, gpu int) WorkerCapacity {
	return WorkerCapacity{
		TotalCPU:          cpu,
		TotalMemoryMB:     memoryMB,
		TotalGPU:          gpu,
		AvailableCPU:      cpu,
		AvailableMemoryMB: memoryMB,
		AvailableGPU:      gpu,
	}
}

// Fits reports whether the available resources can hold req.
func (c WorkerCapacity) Fits(req ResourceRequirements) bool {
	return c.AvailableCPU >= req.CPU &&
		c.AvailableMemoryMB >= req.MemoryMB &&
		c.AvailableGPU >= req.GPU
}

// CouldFit reports whether the total resources could ever hold req.
func (c WorkerCapacity) CouldFit(req ResourceRequirements) bool {
	return c.TotalCPU >= req.CPU &&
		c.TotalMemoryMB >= req.MemoryMB &&
		c.TotalGPU >= req.GPU
}

// WorkerHealth records the last health transition.
type WorkerHealth struct {
	Status    HealthStatus `json:"status"`
	LastCheck time.Time    `json:"last_check"`
}

// WorkerNode is a logical worker. Nodes are only removed explicitly.
type WorkerNode struct {
	ID            string         `json:"id"`
	Capabilities  []string       `json:"capabilities"`
	Compliance    []string       `json:"compliance,omitempty"`
	Capacity      WorkerCapacity `json:"capacity"`
	CurrentLoad   int            `json:"current_load"`
	Health        WorkerHealth   `json:"health"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	RegisteredAt  time.Time      `json:"registered_at"`
}

// HasCapability reports whether the worker declares capability.
func (w *WorkerNode) HasCapability(capability string) bool {
	for _, c := range w.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// SatisfiesCompliance reports whether the worker carries every tag.
func (w *WorkerNode) SatisfiesCompliance(tags []string) bool {
	for _, tag := range tags {
		found := false
		for _, have := range w.Compliance {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (w *WorkerNode) Clone() *WorkerNode {
	clone := *w
	clone.Capabilities = append([]string(nil), w.Capabilities...)
	if w.Compliance != nil {
		clone.Compliance = append([]string(nil), w.Compliance...)
	}
	return &clone
}

// =============================================================================
// Engine Metrics
// =============================================================================

// EngineMetrics is a snapshot of engine counters.
type EngineMetrics struct {
	TotalExecutions      int64         `json:"total_executions"`
	Succeeded            int64         `json:"succeeded"`
	Failed               int64         `json:"failed"`
	Rejected             int64         `json:"rejected"`
	Retried              int64         `json:"retried"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	QueueLength          int           `json:"queue_length"`
	ActiveExecutions     int           `json:"active_executions"`
}

// ActiveExecution describes an in-flight request.
type ActiveExecution struct {
	RequestID  string    `json:"request_id"`
	Capability string    `json:"capability"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
}
