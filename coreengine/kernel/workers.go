package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/logging"
)

// Logger interface for the kernel.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Worker Registry
// =============================================================================

// WorkerRegistry owns every worker's capacity ledger. Selection and
// reservation happen under one lock, so two dispatches can never claim the
// same capacity.
//
// Usage:
//
//	registry := NewWorkerRegistry(logger)
//	registry.Register(&WorkerNode{ID: "w1", Capabilities: []string{"text-generation"},
//	    Capacity: NewWorkerCapacity(4, 8192, 0)})
//
//	worker, eligible := registry.Reserve(req)
//	defer registry.Release(worker.ID, req.Resources)
type WorkerRegistry struct {
	workers map[string]*WorkerNode
	order   []string
	logger  Logger
	now     func() time.Time
	mu      sync.RWMutex
}

// NewWorkerRegistry creates a new worker registry.
func NewWorkerRegistry(logger Logger) *WorkerRegistry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &WorkerRegistry{
		workers: make(map[string]*WorkerNode),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds a worker. Available capacity defaults to the totals when
// left at zero, and health defaults to healthy.
func (r *WorkerRegistry) Register(node *WorkerNode) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("register worker: id is required")
	}
	if len(node.Capabilities) == 0 {
		return fmt.Errorf("register worker %s: at least one capability is required", node.ID)
	}
	c := node.Capacity
	if c.TotalCPU < 0 || c.TotalMemoryMB < 0 || c.TotalGPU < 0 {
		return fmt.Errorf("register worker %s: negative capacity", node.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[node.ID]; exists {
		return fmt.Errorf("register worker %s: already registered", node.ID)
	}

	w := node.Clone()
	if w.Capacity.AvailableCPU == 0 && w.Capacity.AvailableMemoryMB == 0 && w.Capacity.AvailableGPU == 0 {
		w.Capacity = NewWorkerCapacity(c.TotalCPU, c.TotalMemoryMB, c.TotalGPU)
	}
	clampCapacity(&w.Capacity)
	now := r.now()
	if !w.Health.Status.Valid() {
		w.Health.Status = HealthHealthy
	}
	w.Health.LastCheck = now
	w.LastHeartbeat = now
	w.RegisteredAt = now
	w.CurrentLoad = 0

	r.workers[w.ID] = w
	r.order = append(r.order, w.ID)

	r.logger.Info("worker_registered",
		"worker_id", w.ID,
		"capabilities", w.Capabilities,
		"cpu", w.Capacity.TotalCPU,
		"memory_mb", w.Capacity.TotalMemoryMB,
	)
	return nil
}

// Deregister removes a worker. In-flight releases for it become no-ops.
func (r *WorkerRegistry) Deregister(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[workerID]; !exists {
		return false
	}
	delete(r.workers, workerID)
	for i, id := range r.order {
		if id == workerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("worker_deregistered", "worker_id", workerID)
	return true
}

// Get returns a copy of a worker, or nil.
func (r *WorkerRegistry) Get(workerID string) *WorkerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, ok := r.workers[workerID]; ok {
		return w.Clone()
	}
	return nil
}

// List returns copies of every worker in registration order.
func (r *WorkerRegistry) List() []*WorkerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*WorkerNode, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.workers[id].Clone())
	}
	return result
}

// Heartbeat records liveness and restores a worker to healthy.
func (r *WorkerRegistry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", workerID, ErrWorkerNotFound)
	}
	now := r.now()
	w.LastHeartbeat = now
	if w.Health.Status != HealthHealthy {
		r.logger.Info("worker_recovered", "worker_id", workerID, "previous", string(w.Health.Status))
		w.Health = WorkerHealth{Status: HealthHealthy, LastCheck: now}
	}
	return nil
}

// SetHealth sets a worker's health explicitly.
func (r *WorkerRegistry) SetHealth(workerID string, status HealthStatus) error {
	if !status.Valid() {
		return fmt.Errorf("set health %s: unknown status %q", workerID, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("set health %s: %w", workerID, ErrWorkerNotFound)
	}
	if w.Health.Status != status {
		r.logger.Info("worker_health_changed",
			"worker_id", workerID,
			"from", string(w.Health.Status),
			"to", string(status),
		)
	}
	w.Health = WorkerHealth{Status: status, LastCheck: r.now()}
	return nil
}

// SweepHeartbeats downgrades workers whose last heartbeat is older than
// timeout: degraded after one timeout, unhealthy after two. Workers are
// never removed. Returns the number of workers whose health changed.
func (r *WorkerRegistry) SweepHeartbeats(now time.Time, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, id := range r.order {
		w := r.workers[id]
		silent := now.Sub(w.LastHeartbeat)

		next := w.Health.Status
		switch {
		case silent >= 2*timeout:
			next = HealthUnhealthy
		case silent >= timeout && w.Health.Status == HealthHealthy:
			next = HealthDegraded
		}
		if next != w.Health.Status {
			r.logger.Warn("worker_heartbeat_missed",
				"worker_id", id,
				"silent_ms", silent.Milliseconds(),
				"health", string(next),
			)
			w.Health = WorkerHealth{Status: next, LastCheck: now}
			changed++
		}
	}
	return changed
}

// =============================================================================
// Reservation
// =============================================================================

// eligibleLocked reports whether w could ever run req.
func eligibleLocked(w *WorkerNode, req *ExecutionRequest) bool {
	return w.Health.Status == HealthHealthy &&
		w.HasCapability(req.Capability) &&
		w.SatisfiesCompliance(req.Constraints.Compliance) &&
		w.Capacity.CouldFit(req.Resources)
}

// Eligible reports whether any worker could ever run req.
func (r *WorkerRegistry) Eligible(req *ExecutionRequest) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		if eligibleLocked(r.workers[id], req) {
			return true
		}
	}
	return false
}

// Reserve picks the least-loaded eligible worker with free capacity for req
// and deducts req's resources from its ledger. Ties go to the earliest
// registered worker. When nothing is reserved, eligible reports whether
// some worker could run req once capacity frees up.
func (r *WorkerRegistry) Reserve(req *ExecutionRequest) (worker *WorkerNode, eligible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *WorkerNode
	for _, id := range r.order {
		w := r.workers[id]
		if !eligibleLocked(w, req) {
			continue
		}
		eligible = true
		if !w.Capacity.Fits(req.Resources) {
			continue
		}
		if best == nil || w.CurrentLoad < best.CurrentLoad {
			best = w
		}
	}
	if best == nil {
		return nil, eligible
	}

	best.Capacity.AvailableCPU -= req.Resources.CPU
	best.Capacity.AvailableMemoryMB -= req.Resources.MemoryMB
	best.Capacity.AvailableGPU -= req.Resources.GPU
	best.CurrentLoad++

	r.logger.Debug("resources_reserved",
		"worker_id", best.ID,
		"request_id", req.ID,
		"cpu", req.Resources.CPU,
		"memory_mb", req.Resources.MemoryMB,
	)
	return best.Clone(), true
}

// Release returns res to a worker's ledger. Available capacity is clamped
// to the totals.
func (r *WorkerRegistry) Release(workerID string, res ResourceRequirements) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.Capacity.AvailableCPU += res.CPU
	w.Capacity.AvailableMemoryMB += res.MemoryMB
	w.Capacity.AvailableGPU += res.GPU
	clampCapacity(&w.Capacity)
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
}

func clampCapacity(c *WorkerCapacity) {
	c.AvailableCPU = min(max(c.AvailableCPU, 0), c.TotalCPU)
	c.AvailableMemoryMB = min(max(c.AvailableMemoryMB, 0), c.TotalMemoryMB)
	c.AvailableGPU = min(max(c.AvailableGPU, 0), c.TotalGPU)
}
