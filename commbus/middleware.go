package commbus

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, env *Envelope) (*Envelope, error) {
	m.logger.Debug("message_received",
		"topic", env.Topic,
		"message_id", env.ID,
		"type", string(env.Type),
		"priority", env.Metadata.Priority.String(),
	)
	return env, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, env *Envelope, err error) error {
	if err != nil {
		m.logger.Debug("message_failed", "topic", env.Topic, "message_id", env.ID, "error", err.Error())
	} else {
		m.logger.Debug("message_completed", "topic", env.Topic, "message_id", env.ID)
	}
	return nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerState represents the state for circuit breaker.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
	// TrialStarted is set while a half-open trial message is in flight.
	TrialStarted time.Time
}

// CircuitBreakerMiddleware opens a topic's circuit after repeated subscriber
// failures. While open, messages on the topic are rejected (and therefore
// dead-lettered). After resetTimeout a single trial message is let through
// half-open and the rest are rejected until it completes; its success closes
// the circuit, its failure reopens it. A trial that never reports back is
// replaced after another resetTimeout.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTopics   map[string]struct{}
	states           map[string]*CircuitBreakerState
	logger           Logger
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
// A threshold of 0 never opens the circuit.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTopics []string, logger Logger) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{})
	for _, t := range excludedTopics {
		excluded[t] = struct{}{}
	}

	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTopics:   excluded,
		states:           make(map[string]*CircuitBreakerState),
		logger:           logger,
	}
}

func (m *CircuitBreakerMiddleware) getState(topic string) *CircuitBreakerState {
	if _, exists := m.states[topic]; !exists {
		m.states[topic] = &CircuitBreakerState{State: CircuitClosed}
	}
	return m.states[topic]
}

// Before rejects messages while the circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, env *Envelope) (*Envelope, error) {
	if _, excluded := m.excludedTopics[env.Topic]; excluded {
		return env, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(env.Topic)
	switch state.State {
	case CircuitOpen:
		if time.Since(state.LastFailure) < m.resetTimeout {
			return nil, &CircuitOpenError{Topic: env.Topic}
		}
		state.State = CircuitHalfOpen
		state.TrialStarted = time.Now()
		m.logger.Info("circuit_half_open", "topic", env.Topic)
	case CircuitHalfOpen:
		if !state.TrialStarted.IsZero() && time.Since(state.TrialStarted) < m.resetTimeout {
			return nil, &CircuitOpenError{Topic: env.Topic}
		}
		state.TrialStarted = time.Now()
	}
	return env, nil
}

// After updates circuit breaker state based on the delivery outcome.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, env *Envelope, err error) error {
	if _, excluded := m.excludedTopics[env.Topic]; excluded {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(env.Topic)
	state.TrialStarted = time.Time{}
	if err != nil {
		state.Failures++
		state.LastFailure = time.Now()

		if state.State == CircuitHalfOpen {
			state.State = CircuitOpen
			m.logger.Warn("circuit_reopened", "topic", env.Topic)
		} else if m.failureThreshold > 0 && state.Failures >= m.failureThreshold && state.State != CircuitOpen {
			state.State = CircuitOpen
			m.logger.Warn("circuit_opened", "topic", env.Topic, "failures", state.Failures)
		}
		return nil
	}

	if state.State == CircuitHalfOpen {
		state.State = CircuitClosed
		state.Failures = 0
		m.logger.Info("circuit_closed", "topic", env.Topic)
	}
	return nil
}

// GetStates returns current circuit states by topic.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string)
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Reset clears one topic's state, or every topic's when topic is "".
func (m *CircuitBreakerMiddleware) Reset(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if topic != "" {
		delete(m.states, topic)
	} else {
		m.states = make(map[string]*CircuitBreakerState)
	}
}

// Ensure all middleware types implement Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
