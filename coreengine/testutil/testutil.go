// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are safe for concurrent use and never touch
// the network, so router, ensemble and engine tests stay deterministic.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/llm"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
)

// =============================================================================
// MOCK MODEL BACKEND
// =============================================================================

// MockBackend implements llm.ModelBackend for testing.
// Configure answers, failures and latency per model id.
type MockBackend struct {
	// Responses maps model ids to their answer.
	Responses map[string]string

	// Errors maps model ids to the error they return.
	Errors map[string]error

	// Delays maps model ids to simulated latency.
	Delays map[string]time.Duration

	// DefaultResponse is returned for models with no entry.
	DefaultResponse string

	// CompleteFunc overrides everything above when set.
	CompleteFunc func(ctx context.Context, model string, prompt string) (string, error)

	// Calls records all calls for assertion.
	Calls []BackendCall

	mu sync.Mutex
}

// BackendCall records a single completion call.
type BackendCall struct {
	Model    string
	Prompt   string
	Messages []llm.Message
	At       time.Time
}

// NewMockBackend creates a MockBackend that answers "mock response".
func NewMockBackend() *MockBackend {
	return &MockBackend{
		Responses:       make(map[string]string),
		Errors:          make(map[string]error),
		Delays:          make(map[string]time.Duration),
		DefaultResponse: "mock response",
	}
}

// Complete implements llm.ModelBackend.
func (m *MockBackend) Complete(ctx context.Context, model string, messages []llm.Message, _ llm.Options) (*llm.Response, error) {
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, BackendCall{Model: model, Prompt: prompt, Messages: messages, At: time.Now()})
	customFunc := m.CompleteFunc
	delay := m.Delays[model]
	callErr := m.Errors[model]
	response, ok := m.Responses[model]
	if !ok {
		response = m.DefaultResponse
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if customFunc != nil {
		text, err := customFunc(ctx, model, prompt)
		if err != nil {
			return nil, err
		}
		return &llm.Response{Text: text}, nil
	}

	if callErr != nil {
		return nil, callErr
	}
	return &llm.Response{
		Text:  response,
		Usage: &llm.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

// WithResponse sets the answer for a model.
func (m *MockBackend) WithResponse(model, response string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[model] = response
	return m
}

// WithError makes a model fail.
func (m *MockBackend) WithError(model string, err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[model] = err
	return m
}

// WithDelay adds latency to a model.
func (m *MockBackend) WithDelay(model string, d time.Duration) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Delays[model] = d
	return m
}

// ClearError makes a previously failing model succeed again.
func (m *MockBackend) ClearError(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Errors, model)
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockBackend) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockBackend) GetCalls() []BackendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]BackendCall, len(m.Calls))
	copy(copied, m.Calls)
	return copied
}

// CallsFor returns the recorded calls for one model, in call order.
func (m *MockBackend) CallsFor(model string) []BackendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BackendCall
	for _, c := range m.Calls {
		if c.Model == model {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears call history.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// FailingBackend returns a backend whose every call fails with err.
func FailingBackend(err error) llm.ModelBackend {
	return llm.BackendFunc(func(ctx context.Context, model string, _ []llm.Message, _ llm.Options) (*llm.Response, error) {
		return nil, fmt.Errorf("%s: %w", model, err)
	})
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger captures log entries for assertion.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

// =============================================================================
// RECORDING SINK
// =============================================================================

// RecordingSink implements observability.Sink by keeping every event.
type RecordingSink struct {
	mu     sync.Mutex
	events []observability.Event
}

// NewRecordingSink creates an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit implements observability.Sink.
func (s *RecordingSink) Emit(event observability.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of the received events.
func (s *RecordingSink) Events() []observability.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]observability.Event, len(s.events))
	copy(copied, s.events)
	return copied
}

// HasEvent reports whether an event of the given type was received.
func (s *RecordingSink) HasEvent(eventType string) bool {
	for _, e := range s.Events() {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// =============================================================================
// WAIT HELPERS
// =============================================================================

// Eventually polls cond every 5ms until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var _ observability.Sink = (*RecordingSink)(nil)
