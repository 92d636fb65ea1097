package observability

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a structured telemetry event handed to an external sink.
type Event struct {
	Type       string         `json:"type"`
	Source     string         `json:"source"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(eventType, source string, attributes map[string]any) Event {
	return Event{
		Type:       eventType,
		Source:     source,
		Timestamp:  time.Now().UTC(),
		Attributes: attributes,
	}
}

// Sink accepts telemetry events. Emit must never block the caller.
type Sink interface {
	Emit(event Event)
}

// SinkFunc delivers one event to the external collaborator.
type SinkFunc func(ctx context.Context, event Event) error

// Logger interface for the sink.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// AsyncSink buffers events and delivers them from a single goroutine.
// When the buffer is full the event is dropped and counted; delivery errors
// are logged and otherwise ignored.
type AsyncSink struct {
	events  chan Event
	deliver SinkFunc
	logger  Logger
	timeout time.Duration

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewAsyncSink starts the delivery goroutine. Call Close to stop it.
func NewAsyncSink(deliver SinkFunc, buffer int, timeout time.Duration, logger Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	s := &AsyncSink{
		events:  make(chan Event, buffer),
		deliver: deliver,
		logger:  logger,
		timeout: timeout,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues an event without blocking.
func (s *AsyncSink) Emit(event Event) {
	select {
	case <-s.closed:
		s.drop(event)
		return
	default:
	}

	select {
	case s.events <- event:
	default:
		s.drop(event)
	}
}

func (s *AsyncSink) drop(event Event) {
	s.dropped.Add(1)
	RecordTelemetryDropped()
	if s.logger != nil {
		s.logger.Debug("telemetry_event_dropped", "type", event.Type)
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for {
		select {
		case event := <-s.events:
			s.send(event)
		case <-s.closed:
			// Flush what is already buffered.
			for {
				select {
				case event := <-s.events:
					s.send(event)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) send(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.deliver(ctx, event); err != nil {
		s.failed.Add(1)
		if s.logger != nil {
			s.logger.Warn("telemetry_delivery_failed", "type", event.Type, "error", err.Error())
		}
		return
	}
	s.delivered.Add(1)
}

// Close stops accepting events, flushes the buffer and waits for delivery.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.done
}

// SinkStats reports sink counters.
type SinkStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Stats returns a snapshot of the sink counters.
func (s *AsyncSink) Stats() SinkStats {
	return SinkStats{
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

var (
	_ Sink = NopSink{}
	_ Sink = (*AsyncSink)(nil)
)
