package commbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/observability"
)

var tracer = otel.Tracer("agentcore/commbus")

// inboxPrefix prefixes the private reply topics used by Request.
const inboxPrefix = "_inbox."

// Logger interface for the bus.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type subscription struct {
	id      string
	topic   string
	name    string
	group   string
	durable bool
	handler Handler
}

type queuedMessage struct {
	ctx context.Context
	env *Envelope
}

type topicState struct {
	subs     []*subscription
	queue    []queuedMessage
	draining bool
	cursors  map[string]int // queue group -> next member
}

// InMemoryBus is a thread-safe, single-process Bus.
//
// Each topic has one drain owner at a time: the publisher that finds the
// topic idle delivers queued envelopes in order until the queue is empty.
// Publishers that find a drain in progress (including handlers publishing
// to their own topic) only enqueue and return.
//
// Usage:
//
//	bus := NewInMemoryBus(&cfg.Bus, logger)
//	bus.Subscribe("execution.completed", handler, SubscribeOptions{})
//	id, err := bus.Publish(ctx, "execution.completed", result, PublishOptions{})
type InMemoryBus struct {
	mu          sync.Mutex
	topics      map[string]*topicState
	subIndex    map[string]string // subscription id -> topic
	middleware  []Middleware
	deadLetters []*DeadLetter

	codec  Codec
	config config.BusConfig
	logger Logger

	sent         atomic.Int64
	received     atomic.Int64
	errors       atomic.Int64
	deadLettered atomic.Int64
	latencyNanos atomic.Int64
	latencyCount atomic.Int64
}

// Option configures an InMemoryBus.
type Option func(*InMemoryBus)

// WithCodec replaces the JSON codec.
func WithCodec(c Codec) Option {
	return func(b *InMemoryBus) { b.codec = c }
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus(cfg *config.BusConfig, logger Logger, opts ...Option) *InMemoryBus {
	if cfg == nil {
		cfg = &config.DefaultConfig().Bus
	}
	if logger == nil {
		logger = logging.Nop()
	}
	b := &InMemoryBus{
		topics:   make(map[string]*topicState),
		subIndex: make(map[string]string),
		codec:    JSONCodec{},
		config:   *cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// =============================================================================
// PUBLISHING
// =============================================================================

// Publish builds an envelope, enqueues it on topic and delivers it.
//
// When no other publisher is draining topic, Publish drains it itself and
// handlers for this message have run by the time it returns. When a drain is
// already in progress (including a handler publishing to its own topic),
// Publish only enqueues and returns before this message reaches any handler;
// the drain owner delivers it in order.
//
// If encoding the payload fails the envelope is dead-lettered and a
// *DeliveryError is returned along with the message id. Subscriber errors
// are logged and counted; they never fail Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, payload any, opts PublishOptions) (string, error) {
	if topic == "" {
		return "", &CommBusError{Message: "topic is required"}
	}

	ctx, span := tracer.Start(ctx, "commbus.publish",
		trace.WithAttributes(attribute.String("agentcore.bus.topic", topic)),
	)
	defer span.End()

	env := b.newEnvelope(topic, payload, opts)
	if sc := span.SpanContext(); sc.IsValid() {
		env.TraceID = sc.TraceID().String()
		env.SpanID = sc.SpanID().String()
	}
	span.SetAttributes(attribute.String("agentcore.bus.message_id", env.ID))

	return env.ID, b.enqueue(ctx, env)
}

// PublishEvent publishes payload as an EVENT with default options.
func (b *InMemoryBus) PublishEvent(ctx context.Context, topic string, payload any) error {
	_, err := b.Publish(ctx, topic, payload, PublishOptions{Type: MessageTypeEvent})
	return err
}

func (b *InMemoryBus) newEnvelope(topic string, payload any, opts PublishOptions) *Envelope {
	msgType := opts.Type
	if msgType == "" {
		msgType = MessageTypeEvent
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = b.config.DefaultMaxRetries
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = b.config.DefaultTTL()
	}

	var headers map[string]string
	if len(opts.Headers) > 0 {
		headers = make(map[string]string, len(opts.Headers))
		for k, v := range opts.Headers {
			headers[k] = v
		}
	}

	return &Envelope{
		ID:      "msg_" + uuid.New().String()[:16],
		Type:    msgType,
		Topic:   topic,
		Payload: payload,
		Metadata: Metadata{
			Priority:      priority,
			TTL:           ttl,
			MaxRetries:    maxRetries,
			Source:        opts.Source,
			Destination:   opts.Destination,
			CorrelationID: opts.CorrelationID,
			ReplyTo:       opts.ReplyTo,
		},
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}
}

// enqueue encodes env, appends it to its topic and drains the topic if no
// one else is.
func (b *InMemoryBus) enqueue(ctx context.Context, env *Envelope) error {
	data, err := b.codec.Marshal(env.Payload)
	if err != nil {
		b.deadLetter(env, ReasonEnqueueFailed, err)
		return NewDeliveryError(env.Topic, env.ID, err)
	}
	env.Data = data

	b.mu.Lock()
	ts := b.topicLocked(env.Topic)
	ts.queue = append(ts.queue, queuedMessage{ctx: ctx, env: env})
	b.sent.Add(1)
	if ts.draining {
		b.mu.Unlock()
		return nil
	}
	ts.draining = true
	b.mu.Unlock()

	b.drain(env.Topic)
	return nil
}

// drain delivers the topic's queue in order. Only the drain owner calls it.
func (b *InMemoryBus) drain(topic string) {
	for {
		b.mu.Lock()
		ts := b.topics[topic]
		if len(ts.queue) == 0 {
			ts.draining = false
			b.pruneLocked(topic)
			b.mu.Unlock()
			return
		}
		next := ts.queue[0]
		recipients := b.recipientsLocked(ts)
		middleware := append([]Middleware(nil), b.middleware...)
		b.mu.Unlock()

		b.deliver(next.ctx, next.env, recipients, middleware)

		b.mu.Lock()
		ts.queue[0] = queuedMessage{}
		ts.queue = ts.queue[1:]
		b.mu.Unlock()
	}
}

// recipientsLocked picks the subscribers for the next message: every plain
// subscriber plus one member per queue group, in registration order.
func (b *InMemoryBus) recipientsLocked(ts *topicState) []*subscription {
	groups := make(map[string][]*subscription)
	for _, s := range ts.subs {
		if s.group != "" {
			groups[s.group] = append(groups[s.group], s)
		}
	}
	chosen := make(map[string]string, len(groups))
	for group, members := range groups {
		idx := ts.cursors[group] % len(members)
		chosen[group] = members[idx].id
		ts.cursors[group] = idx + 1
	}

	out := make([]*subscription, 0, len(ts.subs))
	for _, s := range ts.subs {
		if s.group == "" || chosen[s.group] == s.id {
			out = append(out, s)
		}
	}
	return out
}

func (b *InMemoryBus) deliver(ctx context.Context, env *Envelope, recipients []*subscription, middleware []Middleware) {
	if env.Expired(time.Now()) {
		b.deadLetter(env, ReasonExpired, fmt.Errorf("ttl %s elapsed", env.Metadata.TTL))
		return
	}

	current := env
	for _, mw := range middleware {
		processed, err := mw.Before(ctx, current)
		if err != nil {
			b.deadLetter(env, ReasonRejected, err)
			return
		}
		if processed == nil {
			b.logger.Debug("message_skipped", "topic", env.Topic, "message_id", env.ID)
			observability.RecordBusMessage(env.Topic, "skipped")
			return
		}
		current = processed
	}

	var firstErr error
	for _, sub := range recipients {
		start := time.Now()
		err := b.invoke(ctx, sub, current.Clone())
		elapsed := time.Since(start)

		b.latencyNanos.Add(int64(elapsed))
		b.latencyCount.Add(1)
		observability.RecordBusHandler(env.Topic, float64(elapsed.Microseconds())/1000.0)

		if err != nil {
			b.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			observability.RecordBusMessage(env.Topic, "handler_error")
			b.logger.Warn("subscriber_failed",
				"topic", env.Topic,
				"message_id", env.ID,
				"subscription_id", sub.id,
				"subscriber", sub.name,
				"error", err.Error(),
			)
			continue
		}
		b.received.Add(1)
	}

	for i := len(middleware) - 1; i >= 0; i-- {
		if err := middleware[i].After(ctx, current, firstErr); err != nil {
			b.logger.Warn("middleware_after_failed", "topic", env.Topic, "error", err.Error())
		}
	}
	observability.RecordBusMessage(env.Topic, "delivered")
}

func (b *InMemoryBus) invoke(ctx context.Context, sub *subscription, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanicError{SubscriptionID: sub.id, Value: r}
		}
	}()
	return sub.handler(ctx, env)
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

func (b *InMemoryBus) deadLetter(env *Envelope, reason string, cause error) {
	dl := &DeadLetter{
		ID:             "dlq_" + uuid.New().String()[:16],
		Namespace:      DeadLetterNamespace(env.Topic),
		Envelope:       env.Clone(),
		Reason:         reason,
		RetryCount:     env.Metadata.RetryCount,
		DeadLetteredAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, dl)
	b.mu.Unlock()

	b.deadLettered.Add(1)
	observability.RecordBusMessage(env.Topic, "dead_lettered")
	b.logger.Warn("message_dead_lettered",
		"topic", env.Topic,
		"message_id", env.ID,
		"namespace", dl.Namespace,
		"reason", reason,
		"error", dl.Error,
	)
}

// DeadLetters lists dead letters for topic, or every dead letter for "".
func (b *InMemoryBus) DeadLetters(topic string) []*DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns := DeadLetterNamespace(topic)
	out := make([]*DeadLetter, 0, len(b.deadLetters))
	for _, dl := range b.deadLetters {
		if topic == "" || dl.Namespace == ns {
			out = append(out, dl.clone())
		}
	}
	return out
}

// ReplayDeadLetter removes a dead letter and publishes its envelope again
// with RetryCount incremented. Once RetryCount has reached MaxRetries the
// dead letter stays put and a *RetriesExhaustedError is returned.
func (b *InMemoryBus) ReplayDeadLetter(ctx context.Context, deadLetterID string) (string, error) {
	b.mu.Lock()
	idx := -1
	for i, dl := range b.deadLetters {
		if dl.ID == deadLetterID {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return "", fmt.Errorf("%s: %w", deadLetterID, ErrDeadLetterNotFound)
	}
	dl := b.deadLetters[idx]
	if dl.Envelope.Metadata.RetryCount >= dl.Envelope.Metadata.MaxRetries {
		b.mu.Unlock()
		return "", NewRetriesExhaustedError(dl.Envelope.ID, dl.Envelope.Metadata.RetryCount, dl.Envelope.Metadata.MaxRetries)
	}
	b.deadLetters = append(b.deadLetters[:idx], b.deadLetters[idx+1:]...)
	b.mu.Unlock()

	env := dl.Envelope.Clone()
	env.Metadata.RetryCount++
	env.Timestamp = time.Now().UTC()
	env.Data = nil

	b.logger.Info("dead_letter_replayed",
		"dead_letter_id", deadLetterID,
		"message_id", env.ID,
		"retry_count", env.Metadata.RetryCount,
	)
	return env.ID, b.enqueue(ctx, env)
}

// =============================================================================
// REQUEST / REPLY
// =============================================================================

// Request publishes a QUERY on topic and waits for the first reply.
// A non-positive timeout uses the configured query timeout.
func (b *InMemoryBus) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = b.config.QueryTimeout()
	}

	b.mu.Lock()
	ts, ok := b.topics[topic]
	hasSubs := ok && len(ts.subs) > 0
	b.mu.Unlock()
	if !hasSubs {
		return nil, NewNoHandlerError(topic)
	}

	correlationID := uuid.New().String()
	inbox := inboxPrefix + correlationID
	replies := make(chan *Envelope, 1)
	subID := b.Subscribe(inbox, func(ctx context.Context, env *Envelope) error {
		select {
		case replies <- env:
		default:
		}
		return nil
	}, SubscribeOptions{Name: "reply-inbox"})
	defer b.Unsubscribe(subID)

	if _, err := b.Publish(ctx, topic, payload, PublishOptions{
		Type:          MessageTypeQuery,
		CorrelationID: correlationID,
		ReplyTo:       inbox,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, NewQueryTimeoutError(topic, timeout.Seconds())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply publishes payload as the RESPONSE to request.
func (b *InMemoryBus) Reply(ctx context.Context, request *Envelope, payload any) error {
	if request.Metadata.ReplyTo == "" {
		return fmt.Errorf("reply to %s: %w", request.ID, ErrNoReplyTo)
	}
	_, err := b.Publish(ctx, request.Metadata.ReplyTo, payload, PublishOptions{
		Type:          MessageTypeResponse,
		CorrelationID: request.Metadata.CorrelationID,
		Destination:   request.Metadata.Source,
	})
	return err
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe registers handler on topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler, opts SubscribeOptions) string {
	sub := &subscription{
		id:      "sub_" + uuid.New().String()[:16],
		topic:   topic,
		name:    opts.Name,
		group:   opts.QueueGroup,
		durable: opts.Durable,
		handler: handler,
	}

	b.mu.Lock()
	ts := b.topicLocked(topic)
	ts.subs = append(ts.subs, sub)
	b.subIndex[sub.id] = topic
	b.mu.Unlock()

	b.logger.Debug("subscribed", "topic", topic, "subscription_id", sub.id, "queue_group", sub.group)
	return sub.id
}

// Unsubscribe removes a subscription.
func (b *InMemoryBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.subIndex[subscriptionID]
	if !ok {
		return false
	}
	delete(b.subIndex, subscriptionID)

	ts := b.topics[topic]
	for i, s := range ts.subs {
		if s.id == subscriptionID {
			ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
			break
		}
	}
	b.pruneLocked(topic)
	b.logger.Debug("unsubscribed", "topic", topic, "subscription_id", subscriptionID)
	return true
}

// AddMiddleware adds middleware to the bus.
// Middleware is executed in registration order.
func (b *InMemoryBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// Metrics returns the bus counters.
func (b *InMemoryBus) Metrics() BusMetrics {
	m := BusMetrics{
		MessagesSent:     b.sent.Load(),
		MessagesReceived: b.received.Load(),
		Errors:           b.errors.Load(),
		DeadLettered:     b.deadLettered.Load(),
	}
	if n := b.latencyCount.Load(); n > 0 {
		m.AverageLatency = time.Duration(b.latencyNanos.Load() / n)
	}
	return m
}

// Health reports topic, subscriber and queue counts.
func (b *InMemoryBus) Health() BusHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := BusHealth{Topics: len(b.topics), DeadLetters: len(b.deadLetters)}
	for _, ts := range b.topics {
		h.Subscribers += len(ts.subs)
		h.QueuedMessages += len(ts.queue)
	}
	return h
}

// Topics returns the topics that currently have subscribers.
func (b *InMemoryBus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.topics))
	for topic, ts := range b.topics {
		if len(ts.subs) > 0 {
			out = append(out, topic)
		}
	}
	return out
}

// Clear removes all subscribers, middleware and dead letters.
// Useful for testing.
func (b *InMemoryBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, ts := range b.topics {
		ts.subs = nil
		b.pruneLocked(topic)
	}
	b.subIndex = make(map[string]string)
	b.middleware = nil
	b.deadLetters = nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryBus) topicLocked(topic string) *topicState {
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{cursors: make(map[string]int)}
		b.topics[topic] = ts
	}
	return ts
}

// pruneLocked forgets a topic with no subscribers and nothing in flight.
func (b *InMemoryBus) pruneLocked(topic string) {
	ts, ok := b.topics[topic]
	if ok && len(ts.subs) == 0 && len(ts.queue) == 0 && !ts.draining {
		delete(b.topics, topic)
	}
}

// Ensure InMemoryBus implements Bus interface.
var _ Bus = (*InMemoryBus)(nil)
