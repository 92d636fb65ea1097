// Package commbus provides the in-process message bus.
//
// Topics are delivered in publish order to every subscriber, in
// registration order. Queue groups share a topic so that exactly one member
// sees each message. Envelopes that cannot be enqueued or delivered are
// copied into the topic's dead-letter queue.
package commbus

import (
	"context"
	"time"
)

// =============================================================================
// HANDLERS AND MIDDLEWARE
// =============================================================================

// Handler processes one envelope. Handlers receive their own copy.
type Handler func(ctx context.Context, env *Envelope) error

// Middleware intercepts deliveries.
type Middleware interface {
	// Before runs before subscribers are invoked. Returning an error
	// dead-letters the envelope; returning nil, nil skips it.
	Before(ctx context.Context, env *Envelope) (*Envelope, error)

	// After runs once every subscriber has returned, with the first
	// subscriber error if any.
	After(ctx context.Context, env *Envelope, err error) error
}

// =============================================================================
// OPTIONS
// =============================================================================

// PublishOptions overrides envelope defaults. Zero values take defaults:
// type EVENT, priority NORMAL, the bus's default max retries and TTL.
type PublishOptions struct {
	Type          MessageType
	Priority      Priority
	MaxRetries    int
	TTL           time.Duration
	Source        string
	Destination   string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]string
}

// SubscribeOptions configure a subscription.
type SubscribeOptions struct {
	// Name labels the subscriber in logs.
	Name string
	// QueueGroup makes subscribers sharing it receive each message once, round-robin.
	QueueGroup string
	// Durable is recorded but has no effect on an in-process bus.
	Durable bool
}

// =============================================================================
// STATS
// =============================================================================

// BusMetrics are monotonically increasing counters.
type BusMetrics struct {
	MessagesSent     int64         `json:"messages_sent"`
	MessagesReceived int64         `json:"messages_received"`
	Errors           int64         `json:"errors"`
	DeadLettered     int64         `json:"dead_lettered"`
	AverageLatency   time.Duration `json:"average_latency"`
}

// BusHealth describes the current state of the bus.
type BusHealth struct {
	Topics         int `json:"topics"`
	Subscribers    int `json:"subscribers"`
	QueuedMessages int `json:"queued_messages"`
	DeadLetters    int `json:"dead_letters"`
}

// =============================================================================
// BUS
// =============================================================================

// Bus is the message bus contract.
type Bus interface {
	// Publish builds an envelope and delivers it to the topic's subscribers.
	Publish(ctx context.Context, topic string, payload any, opts PublishOptions) (string, error)

	// PublishEvent publishes payload as an EVENT with default options.
	PublishEvent(ctx context.Context, topic string, payload any) error

	// Subscribe registers handler on topic and returns the subscription id.
	Subscribe(topic string, handler Handler, opts SubscribeOptions) string

	// Unsubscribe removes a subscription. It reports whether it existed.
	Unsubscribe(subscriptionID string) bool

	// Request publishes a QUERY and waits for the first reply.
	Request(ctx context.Context, topic string, payload any, timeout time.Duration) (*Envelope, error)

	// Reply answers a QUERY envelope.
	Reply(ctx context.Context, request *Envelope, payload any) error

	// AddMiddleware appends middleware; it runs in registration order.
	AddMiddleware(middleware Middleware)

	// DeadLetters lists dead letters for topic, or all of them for "".
	DeadLetters(topic string) []*DeadLetter

	// ReplayDeadLetter republishes a dead letter with its retry count bumped.
	ReplayDeadLetter(ctx context.Context, deadLetterID string) (string, error)

	Metrics() BusMetrics
	Health() BusHealth
}
