package commbus

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// =============================================================================
// ENUMS
// =============================================================================

// MessageType classifies an envelope.
type MessageType string

const (
	MessageTypeCommand   MessageType = "command"
	MessageTypeEvent     MessageType = "event"
	MessageTypeQuery     MessageType = "query"
	MessageTypeResponse  MessageType = "response"
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeCommand, MessageTypeEvent, MessageTypeQuery, MessageTypeResponse, MessageTypeHeartbeat:
		return true
	}
	return false
}

// Priority is an ordered message priority. The zero value means "unset".
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name to a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low", "LOW":
		return PriorityLow, true
	case "normal", "NORMAL", "":
		return PriorityNormal, true
	case "high", "HIGH":
		return PriorityHigh, true
	case "critical", "CRITICAL":
		return PriorityCritical, true
	}
	return 0, false
}

// =============================================================================
// ENVELOPE
// =============================================================================

// Metadata carries delivery bookkeeping for an envelope.
type Metadata struct {
	Priority      Priority      `json:"priority"`
	TTL           time.Duration `json:"ttl,omitempty"` // 0 = never expires
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	Source        string        `json:"source,omitempty"`
	Destination   string        `json:"destination,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	ReplyTo       string        `json:"reply_to,omitempty"`
}

// Envelope is a message on the bus. Payload is the value given to Publish;
// Data is its encoded form.
type Envelope struct {
	ID        string            `json:"id"`
	Type      MessageType       `json:"type"`
	Topic     string            `json:"topic"`
	Payload   any               `json:"-"`
	Data      []byte            `json:"data,omitempty"`
	Metadata  Metadata          `json:"metadata"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
}

// Clone returns a copy that shares no mutable state with e.
// Payload is shared; it is the publisher's value and is treated as read-only.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	if e.Headers != nil {
		c.Headers = maps.Clone(e.Headers)
	}
	return &c
}

// Expired reports whether the envelope's TTL has elapsed at now.
func (e *Envelope) Expired(now time.Time) bool {
	return e.Metadata.TTL > 0 && now.Sub(e.Timestamp) > e.Metadata.TTL
}

// Decode unmarshals Data, which the default codec writes as JSON.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s has no data", e.ID)
	}
	return json.Unmarshal(e.Data, v)
}

// =============================================================================
// DEAD LETTERS
// =============================================================================

// Dead-letter reasons.
const (
	ReasonEnqueueFailed = "enqueue_failed"
	ReasonExpired       = "expired"
	ReasonRejected      = "rejected"
)

// DeadLetterPrefix prefixes every dead-letter namespace.
const DeadLetterPrefix = "dlq."

// DeadLetterNamespace returns the dead-letter namespace of a topic.
func DeadLetterNamespace(topic string) string {
	return DeadLetterPrefix + topic
}

// DeadLetter is a copy of an undeliverable envelope with the failure recorded.
type DeadLetter struct {
	ID             string    `json:"id"`
	Namespace      string    `json:"namespace"`
	Envelope       *Envelope `json:"envelope"`
	Reason         string    `json:"reason"`
	Error          string    `json:"error,omitempty"`
	RetryCount     int       `json:"retry_count"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

func (d *DeadLetter) clone() *DeadLetter {
	c := *d
	c.Envelope = d.Envelope.Clone()
	return &c
}

// =============================================================================
// CODEC
// =============================================================================

// Codec encodes payloads at enqueue time.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

var _ Codec = JSONCodec{}
