package grpc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// =============================================================================
// STRUCT CONVERSION
// =============================================================================

// toStruct converts any JSON-encodable value into a Struct. Values go through
// encoding/json first so typed slices, durations and structs survive.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("value is not an object: %w", err)
	}
	return structpb.NewStruct(m)
}

// toValue converts any JSON-encodable value into a Value.
func toValue(v any) (*structpb.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return structpb.NewValue(out)
}

// fromStruct returns the request fields; a nil request is empty.
func fromStruct(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}

// =============================================================================
// EXECUTION OPTIONS
// =============================================================================

// executeOptions reads the optional "options" object of SubmitExecution.
//
//	{"user_id": "u1", "priority": "high", "timeout_ms": 5000, "max_cost": 0.5,
//	 "cpu": 2, "memory_mb": 1024, "max_retries": 1, "compliance": ["hipaa"]}
func executeOptions(raw map[string]any) (kernel.ExecuteOptions, error) {
	var opts kernel.ExecuteOptions
	if raw == nil {
		return opts, nil
	}

	opts.Context.UserID, _ = typeutil.AsString(raw["user_id"])
	opts.Context.SessionID, _ = typeutil.AsString(raw["session_id"])
	opts.Context.WorkflowID, _ = typeutil.AsString(raw["workflow_id"])
	opts.Context.Environment, _ = typeutil.AsString(raw["environment"])

	if v, ok := raw["priority"]; ok {
		p, err := parsePriority(v)
		if err != nil {
			return opts, err
		}
		opts.Priority = p
	}
	if ms, ok := typeutil.AsInt(raw["timeout_ms"]); ok {
		if ms <= 0 {
			return opts, fmt.Errorf("timeout_ms must be positive")
		}
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := typeutil.AsInt(raw["max_retries"]); ok {
		if n < 0 {
			return opts, fmt.Errorf("max_retries must not be negative")
		}
		opts.MaxRetries = n
	}
	if cost, ok := typeutil.AsFloat(raw["max_cost"]); ok {
		opts.Constraints.MaxCost = cost
	}
	if compliance, ok := typeutil.AsStringSlice(raw["compliance"]); ok {
		opts.Constraints.Compliance = compliance
	}
	if tags, ok := typeutil.AsMap(raw["tags"]); ok {
		opts.Tags = make(map[string]string, len(tags))
		for k, v := range tags {
			opts.Tags[k] = fmt.Sprint(v)
		}
	}

	// Explicit resources replace the estimate as a whole.
	cpu, hasCPU := typeutil.AsFloat(raw["cpu"])
	memory, hasMemory := typeutil.AsInt(raw["memory_mb"])
	gpu, hasGPU := typeutil.AsInt(raw["gpu"])
	if hasCPU || hasMemory || hasGPU {
		opts.Resources = &kernel.ResourceRequirements{CPU: cpu, MemoryMB: memory, GPU: gpu}
	}
	return opts, nil
}

func parsePriority(v any) (kernel.Priority, error) {
	if n, ok := typeutil.AsInt(v); ok {
		p := kernel.Priority(n)
		if p < kernel.PriorityLow || p > kernel.PriorityCritical {
			return 0, fmt.Errorf("priority %d out of range", n)
		}
		return p, nil
	}
	s, _ := typeutil.AsString(v)
	for p := kernel.PriorityLow; p <= kernel.PriorityCritical; p++ {
		if p.String() == strings.ToUpper(s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %v", v)
}

// =============================================================================
// BUS MESSAGES
// =============================================================================

// publishOptions reads the optional envelope fields of Publish.
func publishOptions(req map[string]any) (commbus.PublishOptions, error) {
	var opts commbus.PublishOptions
	if s, ok := typeutil.AsString(req["type"]); ok && s != "" {
		t := commbus.MessageType(s)
		if !t.Valid() {
			return opts, fmt.Errorf("unknown message type %q", s)
		}
		opts.Type = t
	}
	if s, ok := typeutil.AsString(req["priority"]); ok && s != "" {
		p, ok := commbus.ParsePriority(s)
		if !ok {
			return opts, fmt.Errorf("unknown priority %q", s)
		}
		opts.Priority = p
	}
	opts.Source, _ = typeutil.AsString(req["source"])
	opts.CorrelationID, _ = typeutil.AsString(req["correlation_id"])
	if ms, ok := typeutil.AsInt(req["ttl_ms"]); ok && ms > 0 {
		opts.TTL = time.Duration(ms) * time.Millisecond
	}
	if headers, ok := typeutil.AsMap(req["headers"]); ok {
		opts.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			opts.Headers[k] = fmt.Sprint(v)
		}
	}
	return opts, nil
}

// envelopeToStruct renders a delivered envelope for a subscriber stream.
// The payload is the decoded envelope data.
func envelopeToStruct(env *commbus.Envelope) (*structpb.Struct, error) {
	msg := map[string]any{
		"id":           env.ID,
		"topic":        env.Topic,
		"type":         string(env.Type),
		"priority":     env.Metadata.Priority.String(),
		"timestamp_ms": env.Timestamp.UnixMilli(),
	}
	if env.Metadata.CorrelationID != "" {
		msg["correlation_id"] = env.Metadata.CorrelationID
	}
	if len(env.Headers) > 0 {
		msg["headers"] = env.Headers
	}
	if len(env.Data) > 0 {
		var payload any
		if err := env.Decode(&payload); err != nil {
			return nil, err
		}
		msg["payload"] = payload
	}
	return toStruct(msg)
}
