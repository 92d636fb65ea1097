// Package typeutil provides comma-ok accessors for loosely typed maps.
//
// Configuration maps and execution inputs arrive as map[string]any (decoded
// JSON, YAML or protobuf Struct values). These helpers read them without
// panicking on a failed type assertion and normalise the numeric types the
// different decoders produce.
package typeutil

import (
	"strings"
)

// Kind classifies a decoded value.
type Kind string

const (
	KindNull   Kind = "null"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindList   Kind = "list"
	KindOther  Kind = "other"
)

// KindOf reports the Kind of a decoded value.
func KindOf(value any) Kind {
	switch value.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return KindNumber
	case bool:
		return KindBool
	case map[string]any:
		return KindObject
	case []any, []string, []int, []float64, []map[string]any:
		return KindList
	default:
		return KindOther
	}
}

// AsString asserts value to string.
func AsString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// AsInt converts any integer or float value to int.
// Floats are accepted because JSON and structpb decode every number as float64.
func AsInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case uint:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// AsFloat converts any numeric value to float64.
func AsFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// AsBool asserts value to bool.
func AsBool(value any) (bool, bool) {
	b, ok := value.(bool)
	return b, ok
}

// AsMap asserts value to map[string]any.
func AsMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	return m, ok && m != nil
}

// AsStringSlice accepts []string or a []any made only of strings.
func AsStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// AsFloatSlice accepts []float64 or a []any made only of numbers.
func AsFloatSlice(value any) ([]float64, bool) {
	switch v := value.(type) {
	case []float64:
		return v, true
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			f, ok := AsFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	default:
		return nil, false
	}
}

// Lookup walks a dot-separated path through nested maps.
//
//	Lookup(cfg, "engine.drain_interval_ms")
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	var current any = data
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			continue
		}
		m, ok := AsMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LookupString reads a string at path.
func LookupString(data map[string]any, path string) (string, bool) {
	v, ok := Lookup(data, path)
	if !ok {
		return "", false
	}
	return AsString(v)
}

// LookupInt reads an integer at path.
func LookupInt(data map[string]any, path string) (int, bool) {
	v, ok := Lookup(data, path)
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// LookupFloat reads a number at path.
func LookupFloat(data map[string]any, path string) (float64, bool) {
	v, ok := Lookup(data, path)
	if !ok {
		return 0, false
	}
	return AsFloat(v)
}

// LookupBool reads a bool at path.
func LookupBool(data map[string]any, path string) (bool, bool) {
	v, ok := Lookup(data, path)
	if !ok {
		return false, false
	}
	return AsBool(v)
}

// LookupStringSlice reads a string list at path.
func LookupStringSlice(data map[string]any, path string) ([]string, bool) {
	v, ok := Lookup(data, path)
	if !ok {
		return nil, false
	}
	return AsStringSlice(v)
}
