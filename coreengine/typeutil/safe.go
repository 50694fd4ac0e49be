// Package typeutil converts values read from untyped maps at the recovery
// core's boundaries (handler contexts, persisted snapshots, health signal
// payloads) without panicking on a wrong type.
package typeutil

import (
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// VALUE CONVERSIONS
// =============================================================================

// AsString asserts v to string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsInt converts integer and integral float values, and numeric strings.
// JSON decoding produces float64 for every number, so PIDs arrive that way.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case float32:
		if n != float32(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

// AsFloat converts numeric values and numeric strings to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsBool asserts v to bool.
func AsBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// AsMap asserts v to map[string]any.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// AsStringSlice accepts []string, or []any holding only strings.
func AsStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

// =============================================================================
// MAP LOOKUPS
// =============================================================================

// String reads m[key] as a string. A nil map yields false.
func String(m map[string]any, key string) (string, bool) {
	return AsString(m[key])
}

// StringOr reads m[key] as a non-empty string, falling back to def.
func StringOr(m map[string]any, key, def string) string {
	if s, ok := String(m, key); ok && s != "" {
		return s
	}
	return def
}

// Int reads m[key] as an int.
func Int(m map[string]any, key string) (int, bool) {
	return AsInt(m[key])
}

// Float reads m[key] as a float64.
func Float(m map[string]any, key string) (float64, bool) {
	return AsFloat(m[key])
}

// FloatOr reads m[key] as a float64, falling back to def.
func FloatOr(m map[string]any, key string, def float64) float64 {
	if f, ok := Float(m, key); ok {
		return f
	}
	return def
}

// Bool reads m[key] as a bool.
func Bool(m map[string]any, key string) (bool, bool) {
	return AsBool(m[key])
}

// Map reads m[key] as a nested map.
func Map(m map[string]any, key string) (map[string]any, bool) {
	return AsMap(m[key])
}

// StringSlice reads m[key] as a string slice.
func StringSlice(m map[string]any, key string) ([]string, bool) {
	return AsStringSlice(m[key])
}

// Seconds reads m[key] as a number of seconds.
func Seconds(m map[string]any, key string) (time.Duration, bool) {
	f, ok := Float(m, key)
	if !ok || f < 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// Path walks nested maps along a dot-separated path, e.g. "fix.parsed_data.pid".
func Path(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	var current any = m
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			continue
		}
		node, ok := AsMap(current)
		if !ok {
			return nil, false
		}
		if current, ok = node[key]; !ok {
			return nil, false
		}
	}
	return current, true
}
