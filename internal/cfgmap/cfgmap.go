// Package cfgmap reads typed values out of the loosely typed maps that
// producer factories receive from config files.
package cfgmap

import (
	"time"
)

// Map is a producer config blob as decoded from TOML, YAML or JSON.
type Map map[string]any

// String returns m[k] when it is a non-empty string, else def.
func (m Map) String(k, def string) string {
	if v, ok := m[k].(string); ok && v != "" {
		return v
	}
	return def
}

// Int accepts the integer and float types the decoders produce.
func (m Map) Int(k string, def int) int {
	switch v := m[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func (m Map) Bool(k string, def bool) bool {
	if v, ok := m[k].(bool); ok {
		return v
	}
	return def
}

// Duration accepts a Go duration string or a number of milliseconds.
func (m Map) Duration(k string, def time.Duration) time.Duration {
	switch v := m[k].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case time.Duration:
		return v
	case int, int64, float64:
		return time.Duration(m.Int(k, 0)) * time.Millisecond
	}
	return def
}

// Strings accepts a list of strings or a single string.
func (m Map) Strings(k string) []string {
	switch v := m[k].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
