package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseValue reads a command line literal: integers become int64, then
// floats, booleans and comma separated lists in brackets. Anything else
// stays a string; quote it to force a string.
func parseValue(s string) any {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		body := strings.TrimSpace(s[1 : len(s)-1])
		if body == "" {
			return []any{}
		}
		parts := strings.Split(body, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, parseValue(p))
		}
		return out
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return s
}

// parsePV splits a NAME=VALUE flag.
func parsePV(kv string) (string, any, error) {
	name, val, ok := strings.Cut(kv, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("--pv %q: want NAME=VALUE", kv)
	}
	return name, parseValue(val), nil
}

// normalizeTOMLValue maps decoded TOML onto the value codec's types.
func normalizeTOMLValue(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeTOMLValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeTOMLValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeTOMLValue(item)
		}
		return out
	default:
		return v
	}
}
