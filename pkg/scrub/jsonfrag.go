// Package scrub removes structured tool-call and routing artifacts that
// some OpenAI-compatible gateways leak into the assistant text channel.
// Everything here is best-effort heuristics: the goal is that partial or
// whole tool payloads never reach UI or TTS, while legitimate JSON the
// user asked for passes through.
package scrub

import (
	"encoding/json"
	"strings"
)

// LeadingJSONFragment returns the complete JSON object/array at the very
// start of s, tracking brace/bracket/string/escape state so fragments
// split across chunk boundaries are handled by the caller's buffering.
// Returns "" when s does not start with '{' or '[', when brackets are
// mismatched, or when the fragment is still incomplete.
func LeadingJSONFragment(s string) string {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return ""
	}

	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) == 0 {
				return ""
			}
			opener := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (opener == '{' && ch != '}') || (opener == '[' && ch != ']') {
				return ""
			}
			if len(stack) == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// AnyJSONFragment finds the first complete JSON object/array anywhere in
// s. Used on whole (non-streaming) replies.
func AnyJSONFragment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	start := -1
	for _, idx := range []int{strings.IndexByte(s, '{'), strings.IndexByte(s, '[')} {
		if idx >= 0 && (start < 0 || idx < start) {
			start = idx
		}
	}
	if start < 0 {
		return ""
	}
	return LeadingJSONFragment(s[start:])
}

// parseFragment decodes a fragment for heuristic inspection. Oversized
// fragments are not parsed; callers fall back to text hints.
func parseFragment(fragment string) (any, bool) {
	if len(fragment) > 50_000 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(fragment), &v); err != nil {
		return nil, false
	}
	return v, true
}

func lowerKeys(m map[string]any) map[string]struct{} {
	keys := make(map[string]struct{}, len(m))
	for k := range m {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return keys
}

func hasAny(keys map[string]struct{}, names ...string) bool {
	for _, n := range names {
		if _, ok := keys[n]; ok {
			return true
		}
	}
	return false
}

// LooksLikeToolCallPayload reports whether decoded JSON resembles a
// tool-call or tool-routing payload: OpenAI-style
// [{"type":"function","function":{"name":...,"arguments":...}}] and the
// common gateway variants ("tools"/"tool_calls" keys, {"tool":..,
// "args":..}, {"id":..,"name":..,"arguments":..}).
func LooksLikeToolCallPayload(v any) bool {
	switch data := v.(type) {
	case map[string]any:
		keys := lowerKeys(data)
		dtype, _ := data["type"].(string)
		dtype = strings.ToLower(dtype)

		if hasAny(keys, "tool_calls", "tools") || dtype == "tool_calls" || dtype == "tool_call" {
			return true
		}

		fn, fnIsMap := data["function"].(map[string]any)
		if dtype == "function" {
			if fnIsMap {
				fkeys := lowerKeys(fn)
				if hasAny(fkeys, "name") && hasAny(fkeys, "arguments", "args") {
					return true
				}
			}
			if hasAny(keys, "name") && hasAny(keys, "arguments", "args") {
				return true
			}
		}

		// Tool call dict without an explicit "type":"function".
		if fnIsMap {
			fkeys := lowerKeys(fn)
			if hasAny(fkeys, "name") && hasAny(fkeys, "arguments", "args") {
				return true
			}
		}

		if hasAny(keys, "tool") && hasAny(keys, "args", "arguments", "tool_input", "toolinput") {
			return true
		}

		if hasAny(keys, "name") && hasAny(keys, "arguments", "args") && hasAny(keys, "id", "tool") {
			return true
		}
		return false

	case []any:
		if len(data) == 0 {
			return false
		}
		anyMatch := false
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok {
				return false
			}
			if LooksLikeToolCallPayload(m) {
				anyMatch = true
			}
		}
		return anyMatch
	}
	return false
}

// LooksLikeRouteTagList reports whether decoded JSON is a leaked
// routing/tag list such as ["local_search","map_guide"]. Conservative:
// only short lists of identifier-like snake_case tokens, at least one
// containing an underscore.
func LooksLikeRouteTagList(v any) bool {
	items, ok := v.([]any)
	if !ok || len(items) == 0 || len(items) > 24 {
		return false
	}
	hasUnderscore := false
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return false
		}
		s = strings.TrimSpace(s)
		if !isIdentToken(s) {
			return false
		}
		if strings.ContainsRune(s, '_') {
			hasUnderscore = true
		}
	}
	return hasUnderscore
}

// isIdentToken matches [a-zA-Z_][a-zA-Z0-9_]{0,63}.
func isIdentToken(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// toolPayloadTextHint is the fallback judgement for fragments that fail
// to parse (truncated or over the size cap): drop only on strong
// tool-call markers.
func toolPayloadTextHint(fragment string) bool {
	lowered := strings.ToLower(fragment)
	if strings.Contains(lowered, "tool_calls") || strings.Contains(lowered, `"tools"`) {
		return true
	}
	return strings.Contains(lowered, `"function"`) &&
		strings.Contains(lowered, `"arguments"`) &&
		strings.Contains(lowered, `"name"`)
}

// toolPayloadForceProbe judges a still-incomplete buffer at flush time,
// with spaces removed so `"type": "function"` variants match.
func toolPayloadForceProbe(s string) bool {
	compact := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "")
	if strings.Contains(compact, strings.ToLower(toolSelectionMarker)) {
		return true
	}
	if strings.Contains(compact, "tool_calls") || strings.Contains(compact, `"tools"`) {
		return true
	}
	if strings.Contains(compact, `"type":"function"`) {
		return true
	}
	return strings.Contains(compact, `"function"`) &&
		strings.Contains(compact, `"arguments"`) &&
		strings.Contains(compact, `"name"`)
}
