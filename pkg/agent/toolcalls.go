package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mintlabs/chatpipe/pkg/scrub"
)

// toolCallSpec is a tool invocation recovered from raw model text.
type toolCallSpec struct {
	Name string
	Args string // JSON object
}

// extractToolCalls parses tool-call-shaped JSON out of raw text. Used
// by the rescue chain when the model emitted only a tool-call payload
// instead of prose.
func extractToolCalls(text string) []toolCallSpec {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil
	}
	frag := scrub.LeadingJSONFragment(raw)
	if frag == "" {
		frag = scrub.AnyJSONFragment(raw)
	}
	if frag == "" {
		return nil
	}
	var data any
	if err := json.Unmarshal([]byte(frag), &data); err != nil {
		return nil
	}

	var calls []toolCallSpec
	appendCall := func(obj any) {
		switch v := obj.(type) {
		case map[string]any:
			var name string
			var args any
			if fn, ok := v["function"].(map[string]any); ok {
				name, _ = fn["name"].(string)
				if name == "" {
					name, _ = v["name"].(string)
				}
				args = firstPresent(fn, "arguments", "args")
			} else {
				name = firstString(v, "name", "tool", "tool_name", "function_name")
				args = firstPresent(v, "arguments", "args", "params")
			}
			if name != "" {
				calls = append(calls, toolCallSpec{Name: name, Args: normalizeArgs(args)})
			}
		case string:
			if s := strings.TrimSpace(v); s != "" {
				calls = append(calls, toolCallSpec{Name: s, Args: "{}"})
			}
		}
	}

	switch v := data.(type) {
	case map[string]any:
		if list, ok := v["tool_calls"].([]any); ok {
			for _, c := range list {
				appendCall(c)
			}
		} else if list, ok := v["tools"].([]any); ok {
			for _, c := range list {
				appendCall(c)
			}
		} else if _, ok := v["name"]; ok {
			if _, hasArgs := v["arguments"]; hasArgs {
				appendCall(v)
			} else if _, hasArgs := v["args"]; hasArgs {
				appendCall(v)
			}
		}
	case []any:
		for _, c := range v {
			appendCall(c)
		}
	}
	return calls
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// normalizeArgs coerces an arguments value into a JSON object string.
func normalizeArgs(v any) string {
	switch args := v.(type) {
	case nil:
		return "{}"
	case string:
		s := strings.TrimSpace(args)
		if s == "" {
			return "{}"
		}
		var probe map[string]any
		if json.Unmarshal([]byte(s), &probe) == nil {
			return s
		}
		return "{}"
	case map[string]any:
		data, err := json.Marshal(args)
		if err != nil {
			return "{}"
		}
		return string(data)
	default:
		return "{}"
	}
}

// executeToolCallsFromText parses and runs tool calls found in raw
// text, recording each run on the bundle recorder. It returns the
// concatenated tool outputs, or "" when nothing ran.
func (a *Agent) executeToolCallsFromText(ctx context.Context, b *Bundle, text string) string {
	calls := extractToolCalls(text)
	if len(calls) == 0 {
		return ""
	}

	var results []string
	for _, call := range calls {
		if call.Name == "" {
			continue
		}
		id := b.Recorder.MarkStart(call.Name, call.Args)
		out, err := a.registry.Execute(ctx, call.Name, call.Args, a.toolTimeout)
		b.Recorder.RecordEnd(id, out, err)
		if err != nil {
			a.logger.Warn("agent: rescued tool call failed", "tool", call.Name, "err", err)
			continue
		}
		if s := strings.TrimSpace(out); s != "" {
			results = append(results, s)
		}
	}
	return strings.Join(results, "\n")
}
