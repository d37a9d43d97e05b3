package scrub

import (
	"regexp"
	"strings"
)

var codeFenceRE = regexp.MustCompile("```([^\n`]*)\n([\\s\\S]*?)```")

// StripToolJSONBlocks removes leading JSON blocks that look like
// tool-call payloads from an assembled (non-streaming) reply. At most
// maxBlocks blocks are removed.
func StripToolJSONBlocks(text string, maxBlocks int) string {
	if text == "" {
		return text
	}
	cleaned := text
	for range max(0, maxBlocks) {
		idx := -1
		for _, i := range []int{strings.IndexByte(cleaned, '{'), strings.IndexByte(cleaned, '[')} {
			if i >= 0 && (idx < 0 || i < idx) {
				idx = i
			}
		}
		if idx < 0 {
			break
		}
		fragment := LeadingJSONFragment(cleaned[idx:])
		if fragment == "" || len(fragment) > 50_000 {
			break
		}

		parsed, ok := parseFragment(fragment)
		if ok {
			if !LooksLikeToolCallPayload(parsed) {
				break
			}
		} else {
			lowered := strings.ToLower(fragment)
			strong := strings.Contains(lowered, "tool_calls") ||
				strings.Contains(lowered, `"tools"`) ||
				(strings.Contains(lowered, `"function"`) &&
					strings.Contains(lowered, `"arguments"`) &&
					strings.Contains(lowered, `"name"`)) ||
				(strings.Contains(lowered, `"type"`) && strings.Contains(lowered, `"function"`))
			if !strong {
				break
			}
		}
		cleaned = strings.TrimSpace(cleaned[:idx] + cleaned[idx+len(fragment):])
	}
	return cleaned
}

// StripRouteTagLists removes leaked route/tag list fragments (e.g.
// `["local_search","map_guide"]}`) from an assembled reply. A list is
// removed only when followed by a stray brace or another JSON block;
// plain JSON lists in prose are kept.
func StripRouteTagLists(text string, maxBlocks int) string {
	if text == "" {
		return text
	}
	cleaned := text
	pos := 0
	removed := 0
	for removed < max(0, maxBlocks) {
		idx := strings.Index(cleaned[pos:], "[")
		if idx < 0 {
			break
		}
		idx += pos

		fragment := LeadingJSONFragment(cleaned[idx:])
		if fragment == "" || len(fragment) > 20_000 {
			break
		}

		parsed, ok := parseFragment(fragment)
		if !ok || !LooksLikeRouteTagList(parsed) {
			pos = idx + 1
			continue
		}

		after := cleaned[idx+len(fragment):]
		afterTrim := strings.TrimLeft(after, " \t\r\n")
		removeTrailingBrace := strings.HasPrefix(afterTrim, "}")
		var next byte
		if afterTrim != "" {
			next = afterTrim[0]
		}
		if !removeTrailingBrace && next != '{' && next != '[' && next != ']' {
			// A normal JSON list in prose.
			pos = idx + 1
			continue
		}

		end := idx + len(fragment)
		if removeTrailingBrace {
			end += (len(after) - len(afterTrim)) + 1
		}
		cleaned = strings.TrimSpace(cleaned[:idx] + cleaned[end:])
		removed++
		pos = 0
	}
	return cleaned
}

// StripToolCodeFences removes code fences whose body is clearly a tool
// trace (marker lines, tool-call payloads, route-tag lists). Ordinary
// code blocks the user asked for are kept.
func StripToolCodeFences(text string, maxBlocks int) string {
	if text == "" || !strings.Contains(text, "```") || maxBlocks <= 0 {
		return text
	}

	removed := 0
	return codeFenceRE.ReplaceAllStringFunc(text, func(match string) string {
		if removed >= maxBlocks {
			return match
		}
		sub := codeFenceRE.FindStringSubmatch(match)
		if sub == nil {
			return match
		}
		if fenceLooksLikeToolTrace(sub[1], sub[2]) {
			removed++
			return ""
		}
		return match
	})
}

func fenceLooksLikeToolTrace(lang, body string) bool {
	langKey := strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(langKey, " \t"); i >= 0 {
		langKey = langKey[:i]
	}
	body = strings.TrimLeft(body, " \t\r\n")
	if body == "" {
		return false
	}

	if strings.HasPrefix(strings.ToLower(body), toolSelectionMarker) {
		return true
	}
	switch langKey {
	case "tool", "tools", "tool_calls", "toolcalls", "toolcall":
		return true
	}

	if body[0] == '{' || body[0] == '[' {
		fragment := LeadingJSONFragment(body)
		if fragment == "" {
			return false
		}
		if parsed, ok := parseFragment(fragment); ok {
			return LooksLikeToolCallPayload(parsed) || LooksLikeRouteTagList(parsed)
		}
		return toolPayloadTextHint(fragment)
	}
	return false
}
