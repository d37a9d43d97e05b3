package scrub

import (
	"regexp"
	"strings"
)

var (
	lineStartJSONOpenRE   = regexp.MustCompile(`(?:^|\n)[ \t]*([\[{])`)
	lineStartToolPrefixRE = regexp.MustCompile(`(?:^|\n)[ \t]*((?i:tool_))`)
	toolResultHeaderRE    = regexp.MustCompile(`(?i)^tool_result\s*:`)
	toolResultKVRE        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\s*:`)
	toolResultNumberedRE  = regexp.MustCompile(`^\d+\.`)
)

// TraceScrubber removes tool traces leaking anywhere mid-stream: marker
// lines, tool-call payload JSON, route-tag lists, and echoed
// "TOOL_RESULT:" blocks. Payloads can arrive split across chunks, so
// end-only filtering is not enough; once triggered the scrubber buffers
// a bounded tail and drains it block by block, holding back incomplete
// fragments so partial garbage never reaches UI or TTS.
type TraceScrubber struct {
	buffer         string
	maxBufferChars int
	maxScanBlocks  int
	inToolResult   bool
}

// NewTraceScrubber builds a scrubber keeping at most maxBufferChars of
// undecided tail (0 disables the cap) and scanning at most maxScanBlocks
// blocks per drain.
func NewTraceScrubber(maxBufferChars, maxScanBlocks int) *TraceScrubber {
	if maxBufferChars < 0 {
		maxBufferChars = 0
	}
	if maxScanBlocks < 1 {
		maxScanBlocks = 1
	}
	return &TraceScrubber{maxBufferChars: maxBufferChars, maxScanBlocks: maxScanBlocks}
}

// Process feeds one delta. Clean input with no buffered state passes
// through untouched.
func (t *TraceScrubber) Process(delta string) string {
	if delta == "" {
		return ""
	}
	if t.buffer == "" && !t.inToolResult && !isSuspicious(delta) {
		return delta
	}
	t.buffer += delta
	if t.maxBufferChars > 0 && len(t.buffer) > t.maxBufferChars {
		// Keep the newest tail; tool traces are near the frontier.
		t.buffer = t.buffer[len(t.buffer)-t.maxBufferChars:]
	}
	return t.drain(false)
}

// Flush forces a decision on everything still buffered.
func (t *TraceScrubber) Flush() string {
	return t.drain(true)
}

func isSuspicious(text string) bool {
	if text == "" {
		return false
	}
	stripped := strings.TrimLeft(text, " \t\r\n")
	if strings.HasPrefix(stripped, "{") || strings.HasPrefix(stripped, "[") {
		return true
	}
	if strings.Contains(text, "\n{") || strings.Contains(text, "\n[") {
		return true
	}

	strippedLower := strings.ToLower(stripped)
	if len(strippedLower) >= 8 && strippedLower != toolSelectionMarker &&
		strings.HasPrefix(toolSelectionMarker, strippedLower) {
		return true
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, "tool_result") ||
		strings.HasPrefix(strippedLower, "tool_") ||
		strings.Contains(lower, "\ntool_") {
		return true
	}
	if strings.Contains(lower, toolSelectionMarker) {
		return true
	}
	if strings.Contains(lower, "tool_calls") || strings.Contains(lower, `"tools"`) {
		return true
	}
	// Quoted bracket plus underscores is the route-tag-list signature.
	if strings.Contains(text, `["`) && strings.Contains(text, "_") {
		return true
	}
	return strings.Contains(lower, `"function"`) &&
		strings.Contains(lower, `"arguments"`) &&
		strings.Contains(lower, `"name"`)
}

func (t *TraceScrubber) toolResultContinuation(line string) bool {
	stripped := strings.TrimSpace(line)
	if stripped == "" {
		return true
	}
	if strings.EqualFold(stripped, "results:") {
		return true
	}
	if strings.HasPrefix(stripped, "[tool output truncated") {
		return true
	}
	return toolResultKVRE.MatchString(stripped) || toolResultNumberedRE.MatchString(stripped)
}

// consumeToolResultFrontier drops TOOL_RESULT blocks and their
// continuation lines at the front of s. needsMore means the caller must
// keep buffering s and stop draining.
func (t *TraceScrubber) consumeToolResultFrontier(s string, force bool) (out string, needsMore bool) {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			return "", false
		}

		nl := strings.IndexByte(s, '\n')
		if nl < 0 {
			probe := strings.TrimSpace(s)
			if probe == "" {
				return "", false
			}
			if toolResultHeaderRE.MatchString(probe) ||
				(t.inToolResult && t.toolResultContinuation(probe)) {
				if !force {
					return s, true
				}
				return "", false
			}
			t.inToolResult = false
			return s, false
		}

		line := strings.TrimSpace(s[:nl+1])
		rest := s[nl+1:]
		if line == "" {
			s = rest
			continue
		}
		if toolResultHeaderRE.MatchString(line) {
			t.inToolResult = true
			s = rest
			continue
		}
		if t.inToolResult && t.toolResultContinuation(line) {
			s = rest
			continue
		}
		t.inToolResult = false
		return s, false
	}
}

func (t *TraceScrubber) drain(force bool) string {
	s := t.buffer
	if s == "" {
		return ""
	}

	var out strings.Builder
	scanned := 0

	for s != "" && scanned < t.maxScanBlocks {
		scanned++

		// Marker line at the frontier.
		if candidate := strings.TrimLeft(s, " \t\r\n"); candidate != "" {
			lower := strings.ToLower(candidate)
			if strings.HasPrefix(toolSelectionMarker, lower) && lower != toolSelectionMarker {
				if !force {
					break
				}
				s = ""
				continue
			}
			if strings.HasPrefix(lower, toolSelectionMarker) {
				nl := strings.IndexByte(candidate, '\n')
				if nl < 0 {
					if !force {
						break
					}
					s = ""
					continue
				}
				s = strings.TrimLeft(candidate[nl+1:], " \t\r\n")
				continue
			}
		}

		// Echoed tool output blocks.
		if t.inToolResult {
			var needsMore bool
			s, needsMore = t.consumeToolResultFrontier(s, force)
			if needsMore || s == "" {
				break
			}
		}

		// Next marker: a line-start JSON opener or TOOL_ prefix. Text
		// before it is clean and forwarded unchanged.
		jsonIdx, toolIdx := -1, -1
		if m := lineStartJSONOpenRE.FindStringSubmatchIndex(s); m != nil {
			jsonIdx = m[2]
		}
		if m := lineStartToolPrefixRE.FindStringSubmatchIndex(s); m != nil {
			toolIdx = m[2]
		}
		if jsonIdx < 0 && toolIdx < 0 {
			out.WriteString(s)
			s = ""
			break
		}
		nextIdx := jsonIdx
		if nextIdx < 0 || (toolIdx >= 0 && toolIdx < nextIdx) {
			nextIdx = toolIdx
		}
		if nextIdx > 0 {
			out.WriteString(s[:nextIdx])
			s = s[nextIdx:]
		}

		if toolIdx >= 0 && toolIdx == nextIdx {
			lowered := strings.ToLower(s)
			if strings.HasPrefix(lowered, "tool_result") {
				nl := strings.IndexByte(s, '\n')
				if nl < 0 {
					if !force {
						break
					}
					s = ""
					t.inToolResult = false
					continue
				}
				t.inToolResult = true
				s = s[nl+1:]
				continue
			}
			if strings.HasPrefix(lowered, "tool_re") {
				// Likely a split TOOL_RESULT prefix; keep buffering.
				if !force {
					break
				}
				s = ""
				t.inToolResult = false
				continue
			}
			out.WriteString(s)
			s = ""
			break
		}

		fragment := LeadingJSONFragment(s)
		if fragment == "" {
			// Incomplete JSON: hold it so partial traces never show.
			if force {
				if !toolPayloadForceProbe(s) {
					out.WriteString(s)
				}
				s = ""
			}
			break
		}

		removeFragment := false
		if parsed, ok := parseFragment(fragment); ok {
			if LooksLikeToolCallPayload(parsed) {
				removeFragment = true
			} else if LooksLikeRouteTagList(parsed) {
				// Only remove tag lists behaving like internal markers
				// (followed by a stray brace or another block); the user
				// may legitimately want a JSON array.
				after := strings.TrimLeft(s[len(fragment):], " \t\r\n")
				if after != "" && (after[0] == '}' || after[0] == '{' || after[0] == '[') {
					removeFragment = true
				}
			}
		} else if toolPayloadTextHint(fragment) {
			removeFragment = true
		}

		if !removeFragment {
			out.WriteString(fragment)
			s = s[len(fragment):]
			continue
		}

		rest := strings.TrimLeft(s[len(fragment):], " \t\r\n")
		rest = strings.TrimPrefix(rest, "}")
		s = strings.TrimLeft(rest, " \t\r\n")
	}

	t.buffer = s
	return out.String()
}
