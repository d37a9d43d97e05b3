package scrub

import "strings"

// toolSelectionMarker is the structured-output header some gateways leak
// as the first line of the text channel.
const toolSelectionMarker = "toolselectionresponse"

// PrefixStripper removes structured tool-selection output that arrives
// glued to the front of the assistant text (e.g. `["general_chat"]}Hi!`).
// It buffers the start of the stream until it can decide: strip a
// recognizable JSON prefix, or conclude the output is ordinary text (the
// user may genuinely want JSON) and pass everything through untouched
// from then on.
type PrefixStripper struct {
	maxFragments   int
	maxBufferChars int
	buffer         string
	done           bool
}

// NewPrefixStripper builds a stripper removing at most maxFragments
// leading fragments and forcing a decision once the undecided buffer
// exceeds maxBufferChars (0 disables the cap).
func NewPrefixStripper(maxFragments, maxBufferChars int) *PrefixStripper {
	if maxFragments < 0 {
		maxFragments = 0
	}
	if maxBufferChars < 0 {
		maxBufferChars = 0
	}
	return &PrefixStripper{maxFragments: maxFragments, maxBufferChars: maxBufferChars}
}

// Process feeds one delta and returns whatever is safe to emit now.
func (p *PrefixStripper) Process(delta string) string {
	if delta == "" {
		return ""
	}
	if p.done {
		return delta
	}
	p.buffer += delta
	return p.tryRelease(false)
}

// Flush forces a decision on whatever is still buffered.
func (p *PrefixStripper) Flush() string {
	if p.done {
		return ""
	}
	return p.tryRelease(true)
}

func (p *PrefixStripper) tryRelease(force bool) string {
	full := p.buffer
	if full == "" {
		return ""
	}

	// Marker lines first: "ToolSelectionResponse ..." may precede the
	// JSON prefix, and may itself arrive split across chunks.
	for range 2 {
		candidate := strings.TrimLeft(full, " \t\r\n")
		if candidate == "" {
			if force {
				p.done = true
				p.buffer = ""
				return ""
			}
			p.buffer = full
			return ""
		}
		lower := strings.ToLower(candidate)
		if strings.HasPrefix(toolSelectionMarker, lower) && lower != toolSelectionMarker {
			// Possibly a split marker; wait for more before deciding.
			if force {
				p.done = true
				p.buffer = ""
				// A very short prefix ("tool") may be legit text.
				if len(lower) >= 8 {
					return ""
				}
				return full
			}
			p.buffer = full
			return ""
		}
		if strings.HasPrefix(lower, toolSelectionMarker) {
			nl := strings.IndexByte(candidate, '\n')
			if nl < 0 {
				if force || (p.maxBufferChars > 0 && len(candidate) > p.maxBufferChars) {
					p.done = true
					p.buffer = ""
					return ""
				}
				p.buffer = full
				return ""
			}
			full = strings.TrimLeft(candidate[nl+1:], " \t\r\n")
			p.buffer = full
			if full == "" {
				return ""
			}
			continue
		}
		break
	}

	// Enter stripping mode only when the first non-whitespace byte opens
	// a JSON container; anything else is ordinary text.
	text := full
	if trimmed := strings.TrimLeft(full, " \t\r\n"); len(trimmed) < len(full) {
		if trimmed == "" {
			if force {
				p.done = true
				p.buffer = ""
				return full
			}
			p.buffer = full
			return ""
		}
		if trimmed[0] != '{' && trimmed[0] != '[' {
			p.done = true
			p.buffer = ""
			return full
		}
		text = trimmed
	} else if text[0] != '{' && text[0] != '[' {
		p.done = true
		p.buffer = ""
		return text
	}

	cleaned := text
	for range p.maxFragments {
		if cleaned == "" || (cleaned[0] != '{' && cleaned[0] != '[') {
			break
		}
		fragment := LeadingJSONFragment(cleaned)
		if fragment == "" {
			// Incomplete fragment: keep buffering until forced or over
			// the cap, then decide by text hints.
			if force || (p.maxBufferChars > 0 && len(cleaned) > p.maxBufferChars) {
				p.done = true
				p.buffer = ""
				if toolPayloadForceProbe(cleaned) {
					return ""
				}
				return full
			}
			p.buffer = full
			return ""
		}

		rest := strings.TrimLeft(cleaned[len(fragment):], " \t\r\n")
		hasTrailingBrace := strings.HasPrefix(rest, "}")
		restAfterBraces := strings.TrimLeft(strings.TrimLeft(rest, "}"), " \t\r\n")

		if !shouldDropPrefixFragment(fragment, hasTrailingBrace, restAfterBraces) {
			p.done = true
			p.buffer = ""
			return full
		}
		cleaned = restAfterBraces
	}

	p.buffer = cleaned
	if cleaned == "" {
		return ""
	}
	if cleaned[0] == '{' || cleaned[0] == '[' {
		if LeadingJSONFragment(cleaned) == "" && !force &&
			(p.maxBufferChars == 0 || len(cleaned) <= p.maxBufferChars) {
			return ""
		}
	}
	p.done = true
	p.buffer = ""
	return cleaned
}

func shouldDropPrefixFragment(fragment string, hasTrailingBrace bool, restAfterBraces string) bool {
	parsed, ok := parseFragment(fragment)
	if ok && LooksLikeToolCallPayload(parsed) {
		return true
	}
	if !ok {
		lowered := strings.ToLower(fragment)
		if strings.Contains(lowered, "tool_calls") || strings.Contains(lowered, `"tools"`) {
			return true
		}
		if strings.Contains(lowered, `"type":"function"`) &&
			strings.Contains(lowered, `"arguments"`) &&
			strings.Contains(lowered, `"name"`) {
			return true
		}
	}

	// Route-tag lists are only dropped when they look like an internal
	// marker: followed by a stray '}' or another JSON block.
	if ok && LooksLikeRouteTagList(parsed) {
		if hasTrailingBrace {
			return true
		}
		if restAfterBraces != "" && (restAfterBraces[0] == '{' || restAfterBraces[0] == '[') {
			return true
		}
	}
	return false
}
