package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/mintlabs/chatpipe/pkg/scrub"
	"github.com/mintlabs/chatpipe/pkg/trace"
)

var (
	meaningfulCharRE = regexp.MustCompile(`[0-9A-Za-z\x{4e00}-\x{9fff}]`)
	kvLineRE         = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{1,32}\s*:\s*\S`)
	digitRE          = regexp.MustCompile(`\d`)
)

// hasMeaningfulText reports whether s contains at least one letter,
// digit or CJK character. Scrubbing can leave pure punctuation behind;
// such replies count as empty.
func hasMeaningfulText(s string) bool {
	return meaningfulCharRE.MatchString(s)
}

// toolTraceHints reports whether the lowered text still carries
// tool-structure markers worth a deeper scrub.
func toolTraceHints(lowered string) bool {
	if strings.Contains(lowered, "toolselectionresponse") {
		return true
	}
	if strings.Contains(lowered, "tool_calls") || strings.Contains(lowered, `"tools"`) {
		return true
	}
	return strings.Contains(lowered, `"function"`) &&
		strings.Contains(lowered, `"arguments"`) &&
		strings.Contains(lowered, `"name"`)
}

// filterToolInfo removes leaked tool-selection and tool-call structures
// from an assembled reply. It is the whole-text counterpart of the
// streaming scrubbers, applied once the turn has finished.
func filterToolInfo(text string) string {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return ""
	}

	// A reply that is exactly a route-tag list is left alone here; the
	// meaningful-text check downstream routes it into the rescue chain.
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		if frag := scrub.LeadingJSONFragment(raw); frag == raw {
			var parsed any
			if json.Unmarshal([]byte(frag), &parsed) == nil && scrub.LooksLikeRouteTagList(parsed) {
				return raw
			}
		}
	}

	raw = stripLeadingToolFragments(raw, 3)
	if raw == "" {
		return ""
	}

	// Whole-text tool payload: nothing worth keeping.
	if (raw[0] == '{' || raw[0] == '[') &&
		(strings.HasSuffix(raw, "}") || strings.HasSuffix(raw, "]")) &&
		len(raw) <= 200_000 {
		lowered := strings.ToLower(raw)
		if strings.Contains(lowered, "tool_calls") || strings.Contains(lowered, `"tools"`) ||
			strings.Contains(lowered, `"tool"`) ||
			(strings.Contains(lowered, `"function"`) && strings.Contains(lowered, `"arguments"`) && strings.Contains(lowered, `"name"`)) {
			var parsed any
			if json.Unmarshal([]byte(raw), &parsed) == nil && scrub.LooksLikeToolCallPayload(parsed) {
				return ""
			}
		}
	}

	cleaned := raw
	if strings.Contains(cleaned, "```") {
		cleaned = scrub.StripToolCodeFences(cleaned, 3)
	}

	lowered := strings.ToLower(cleaned)
	maybeToolTrace := toolTraceHints(lowered)
	if maybeToolTrace && (strings.Contains(cleaned, "{") || strings.Contains(cleaned, "[")) {
		cleaned = scrub.StripToolJSONBlocks(cleaned, 3)
		maybeToolTrace = toolTraceHints(strings.ToLower(cleaned))
	}

	if strings.Contains(cleaned, "[") && strings.Contains(cleaned, "_") {
		cleaned = scrub.StripRouteTagLists(cleaned, 5)
		l := strings.ToLower(cleaned)
		if strings.Contains(l, `"tools"`) || strings.Contains(l, "tool_calls") {
			maybeToolTrace = true
		}
	}

	return filterResidueLines(cleaned, maybeToolTrace)
}

// stripLeadingToolFragments removes up to maxRounds leading JSON
// fragments that are tool payloads or route-tag lists followed by more
// structure (the "prefix garbage" some gateways glue onto replies).
func stripLeadingToolFragments(raw string, maxRounds int) string {
	for i := 0; i < maxRounds; i++ {
		if raw == "" || (raw[0] != '{' && raw[0] != '[') {
			break
		}
		frag := scrub.LeadingJSONFragment(raw)
		if frag == "" {
			break
		}
		rest := strings.TrimLeft(raw[len(frag):], " \t\r\n")
		hasTrailingBrace := strings.HasPrefix(rest, "}")
		restAfter := strings.TrimLeft(strings.TrimLeft(rest, "}"), " \t\r\n")

		drop := false
		if len(frag) <= 50_000 {
			var parsed any
			if json.Unmarshal([]byte(frag), &parsed) == nil {
				if scrub.LooksLikeToolCallPayload(parsed) {
					drop = true
				} else if scrub.LooksLikeRouteTagList(parsed) &&
					(hasTrailingBrace || (restAfter != "" && (restAfter[0] == '{' || restAfter[0] == '['))) {
					drop = true
				}
			}
		}
		if !drop {
			break
		}
		raw = restAfter
	}
	return strings.TrimSpace(raw)
}

// filterResidueLines drops per-line leftovers: marker lines, bare
// braces inside a tool trace, lines dominated by tool-call keys, and
// route-tag-list lines (keeping any trailing prose on the same line).
func filterResidueLines(cleaned string, maybeToolTrace bool) string {
	var kept []string
	for _, line := range strings.Split(cleaned, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		lower := strings.ToLower(stripped)
		if strings.HasPrefix(lower, "toolselectionresponse") {
			continue
		}
		if strings.HasPrefix(stripped, "[") {
			if frag := scrub.LeadingJSONFragment(stripped); frag != "" {
				var parsed any
				if json.Unmarshal([]byte(frag), &parsed) == nil && scrub.LooksLikeRouteTagList(parsed) {
					rest := strings.TrimLeft(stripped[len(frag):], " \t")
					rest = strings.TrimLeft(strings.TrimPrefix(rest, "}"), " \t")
					if rest == "" {
						continue
					}
					kept = append(kept, rest)
					continue
				}
			}
		}
		switch stripped {
		case "{", "}", "[", "]", "},", "],":
			if maybeToolTrace {
				continue
			}
		}
		compact := strings.ReplaceAll(lower, " ", "")
		if strings.Contains(compact, `"tools"`) || strings.Contains(compact, `"tool_calls"`) ||
			strings.Contains(compact, `"type":"function"`) ||
			(strings.Contains(compact, `"function"`) && strings.Contains(compact, `"arguments"`) && strings.Contains(compact, `"name"`)) {
			continue
		}
		if (stripped[0] == '{' || stripped[0] == '[') &&
			(strings.Contains(compact, "tool_calls") || strings.Contains(compact, `"tool"`)) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// progressPhrases are stalling lines the model emits while it intends
// to run tools ("let me check...") without a final answer.
var progressPhrases = []string{
	"let me check",
	"let me look",
	"let me see",
	"i'll check",
	"i'll look",
	"i will check",
	"one moment",
	"one sec",
	"just a sec",
	"hold on",
	"checking now",
	"looking that up",
	"looking it up",
	"i'm on it",
}

// looksLikeProgressOnlyReply reports whether text is a short stalling
// reply with no factual content. Only consulted when tool traces exist
// for the same turn.
func looksLikeProgressOnlyReply(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" {
		return true
	}
	if len(s) > 80 {
		return false
	}
	switch s {
	case "~", "…", "...", "....":
		return true
	}
	lower := strings.ToLower(s)
	for _, p := range progressPhrases {
		if strings.Contains(lower, p) && !digitRE.MatchString(s) {
			return true
		}
	}
	return false
}

// looksLikeToolEchoReply reports whether the reply is (close to) a
// verbatim copy of recorded tool output rather than an answer.
func looksLikeToolEchoReply(text string, traces []trace.Trace) bool {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return false
	}

	lowered := strings.ToLower(raw)
	if strings.HasPrefix(lowered, "tool_result") || strings.Contains(lowered, "[tool_result") {
		return true
	}

	// Short factual answers (time, date) are fine; short structured
	// blobs are almost always echoes.
	if len(raw) < 120 {
		if raw[0] == '{' || raw[0] == '[' {
			if last := raw[len(raw)-1]; last == '}' || last == ']' {
				if frag := scrub.LeadingJSONFragment(raw); strings.TrimSpace(frag) == raw {
					return true
				}
			}
		}
		var kvLines, lines int
		for _, ln := range strings.Split(raw, "\n") {
			ln = strings.TrimSpace(ln)
			if ln == "" {
				continue
			}
			lines++
			if kvLineRE.MatchString(ln) {
				kvLines++
			}
		}
		if lines >= 3 && kvLines >= 2 {
			return true
		}
		structured := strings.Contains(raw, "\n") || strings.Contains(raw, ":") ||
			raw[0] == '{' || raw[0] == '['
		if !structured {
			return false
		}
	}

	if len(traces) == 0 {
		return false
	}
	start := 0
	if len(traces) > 5 {
		start = len(traces) - 5
	}
	replyNorm := normalizeForCompare(raw)
	replyProbe := clampString(replyNorm, 2000)
	for _, tr := range traces[start:] {
		candidate := strings.TrimSpace(tr.Output)
		if candidate == "" {
			candidate = strings.TrimSpace(tr.Error)
		}
		candNorm := normalizeForCompare(candidate)
		if candNorm == "" {
			continue
		}
		if replyNorm == candNorm {
			return true
		}
		if len(candNorm) >= 200 && strings.Contains(replyNorm, candNorm) {
			return true
		}
		if len(replyNorm) >= 200 && strings.Contains(candNorm, replyNorm) {
			return true
		}
		if bigramSimilarity(replyProbe, clampString(candNorm, 2000)) >= 0.92 {
			return true
		}
	}
	return false
}

var (
	spaceRunRE   = regexp.MustCompile(`[ \t]+`)
	newlineRunRE = regexp.MustCompile(`\n{3,}`)
)

func normalizeForCompare(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRunRE.ReplaceAllString(s, " ")
	s = newlineRunRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func clampString(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// bigramSimilarity is a Dice coefficient over byte bigrams, a cheap
// stand-in for a full diff ratio at the scales compared here.
func bigramSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	grams := make(map[[2]byte]int, len(a))
	for i := 0; i+1 < len(a); i++ {
		grams[[2]byte{a[i], a[i+1]}]++
	}
	var overlap int
	for i := 0; i+1 < len(b); i++ {
		g := [2]byte{b[i], b[i+1]}
		if grams[g] > 0 {
			grams[g]--
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(a)-1+len(b)-1)
}
