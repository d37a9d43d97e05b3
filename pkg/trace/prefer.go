package trace

import (
	"regexp"
	"strings"
)

var jsonQuestionRE = regexp.MustCompile(`(json\s.*\b(mean|meaning|definition|explain|explained|stand for)\b)|(\b(what\s+is|what's|explain|define)\b.*json)`)

// PrefersRawOutput reports whether the user explicitly asked for raw or
// structured tool output (e.g. "respond in raw JSON"). Such replies must
// not be humanized or rewritten, since the user depends on the exact
// format.
func PrefersRawOutput(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return false
	}

	// Strong negative overrides: the user explicitly does NOT want
	// JSON/raw/structured output.
	negatives := []string{
		"no json", "not json", "without json", "don't use json", "do not use json",
		"don't want json", "no need for json", "avoid json",
		"no raw", "not raw", "without raw", "don't use raw",
		"no structured", "not structured", "without structured",
	}
	for _, tok := range negatives {
		if strings.Contains(s, tok) {
			return false
		}
	}

	// Asking about JSON itself is not a format request.
	if strings.Contains(s, "json") && jsonQuestionRE.MatchString(s) {
		return false
	}

	directives := []string{
		"format", "return", "respond", "reply", "output", "give me",
		"show me", "provide", "only", "just", "as ", "in ",
	}
	containsAny := func(tokens []string) bool {
		for _, tok := range tokens {
			if strings.Contains(s, tok) {
				return true
			}
		}
		return false
	}

	if strings.Contains(s, "json") && containsAny(directives) {
		return true
	}

	rawMarkers := []string{"raw", "verbatim", "unprocessed", "as-is", "as is", "original output"}
	if containsAny(rawMarkers) && containsAny(directives) {
		return true
	}

	return strings.Contains(s, "structured") && containsAny(directives)
}
