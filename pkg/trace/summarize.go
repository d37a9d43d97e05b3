package trace

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mintlabs/chatpipe/pkg/scrub"
)

var (
	timestampRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}`)
	numericRE   = regexp.MustCompile(`[0-9.+-]+`)
)

// Summarize renders recorded tool traces as user-facing text. It is the
// last rescue step before a canned reply: the model produced nothing
// usable, but tools did run. When the user explicitly asked for raw or
// JSON output, the verbatim outputs of the last traces are returned
// instead of a rewritten sentence.
func Summarize(traces []Trace, userMessage string) string {
	if len(traces) == 0 {
		return ""
	}

	if PrefersRawOutput(userMessage) {
		return rawOutputs(traces)
	}

	// Newest trace with anything to show wins.
	for i := len(traces) - 1; i >= 0; i-- {
		t := traces[i]
		text := strings.TrimSpace(t.Output)
		if text == "" {
			text = strings.TrimSpace(t.Error)
		}
		if text == "" {
			continue
		}
		if s := summarizeOne(t.Name, text); s != "" {
			return s
		}
	}
	return ""
}

func rawOutputs(traces []Trace) string {
	var parts []string
	seen := make(map[string]struct{})
	start := max(0, len(traces)-3)
	for _, t := range traces[start:] {
		text := strings.TrimSpace(t.Output)
		if text == "" {
			text = strings.TrimSpace(t.Error)
		}
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		parts = append(parts, text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func summarizeOne(toolName, text string) string {
	if payload, ok := maybeParseJSON(text); ok {
		if s := formatJSONResult(toolName, payload); s != "" {
			return s
		}
	}
	header, kv, results := splitToolResult(text)
	name := strings.ToLower(toolName)
	if header != "" {
		name = strings.ToLower(header)
	}
	switch {
	case strings.Contains(name, "time"):
		return formatTime(kv, text)
	case strings.Contains(name, "date"):
		return formatDate(kv)
	case strings.Contains(name, "weather"):
		return formatWeather(kv)
	case strings.Contains(name, "search"):
		return formatSearch(kv, results)
	case strings.Contains(name, "map"), strings.Contains(name, "poi"):
		return formatPlaces(kv, results)
	}
	if len(kv) > 0 {
		return formatGenericKV(kv)
	}
	// Free-form tool output: show a short excerpt.
	if excerpt := cleanScalar(text, 200); excerpt != "" {
		return "Here is what the tool returned: " + excerpt
	}
	return ""
}

func maybeParseJSON(text string) (any, bool) {
	raw := strings.TrimSpace(text)
	if raw == "" || len(raw) > 200_000 {
		return nil, false
	}
	if raw[0] != '{' && raw[0] != '[' {
		return nil, false
	}
	last := raw[len(raw)-1]
	if last != '}' && last != ']' {
		return nil, false
	}
	fragment := scrub.LeadingJSONFragment(raw)
	if fragment == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(fragment), &v); err != nil {
		return nil, false
	}
	return v, true
}

func formatJSONResult(toolName string, payload any) string {
	name := strings.ToLower(toolName)
	switch p := payload.(type) {
	case map[string]any:
		date := cleanScalar(firstOf(p, "date", "local_date"), 120)
		timeS := cleanScalar(firstOf(p, "time", "local_time"), 120)
		tz := cleanScalar(firstOf(p, "timezone", "tz"), 120)
		weekday := cleanScalar(firstOf(p, "day_of_week", "weekday"), 120)
		datetime := cleanScalar(firstOf(p, "datetime", "current_time"), 120)

		value := ""
		switch {
		case date != "" && timeS != "":
			value = date + " " + timeS
		case datetime != "":
			value = strings.TrimSpace(strings.ReplaceAll(datetime, "T", " "))
		default:
			value = timeS
		}
		timeLike := strings.Contains(name, "time") || strings.Contains(name, "date") ||
			strings.Contains(name, "timezone") || tz != "" || date != "" || timeS != ""
		if value != "" && timeLike {
			s := "The current time is " + value
			if tz != "" {
				s += " in " + tz
			}
			if weekday != "" {
				s += " (" + weekday + ")"
			}
			return s + "."
		}

		if hasAnyKey(p, "weather", "temperature", "temperature_c", "humidity",
			"humidity_percent", "wind", "winddirection", "windpower") {
			kv := map[string]string{
				"city":    cleanScalar(p["city"], 120),
				"weather": cleanScalar(p["weather"], 120),
			}
			if temp := cleanScalar(firstOf(p, "temperature_c", "temperature"), 120); temp != "" {
				if m := numericRE.FindString(temp); m != "" {
					temp = m
				}
				kv["temperature_c"] = temp
			}
			wind := cleanScalar(p["wind"], 120)
			if wind == "" {
				wind = strings.TrimSpace(cleanScalar(p["winddirection"], 60) + " " + cleanScalar(p["windpower"], 60))
			}
			kv["wind"] = wind
			if hum := cleanScalar(firstOf(p, "humidity_percent", "humidity"), 120); hum != "" {
				if m := numericRE.FindString(hum); m != "" {
					hum = m
				}
				kv["humidity_percent"] = hum
			}
			return formatWeather(kv)
		}

		if results, ok := p["results"].([]any); ok {
			lines := make([]string, 0, 10)
			for _, item := range results[:min(len(results), 10)] {
				if m, ok := item.(map[string]any); ok {
					title := cleanScalar(firstOf(m, "title", "name"), 120)
					link := cleanScalar(firstOf(m, "url", "link", "href"), 120)
					snippet := cleanScalar(firstOf(m, "snippet", "description"), 120)
					var parts []string
					for _, s := range []string{title, link, snippet} {
						if s != "" {
							parts = append(parts, s)
						}
					}
					if len(parts) > 0 {
						lines = append(lines, strings.Join(parts, " | "))
					}
				} else if line := cleanScalar(item, 160); line != "" {
					lines = append(lines, line)
				}
			}
			kv := map[string]string{"query": cleanScalar(firstOf(p, "query", "keyword"), 120)}
			return formatSearch(kv, lines)
		}

		if pois, ok := p["pois"].([]any); ok {
			lines := make([]string, 0, 10)
			for _, item := range pois[:min(len(pois), 10)] {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				poiName := cleanScalar(m["name"], 120)
				if poiName == "" {
					continue
				}
				var extras []string
				if address := cleanScalar(m["address"], 120); address != "" {
					extras = append(extras, "address="+address)
				}
				if dist := cleanScalar(firstOf(m, "distance", "distance_m"), 120); dist != "" {
					extras = append(extras, "distance_m="+dist)
				}
				if tel := cleanScalar(firstOf(m, "tel", "phone"), 120); tel != "" {
					extras = append(extras, "tel="+tel)
				}
				line := fmt.Sprintf("%d. %s", len(lines)+1, poiName)
				if len(extras) > 0 {
					line += " | " + strings.Join(extras, " | ")
				}
				lines = append(lines, line)
			}
			kv := map[string]string{
				"keywords": cleanScalar(firstOf(p, "keywords", "keyword", "q"), 120),
				"city":     cleanScalar(p["city"], 120),
			}
			return formatPlaces(kv, lines)
		}

		// Generic object: a few scalar fields as bullets.
		var bullets []string
		for key, value := range p {
			if len(bullets) >= 5 {
				break
			}
			switch value.(type) {
			case nil, map[string]any, []any:
				continue
			}
			if v := cleanScalar(value, 120); v != "" {
				bullets = append(bullets, "- "+strings.TrimSpace(key)+": "+v)
			}
		}
		if len(bullets) > 0 {
			return "Here is what I found:\n" + strings.Join(bullets, "\n")
		}
		return ""

	case []any:
		if len(p) == 0 {
			return "I didn't find any results for that."
		}
		var preview []string
		for _, item := range p[:min(len(p), 3)] {
			if m, ok := item.(map[string]any); ok {
				if n := cleanScalar(firstOf(m, "name", "title"), 120); n != "" {
					preview = append(preview, n)
					continue
				}
			}
			if s := cleanScalar(item, 120); s != "" {
				preview = append(preview, s)
			}
		}
		if len(preview) == 0 {
			return ""
		}
		lines := []string{"Here is what I found:"}
		for _, pv := range preview {
			lines = append(lines, "- "+pv)
		}
		if len(p) > 3 {
			lines = append(lines, fmt.Sprintf("(and %d more)", len(p)-3))
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

// splitToolResult parses line-oriented tool output of the shape
// "TOOL_RESULT: name" followed by "key: value" lines and an optional
// "results:" section.
func splitToolResult(text string) (header string, kv map[string]string, results []string) {
	kv = make(map[string]string)
	raw := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\r", "\n"))
	if raw == "" {
		return "", kv, nil
	}
	lines := strings.Split(raw, "\n")
	start := 0
	if first := strings.TrimSpace(lines[0]); strings.HasPrefix(strings.ToLower(first), "tool_result") {
		if _, rest, ok := strings.Cut(first, ":"); ok {
			header = strings.TrimSpace(rest)
		}
		start = 1
	}
	inResults := false
	for _, ln := range lines[start:] {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		if strings.EqualFold(ln, "results:") {
			inResults = true
			continue
		}
		if inResults {
			results = append(results, ln)
			continue
		}
		if k, v, ok := strings.Cut(ln, ":"); ok && strings.TrimSpace(k) != "" {
			kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
		} else {
			results = append(results, ln)
		}
	}
	return header, kv, results
}

func formatTime(kv map[string]string, raw string) string {
	value := strings.TrimSpace(kv["local_time"])
	if value == "" {
		value = timestampRE.FindString(raw)
	}
	if value == "" {
		return "I couldn't get a definite time just now."
	}
	return "The current time is " + value + "."
}

func formatDate(kv map[string]string) string {
	date := strings.TrimSpace(kv["local_date"])
	if date == "" {
		date = strings.TrimSpace(kv["date"])
	}
	weekday := strings.TrimSpace(kv["weekday"])
	switch {
	case date != "" && weekday != "":
		return "Today is " + date + " (" + weekday + ")."
	case date != "":
		return "Today is " + date + "."
	}
	return "I couldn't get a definite date just now."
}

func formatWeather(kv map[string]string) string {
	if errText := strings.TrimSpace(kv["error"]); errText != "" {
		msg := "The weather lookup failed (" + errText + ")"
		if city := strings.TrimSpace(kv["city"]); city != "" {
			msg = "The weather lookup for " + city + " failed (" + errText + ")"
		}
		if detail := strings.TrimSpace(kv["detail"]); detail != "" {
			msg += ": " + detail
		}
		return msg + "."
	}

	var parts []string
	if w := strings.TrimSpace(kv["weather"]); w != "" {
		parts = append(parts, w)
	}
	if temp := strings.TrimSpace(firstNonEmpty(kv["temperature_c"], kv["temperature"])); temp != "" {
		parts = append(parts, temp+"°C")
	}
	if hum := strings.TrimSpace(firstNonEmpty(kv["humidity_percent"], kv["humidity"])); hum != "" {
		parts = append(parts, "humidity "+hum+"%")
	}
	if wind := strings.TrimSpace(kv["wind"]); wind != "" {
		parts = append(parts, "wind "+wind)
	}
	if len(parts) == 0 {
		return "I got a weather result, but it didn't include usable details."
	}
	where := ""
	if city := strings.TrimSpace(kv["city"]); city != "" {
		where = " in " + city
	}
	return "The weather" + where + ": " + strings.Join(parts, ", ") + "."
}

func formatSearch(kv map[string]string, results []string) string {
	if len(results) == 0 {
		return "The search didn't return any results."
	}
	head := "Here is what I found"
	if q := strings.TrimSpace(kv["query"]); q != "" {
		head += " for \"" + q + "\""
	}
	lines := []string{head + ":"}
	for i, r := range results[:min(len(results), 10)] {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, r))
	}
	return strings.Join(lines, "\n")
}

func formatPlaces(kv map[string]string, results []string) string {
	if len(results) == 0 {
		return "I didn't find any matching places."
	}
	head := "Places"
	if k := strings.TrimSpace(kv["keywords"]); k != "" {
		head += " matching \"" + k + "\""
	}
	if city := strings.TrimSpace(kv["city"]); city != "" {
		head += " in " + city
	}
	lines := []string{head + ":"}
	lines = append(lines, results[:min(len(results), 10)]...)
	return strings.Join(lines, "\n")
}

func formatGenericKV(kv map[string]string) string {
	var bullets []string
	for k, v := range kv {
		if len(bullets) >= 5 {
			break
		}
		if v == "" {
			continue
		}
		bullets = append(bullets, "- "+k+": "+v)
	}
	if len(bullets) == 0 {
		return ""
	}
	return "Here is what I found:\n" + strings.Join(bullets, "\n")
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func cleanScalar(v any, maxChars int) string {
	var text string
	switch val := v.(type) {
	case nil:
		return ""
	case bool:
		if val {
			return "yes"
		}
		return "no"
	case string:
		text = strings.TrimSpace(val)
	case float64:
		text = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", val), "0"), ".")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			text = fmt.Sprint(val)
		} else {
			text = string(b)
		}
		text = strings.TrimSpace(text)
	}
	if maxChars > 0 && len(text) > maxChars {
		return strings.TrimRight(text[:maxChars-1], " \t\n") + "…"
	}
	return text
}
