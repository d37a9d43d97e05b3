package trace

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestRecorder_LifecycleAndState(t *testing.T) {
	r := NewRecorder()

	inFlight, firstDone, _ := r.State()
	if inFlight != 0 || !firstDone.IsZero() {
		t.Fatalf("fresh recorder state = (%d, %v), want (0, zero)", inFlight, firstDone)
	}

	id := r.MarkStart("get_weather", `{"city":"Paris"}`)
	if inFlight, _, _ := r.State(); inFlight != 1 {
		t.Errorf("inFlight = %d, want 1", inFlight)
	}

	r.RecordEnd(id, `{"city":"Paris","weather":"sunny"}`, nil)
	inFlight, firstDone, last := r.State()
	if inFlight != 0 {
		t.Errorf("inFlight = %d, want 0", inFlight)
	}
	if firstDone.IsZero() || last.IsZero() {
		t.Error("firstDoneAt/lastActivity not set after RecordEnd")
	}

	traces := r.Snapshot()
	if len(traces) != 1 {
		t.Fatalf("len(traces) = %d, want 1", len(traces))
	}
	if traces[0].Name != "get_weather" || traces[0].Output == "" {
		t.Errorf("trace = %+v", traces[0])
	}
}

func TestRecorder_TruncatesOutput(t *testing.T) {
	r := NewRecorder()
	id := r.MarkStart("dump", "{}")
	r.RecordEnd(id, strings.Repeat("x", DefaultMaxOutputChars+500), nil)
	got := r.Snapshot()[0].Output
	if len(got) > DefaultMaxOutputChars+len(truncationNotice) {
		t.Errorf("output length = %d, want truncated", len(got))
	}
	if !strings.HasSuffix(got, truncationNotice) {
		t.Error("truncated output missing notice")
	}
}

func TestRecorder_ConcurrentAppend(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.MarkStart("tool", "{}")
			r.RecordEnd(id, "ok", nil)
		}()
	}
	wg.Wait()
	if got := len(r.Snapshot()); got != 16 {
		t.Errorf("len(Snapshot()) = %d, want 16", got)
	}
	if inFlight, _, _ := r.State(); inFlight != 0 {
		t.Errorf("inFlight = %d, want 0", inFlight)
	}
}

func TestSummarize_TimeResult(t *testing.T) {
	traces := []Trace{{
		Name:   "get_current_time",
		Output: "TOOL_RESULT: get_current_time\nlocal_time: 2025-01-01 10:00:00",
	}}
	got := Summarize(traces, "what time is it?")
	if !strings.Contains(got, "2025-01-01 10:00:00") {
		t.Errorf("Summarize = %q, want sentence containing the timestamp", got)
	}
	if strings.Contains(got, "{") || strings.Contains(got, "TOOL_RESULT") {
		t.Errorf("Summarize leaked raw structure: %q", got)
	}
}

func TestSummarize_RawJSONRequested(t *testing.T) {
	raw := `{"city":"Paris","weather":"sunny","temperature_c":21}`
	traces := []Trace{{Name: "get_weather", Output: raw}}
	got := Summarize(traces, "please respond in raw JSON")
	if got != raw {
		t.Errorf("Summarize = %q, want verbatim tool output", got)
	}
}

func TestSummarize_WeatherJSON(t *testing.T) {
	traces := []Trace{{
		Name:   "get_weather",
		Output: `{"city":"Paris","weather":"sunny","temperature_c":21,"humidity_percent":40}`,
	}}
	got := Summarize(traces, "how's the weather?")
	for _, want := range []string{"Paris", "sunny", "21"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summarize = %q, missing %q", got, want)
		}
	}
}

func TestSummarize_SearchResults(t *testing.T) {
	traces := []Trace{{
		Name:   "web_search",
		Output: `{"query":"go generics","results":[{"title":"Go blog","url":"https://go.dev/blog"},{"title":"Spec"}]}`,
	}}
	got := Summarize(traces, "search for go generics")
	if !strings.Contains(got, "Go blog") || !strings.Contains(got, "go generics") {
		t.Errorf("Summarize = %q", got)
	}
}

func TestSummarize_ErrorFallback(t *testing.T) {
	traces := []Trace{{Name: "get_weather", Error: errors.New("upstream unreachable").Error()}}
	got := Summarize(traces, "weather?")
	if got == "" {
		t.Error("Summarize returned empty for error-only trace")
	}
}

func TestPrefersRawOutput(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"please respond in raw JSON", true},
		{"give me the output as json", true},
		{"return the raw result", true},
		{"output it structured please", true},
		{"what is json?", false},
		{"explain what json means", false},
		{"tell me the weather, no json please", false},
		{"don't use json, just plain text", false},
		{"what's the weather like?", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := PrefersRawOutput(tt.in); got != tt.want {
			t.Errorf("PrefersRawOutput(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
