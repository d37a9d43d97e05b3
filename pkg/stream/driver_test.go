package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mintlabs/chatpipe/pkg/llm"
)

func driverBudget() Budget {
	return Budget{FirstChunk: 2 * time.Second, IdleChunk: 2 * time.Second, Total: 10 * time.Second}
}

func collect(t *testing.T, d *Driver, ctx context.Context, s llm.Stream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for text, err := range d.Run(ctx, s) {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

func TestDriver_RelaysScrubbedText(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	go func() {
		// Leaked routing prefix, then the real reply in pieces.
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: `["general_chat"]}`})
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "Hello "})
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "there, friend!"})
		b.Done(llm.Usage{})
	}()

	d := NewDriver(Options{Budget: driverBudget()})
	got, err := collect(t, d, context.Background(), b.Stream())
	if err != nil {
		t.Fatalf("drive error: %v", err)
	}
	if got != "Hello there, friend!" {
		t.Errorf("output = %q, want %q", got, "Hello there, friend!")
	}
	stats := d.Stats()
	if stats.Chars != len(got) || stats.Chunks == 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.FirstChunkLatency <= 0 {
		t.Error("first chunk latency not recorded")
	}
}

func TestDriver_CumulativeSnapshots(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	go func() {
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "Good", Cumulative: true})
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "Good morning", Cumulative: true})
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "Good morning, all!", Cumulative: true})
		b.Done(llm.Usage{})
	}()

	d := NewDriver(Options{Budget: driverBudget()})
	got, err := collect(t, d, context.Background(), b.Stream())
	if err != nil {
		t.Fatalf("drive error: %v", err)
	}
	if got != "Good morning, all!" {
		t.Errorf("output = %q, want deduplicated text", got)
	}
}

func TestDriver_NoFirstChunkTimeout(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	// Producer never sends anything.

	d := NewDriver(Options{Budget: Budget{
		FirstChunk: 150 * time.Millisecond,
		IdleChunk:  time.Second,
		Total:      5 * time.Second,
	}})
	_, err := collect(t, d, context.Background(), b.Stream())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if te.Kind != TimeoutNoFirstChunk {
		t.Errorf("kind = %v, want TimeoutNoFirstChunk", te.Kind)
	}
}

func TestDriver_IdleTimeoutKeepsPartialText(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	go b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "Hello"})
	// Then nothing more: idle window expires.

	d := NewDriver(Options{Budget: Budget{
		FirstChunk: time.Second,
		IdleChunk:  200 * time.Millisecond,
		Total:      5 * time.Second,
	}})
	got, err := collect(t, d, context.Background(), b.Stream())
	var te *TimeoutError
	if !errors.As(err, &te) || te.Kind != TimeoutNoFurtherChunk {
		t.Fatalf("error = %v, want NoFurtherChunk timeout", err)
	}
	if got != "Hello" {
		t.Errorf("partial output = %q, want %q", got, "Hello")
	}
}

func TestDriver_CancelEndsWithoutError(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	go func() {
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "First chunk!"})
		// Keep the stream open; the driver must stop on Cancel alone.
	}()

	d := NewDriver(Options{Budget: driverBudget(), CancelPoll: 50 * time.Millisecond})
	var got strings.Builder
	start := time.Now()
	for text, err := range d.Run(context.Background(), b.Stream()) {
		if err != nil {
			t.Fatalf("unexpected error after cancel: %v", err)
		}
		got.WriteString(text)
		d.Cancel()
	}
	if got.String() != "First chunk!" {
		t.Errorf("output = %q, want exactly the first chunk", got.String())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %v, want well under the idle budget", elapsed)
	}
}

func TestDriver_TransportErrorSurfaces(t *testing.T) {
	cause := errors.New("connection reset by peer")
	b := llm.NewStreamBuilder(8)
	go func() {
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "partial "})
		b.Abort(cause)
	}()

	d := NewDriver(Options{Budget: driverBudget()})
	if _, err := collect(t, d, context.Background(), b.Stream()); !errors.Is(err, cause) {
		t.Fatalf("error = %v, want %v", err, cause)
	}
}

func TestDriver_ToolChannelNotEmitted(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	go func() {
		b.Add(&llm.Chunk{Role: llm.RoleTool, Name: "get_weather", Text: `{"weather":"sunny"}`})
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "It is sunny today."})
		b.Done(llm.Usage{})
	}()

	d := NewDriver(Options{Budget: driverBudget()})
	got, err := collect(t, d, context.Background(), b.Stream())
	if err != nil {
		t.Fatalf("drive error: %v", err)
	}
	if strings.Contains(got, "sunny\"") {
		t.Errorf("tool text leaked into output: %q", got)
	}
	if got != "It is sunny today." {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(d.ToolText(), "sunny") {
		t.Error("tool text not accumulated")
	}
}

func TestDriver_InternalNodeSkipped(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	go func() {
		b.Add(&llm.Chunk{Role: llm.RoleModel, Node: "tool_selector", Text: `{"tools":["x"]}`})
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "Actual reply text."})
		b.Done(llm.Usage{})
	}()

	d := NewDriver(Options{Budget: driverBudget()})
	got, err := collect(t, d, context.Background(), b.Stream())
	if err != nil {
		t.Fatalf("drive error: %v", err)
	}
	if got != "Actual reply text." {
		t.Errorf("output = %q", got)
	}
}

func TestDriver_ToolCallsForwardedInOrder(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	go func() {
		b.Add(&llm.Chunk{Role: llm.RoleModel, ToolCall: &llm.ToolCall{ID: "1", Name: "a"}})
		b.Add(&llm.Chunk{Role: llm.RoleModel, ToolCall: &llm.ToolCall{ID: "2", Name: "b"}})
		b.Done(llm.Usage{})
	}()

	var seen []string
	d := NewDriver(Options{
		Budget:     driverBudget(),
		OnToolCall: func(tc *llm.ToolCall) { seen = append(seen, tc.Name) },
	})
	if _, err := collect(t, d, context.Background(), b.Stream()); err != nil {
		t.Fatalf("drive error: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("tool calls = %v, want [a b]", seen)
	}
}

func TestDriveDirect_RelaysAndEnds(t *testing.T) {
	b := llm.NewStreamBuilder(8)
	go func() {
		b.Add(&llm.Chunk{Role: llm.RoleModel, Text: "Direct mode works fine."})
		b.Done(llm.Usage{})
	}()

	d := NewDriver(Options{Budget: driverBudget()})
	var got strings.Builder
	for text, err := range d.DriveDirect(context.Background(), b.Stream()) {
		if err != nil {
			t.Fatalf("drive error: %v", err)
		}
		got.WriteString(text)
	}
	if got.String() != "Direct mode works fine." {
		t.Errorf("output = %q", got.String())
	}
}
