package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mintlabs/chatpipe/pkg/kv"
	"github.com/mintlabs/chatpipe/pkg/llm"
	"github.com/mintlabs/chatpipe/pkg/memory"
	"github.com/mintlabs/chatpipe/pkg/stream"
)

// scriptedClient serves pre-built streams in order and counts calls.
type scriptedClient struct {
	mu      sync.Mutex
	streams []func() llm.Stream
	chats   []func() (string, error)

	streamCalls int
	chatCalls   int
}

func (c *scriptedClient) ChatStream(ctx context.Context, _ []llm.Message) (llm.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamCalls++
	if len(c.streams) == 0 {
		return nil, errors.New("no scripted stream")
	}
	next := c.streams[0]
	c.streams = c.streams[1:]
	return next(), nil
}

func (c *scriptedClient) Chat(ctx context.Context, _ []llm.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatCalls++
	if len(c.chats) == 0 {
		return "", errors.New("no scripted chat")
	}
	next := c.chats[0]
	c.chats = c.chats[1:]
	return next()
}

func (c *scriptedClient) counts() (streams, chats int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamCalls, c.chatCalls
}

func textStream(parts ...string) func() llm.Stream {
	return func() llm.Stream {
		b := llm.NewStreamBuilder(8)
		go func() {
			for _, p := range parts {
				b.Add(&llm.Chunk{Role: llm.RoleModel, Text: p})
			}
			b.Done(llm.Usage{})
		}()
		return b.Stream()
	}
}

// stallingStream emits parts and then goes silent without ending.
func stallingStream(parts ...string) func() llm.Stream {
	return func() llm.Stream {
		b := llm.NewStreamBuilder(8)
		go func() {
			for _, p := range parts {
				b.Add(&llm.Chunk{Role: llm.RoleModel, Text: p})
			}
		}()
		return b.Stream()
	}
}

func toolCallStream(name, args string) func() llm.Stream {
	return func() llm.Stream {
		b := llm.NewStreamBuilder(8)
		go func() {
			b.Add(&llm.Chunk{Role: llm.RoleModel, ToolCall: &llm.ToolCall{ID: "tc1", Name: name, Arguments: args}})
			b.Done(llm.Usage{})
		}()
		return b.Stream()
	}
}

func testBudget() stream.Budget {
	return stream.Budget{FirstChunk: 500 * time.Millisecond, IdleChunk: 300 * time.Millisecond, Total: 5 * time.Second}
}

func newTestAgent(t *testing.T, client llm.Client, mutate func(*Options)) (*Agent, *memory.Conversation) {
	t.Helper()
	conv := memory.NewConversation(kv.NewMemory(), "test")
	opts := Options{
		Client:               client,
		Registry:             llm.NewRegistry(),
		Conversation:         conv,
		Budget:               testBudget(),
		FailoverTimeout:      2 * time.Second,
		ToolTimeout:          time.Second,
		StreamingEnabled:     true,
		FastRetry:            true,
		DisableAfterFailures: 2,
		DisableCooldown:      time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, conv
}

func runTurn(t *testing.T, a *Agent, ctx context.Context, message string) string {
	t.Helper()
	var sb strings.Builder
	for text, err := range a.ChatStream(ctx, message, ChatOpts{}) {
		if err != nil {
			t.Fatalf("turn error: %v", err)
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func TestChatStream_HappyPathPersists(t *testing.T) {
	client := &scriptedClient{streams: []func() llm.Stream{
		textStream("Hello ", "there!"),
	}}
	a, conv := newTestAgent(t, client, nil)

	got := runTurn(t, a, context.Background(), "hi")
	if got != "Hello there!" {
		t.Errorf("reply = %q", got)
	}

	msgs, err := conv.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != memory.RoleUser || msgs[1].Content != "Hello there!" {
		t.Errorf("persisted = %+v, want user+model pair", msgs)
	}
}

func TestChatStream_LeakedPrefixScrubbed(t *testing.T) {
	client := &scriptedClient{streams: []func() llm.Stream{
		textStream(`["general_chat"]}`, "Sure, happy to help!"),
	}}
	a, _ := newTestAgent(t, client, nil)

	got := runTurn(t, a, context.Background(), "hi")
	if got != "Sure, happy to help!" {
		t.Errorf("reply = %q, want leaked prefix removed", got)
	}
}

func TestChatStream_IdleAfterPartialKeepsText(t *testing.T) {
	client := &scriptedClient{streams: []func() llm.Stream{
		stallingStream("Hello"),
	}}
	a, conv := newTestAgent(t, client, nil)

	got := runTurn(t, a, context.Background(), "hi")
	if got != "Hello" {
		t.Errorf("reply = %q, want the partial text kept", got)
	}
	// Partial output means no failover model call.
	if _, chats := client.counts(); chats != 0 {
		t.Errorf("chat calls = %d, want 0", chats)
	}
	msgs, _ := conv.All(context.Background())
	if len(msgs) != 2 {
		t.Errorf("persisted %d messages, want 2", len(msgs))
	}
}

func TestChatStream_ZeroOutputFailsOverToChat(t *testing.T) {
	client := &scriptedClient{
		streams: []func() llm.Stream{stallingStream()},
		chats:   []func() (string, error){func() (string, error) { return "Fallback answer.", nil }},
	}
	a, _ := newTestAgent(t, client, nil)

	got := runTurn(t, a, context.Background(), "hi")
	if got != "Fallback answer." {
		t.Errorf("reply = %q", got)
	}
	if _, chats := client.counts(); chats != 1 {
		t.Errorf("chat calls = %d, want 1", chats)
	}
}

func TestChatStream_RepeatedFailuresDisableStreaming(t *testing.T) {
	client := &scriptedClient{
		streams: []func() llm.Stream{stallingStream(), stallingStream()},
		chats: []func() (string, error){
			func() (string, error) { return "", errors.New("down") },
			func() (string, error) { return "", errors.New("down") },
			func() (string, error) { return "Recovered without streaming.", nil },
		},
	}
	a, _ := newTestAgent(t, client, nil)
	ctx := context.Background()

	// Two zero-output streaming turns hit the disable threshold.
	runTurn(t, a, ctx, "one")
	runTurn(t, a, ctx, "two")

	got := runTurn(t, a, ctx, "three")
	if got != "Recovered without streaming." {
		t.Errorf("reply = %q", got)
	}
	streams, _ := client.counts()
	if streams != 2 {
		t.Errorf("stream calls = %d, want 2 (third turn must not stream)", streams)
	}
}

func TestChatStream_StreamingReenabledAfterCooldown(t *testing.T) {
	client := &scriptedClient{
		streams: []func() llm.Stream{stallingStream(), stallingStream(), textStream("Back online.")},
		chats: []func() (string, error){
			func() (string, error) { return "", errors.New("down") },
			func() (string, error) { return "", errors.New("down") },
		},
	}
	a, _ := newTestAgent(t, client, nil)
	base := time.Unix(1000, 0)
	now := base
	a.now = func() time.Time { return now }
	ctx := context.Background()

	runTurn(t, a, ctx, "one")
	runTurn(t, a, ctx, "two")
	if a.streamingActive() {
		t.Fatal("streaming still active after repeated failures")
	}

	now = base.Add(2 * time.Minute)
	got := runTurn(t, a, ctx, "three")
	if got != "Back online." {
		t.Errorf("reply = %q", got)
	}
}

func TestChatStream_ToolLoopFeedsResultsBack(t *testing.T) {
	client := &scriptedClient{streams: []func() llm.Stream{
		toolCallStream("get_weather", `{"city":"Paris"}`),
		textStream("It is sunny in Paris today."),
	}}
	a, _ := newTestAgent(t, client, func(o *Options) {
		o.Registry = llm.NewRegistry()
		o.Registry.Register(llm.MustNewFuncTool("get_weather", "weather lookup",
			func(ctx context.Context, arg struct {
				City string `json:"city"`
			}) (string, error) {
				return `{"city":"` + arg.City + `","weather":"sunny"}`, nil
			}))
	})

	got := runTurn(t, a, context.Background(), "weather in paris?")
	if got != "It is sunny in Paris today." {
		t.Errorf("reply = %q", got)
	}
	if streams, _ := client.counts(); streams != 2 {
		t.Errorf("stream calls = %d, want 2 (tool round + final round)", streams)
	}
}

func TestChatStream_EmptyStreamRescuedFromToolTrace(t *testing.T) {
	client := &scriptedClient{streams: []func() llm.Stream{
		toolCallStream("get_current_time", `{}`),
		textStream(), // second round yields nothing
	}}
	a, _ := newTestAgent(t, client, func(o *Options) {
		o.FastRetry = false // trace summary fires before any retry
		o.Registry = llm.NewRegistry()
		o.Registry.Register(llm.MustNewFuncTool("get_current_time", "current time",
			func(ctx context.Context, arg struct{}) (string, error) {
				return "TOOL_RESULT: get_current_time\nlocal_time: 2025-01-01 10:00:00", nil
			}))
	})

	got := runTurn(t, a, context.Background(), "what time is it?")
	if !strings.Contains(got, "2025-01-01 10:00:00") {
		t.Errorf("reply = %q, want the timestamp surfaced", got)
	}
	if strings.Contains(got, "TOOL_RESULT") {
		t.Errorf("reply = %q, raw tool header leaked", got)
	}
}

func TestChatStream_RawOutputPreferenceKeepsVerbatim(t *testing.T) {
	raw := `{"city":"Paris","temp":21}`
	client := &scriptedClient{streams: []func() llm.Stream{
		toolCallStream("get_weather", `{"city":"Paris"}`),
		textStream(),
	}}
	a, _ := newTestAgent(t, client, func(o *Options) {
		o.FastRetry = false
		o.Registry = llm.NewRegistry()
		o.Registry.Register(llm.MustNewFuncTool("get_weather", "weather lookup",
			func(ctx context.Context, arg struct {
				City string `json:"city"`
			}) (string, error) {
				return raw, nil
			}))
	})

	got := runTurn(t, a, context.Background(), "please respond in raw JSON with the weather")
	if !strings.Contains(got, raw) {
		t.Errorf("reply = %q, want verbatim tool output", got)
	}
}

func TestChatStream_CancelSkipsPersistence(t *testing.T) {
	client := &scriptedClient{streams: []func() llm.Stream{
		stallingStream("First chunk that keeps going..."),
	}}
	a, conv := newTestAgent(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	for text, err := range a.ChatStream(ctx, "hi", ChatOpts{}) {
		if err != nil {
			t.Fatalf("turn error: %v", err)
		}
		if text != "" {
			cancel()
		}
	}
	cancel()

	msgs, err := conv.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("persisted %d messages after cancel, want 0", len(msgs))
	}
}

func TestChatStream_EmptyMessage(t *testing.T) {
	client := &scriptedClient{}
	a, conv := newTestAgent(t, client, nil)

	got := runTurn(t, a, context.Background(), "   ")
	if got == "" {
		t.Error("empty message should still produce a prompt back to the user")
	}
	if streams, chats := client.counts(); streams != 0 || chats != 0 {
		t.Errorf("model called for empty message: streams=%d chats=%d", streams, chats)
	}
	if n, _ := conv.Count(context.Background()); n != 0 {
		t.Errorf("persisted %d messages, want 0", n)
	}
}
