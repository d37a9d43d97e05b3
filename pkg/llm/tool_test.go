package llm

import (
	"context"
	"strings"
	"testing"
	"time"
)

type echoArgs struct {
	Text string `json:"text"`
}

func TestFuncTool_InvokeDecodesArgs(t *testing.T) {
	tool := MustNewFuncTool("echo", "echoes text", func(ctx context.Context, arg echoArgs) (string, error) {
		return arg.Text, nil
	})
	got, err := tool.Invoke(context.Background(), `{"text":"hi"}`)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got != "hi" {
		t.Errorf("Invoke() = %q, want %q", got, "hi")
	}
}

func TestFuncTool_InvokeRepairsMalformedJSON(t *testing.T) {
	tool := MustNewFuncTool("echo", "echoes text", func(ctx context.Context, arg echoArgs) (string, error) {
		return arg.Text, nil
	})
	// Single quotes and a trailing comma, as models tend to produce.
	got, err := tool.Invoke(context.Background(), `{'text': 'hi',}`)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got != "hi" {
		t.Errorf("Invoke() = %q, want %q", got, "hi")
	}
}

func TestRegistry_ResolveTolerantNaming(t *testing.T) {
	r := NewRegistry()
	r.Register(MustNewFuncTool("web_search", "searches", func(ctx context.Context, arg echoArgs) (string, error) {
		return "result", nil
	}))
	r.Alias("search_web", "web_search")

	for _, name := range []string{"web_search", "Web-Search", "  web_search ", "search_web", "SEARCH-WEB"} {
		if r.Resolve(name) == nil {
			t.Errorf("Resolve(%q) = nil, want tool", name)
		}
	}
	if r.Resolve("unknown_tool") != nil {
		t.Error("Resolve(unknown_tool) != nil")
	}
}

func TestRegistry_ExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(MustNewFuncTool("slow", "sleeps", func(ctx context.Context, arg echoArgs) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	}))

	_, err := r.Execute(context.Background(), "slow", `{}`, 10*time.Millisecond)
	if err == nil {
		t.Fatal("Execute() error = nil, want deadline exceeded")
	}
	if !strings.Contains(err.Error(), "deadline") {
		t.Errorf("Execute() error = %v, want deadline exceeded", err)
	}
}
