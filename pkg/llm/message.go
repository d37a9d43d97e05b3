// Package llm defines the provider-facing model for chat streaming:
// messages sent to a model, the chunk union flowing back, the Stream
// abstraction, tool definitions, and provider adapters (OpenAI-compatible
// and Gemini). Downstream pipeline code depends only on these types and
// never inspects provider SDK shapes.
package llm

import "context"

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleTool   Role = "tool"
)

// Role identifies who produced a message or chunk.
type Role string

func (r Role) String() string { return string(r) }

// Message is one turn of conversation context sent to the model.
type Message struct {
	Role    Role
	Name    string
	Content string

	// ToolCall / ToolResult make the message a tool-call request or a
	// tool output instead of plain content.
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolCall is a model-issued request to invoke a function tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult is the recorded output of a tool call.
type ToolResult struct {
	ID     string
	Result string
}

// Chunk is one unit of incremental output from a streaming model call.
// It is the only shape flowing from provider adapters into the pipeline;
// adapters construct it once at the SDK boundary.
type Chunk struct {
	Role Role
	Name string

	// Node carries routing/agent-graph metadata when the provider
	// exposes it (gateway node name, run tags). The stream driver uses
	// it to pre-filter obviously internal events before scrubbing.
	Node string

	// Text is the textual payload. When Cumulative is true it is a
	// full snapshot of the message so far rather than a delta.
	Text       string
	Cumulative bool

	// ToolCall is set when the chunk carries a completed tool-call
	// request instead of text.
	ToolCall *ToolCall
}

// Client is a chat model endpoint. ChatStream is the primary path;
// Chat is the non-streaming fallback used by failover and rescue.
type Client interface {
	// ChatStream starts a streaming completion. The returned Stream
	// must be closed by the caller; Close must be safe to call from a
	// goroutine other than the reader.
	ChatStream(ctx context.Context, messages []Message) (Stream, error)

	// Chat performs a blocking completion and returns the final text.
	Chat(ctx context.Context, messages []Message) (string, error)
}
