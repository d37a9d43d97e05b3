// Package agent orchestrates a chat turn end to end: it builds the
// request bundle, drives the streaming pipeline, classifies the outcome
// (success, timeout with or without partial output, empty reply), runs
// the rescue chain when needed, and persists finished turns to the
// conversation store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mintlabs/chatpipe/pkg/llm"
	"github.com/mintlabs/chatpipe/pkg/memory"
	"github.com/mintlabs/chatpipe/pkg/stream"
	"github.com/mintlabs/chatpipe/pkg/trace"
)

const (
	defaultEmptyReply = "Sorry, I don't think I caught that. Could you rephrase?"
	emptyMessageReply = "I'm listening. What would you like to talk about?"

	apologyTimeout    = "Sorry, the model isn't responding right now. Let's try again in a moment."
	apologyFailover   = "Sorry, the model has gone quiet. Let's pick this up again shortly."
	apologyConnection = "Sorry, the connection looks unstable and I can't reach the model right now. Please try again shortly."
)

// maxToolRounds bounds the stream → execute tools → stream again loop.
const maxToolRounds = 3

// Options configures an Agent.
type Options struct {
	Client   llm.Client
	Registry *llm.Registry

	// Conversation persists finished turns. Optional.
	Conversation *memory.Conversation

	SystemPrompt string

	Budget          stream.Budget
	FailoverTimeout time.Duration
	ToolTimeout     time.Duration
	MinEmitChars    int

	// StreamingEnabled is the user-level switch. The agent may still
	// disable streaming temporarily after repeated failures.
	StreamingEnabled bool
	// FastRetry gates the model-retry steps of the rescue chain.
	FastRetry bool

	DisableAfterFailures int
	DisableCooldown      time.Duration

	Logger *slog.Logger
}

// ChatOpts are per-turn options.
type ChatOpts struct {
	ImagePath     string
	ImageAnalysis *ImageAnalysis
}

// Agent runs chat turns against one model client.
type Agent struct {
	client       llm.Client
	registry     *llm.Registry
	conv         *memory.Conversation
	systemPrompt string

	budget          stream.Budget
	failoverTimeout time.Duration
	toolTimeout     time.Duration
	minEmitChars    int
	fastRetry       bool

	disableAfter    int
	disableCooldown time.Duration

	logger *slog.Logger
	now    func() time.Time

	mu                   sync.Mutex
	streamingUserEnabled bool
	streamingEnabled     bool
	failureCount         int
	disabledUntil        time.Time
}

// New builds an Agent. Client is required; Registry defaults to an
// empty registry.
func New(opts Options) (*Agent, error) {
	if opts.Client == nil {
		return nil, errors.New("agent: Options.Client is required")
	}
	if opts.Registry == nil {
		opts.Registry = llm.NewRegistry()
	}
	if opts.Budget.FirstChunk <= 0 {
		opts.Budget.FirstChunk = 18 * time.Second
	}
	if opts.Budget.IdleChunk <= 0 {
		opts.Budget.IdleChunk = 30 * time.Second
	}
	if opts.Budget.Total <= 0 {
		opts.Budget.Total = 2 * time.Minute
	}
	if opts.FailoverTimeout <= 0 {
		opts.FailoverTimeout = time.Minute
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 30 * time.Second
	}
	if opts.DisableAfterFailures <= 0 {
		opts.DisableAfterFailures = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		client:               opts.Client,
		registry:             opts.Registry,
		conv:                 opts.Conversation,
		systemPrompt:         opts.SystemPrompt,
		budget:               opts.Budget,
		failoverTimeout:      opts.FailoverTimeout,
		toolTimeout:          opts.ToolTimeout,
		minEmitChars:         opts.MinEmitChars,
		fastRetry:            opts.FastRetry,
		disableAfter:         opts.DisableAfterFailures,
		disableCooldown:      opts.DisableCooldown,
		logger:               opts.Logger,
		now:                  time.Now,
		streamingUserEnabled: opts.StreamingEnabled,
		streamingEnabled:     opts.StreamingEnabled,
	}, nil
}

// ChatStream runs one turn and yields reply text incrementally.
// Cancelling ctx stops the turn cleanly: iteration ends without an
// error and nothing is persisted. Recoverable failures surface as
// apology text, not as errors; only unexpected internal failures yield
// a non-nil error.
func (a *Agent) ChatStream(ctx context.Context, message string, opts ChatOpts) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		message = strings.TrimSpace(message)
		if message == "" {
			yield(emptyMessageReply, nil)
			return
		}

		b, err := a.buildBundle(ctx, message, opts)
		if err != nil {
			yield("", fmt.Errorf("agent: prepare turn: %w", err))
			return
		}

		if !a.streamingActive() {
			a.nonStreamTurn(ctx, b, yield)
			return
		}

		var parts []string
		stopped := false
		emit := func(text string) bool {
			parts = append(parts, text)
			if !yield(text, nil) {
				stopped = true
				return false
			}
			return true
		}

		streamErr := a.streamRounds(ctx, b, emit)
		if stopped || ctx.Err() != nil {
			return
		}

		if streamErr != nil {
			if len(parts) > 0 {
				a.logger.Warn("agent: stream interrupted after partial output", "err", streamErr)
				a.resetStreamFailures()
			} else {
				a.noteStreamFailure()
				reply := a.failoverReply(ctx, b, streamErr)
				if ctx.Err() != nil {
					return
				}
				parts = append(parts, reply)
				if !yield(reply, nil) {
					return
				}
			}
		} else if len(parts) > 0 {
			a.resetStreamFailures()
		}
		if ctx.Err() != nil {
			return
		}

		rawReply := strings.Join(parts, "")
		fullReply := filterToolInfo(rawReply)
		if !hasMeaningfulText(fullReply) {
			if rescued := a.rescueEmptyReply(ctx, b, rawReply, "stream"); rescued != "" {
				fullReply = rescued
				if !yield(rescued, nil) {
					return
				}
			} else if strings.TrimSpace(rawReply) != "" {
				// Some text went out already; appending a canned reply
				// here would read as a non sequitur.
				fullReply = strings.TrimSpace(rawReply)
			} else {
				fullReply = defaultEmptyReply
				if !yield(defaultEmptyReply, nil) {
					return
				}
			}
		}

		if addition := a.repairFinalReply(ctx, b, &fullReply); addition != "" {
			if !yield(addition, nil) {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		a.persistTurn(ctx, b, fullReply)
	}
}

// repairFinalReply replaces progress-only or tool-echo replies with a
// rendering of the recorded tool trace. It returns the text appended
// to the stream, if any, and updates fullReply in place.
func (a *Agent) repairFinalReply(ctx context.Context, b *Bundle, fullReply *string) string {
	traces := b.Recorder.Snapshot()
	if len(traces) == 0 {
		return ""
	}
	userMessage := b.UserMessage()
	prefersRaw := userMessage != "" && trace.PrefersRawOutput(userMessage)

	if !looksLikeProgressOnlyReply(*fullReply) &&
		(prefersRaw || !looksLikeToolEchoReply(*fullReply, traces)) {
		return ""
	}

	rewritten := a.traceSummary(b, userMessage)
	if rewritten == "" {
		rewritten = a.rewriteFromToolTrace(ctx, b, "stream-final")
	}
	if rewritten == "" {
		rewritten = a.implicitIntentRescue(ctx, b)
	}
	if rewritten == "" {
		return ""
	}

	addition := rewritten
	if strings.TrimSpace(*fullReply) != "" {
		addition = "\n\n" + rewritten
	}
	*fullReply = strings.TrimSpace(strings.TrimRight(*fullReply, " \n") + addition)
	return addition
}

// streamRounds drives the streaming pipeline, executing model-issued
// tool calls between rounds and feeding their results back, up to
// maxToolRounds. emit returning false stops everything.
func (a *Agent) streamRounds(ctx context.Context, b *Bundle, emit func(string) bool) error {
	messages := b.Messages
	for round := 0; round < maxToolRounds; round++ {
		var calls []*llm.ToolCall
		d := stream.NewDriver(stream.Options{
			Budget:       a.budget,
			MinEmitChars: a.minEmitChars,
			Recorder:     b.Recorder,
			Logger:       a.logger,
			OnToolCall:   func(tc *llm.ToolCall) { calls = append(calls, tc) },
		})

		s, err := a.client.ChatStream(ctx, messages)
		if err != nil {
			return err
		}
		for text, err := range d.Run(ctx, s) {
			if err != nil {
				return err
			}
			if !emit(text) {
				return nil
			}
		}
		if ctx.Err() != nil || len(calls) == 0 {
			return nil
		}

		messages = append(messages, a.runToolCalls(ctx, b, calls)...)
	}
	a.logger.Warn("agent: tool round limit reached", "rounds", maxToolRounds)
	return nil
}

// runToolCalls executes model-issued calls in order and returns the
// call/result message pairs to replay on the next round.
func (a *Agent) runToolCalls(ctx context.Context, b *Bundle, calls []*llm.ToolCall) []llm.Message {
	followups := make([]llm.Message, 0, 2*len(calls))
	for _, call := range calls {
		args := strings.TrimSpace(call.Arguments)
		if args == "" {
			args = "{}"
		}
		id := b.Recorder.MarkStart(call.Name, args)
		out, err := a.registry.Execute(ctx, call.Name, args, a.toolTimeout)
		b.Recorder.RecordEnd(id, out, err)
		if err != nil {
			a.logger.Warn("agent: tool call failed", "tool", call.Name, "err", err)
			out = "tool error: " + err.Error()
		}
		followups = append(followups,
			llm.Message{Role: llm.RoleModel, ToolCall: call},
			llm.Message{Role: llm.RoleTool, ToolResult: &llm.ToolResult{ID: call.ID, Result: out}},
		)
	}
	return followups
}

// nonStreamTurn handles a turn while streaming is disabled.
func (a *Agent) nonStreamTurn(ctx context.Context, b *Bundle, yield func(string, error) bool) {
	reply, err := a.invokeWithFailover(ctx, b)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Error("agent: non-streaming turn failed", "err", err)
		if isTimeoutErr(err) {
			yield(apologyTimeout, nil)
		} else {
			yield("Sorry, I ran into a problem: "+err.Error(), nil)
		}
		return
	}

	reply = strings.TrimSpace(reply)
	if reply == "" || reply == defaultEmptyReply {
		if rescued := a.rescueEmptyReply(ctx, b, reply, "no_stream"); rescued != "" {
			reply = rescued
		}
	}
	if reply == "" {
		reply = defaultEmptyReply
	}
	if ctx.Err() != nil {
		return
	}
	a.persistTurn(ctx, b, reply)
	yield(reply, nil)
}

// failoverReply is the zero-output recovery path: one bounded
// non-streaming call, the rescue chain, then a fixed apology.
func (a *Agent) failoverReply(ctx context.Context, b *Bundle, streamErr error) string {
	a.logger.Error("agent: stream produced no output", "err", streamErr)

	reply, err := a.invokeWithFailover(ctx, b)
	if err != nil {
		a.logger.Warn("agent: non-streaming failover also failed", "err", err)
		if isTimeoutErr(streamErr) {
			return apologyFailover
		}
		return apologyConnection
	}
	reply = strings.TrimSpace(reply)
	if reply == "" || reply == defaultEmptyReply {
		if rescued := a.rescueEmptyReply(ctx, b, reply, "stream_failover"); rescued != "" {
			reply = rescued
		}
	}
	if reply == "" {
		reply = defaultEmptyReply
	}
	return reply
}

// invokeWithFailover makes a bounded blocking model call, retrying once
// with a compacted context after a timeout when fast retry is on.
func (a *Agent) invokeWithFailover(ctx context.Context, b *Bundle) (string, error) {
	reply, err := a.chatWithTimeout(ctx, b.Messages)
	if err == nil {
		return reply, nil
	}
	if !a.fastRetry || !isTimeoutErr(err) || ctx.Err() != nil {
		return "", err
	}
	a.logger.Warn("agent: model call timed out, retrying with compact context")
	reply, retryErr := a.chatWithTimeout(ctx, a.compactMessages(b))
	if retryErr != nil {
		return "", fmt.Errorf("agent: compact retry failed: %w", retryErr)
	}
	return reply, nil
}

func (a *Agent) chatWithTimeout(ctx context.Context, messages []llm.Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, a.failoverTimeout)
	defer cancel()
	return a.client.Chat(cctx, messages)
}

func (a *Agent) rewriteMessages(prompt string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: prompt}}
}

func isTimeoutErr(err error) bool {
	var te *stream.TimeoutError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// persistTurn appends the user message and the final reply to the
// conversation store. Cancelled turns never reach here.
func (a *Agent) persistTurn(ctx context.Context, b *Bundle, reply string) {
	if a.conv == nil {
		return
	}
	saveMsg := b.OriginalMessage
	if saveMsg == "" {
		saveMsg = b.ProcessedMessage
	}
	if err := a.conv.Append(ctx, memory.Message{Role: memory.RoleUser, Content: saveMsg}); err != nil {
		a.logger.Error("agent: persist user message", "err", err)
		return
	}
	if err := a.conv.Append(ctx, memory.Message{Role: memory.RoleModel, Content: reply}); err != nil {
		a.logger.Error("agent: persist reply", "err", err)
	}
}

// streamingActive reports whether this turn should stream, re-enabling
// streaming once the failure cooldown has passed.
func (a *Agent) streamingActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.streamingUserEnabled {
		return false
	}
	if a.streamingEnabled {
		return true
	}
	if !a.now().Before(a.disabledUntil) {
		a.streamingEnabled = true
		a.failureCount = 0
		a.disabledUntil = time.Time{}
		a.logger.Info("agent: streaming re-enabled after cooldown")
		return true
	}
	return false
}

// noteStreamFailure counts a zero-output streaming failure, disabling
// streaming for the cooldown once the threshold is hit.
func (a *Agent) noteStreamFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureCount++
	if a.failureCount >= a.disableAfter && a.streamingEnabled {
		a.logger.Warn("agent: disabling streaming after repeated failures",
			"failures", a.failureCount, "cooldown", a.disableCooldown)
		a.streamingEnabled = false
		a.disabledUntil = a.now().Add(a.disableCooldown)
	}
}

func (a *Agent) resetStreamFailures() {
	a.mu.Lock()
	a.failureCount = 0
	a.mu.Unlock()
}
