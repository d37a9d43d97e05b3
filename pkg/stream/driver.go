package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintlabs/chatpipe/pkg/llm"
	"github.com/mintlabs/chatpipe/pkg/scrub"
	"github.com/mintlabs/chatpipe/pkg/trace"
)

// Defaults observed to balance latency against leak protection.
const (
	DefaultQueueSize          = 128
	DefaultCancelPoll         = 250 * time.Millisecond
	DefaultToolGrace          = 1500 * time.Millisecond
	DefaultCleanupGrace       = time.Second
	DefaultMinEmitChars       = 8
	DefaultPrefixMaxFragments = 5
	DefaultPrefixBufferChars  = 100_000
	DefaultScrubBufferChars   = 32_768
	DefaultScrubScanBlocks    = 8
)

// internalNodeTokens mark routing/planning graph nodes whose text output
// must never reach the user.
var internalNodeTokens = []string{
	"toolselectionresponse",
	"tool_selector",
	"toolselector",
	"tool_selection",
	"select_tools",
	"tool_select",
	"router",
	"routing",
	"route_planner",
	"planner",
}

var multiNewlineRE = regexp.MustCompile(`\n{3,}`)

// Options configures a Driver. Zero values take the package defaults.
type Options struct {
	Budget Budget

	QueueSize    int
	CancelPoll   time.Duration
	ToolGrace    time.Duration
	CleanupGrace time.Duration

	MinEmitChars       int
	PrefixMaxFragments int
	PrefixBufferChars  int
	ScrubBufferChars   int
	ScrubScanBlocks    int

	// Recorder, when set, keeps the watchdog alive while tools execute
	// and enables the early-end path once tools have settled with no
	// assistant text.
	Recorder *trace.Recorder

	// OnToolCall is invoked, in arrival order, for tool-call chunks.
	OnToolCall func(*llm.ToolCall)

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.CancelPoll <= 0 {
		o.CancelPoll = DefaultCancelPoll
	}
	if o.ToolGrace <= 0 {
		o.ToolGrace = DefaultToolGrace
	}
	if o.CleanupGrace <= 0 {
		o.CleanupGrace = DefaultCleanupGrace
	}
	if o.MinEmitChars <= 0 {
		o.MinEmitChars = DefaultMinEmitChars
	}
	if o.PrefixMaxFragments <= 0 {
		o.PrefixMaxFragments = DefaultPrefixMaxFragments
	}
	if o.PrefixBufferChars <= 0 {
		o.PrefixBufferChars = DefaultPrefixBufferChars
	}
	if o.ScrubBufferChars <= 0 {
		o.ScrubBufferChars = DefaultScrubBufferChars
	}
	if o.ScrubScanBlocks <= 0 {
		o.ScrubScanBlocks = DefaultScrubScanBlocks
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats summarizes one completed drive.
type Stats struct {
	Chunks            int
	Chars             int
	Elapsed           time.Duration
	FirstChunkLatency time.Duration
}

// Driver relays one provider stream through the scrubbing pipeline
// under the watchdog's budgets. One Driver drives one stream; it is not
// reusable across turns.
type Driver struct {
	opts      Options
	cancelled atomic.Bool

	mu       sync.Mutex
	stats    Stats
	toolText strings.Builder
}

func NewDriver(opts Options) *Driver {
	opts.applyDefaults()
	return &Driver{opts: opts}
}

// Cancel asks the driver to stop relaying. Observed within the cancel
// poll interval; the output sequence simply ends, with no error.
func (d *Driver) Cancel() {
	d.cancelled.Store(true)
}

func (d *Driver) Cancelled() bool {
	return d.cancelled.Load()
}

// Stats is valid once the output sequence has ended.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ToolText returns raw tool-channel text accumulated during the drive.
// It is never emitted; rescue paths may use it as a last resort.
func (d *Driver) ToolText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.toolText.String()
}

type produced struct {
	chunk *llm.Chunk
	err   error
}

// pipeline is the per-turn transform chain, applied in fixed order:
// accumulator, prefix stripper, trace scrubber, coalescer.
type pipeline struct {
	acc       scrub.DeltaAccumulator
	prefix    *scrub.PrefixStripper
	scrubber  *scrub.TraceScrubber
	coalescer *scrub.Coalescer
}

func newPipeline(o Options) *pipeline {
	return &pipeline{
		prefix:    scrub.NewPrefixStripper(o.PrefixMaxFragments, o.PrefixBufferChars),
		scrubber:  scrub.NewTraceScrubber(o.ScrubBufferChars, o.ScrubScanBlocks),
		coalescer: scrub.NewCoalescer(o.MinEmitChars),
	}
}

// Run drives the stream: a producer goroutine pulls it into a bounded
// queue; the consumer applies the transform chain and yields coalesced
// text. The yielded error, if any, is a *TimeoutError or the provider's
// terminal error. Cancellation ends the sequence without an error.
func (d *Driver) Run(ctx context.Context, s llm.Stream) iter.Seq2[string, error] {
	o := d.opts
	queue := make(chan produced, o.QueueSize)
	stop := make(chan struct{})

	go func() {
		defer close(queue)
		for {
			chunk, err := s.Next()
			if err != nil {
				if errors.Is(err, llm.ErrDone) {
					return
				}
				select {
				case queue <- produced{err: err}:
				case <-stop:
				}
				return
			}
			select {
			case queue <- produced{chunk: chunk}:
			case <-stop:
				return
			}
		}
	}()

	return func(yield func(string, error) bool) {
		wd := NewWatchdog(o.Budget)
		pipe := newPipeline(o)
		start := time.Now()
		var toolFirstAt time.Time
		totalChars := 0
		chunkCount := 0

		var stopOnce sync.Once
		requestStop := func() {
			stopOnce.Do(func() {
				close(stop)
				d.closeStream(s)
			})
		}
		defer func() {
			requestStop()
			d.mu.Lock()
			d.stats.Chunks = chunkCount
			d.stats.Chars = totalChars
			d.stats.Elapsed = time.Since(start)
			d.mu.Unlock()
			o.Logger.Debug("stream drive finished",
				"chunks", chunkCount,
				"chars", totalChars,
				"elapsed", time.Since(start))
		}()

		emit := func(text string) bool {
			if text == "" {
				return true
			}
			chunkCount++
			totalChars += len(text)
			return yield(text, nil)
		}
		flushTail := func() bool {
			if pending := pipe.prefix.Flush(); pending != "" {
				if !emit(pipe.coalescer.Push(pipe.scrubber.Process(pending))) {
					return false
				}
			}
			if tail := pipe.scrubber.Flush(); tail != "" {
				if !emit(pipe.coalescer.Push(tail)) {
					return false
				}
			}
			return emit(pipe.coalescer.Flush())
		}

		for {
			if d.cancelled.Load() || ctx.Err() != nil {
				// No further output once cancellation is observed.
				requestStop()
				return
			}
			wait, kind := wd.NextWait()
			if kind != TimeoutNone {
				requestStop()
				if !flushTail() {
					return
				}
				yield("", wd.timeoutError(kind))
				return
			}
			wait = min(wait, o.CancelPoll)

			timer := time.NewTimer(wait)
			select {
			case p, ok := <-queue:
				timer.Stop()
				if !ok {
					flushTail()
					return
				}
				if p.err != nil {
					requestStop()
					if !flushTail() {
						return
					}
					yield("", p.err)
					return
				}
				if latency, first := wd.MarkChunk(); first {
					d.mu.Lock()
					d.stats.FirstChunkLatency = latency
					d.mu.Unlock()
				}
				if !d.relay(pipe, p.chunk, &toolFirstAt, emit) {
					return
				}

			case <-timer.C:
				if d.settledWithoutText(wd, toolFirstAt, totalChars) {
					requestStop()
					flushTail()
					return
				}

			case <-ctx.Done():
				timer.Stop()
				requestStop()
				return
			}
		}
	}
}

// relay applies the transform chain to one chunk. Returns false when the
// consumer stopped.
func (d *Driver) relay(pipe *pipeline, chunk *llm.Chunk, toolFirstAt *time.Time, emit func(string) bool) bool {
	if chunk == nil {
		return true
	}
	if chunk.ToolCall != nil {
		if d.opts.OnToolCall != nil {
			d.opts.OnToolCall(chunk.ToolCall)
		}
		return true
	}
	if nodeLooksInternal(chunk.Node) {
		return true
	}
	if chunk.Role == llm.RoleTool {
		if norm := normalizeOutputText(chunk.Text); norm != "" {
			if toolFirstAt.IsZero() {
				*toolFirstAt = time.Now()
			}
			d.mu.Lock()
			d.toolText.WriteString(norm)
			d.mu.Unlock()
		}
		return true
	}

	text := normalizeOutputText(chunk.Text)
	if text == "" {
		return true
	}
	if chunk.Cumulative {
		text = pipe.acc.Consume(text)
	}
	text = pipe.prefix.Process(text)
	if text == "" {
		return true
	}
	text = pipe.scrubber.Process(text)
	if text == "" {
		return true
	}
	return emit(pipe.coalescer.Push(text))
}

// settledWithoutText decides whether to end the stream early: tools have
// produced results, no assistant text has appeared, and the grace period
// has passed. Ending here lets the rescue chain answer from the traces
// instead of waiting out the total budget.
func (d *Driver) settledWithoutText(wd *Watchdog, toolFirstAt time.Time, totalChars int) bool {
	if totalChars > 0 {
		return false
	}
	toolsInFlight := 0
	var toolDoneAt time.Time
	if d.opts.Recorder != nil {
		inFlight, firstDoneAt, lastActivity := d.opts.Recorder.State()
		toolsInFlight = inFlight
		if inFlight > 0 {
			// Tool execution may produce no stream chunks at all; keep
			// the watchdog alive so it is not mistaken for idleness.
			wd.MarkChunk()
		}
		if inFlight <= 0 && !firstDoneAt.IsZero() {
			toolDoneAt = lastActivity
		}
	}
	toolStreamReady := !toolFirstAt.IsZero() && time.Since(toolFirstAt) >= d.opts.ToolGrace
	if toolsInFlight > 0 {
		// A finished tool does not mean the chain is done.
		toolStreamReady = false
	}
	if toolStreamReady {
		return true
	}
	return !toolDoneAt.IsZero() && time.Since(toolDoneAt) >= d.opts.ToolGrace
}

// DriveDirect consumes the stream on the caller's goroutine, for
// streams that buffer internally and return promptly from Next. Budget
// violations are detected lazily between chunks; there is no producer
// worker or queue.
func (d *Driver) DriveDirect(ctx context.Context, s llm.Stream) iter.Seq2[string, error] {
	o := d.opts
	return func(yield func(string, error) bool) {
		wd := NewWatchdog(o.Budget)
		pipe := newPipeline(o)
		start := time.Now()
		var toolFirstAt time.Time
		totalChars := 0
		chunkCount := 0

		defer func() {
			d.closeStream(s)
			d.mu.Lock()
			d.stats.Chunks = chunkCount
			d.stats.Chars = totalChars
			d.stats.Elapsed = time.Since(start)
			d.mu.Unlock()
		}()

		emit := func(text string) bool {
			if text == "" {
				return true
			}
			chunkCount++
			totalChars += len(text)
			return yield(text, nil)
		}
		flushTail := func() bool {
			if pending := pipe.prefix.Flush(); pending != "" {
				if !emit(pipe.coalescer.Push(pipe.scrubber.Process(pending))) {
					return false
				}
			}
			if tail := pipe.scrubber.Flush(); tail != "" {
				if !emit(pipe.coalescer.Push(tail)) {
					return false
				}
			}
			return emit(pipe.coalescer.Flush())
		}

		for {
			if d.cancelled.Load() || ctx.Err() != nil {
				return
			}
			if _, kind := wd.NextWait(); kind != TimeoutNone {
				if !flushTail() {
					return
				}
				yield("", wd.timeoutError(kind))
				return
			}

			chunk, err := s.Next()
			if err != nil {
				if errors.Is(err, llm.ErrDone) {
					flushTail()
					return
				}
				if !flushTail() {
					return
				}
				yield("", err)
				return
			}
			if latency, first := wd.MarkChunk(); first {
				d.mu.Lock()
				d.stats.FirstChunkLatency = latency
				d.mu.Unlock()
			}
			if !d.relay(pipe, chunk, &toolFirstAt, emit) {
				return
			}
		}
	}
}

func (d *Driver) closeStream(s llm.Stream) {
	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.opts.CleanupGrace):
		d.opts.Logger.Debug("stream close exceeded cleanup grace")
	}
}

func nodeLooksInternal(node string) bool {
	if node == "" {
		return false
	}
	lower := strings.ToLower(node)
	for _, token := range internalNodeTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// normalizeOutputText unifies line endings and collapses runs of blank
// lines. Chunks are not trimmed, to preserve code indentation and
// inter-word spacing.
func normalizeOutputText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return multiNewlineRE.ReplaceAllString(text, "\n\n")
}
