package llm

import (
	"errors"
	"fmt"

	"github.com/mintlabs/chatpipe/pkg/buffer"
)

// ErrDone is returned by Stream.Next when the stream has ended normally.
var ErrDone = errors.New("llm: done")

// Stream yields chunks of a streaming model response.
//
// Next returns ErrDone (possibly wrapped in a *State carrying usage)
// after the final chunk. Close and CloseWithError release the
// underlying connection; both are safe to call concurrently with Next.
type Stream interface {
	Next() (*Chunk, error)
	Close() error
	CloseWithError(error) error
}

// Status classifies how a stream terminated.
type Status int

const (
	StatusOK Status = iota
	StatusDone
	StatusTruncated
	StatusBlocked
	StatusError
)

// Usage holds token accounting reported by the provider.
type Usage struct {
	PromptTokenCount    int64
	GeneratedTokenCount int64
}

// State is the terminal error of a stream: it wraps the termination
// status, usage, and cause. A normally completed stream terminates
// with a State that unwraps to ErrDone.
type State struct {
	usage  Usage
	status Status
	err    error
}

func Done(usage Usage) *State {
	return &State{usage: usage, status: StatusDone, err: ErrDone}
}

func Truncated(usage Usage) *State {
	return &State{usage: usage, status: StatusTruncated, err: errors.New("llm: generation truncated")}
}

func Blocked(usage Usage, refusal string) *State {
	return &State{usage: usage, status: StatusBlocked, err: fmt.Errorf("llm: generation blocked: %s", refusal)}
}

func Failed(usage Usage, err error) *State {
	return &State{usage: usage, status: StatusError, err: fmt.Errorf("llm: generation error: %w", err)}
}

func (s *State) Usage() Usage   { return s.usage }
func (s *State) Status() Status { return s.status }
func (s *State) Unwrap() error  { return s.err }

func (s *State) Error() string {
	if s.status == StatusDone {
		return "llm: generation done"
	}
	return s.err.Error()
}

type streamEvent struct {
	chunk   *Chunk
	status  Status
	usage   Usage
	refusal string
	err     error
}

// StreamBuilder is the producer side of a Stream. Provider adapters
// push chunks from their SDK pull loop and finish with Done, Truncated,
// Blocked, or Unexpected; the consumer reads via Stream().
type StreamBuilder struct {
	rb *buffer.BlockBuffer[*streamEvent]
}

// NewStreamBuilder creates a builder whose stream buffers up to size
// chunks between producer and consumer.
func NewStreamBuilder(size int) *StreamBuilder {
	return &StreamBuilder{rb: buffer.BlockN[*streamEvent](size)}
}

// Add pushes chunks to the consumer, blocking when the buffer is full.
func (sb *StreamBuilder) Add(chunks ...*Chunk) error {
	for _, c := range chunks {
		if err := sb.rb.Add(&streamEvent{chunk: c}); err != nil {
			return err
		}
	}
	return nil
}

// Done terminates the stream normally.
func (sb *StreamBuilder) Done(usage Usage) error {
	if err := sb.rb.Add(&streamEvent{status: StatusDone, usage: usage}); err != nil {
		return err
	}
	return sb.rb.CloseWrite()
}

// Truncated terminates the stream with a length cutoff.
func (sb *StreamBuilder) Truncated(usage Usage) error {
	if err := sb.rb.Add(&streamEvent{status: StatusTruncated, usage: usage}); err != nil {
		return err
	}
	return sb.rb.CloseWrite()
}

// Blocked terminates the stream with a safety refusal.
func (sb *StreamBuilder) Blocked(usage Usage, refusal string) error {
	if err := sb.rb.Add(&streamEvent{status: StatusBlocked, usage: usage, refusal: refusal}); err != nil {
		return err
	}
	return sb.rb.CloseWrite()
}

// Unexpected terminates the stream with a provider error.
func (sb *StreamBuilder) Unexpected(usage Usage, err error) error {
	if err2 := sb.rb.Add(&streamEvent{status: StatusError, usage: usage, err: err}); err2 != nil {
		return err2
	}
	return sb.rb.CloseWrite()
}

// Abort tears the stream down immediately with err.
func (sb *StreamBuilder) Abort(err error) error {
	return sb.rb.CloseWithError(err)
}

// Stream returns the consumer side.
func (sb *StreamBuilder) Stream() Stream {
	return (*builtStream)(sb)
}

type builtStream StreamBuilder

func (s *builtStream) Next() (*Chunk, error) {
	evt, err := s.rb.Next()
	if err != nil {
		if errors.Is(err, buffer.ErrIteratorDone) {
			return nil, ErrDone
		}
		return nil, err
	}
	switch evt.status {
	case StatusOK:
		return evt.chunk, nil
	case StatusDone:
		err = Done(evt.usage)
	case StatusTruncated:
		err = Truncated(evt.usage)
	case StatusBlocked:
		err = Blocked(evt.usage, evt.refusal)
	case StatusError:
		err = Failed(evt.usage, evt.err)
	default:
		err = fmt.Errorf("llm: unexpected stream status: %v", evt.status)
	}
	s.rb.CloseWithError(err)
	return nil, err
}

func (s *builtStream) Close() error {
	return s.rb.Close()
}

func (s *builtStream) CloseWithError(err error) error {
	return s.rb.CloseWithError(err)
}
