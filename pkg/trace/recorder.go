// Package trace records tool invocations during a turn so that rescue
// paths can synthesize a reply from tool results when the model fails
// to produce usable text.
package trace

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxOutputChars bounds stored tool output; verbose tool results
// blow up rescue prompts and persistence otherwise.
const DefaultMaxOutputChars = 12_000

const truncationNotice = "\n[tool output truncated]"

// Trace is one recorded tool invocation.
type Trace struct {
	ID        string
	Name      string
	Args      string
	Output    string
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// Recorder collects traces for one turn. Tool calls within a turn may
// execute concurrently, so all methods are safe for concurrent use.
type Recorder struct {
	mu             sync.Mutex
	traces         []Trace
	index          map[string]int
	inFlight       int
	firstDoneAt    time.Time
	lastActivity   time.Time
	maxOutputChars int

	now func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{
		index:          make(map[string]int),
		maxOutputChars: DefaultMaxOutputChars,
		now:            time.Now,
	}
}

// MarkStart registers an invocation and returns its trace ID.
func (r *Recorder) MarkStart(name, args string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	now := r.now()
	r.index[id] = len(r.traces)
	r.traces = append(r.traces, Trace{
		ID:        id,
		Name:      name,
		Args:      args,
		StartedAt: now,
	})
	r.inFlight++
	r.lastActivity = now
	return id
}

// RecordEnd stores the outcome for a previously started invocation.
// Unknown IDs are ignored.
func (r *Recorder) RecordEnd(id, output string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok {
		return
	}
	now := r.now()
	t := &r.traces[i]
	t.Output = r.truncate(output)
	if err != nil {
		t.Error = err.Error()
	}
	t.EndedAt = now
	if r.inFlight > 0 {
		r.inFlight--
	}
	if r.firstDoneAt.IsZero() {
		r.firstDoneAt = now
	}
	r.lastActivity = now
}

// Snapshot returns completed and in-flight traces in start order.
func (r *Recorder) Snapshot() []Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Trace, len(r.traces))
	copy(out, r.traces)
	return out
}

// State reports whether tools are still running and when the last one
// finished. firstDoneAt is zero until the first completion.
func (r *Recorder) State() (inFlight int, firstDoneAt, lastActivity time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight, r.firstDoneAt, r.lastActivity
}

func (r *Recorder) truncate(s string) string {
	if r.maxOutputChars <= 0 || len(s) <= r.maxOutputChars {
		return s
	}
	return strings.TrimRight(s[:r.maxOutputChars], " \t\n") + truncationNotice
}
