// Package stream drives a provider text stream through the scrubbing
// pipeline under first-chunk, idle and total time budgets, with
// poll-based cancellation.
package stream

import (
	"fmt"
	"time"
)

// Budget bounds one streaming call.
type Budget struct {
	FirstChunk time.Duration
	IdleChunk  time.Duration
	Total      time.Duration
}

// TimeoutKind classifies which budget was exhausted.
type TimeoutKind int

const (
	TimeoutNone TimeoutKind = iota
	TimeoutNoFirstChunk
	TimeoutNoFurtherChunk
	TimeoutTotalExceeded
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutNone:
		return "none"
	case TimeoutNoFirstChunk:
		return "no_first_chunk"
	case TimeoutNoFurtherChunk:
		return "no_further_chunk"
	case TimeoutTotalExceeded:
		return "total_exceeded"
	}
	return fmt.Sprintf("timeout_kind(%d)", int(k))
}

// TimeoutError is the typed error a driver reports when a budget is
// exhausted.
type TimeoutError struct {
	Kind   TimeoutKind
	Window time.Duration
}

func (e *TimeoutError) Error() string {
	switch e.Kind {
	case TimeoutNoFirstChunk:
		return fmt.Sprintf("stream: no first chunk within %s", e.Window)
	case TimeoutNoFurtherChunk:
		return fmt.Sprintf("stream: no further chunk within %s", e.Window)
	case TimeoutTotalExceeded:
		return fmt.Sprintf("stream: total duration over %s", e.Window)
	}
	return "stream: timeout"
}

// minWait keeps the consumer loop responsive even when a window is
// nearly exhausted.
const minWait = 50 * time.Millisecond

// Watchdog tracks chunk arrival against a Budget. Timeouts are detected
// lazily: NextWait reports the exhausted budget as a TimeoutKind result
// rather than firing a timer of its own.
type Watchdog struct {
	budget       Budget
	start        time.Time
	lastChunk    time.Time
	firstSeen    bool
	firstLatency time.Duration

	now func() time.Time
}

func NewWatchdog(budget Budget) *Watchdog {
	w := &Watchdog{budget: budget, now: time.Now}
	w.start = w.now()
	w.lastChunk = w.start
	return w
}

func (w *Watchdog) Elapsed() time.Duration {
	return w.now().Sub(w.start)
}

// RemainingTotal may be negative once the total budget is exhausted.
func (w *Watchdog) RemainingTotal() time.Duration {
	return w.budget.Total - w.Elapsed()
}

// NextWait returns how long the caller may block before re-checking, or
// the TimeoutKind that has already been exceeded.
func (w *Watchdog) NextWait() (time.Duration, TimeoutKind) {
	now := w.now()
	remaining := w.budget.Total - now.Sub(w.start)
	if remaining <= 0 {
		return 0, TimeoutTotalExceeded
	}

	sinceLast := now.Sub(w.lastChunk)
	window := w.budget.IdleChunk
	if !w.firstSeen {
		window = w.budget.FirstChunk
	}
	if sinceLast >= window {
		if !w.firstSeen {
			return 0, TimeoutNoFirstChunk
		}
		return 0, TimeoutNoFurtherChunk
	}

	wait := min(window-sinceLast, remaining)
	return max(wait, minWait), TimeoutNone
}

// MarkChunk records chunk arrival; the first call reports the
// first-chunk latency.
func (w *Watchdog) MarkChunk() (latency time.Duration, first bool) {
	now := w.now()
	w.lastChunk = now
	if !w.firstSeen {
		w.firstSeen = true
		w.firstLatency = now.Sub(w.start)
		return w.firstLatency, true
	}
	return w.firstLatency, false
}

// window reports the budget currently applied by NextWait.
func (w *Watchdog) window() time.Duration {
	if !w.firstSeen {
		return w.budget.FirstChunk
	}
	return w.budget.IdleChunk
}

func (w *Watchdog) timeoutError(kind TimeoutKind) *TimeoutError {
	window := w.window()
	if kind == TimeoutTotalExceeded {
		window = w.budget.Total
	}
	return &TimeoutError{Kind: kind, Window: window}
}
