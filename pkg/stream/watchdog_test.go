package stream

import (
	"testing"
	"time"
)

func testWatchdog(budget Budget) (*Watchdog, *time.Time) {
	base := time.Unix(1000, 0)
	now := base
	w := &Watchdog{budget: budget, now: func() time.Time { return now }}
	w.start = base
	w.lastChunk = base
	return w, &now
}

func TestWatchdog_NoFirstChunk(t *testing.T) {
	w, now := testWatchdog(Budget{FirstChunk: 5 * time.Second, IdleChunk: 10 * time.Second, Total: 60 * time.Second})

	*now = now.Add(4 * time.Second)
	wait, kind := w.NextWait()
	if kind != TimeoutNone {
		t.Fatalf("kind = %v, want TimeoutNone", kind)
	}
	if wait != time.Second {
		t.Errorf("wait = %v, want 1s", wait)
	}

	*now = now.Add(time.Second)
	if _, kind := w.NextWait(); kind != TimeoutNoFirstChunk {
		t.Errorf("kind = %v, want TimeoutNoFirstChunk", kind)
	}
}

func TestWatchdog_NoFurtherChunk(t *testing.T) {
	w, now := testWatchdog(Budget{FirstChunk: 5 * time.Second, IdleChunk: 3 * time.Second, Total: 60 * time.Second})

	*now = now.Add(time.Second)
	if latency, first := w.MarkChunk(); !first || latency != time.Second {
		t.Fatalf("MarkChunk = (%v, %v), want (1s, true)", latency, first)
	}
	if _, first := w.MarkChunk(); first {
		t.Error("second MarkChunk reported first=true")
	}

	// Idle window applies after the first chunk.
	*now = now.Add(3 * time.Second)
	if _, kind := w.NextWait(); kind != TimeoutNoFurtherChunk {
		t.Errorf("kind = %v, want TimeoutNoFurtherChunk", kind)
	}
}

func TestWatchdog_TotalExceeded(t *testing.T) {
	w, now := testWatchdog(Budget{FirstChunk: 5 * time.Second, IdleChunk: 5 * time.Second, Total: 10 * time.Second})

	// Chunks keep arriving, but the total budget still runs out.
	for i := 0; i < 10; i++ {
		*now = now.Add(time.Second)
		w.MarkChunk()
	}
	if _, kind := w.NextWait(); kind != TimeoutTotalExceeded {
		t.Errorf("kind = %v, want TimeoutTotalExceeded", kind)
	}
	if w.RemainingTotal() > 0 {
		t.Errorf("RemainingTotal = %v, want <= 0", w.RemainingTotal())
	}
}

func TestWatchdog_MinimumWait(t *testing.T) {
	w, now := testWatchdog(Budget{FirstChunk: time.Second, IdleChunk: time.Second, Total: 60 * time.Second})
	*now = now.Add(990 * time.Millisecond)
	wait, kind := w.NextWait()
	if kind != TimeoutNone {
		t.Fatalf("kind = %v, want TimeoutNone", kind)
	}
	if wait != minWait {
		t.Errorf("wait = %v, want %v", wait, minWait)
	}
}
