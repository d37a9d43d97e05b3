package buffer

import (
	"errors"
	"sync"
	"testing"
)

func TestBlockBuffer_FIFO(t *testing.T) {
	bb := BlockN[int](4)
	for i := 1; i <= 4; i++ {
		if err := bb.Add(i); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if got := bb.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
	for i := 1; i <= 4; i++ {
		v, err := bb.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if v != i {
			t.Errorf("next = %d, want %d", v, i)
		}
	}
}

func TestBlockBuffer_BlocksWhenFull(t *testing.T) {
	bb := BlockN[int](1)
	if err := bb.Add(1); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- bb.Add(2) }()

	select {
	case err := <-done:
		t.Fatalf("add returned early: %v", err)
	default:
	}

	if v, err := bb.Next(); err != nil || v != 1 {
		t.Fatalf("next = %d, %v, want 1, nil", v, err)
	}
	if err := <-done; err != nil {
		t.Errorf("blocked add: %v", err)
	}
	if v, err := bb.Next(); err != nil || v != 2 {
		t.Errorf("next = %d, %v, want 2, nil", v, err)
	}
}

func TestBlockBuffer_CloseWriteDrains(t *testing.T) {
	bb := BlockN[string](8)
	bb.Add("a")
	bb.Add("b")
	bb.CloseWrite()

	if err := bb.Add("c"); err == nil {
		t.Error("add after CloseWrite should fail")
	}

	for _, want := range []string{"a", "b"} {
		v, err := bb.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if v != want {
			t.Errorf("next = %q, want %q", v, want)
		}
	}
	if _, err := bb.Next(); !errors.Is(err, ErrIteratorDone) {
		t.Errorf("next after drain = %v, want ErrIteratorDone", err)
	}
}

func TestBlockBuffer_CloseWithErrorUnblocks(t *testing.T) {
	bb := BlockN[int](1)
	boom := errors.New("boom")

	var wg sync.WaitGroup
	wg.Add(1)
	var nextErr error
	go func() {
		defer wg.Done()
		_, nextErr = bb.Next()
	}()

	bb.CloseWithError(boom)
	wg.Wait()

	if !errors.Is(nextErr, boom) {
		t.Errorf("next error = %v, want wrapped boom", nextErr)
	}
	if !errors.Is(bb.Error(), boom) {
		t.Errorf("Error() = %v, want boom", bb.Error())
	}
}
