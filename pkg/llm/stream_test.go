package llm

import (
	"errors"
	"testing"
)

func TestStreamBuilder_DoneCarriesUsage(t *testing.T) {
	sb := NewStreamBuilder(8)
	go func() {
		sb.Add(&Chunk{Role: RoleModel, Text: "hello"})
		sb.Add(&Chunk{Role: RoleModel, Text: " world"})
		sb.Done(Usage{PromptTokenCount: 3, GeneratedTokenCount: 2})
	}()

	s := sb.Stream()
	var got string
	var state *State
	for {
		chunk, err := s.Next()
		if err != nil {
			if !errors.As(err, &state) {
				t.Fatalf("Next() error = %v, want *State", err)
			}
			break
		}
		got += chunk.Text
	}
	if got != "hello world" {
		t.Errorf("text = %q, want %q", got, "hello world")
	}
	if state.Status() != StatusDone {
		t.Errorf("status = %v, want %v", state.Status(), StatusDone)
	}
	if !errors.Is(state, ErrDone) {
		t.Errorf("terminal state does not unwrap to ErrDone: %v", state)
	}
	if state.Usage().GeneratedTokenCount != 2 {
		t.Errorf("generated tokens = %d, want 2", state.Usage().GeneratedTokenCount)
	}
}

func TestStreamBuilder_BlockedIsNotDone(t *testing.T) {
	sb := NewStreamBuilder(2)
	go sb.Blocked(Usage{}, "safety")

	s := sb.Stream()
	_, err := s.Next()
	var state *State
	if !errors.As(err, &state) {
		t.Fatalf("Next() error = %v, want *State", err)
	}
	if state.Status() != StatusBlocked {
		t.Errorf("status = %v, want %v", state.Status(), StatusBlocked)
	}
	if errors.Is(err, ErrDone) {
		t.Error("blocked state must not unwrap to ErrDone")
	}
}

func TestStreamBuilder_AbortSurfacesCause(t *testing.T) {
	cause := errors.New("connection reset")
	sb := NewStreamBuilder(2)
	go func() {
		sb.Add(&Chunk{Role: RoleModel, Text: "par"})
		sb.Abort(cause)
	}()

	s := sb.Stream()
	for {
		_, err := s.Next()
		if err != nil {
			if !errors.Is(err, cause) {
				t.Errorf("Next() error = %v, want %v", err, cause)
			}
			return
		}
	}
}

func TestBuiltStream_CloseUnblocksProducer(t *testing.T) {
	sb := NewStreamBuilder(1)
	done := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			if err := sb.Add(&Chunk{Role: RoleModel, Text: "x"}); err != nil {
				done <- err
				return
			}
		}
	}()

	s := sb.Stream()
	if _, err := s.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	s.Close()
	if err := <-done; err == nil {
		t.Error("producer Add() returned nil after consumer Close()")
	}
}
