// Package buffer provides a thread-safe bounded FIFO used as the
// producer/consumer queue between streaming workers.
//
// A BlockBuffer has a fixed capacity: Add blocks when the buffer is
// full and Next blocks when it is empty. CloseWrite ends the stream
// gracefully (readers drain remaining elements, then get
// ErrIteratorDone); CloseWithError tears both sides down immediately.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrIteratorDone is returned by Next when the buffer is closed for
// writing and fully drained.
var ErrIteratorDone = errors.New("iterator done")

// BlockBuffer is a fixed-capacity circular buffer safe for concurrent
// use by one or more producers and consumers.
type BlockBuffer[T any] struct {
	cond *sync.Cond

	mu         sync.Mutex
	buf        []T
	head, tail int64
	closeWrite bool
	closeErr   error
}

// BlockN creates a BlockBuffer with capacity size.
func BlockN[T any](size int) *BlockBuffer[T] {
	if size < 1 {
		size = 1
	}
	bb := &BlockBuffer[T]{buf: make([]T, size)}
	bb.cond = sync.NewCond(&bb.mu)
	return bb
}

// Add appends one element, blocking while the buffer is full.
// It returns an error if the buffer has been closed.
func (bb *BlockBuffer[T]) Add(t T) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	size := int64(len(bb.buf))
	for {
		if bb.closeErr != nil {
			return fmt.Errorf("buffer: add to closed buffer: %w", bb.closeErr)
		}
		if bb.closeWrite {
			return fmt.Errorf("buffer: add to closed buffer: %w", io.ErrClosedPipe)
		}
		if bb.tail-bb.head < size {
			break
		}
		bb.cond.Wait()
	}
	bb.buf[bb.tail%size] = t
	bb.tail++
	bb.cond.Signal()
	return nil
}

// Next removes and returns the oldest element, blocking while the
// buffer is empty. Once the write side is closed and the buffer is
// drained, it returns ErrIteratorDone.
func (bb *BlockBuffer[T]) Next() (t T, err error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	for {
		if bb.closeErr != nil {
			err = fmt.Errorf("buffer: next from closed buffer: %w", bb.closeErr)
			return
		}
		if bb.head != bb.tail {
			break
		}
		if bb.closeWrite {
			err = ErrIteratorDone
			return
		}
		bb.cond.Wait()
	}
	size := int64(len(bb.buf))
	t = bb.buf[bb.head%size]
	var zero T
	bb.buf[bb.head%size] = zero
	bb.head++
	bb.cond.Signal()
	return t, nil
}

// Len returns the number of buffered elements.
func (bb *BlockBuffer[T]) Len() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return int(bb.tail - bb.head)
}

// CloseWrite closes the write side. Buffered elements remain readable.
func (bb *BlockBuffer[T]) CloseWrite() error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closeWrite {
		return nil
	}
	bb.closeWrite = true
	bb.cond.Broadcast()
	return nil
}

// CloseWithError closes both sides immediately. Blocked Add and Next
// calls are released with the given error. A nil err defaults to
// io.ErrClosedPipe.
func (bb *BlockBuffer[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.closeErr != nil {
		return nil
	}
	bb.closeErr = err
	bb.closeWrite = true
	bb.cond.Broadcast()
	return nil
}

// Close is CloseWithError(io.ErrClosedPipe).
func (bb *BlockBuffer[T]) Close() error {
	return bb.CloseWithError(io.ErrClosedPipe)
}

// Error returns the error the buffer was closed with, if any.
func (bb *BlockBuffer[T]) Error() error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.closeErr
}
