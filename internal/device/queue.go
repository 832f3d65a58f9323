package device

import (
	"errors"
	"sync/atomic"
)

// DefaultQueueSize is the command queue capacity used when none is configured.
const DefaultQueueSize = 256

// ErrQueueFull is returned by Push when the queue is at capacity.
var ErrQueueFull = errors.New("command queue full")

// Queue is a bounded FIFO of device commands.
// Push never blocks: a full queue rejects the command.
type Queue struct {
	ch       chan Command
	rejected atomic.Uint64
}

// NewQueue creates a queue holding at most size commands.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Command, size)}
}

// Push appends a command, or returns ErrQueueFull.
func (q *Queue) Push(c Command) error {
	select {
	case q.ch <- c:
		return nil
	default:
		q.rejected.Add(1)
		return ErrQueueFull
	}
}

// TryPop removes the oldest command if there is one.
func (q *Queue) TryPop() (Command, bool) {
	select {
	case c := <-q.ch:
		return c, true
	default:
		return 0, false
	}
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Rejected returns how many commands were refused because the queue was full.
func (q *Queue) Rejected() uint64 {
	return q.rejected.Load()
}
