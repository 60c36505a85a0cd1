package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueFull    = errors.New("relay: delivery queue full")
	ErrBufferClosed = errors.New("relay: delivery buffer closed")
)

// Message is one notification waiting for delivery.
type Message struct {
	Channel  string
	Text     string
	ActionID string
	Tracker  string
	QueuedAt time.Time
}

// Buffer is a bounded FIFO plus a pending counter.
//
// The queue is guarded by a mutex; the counter is atomic so the flush timer
// can swap it to zero without touching the queue lock. An increment racing
// with a flush lands in the next flush window, never lost.
type Buffer struct {
	mu     sync.Mutex
	items  []Message
	limit  int
	closed bool

	pending atomic.Int64
	ready   chan struct{}
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 1024
	}
	return &Buffer{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push appends m and bumps the pending counter.
func (b *Buffer) Push(m Message) error {
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	if len(b.items) >= b.limit {
		b.mu.Unlock()
		return ErrQueueFull
	}
	b.items = append(b.items, m)
	b.mu.Unlock()

	b.pending.Add(1)
	pushedTotal.Inc()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return nil
}

// Drain pops up to maxN messages (all when maxN <= 0), oldest first.
func (b *Buffer) Drain(maxN int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	if maxN > 0 && maxN < n {
		n = maxN
	}
	if n == 0 {
		return nil
	}
	out := make([]Message, n)
	copy(out, b.items[:n])
	rest := len(b.items) - n
	if rest == 0 {
		b.items = nil
	} else {
		b.items = append([]Message(nil), b.items[n:]...)
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Pending is the number of pushes since the last TakePending.
func (b *Buffer) Pending() int64 { return b.pending.Load() }

// TakePending atomically resets the counter and returns its previous value.
func (b *Buffer) TakePending() int64 {
	return b.pending.Swap(0)
}

// Ready is signalled (coalesced) after pushes; the chat loop drains on it.
func (b *Buffer) Ready() <-chan struct{} { return b.ready }

// Close rejects further pushes. Queued messages can still be drained.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
