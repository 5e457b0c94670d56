// Package inbox provides a typed, bounded message channel that never blocks
// the sender, with usage statistics.
package inbox

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Inbox is a buffered channel of T. Senders never block: a message that
// does not fit in the buffer is dropped and counted.
type Inbox[T any] struct {
	ch     chan T
	logger *slog.Logger

	// closeMu serializes sends against Close so a late send never panics.
	closeMu sync.RWMutex
	closed  bool

	sent     atomic.Int64
	dropped  atomic.Int64
	maxDepth atomic.Int64
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent    int64
	DroppedCount int64
	CurrentDepth int
	MaxDepthSeen int
}

// New creates a new inbox with the specified buffer size
func New[T any](bufferSize int, logger *slog.Logger) *Inbox[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox[T]{
		ch:     make(chan T, bufferSize),
		logger: logger,
	}
}

// TrySend sends a message without blocking. It returns false when the
// message was dropped because the buffer is full or the inbox is closed.
func (ib *Inbox[T]) TrySend(msg T) bool {
	ib.closeMu.RLock()
	defer ib.closeMu.RUnlock()
	if ib.closed {
		return false
	}

	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.observeDepth()
		return true
	default:
		ib.dropped.Add(1)
		ib.logger.Debug("inbox full, message dropped", "current_depth", len(ib.ch))
		return false
	}
}

// C exposes the receive side of the inbox for use in select and range
// loops. It is closed by Close once drained.
func (ib *Inbox[T]) C() <-chan T {
	return ib.ch
}

func (ib *Inbox[T]) observeDepth() {
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:    ib.sent.Load(),
		DroppedCount: ib.dropped.Load(),
		CurrentDepth: len(ib.ch),
		MaxDepthSeen: int(ib.maxDepth.Load()),
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the inbox channel. Buffered messages remain readable.
// Close is idempotent.
func (ib *Inbox[T]) Close() {
	ib.closeMu.Lock()
	defer ib.closeMu.Unlock()
	if ib.closed {
		return
	}
	ib.closed = true
	close(ib.ch)
}
