// Package batch coalesces items into periodic flushes so hot paths pay one
// round trip per batch instead of one per item.
package batch

import (
	"context"
	"sync"
	"time"
)

// Batcher collects items and hands them to the flush function whenever the
// batch fills or the interval elapses. Flush runs on the batcher's own
// goroutine; items arrive in the order they were added.
type Batcher[T any] struct {
	size     int
	interval time.Duration
	flush    func(ctx context.Context, items []T) error

	mu      sync.Mutex
	pending []T

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New[T any](size int, interval time.Duration, flush func(ctx context.Context, items []T) error) *Batcher[T] {
	b := &Batcher[T]{
		size:     size,
		interval: interval,
		flush:    flush,
		pending:  make([]T, 0, size),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Add queues one item. A full batch wakes the flusher without blocking.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Flush drains whatever is pending right now.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.size)
	b.mu.Unlock()

	return b.flush(ctx, items)
}

func (b *Batcher[T]) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.kick:
			_ = b.Flush(context.Background())
		case <-b.stop:
			_ = b.Flush(context.Background())
			return
		}
	}
}

// Stop flushes the remainder and waits for the flusher goroutine to exit.
// Safe to call more than once.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// Pending reports how many items wait for the next flush.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
