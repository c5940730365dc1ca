// Package eventbus is the in-process fanout boundary between the
// coordination core and its consumers (UI adapters, tests, metrics).
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"

	"go.uber.org/zap"
)

const defaultBuffer = 64

type subscriber struct {
	ch     chan *domain.Event
	topic  domain.EventType
	closed bool
}

// Bus fans events out to per-topic subscribers. Publish never blocks: a
// subscriber that cannot keep up loses events and the drop is counted.
// Late consumers resynchronize from current state.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[domain.EventType][]*subscriber
	closed      bool

	dropMu  sync.Mutex
	dropped map[domain.EventType]uint64

	logger *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[domain.EventType][]*subscriber),
		dropped:     make(map[domain.EventType]uint64),
		logger:      logger,
	}
}

func (b *Bus) Publish(ctx context.Context, event *domain.Event) error {
	if event == nil || event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	// Sends happen under the read lock so a concurrent cancel or Close,
	// which closes channels under the write lock, cannot race the send.
	// The select never blocks, so the lock is held only briefly.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus closed")
	}
	var drops int
	for _, sub := range b.subscribers[event.Type] {
		select {
		case sub.ch <- event:
		default:
			drops++
		}
	}
	b.mu.RUnlock()

	if drops > 0 {
		b.dropMu.Lock()
		prev := b.dropped[event.Type]
		b.dropped[event.Type] = prev + uint64(drops)
		n := b.dropped[event.Type]
		b.dropMu.Unlock()
		if b.logger != nil && (prev == 0 || prev/100 != n/100) {
			b.logger.Warnw("event dropped, slow subscriber",
				"topic", event.Type,
				"total_dropped", n,
			)
		}
	}
	return nil
}

// Subscribe registers a buffered channel on topic. The returned cancel
// function detaches the subscriber and closes its channel.
func (b *Bus) Subscribe(topic domain.EventType, buffer int) (<-chan *domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan *domain.Event, buffer), topic: topic}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Dropped reports how many events a topic lost to backpressure.
func (b *Bus) Dropped(topic domain.EventType) uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[topic]
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.subscribers, topic)
	}
	return nil
}

var _ ports.EventBus = (*Bus)(nil)
