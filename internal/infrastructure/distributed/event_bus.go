// Package distributed contains the Redis-backed adaptors that let several
// signaling instances act as one fabric: cross-instance event fanout and a
// shared presence registry.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"
	"meshconf/pkg/batch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventChannel = "meshconf:events"

// wireEvent tags an event with its origin so instances can skip their own
// publications when they arrive back over the channel.
type wireEvent struct {
	InstanceID string        `json:"instance_id"`
	Event      *domain.Event `json:"event"`
}

// RedisEventBus extends a local bus across instances. Local subscribers see
// every event exactly as with the in-process bus; remote instances receive
// a copy over Redis pub/sub. Outbound publishes are pipelined in small
// batches to keep per-event round trips off the signaling path.
type RedisEventBus struct {
	client     *redis.Client
	local      ports.EventBus
	instanceID string
	batcher    *batch.Batcher[[]byte]
	pubsub     *redis.PubSub
	logger     *zap.SugaredLogger
}

func NewRedisEventBus(client *redis.Client, local ports.EventBus, instanceID string, logger *zap.SugaredLogger) *RedisEventBus {
	b := &RedisEventBus{
		client:     client,
		local:      local,
		instanceID: instanceID,
		logger:     logger,
	}
	// One pipeline per batch keeps per-event round trips off the
	// signaling path.
	b.batcher = batch.New(32, 20*time.Millisecond, func(ctx context.Context, frames [][]byte) error {
		pipe := b.client.Pipeline()
		for _, frame := range frames {
			pipe.Publish(ctx, eventChannel, frame)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			if b.logger != nil {
				b.logger.Warnw("event batch publish failed", "count", len(frames), "error", err)
			}
			return err
		}
		return nil
	})
	return b
}

// Publish delivers locally first, then queues the cross-instance copy.
// Local delivery never waits on Redis.
func (b *RedisEventBus) Publish(ctx context.Context, event *domain.Event) error {
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}

	data, err := json.Marshal(wireEvent{InstanceID: b.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	b.batcher.Add(data)
	return nil
}

func (b *RedisEventBus) Subscribe(topic domain.EventType, buffer int) (<-chan *domain.Event, func()) {
	return b.local.Subscribe(topic, buffer)
}

// Start consumes the shared channel and replays remote events into the
// local bus. Runs until the context is cancelled.
func (b *RedisEventBus) Start(ctx context.Context) {
	b.pubsub = b.client.Subscribe(ctx, eventChannel)
	ch := b.pubsub.Channel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var wire wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					b.logger.Warnw("malformed cross-instance event", "error", err)
					continue
				}
				if wire.InstanceID == b.instanceID || wire.Event == nil {
					continue
				}
				if err := b.local.Publish(ctx, wire.Event); err != nil {
					b.logger.Warnw("replaying remote event failed",
						"type", wire.Event.Type,
						"error", err,
					)
				}
			}
		}
	}()
}

func (b *RedisEventBus) Close() error {
	b.batcher.Stop()
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	return b.local.Close()
}

var _ ports.EventBus = (*RedisEventBus)(nil)
