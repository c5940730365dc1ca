package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	mitigationPrefix = "meshconf:mitigation:"
	mitigationIndex  = "meshconf:mitigations:index"
	roomPrefix       = "meshconf:room:"
	roomIndex        = "meshconf:rooms:index"
)

// RedisStateRepository persists mitigations and room metadata so they
// survive a fabric restart. Timed mitigations carry a Redis TTL matching
// their expiry; Redis evicts them without a sweeper.
type RedisStateRepository struct {
	client *redis.Client
}

func NewRedisStateRepository(client *redis.Client) ports.StateRepository {
	return &RedisStateRepository{client: client}
}

func mitigationMember(kind domain.DirectiveKind, key string) string {
	return string(kind) + ":" + key
}

func (r *RedisStateRepository) SaveMitigation(ctx context.Context, m *domain.Mitigation) error {
	key := m.RemoteAddr
	if m.Kind != domain.DirectiveBlockAddress {
		key = string(m.Principal)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mitigation: %w", err)
	}

	member := mitigationMember(m.Kind, key)

	var ttl time.Duration
	if !m.ExpiresAt.IsZero() {
		ttl = time.Until(m.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}

	if err := r.client.Set(ctx, mitigationPrefix+member, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set mitigation in Redis: %w", err)
	}
	if err := r.client.SAdd(ctx, mitigationIndex, member).Err(); err != nil {
		return fmt.Errorf("failed to index mitigation: %w", err)
	}

	return nil
}

func (r *RedisStateRepository) LoadMitigations(ctx context.Context) ([]*domain.Mitigation, error) {
	members, err := r.client.SMembers(ctx, mitigationIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mitigation index: %w", err)
	}

	var out []*domain.Mitigation
	for _, member := range members {
		data, err := r.client.Get(ctx, mitigationPrefix+member).Result()
		if err == redis.Nil {
			// TTL already evicted the value; drop the stale index entry.
			r.client.SRem(ctx, mitigationIndex, member)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get mitigation from Redis: %w", err)
		}

		var m domain.Mitigation
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mitigation: %w", err)
		}
		out = append(out, &m)
	}

	return out, nil
}

func (r *RedisStateRepository) DeleteMitigation(ctx context.Context, kind domain.DirectiveKind, key string) error {
	member := mitigationMember(kind, key)
	if err := r.client.Del(ctx, mitigationPrefix+member).Err(); err != nil {
		return fmt.Errorf("failed to delete mitigation from Redis: %w", err)
	}
	if err := r.client.SRem(ctx, mitigationIndex, member).Err(); err != nil {
		return fmt.Errorf("failed to unindex mitigation: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) SaveRoomMeta(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	if err := r.client.Set(ctx, roomPrefix+string(room.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set room in Redis: %w", err)
	}
	if err := r.client.SAdd(ctx, roomIndex, string(room.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index room: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) DeleteRoomMeta(ctx context.Context, id domain.RoomID) error {
	if err := r.client.Del(ctx, roomPrefix+string(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	if err := r.client.SRem(ctx, roomIndex, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to unindex room: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) ListRoomMeta(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, roomIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room index: %w", err)
	}

	var out []*domain.Room
	for _, id := range ids {
		data, err := r.client.Get(ctx, roomPrefix+id).Result()
		if err == redis.Nil {
			r.client.SRem(ctx, roomIndex, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get room from Redis: %w", err)
		}

		var room domain.Room
		if err := json.Unmarshal([]byte(data), &room); err != nil {
			return nil, fmt.Errorf("failed to unmarshal room: %w", err)
		}
		out = append(out, &room)
	}

	return out, nil
}
