package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"
	"meshconf/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presencePrefix = "meshconf:presence:"
	presenceTTL    = 5 * time.Minute
	setTTL         = 10 * time.Minute
)

// Presence is one connection's registration in the shared registry. Other
// instances use it to answer "which instance holds this connection" when
// routing cross-instance traffic.
type Presence struct {
	ConnectionID domain.ConnectionID `json:"connection_id"`
	DisplayName  string              `json:"display_name"`
	RoomID       domain.RoomID       `json:"room_id"`
	InstanceID   string              `json:"instance_id"`
	JoinedAt     time.Time           `json:"joined_at"`
}

// PresenceRegistry mirrors room membership into Redis so every instance
// sees the full fabric roster. It feeds off the event bus; the room service
// stays unaware of it.
type PresenceRegistry struct {
	client     *redis.Client
	locks      *distributed.LockManager
	instanceID string
	logger     *zap.SugaredLogger
}

func NewPresenceRegistry(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *PresenceRegistry {
	return &PresenceRegistry{
		client:     client,
		locks:      distributed.NewLockManager(client, "meshconf:lock:"),
		instanceID: instanceID,
		logger:     logger,
	}
}

// Start tracks join and leave events and keeps this instance's
// registrations alive until the context is cancelled.
func (r *PresenceRegistry) Start(ctx context.Context, bus ports.EventBus) {
	joins, cancelJoins := bus.Subscribe(domain.EventUserJoined, 64)
	leaves, cancelLeaves := bus.Subscribe(domain.EventUserLeft, 64)
	refresh := time.NewTicker(presenceTTL / 2)

	go func() {
		defer cancelJoins()
		defer cancelLeaves()
		defer refresh.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-refresh.C:
				r.refreshInstance(ctx)
			case event, ok := <-joins:
				if !ok {
					return
				}
				r.onJoin(ctx, event)
			case event, ok := <-leaves:
				if !ok {
					return
				}
				if err := r.Unregister(ctx, event.ConnectionID); err != nil {
					r.logger.Warnw("presence unregister failed",
						"connection_id", event.ConnectionID,
						"error", err,
					)
				}
			}
		}
	}()
}

func (r *PresenceRegistry) onJoin(ctx context.Context, event *domain.Event) {
	var entry domain.RosterEntry
	if err := json.Unmarshal(event.Payload, &entry); err != nil {
		r.logger.Warnw("malformed join event payload", "error", err)
		return
	}
	p := &Presence{
		ConnectionID: event.ConnectionID,
		DisplayName:  entry.DisplayName,
		RoomID:       event.RoomID,
		InstanceID:   r.instanceID,
		JoinedAt:     event.Timestamp,
	}
	if err := r.Register(ctx, p); err != nil {
		r.logger.Warnw("presence register failed",
			"connection_id", event.ConnectionID,
			"error", err,
		)
	}
}

func (r *PresenceRegistry) Register(ctx context.Context, p *Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, presenceKey(p.ConnectionID), data, presenceTTL)
	if p.RoomID != "" {
		roomKey := roomMembersKey(p.RoomID)
		pipe.SAdd(ctx, roomKey, string(p.ConnectionID))
		pipe.Expire(ctx, roomKey, setTTL)
	}
	instanceKey := instanceMembersKey(p.InstanceID)
	pipe.SAdd(ctx, instanceKey, string(p.ConnectionID))
	pipe.Expire(ctx, instanceKey, setTTL)

	_, err = pipe.Exec(ctx)
	return err
}

func (r *PresenceRegistry) Unregister(ctx context.Context, connID domain.ConnectionID) error {
	p, err := r.Lookup(ctx, connID)
	if err != nil {
		return nil // already gone
	}

	pipe := r.client.Pipeline()
	if p.RoomID != "" {
		pipe.SRem(ctx, roomMembersKey(p.RoomID), string(connID))
	}
	pipe.SRem(ctx, instanceMembersKey(p.InstanceID), string(connID))
	pipe.Del(ctx, presenceKey(connID))
	_, err = pipe.Exec(ctx)
	return err
}

// Lookup returns the registration for one connection, from any instance.
func (r *PresenceRegistry) Lookup(ctx context.Context, connID domain.ConnectionID) (*Presence, error) {
	data, err := r.client.Get(ctx, presenceKey(connID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("presence lookup: %w", err)
	}
	var p Presence
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	return &p, nil
}

// RoomMembers returns every registration in a room across all instances.
// Entries whose presence key has expired are skipped.
func (r *PresenceRegistry) RoomMembers(ctx context.Context, roomID domain.RoomID) ([]*Presence, error) {
	ids, err := r.client.SMembers(ctx, roomMembersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}

	var members []*Presence
	for _, id := range ids {
		p, err := r.Lookup(ctx, domain.ConnectionID(id))
		if err != nil {
			continue
		}
		members = append(members, p)
	}
	return members, nil
}

// Refresh extends a live connection's registration.
func (r *PresenceRegistry) Refresh(ctx context.Context, connID domain.ConnectionID) error {
	return r.client.Expire(ctx, presenceKey(connID), presenceTTL).Err()
}

// refreshInstance re-arms every registration this instance owns. Entries
// whose connection left are absent from Redis already and the Expire is a
// no-op on them.
func (r *PresenceRegistry) refreshInstance(ctx context.Context) {
	instanceKey := instanceMembersKey(r.instanceID)
	ids, err := r.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		r.logger.Warnw("presence refresh failed", "error", err)
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, presenceKey(domain.ConnectionID(id)), presenceTTL)
	}
	pipe.Expire(ctx, instanceKey, setTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warnw("presence refresh failed", "error", err)
	}
}

// CleanupInstance removes every registration this instance owns. A lock
// keeps a restarting instance from racing its own previous shutdown.
func (r *PresenceRegistry) CleanupInstance(ctx context.Context) error {
	lock := r.locks.Lock("presence-cleanup:"+r.instanceID, 30*time.Second)
	if err := lock.Acquire(ctx, 10*time.Second); err != nil {
		return err
	}
	defer lock.Release(ctx)

	instanceKey := instanceMembersKey(r.instanceID)
	ids, err := r.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		return fmt.Errorf("instance members: %w", err)
	}
	for _, id := range ids {
		if err := r.Unregister(ctx, domain.ConnectionID(id)); err != nil {
			r.logger.Warnw("presence cleanup failed", "connection_id", id, "error", err)
		}
	}
	return r.client.Del(ctx, instanceKey).Err()
}

func presenceKey(connID domain.ConnectionID) string {
	return presencePrefix + string(connID)
}

func roomMembersKey(roomID domain.RoomID) string {
	return fmt.Sprintf("meshconf:room:%s:members", roomID)
}

func instanceMembersKey(instanceID string) string {
	return fmt.Sprintf("meshconf:instance:%s:members", instanceID)
}
