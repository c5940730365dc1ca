package memory

import (
	"context"
	"sync"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"
)

// MemoryStateRepository keeps mitigation and room state in process. It is
// the default backend; everything is lost on restart, which matches the
// core's in-memory posture.
type MemoryStateRepository struct {
	mu          sync.RWMutex
	mitigations map[string]*domain.Mitigation
	rooms       map[domain.RoomID]*domain.Room
}

func NewMemoryStateRepository() ports.StateRepository {
	return &MemoryStateRepository{
		mitigations: make(map[string]*domain.Mitigation),
		rooms:       make(map[domain.RoomID]*domain.Room),
	}
}

func mitigationKey(kind domain.DirectiveKind, key string) string {
	return string(kind) + ":" + key
}

func (r *MemoryStateRepository) SaveMitigation(ctx context.Context, m *domain.Mitigation) error {
	key := m.RemoteAddr
	if m.Kind != domain.DirectiveBlockAddress {
		key = string(m.Principal)
	}

	cp := *m
	r.mu.Lock()
	r.mitigations[mitigationKey(m.Kind, key)] = &cp
	r.mu.Unlock()
	return nil
}

func (r *MemoryStateRepository) LoadMitigations(ctx context.Context) ([]*domain.Mitigation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]*domain.Mitigation, 0, len(r.mitigations))
	for _, m := range r.mitigations {
		if !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryStateRepository) DeleteMitigation(ctx context.Context, kind domain.DirectiveKind, key string) error {
	r.mu.Lock()
	delete(r.mitigations, mitigationKey(kind, key))
	r.mu.Unlock()
	return nil
}

func (r *MemoryStateRepository) SaveRoomMeta(ctx context.Context, room *domain.Room) error {
	cp := *room
	r.mu.Lock()
	r.rooms[room.ID] = &cp
	r.mu.Unlock()
	return nil
}

func (r *MemoryStateRepository) DeleteRoomMeta(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	delete(r.rooms, id)
	r.mu.Unlock()
	return nil
}

func (r *MemoryStateRepository) ListRoomMeta(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		cp := *room
		out = append(out, &cp)
	}
	return out, nil
}
