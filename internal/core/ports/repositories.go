package ports

import (
	"context"

	"meshconf/internal/core/domain"
)

// StateRepository is the optional persistence adaptor. The core runs fully
// in-memory; when an adaptor is plugged in, mitigation state and room
// metadata survive a restart.
type StateRepository interface {
	SaveMitigation(ctx context.Context, m *domain.Mitigation) error
	LoadMitigations(ctx context.Context) ([]*domain.Mitigation, error)
	DeleteMitigation(ctx context.Context, kind domain.DirectiveKind, key string) error

	SaveRoomMeta(ctx context.Context, room *domain.Room) error
	DeleteRoomMeta(ctx context.Context, id domain.RoomID) error
	ListRoomMeta(ctx context.Context) ([]*domain.Room, error)
}
