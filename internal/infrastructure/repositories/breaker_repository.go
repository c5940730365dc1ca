package repositories

import (
	"context"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"
	"meshconf/pkg/circuitbreaker"
)

// BreakerStateRepository guards a persistence backend with a circuit
// breaker so a dead Redis degrades the fabric to in-memory behavior
// instead of stalling every request on connection timeouts.
type BreakerStateRepository struct {
	inner   ports.StateRepository
	breaker *circuitbreaker.CircuitBreaker
}

func NewBreakerStateRepository(inner ports.StateRepository, cfg circuitbreaker.Config) *BreakerStateRepository {
	return &BreakerStateRepository{
		inner:   inner,
		breaker: circuitbreaker.New(cfg),
	}
}

// Breaker exposes the underlying breaker for state-change logging.
func (r *BreakerStateRepository) Breaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

func (r *BreakerStateRepository) SaveMitigation(ctx context.Context, m *domain.Mitigation) error {
	return r.breaker.Execute(ctx, func() error {
		return r.inner.SaveMitigation(ctx, m)
	})
}

func (r *BreakerStateRepository) LoadMitigations(ctx context.Context) ([]*domain.Mitigation, error) {
	return circuitbreaker.ExecuteWithResult(ctx, r.breaker, func() ([]*domain.Mitigation, error) {
		return r.inner.LoadMitigations(ctx)
	})
}

func (r *BreakerStateRepository) DeleteMitigation(ctx context.Context, kind domain.DirectiveKind, key string) error {
	return r.breaker.Execute(ctx, func() error {
		return r.inner.DeleteMitigation(ctx, kind, key)
	})
}

func (r *BreakerStateRepository) SaveRoomMeta(ctx context.Context, room *domain.Room) error {
	return r.breaker.Execute(ctx, func() error {
		return r.inner.SaveRoomMeta(ctx, room)
	})
}

func (r *BreakerStateRepository) DeleteRoomMeta(ctx context.Context, id domain.RoomID) error {
	return r.breaker.Execute(ctx, func() error {
		return r.inner.DeleteRoomMeta(ctx, id)
	})
}

func (r *BreakerStateRepository) ListRoomMeta(ctx context.Context) ([]*domain.Room, error) {
	return circuitbreaker.ExecuteWithResult(ctx, r.breaker, func() ([]*domain.Room, error) {
		return r.inner.ListRoomMeta(ctx)
	})
}
