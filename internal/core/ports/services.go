package ports

import (
	"context"
	"time"

	"meshconf/internal/core/domain"
)

// TokenService issues and verifies short-lived per-room join tokens.
type TokenService interface {
	Issue(ctx context.Context, roomID domain.RoomID, displayName, remoteAddr string) (token string, expiresAt time.Time, err error)
	// Verify checks signature and freshness without spending the token's
	// nonce, so a join rejected further down the handshake leaves the
	// token usable.
	Verify(ctx context.Context, token string) (roomID domain.RoomID, displayName, nonce string, err error)
	// Consume spends the nonce; a second call with the same nonce fails
	// with ErrInvalidToken.
	Consume(ctx context.Context, nonce string) error
}

// EncryptionService provides confidentiality, integrity and freshness for
// every payload traversing the fabric except the join handshake.
type EncryptionService interface {
	Encrypt(ctx context.Context, roomID domain.RoomID, plaintext []byte) (*domain.Envelope, error)
	Decrypt(ctx context.Context, roomID domain.RoomID, env *domain.Envelope) ([]byte, error)
	Rotate(ctx context.Context, roomID domain.RoomID) error
	CurrentKeyID(roomID domain.RoomID) (domain.KeyID, bool)
	DropRoom(roomID domain.RoomID)
}

// ThreatService classifies principal behavior and issues mitigations.
type ThreatService interface {
	Observe(ctx context.Context, obs domain.Observation) *domain.SecurityAlert
	IsLocked(principal domain.Principal) bool
	IsAddressBlocked(addr string) bool
	StepUpRequired(principal domain.Principal) bool
	SatisfyStepUp(principal domain.Principal, totpCode string) bool
	Profile(principal domain.Principal) (*domain.BehaviorProfile, bool)
	Alerts() []*domain.SecurityAlert
}

// MediaController selects a quality profile from measured conditions.
// It is stateless with respect to peer identity.
type MediaController interface {
	Decide(current domain.QualityProfile, net domain.NetworkSample, caps *domain.DeviceCaps, load *domain.HostLoad) domain.AdaptationResult
}

// EventBus is the in-process fanout boundary between the core and the UI.
type EventBus interface {
	Publish(ctx context.Context, event *domain.Event) error
	Subscribe(topic domain.EventType, buffer int) (<-chan *domain.Event, func())
	Close() error
}
