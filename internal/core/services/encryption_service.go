package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"
	"meshconf/internal/crypto"

	"go.uber.org/zap"
)

// EncryptionConfig carries the key-lifetime knobs.
type EncryptionConfig struct {
	RotationInterval time.Duration // rotate when the current key is older
	MaxKeyAge        time.Duration // hard cap, rotation cannot be deferred past this
	RetiredGrace     time.Duration // how long a retired key still decrypts
	MaxSkew          time.Duration // accepted envelope timestamp skew
}

func DefaultEncryptionConfig() EncryptionConfig {
	return EncryptionConfig{
		RotationInterval: 5 * time.Minute,
		MaxKeyAge:        time.Hour,
		RetiredGrace:     5 * time.Minute,
		MaxSkew:          10 * time.Minute,
	}
}

// keyRing holds one room's current and retired keys behind its own lock.
type keyRing struct {
	mu      sync.Mutex
	current *domain.RoomKey
	retired []*domain.RoomKey
}

// EncryptionService implements authenticated encryption per room with
// scheduled rotation. Forward secrecy comes from the short key lifetime:
// a retired key older than the grace window cannot decrypt live traffic.
type EncryptionService struct {
	mu    sync.RWMutex
	rings map[domain.RoomID]*keyRing

	cfg     EncryptionConfig
	clock   clock.Clock
	bus     ports.EventBus
	metrics MetricsSink
	logger  *zap.SugaredLogger
}

func NewEncryptionService(cfg EncryptionConfig, clk clock.Clock, bus ports.EventBus, logger *zap.SugaredLogger) (*EncryptionService, error) {
	// Probe the AEAD primitive once; refusing to start beats failing on
	// the first encrypt.
	probe, err := crypto.RandomBytes(domain.KeySize)
	if err != nil {
		return nil, err
	}
	if _, err := crypto.NewAEAD(probe); err != nil {
		return nil, fmt.Errorf("aead unavailable: %w", err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &EncryptionService{
		rings:   make(map[domain.RoomID]*keyRing),
		cfg:     cfg,
		clock:   clk,
		bus:     bus,
		metrics: NopMetrics{},
		logger:  logger,
	}, nil
}

// SetMetrics attaches a measurement sink. Call before the service is
// shared between goroutines.
func (s *EncryptionService) SetMetrics(m MetricsSink) {
	if m != nil {
		s.metrics = m
	}
}

func (s *EncryptionService) ringFor(roomID domain.RoomID) *keyRing {
	s.mu.RLock()
	ring, ok := s.rings[roomID]
	s.mu.RUnlock()
	if ok {
		return ring
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ring, ok = s.rings[roomID]; ok {
		return ring
	}
	ring = &keyRing{}
	s.rings[roomID] = ring
	return ring
}

// Encrypt seals plaintext under the room's current key, rotating first when
// the key is absent or past its interval or hard cap. An encrypt already in
// flight when rotation fires completes with the key it captured.
func (s *EncryptionService) Encrypt(ctx context.Context, roomID domain.RoomID, plaintext []byte) (*domain.Envelope, error) {
	ring := s.ringFor(roomID)

	ring.mu.Lock()
	now := s.clock.Now()
	if ring.current == nil ||
		now.Sub(ring.current.CreatedAt) >= s.cfg.RotationInterval ||
		now.Sub(ring.current.CreatedAt) >= s.cfg.MaxKeyAge {
		if err := s.rotateLocked(ctx, roomID, ring); err != nil {
			ring.mu.Unlock()
			return nil, err
		}
	}
	key := ring.current
	ring.mu.Unlock()

	aead, err := crypto.NewAEAD(key.Secret)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(domain.NonceSize)
	if err != nil {
		return nil, err
	}

	env := &domain.Envelope{
		KeyID:     key.ID,
		Nonce:     nonce,
		Timestamp: now.UnixMilli(),
		Algorithm: domain.AlgorithmA256GCM,
	}
	aad, err := env.AAD()
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	env.Ciphertext = sealed[:len(sealed)-domain.TagSize]
	env.Tag = sealed[len(sealed)-domain.TagSize:]
	return env, nil
}

// Decrypt opens an envelope with the room's current key or any retired key
// still inside the grace window.
func (s *EncryptionService) Decrypt(ctx context.Context, roomID domain.RoomID, env *domain.Envelope) ([]byte, error) {
	now := s.clock.Now()
	skew := now.Sub(time.UnixMilli(env.Timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.MaxSkew {
		s.metrics.RecordEnvelopeFailure()
		return nil, domain.ErrStaleEnvelope
	}

	key, ok := s.lookupKey(roomID, env.KeyID)
	if !ok {
		s.metrics.RecordEnvelopeFailure()
		return nil, domain.ErrUnknownKey
	}

	aead, err := crypto.NewAEAD(key.Secret)
	if err != nil {
		return nil, err
	}
	aad, err := env.AAD()
	if err != nil {
		s.metrics.RecordEnvelopeFailure()
		return nil, domain.ErrAuthFailed
	}
	sealed := append(append([]byte(nil), env.Ciphertext...), env.Tag...)
	plaintext, err := aead.Open(nil, env.Nonce, sealed, aad)
	if err != nil {
		s.metrics.RecordEnvelopeFailure()
		return nil, domain.ErrAuthFailed
	}
	return plaintext, nil
}

// Rotate generates a new current key and retires the previous one for the
// grace window. Idempotent within a single clock tick.
func (s *EncryptionService) Rotate(ctx context.Context, roomID domain.RoomID) error {
	ring := s.ringFor(roomID)
	ring.mu.Lock()
	defer ring.mu.Unlock()
	return s.rotateLocked(ctx, roomID, ring)
}

func (s *EncryptionService) rotateLocked(ctx context.Context, roomID domain.RoomID, ring *keyRing) error {
	now := s.clock.Now()
	if ring.current != nil && !now.After(ring.current.CreatedAt) {
		return nil // same tick, already rotated
	}

	secret, err := crypto.RandomBytes(domain.KeySize)
	if err != nil {
		return fmt.Errorf("generate room key: %w", err)
	}
	keyID, err := crypto.RandomBytes(domain.KeyIDSize)
	if err != nil {
		return fmt.Errorf("generate key id: %w", err)
	}

	rotation := 0
	if ring.current != nil {
		rotation = ring.current.Rotation + 1
		prev := ring.current
		prev.RetiredAt = now
		prev.Status = domain.KeyRetired
		ring.retired = append(ring.retired, prev)
	}
	ring.current = &domain.RoomKey{
		ID:        domain.KeyIDFromBytes(keyID),
		Secret:    secret,
		CreatedAt: now,
		Rotation:  rotation,
		Status:    domain.KeyCurrent,
	}
	s.purgeRetiredLocked(ring, now)
	s.metrics.RecordKeyRotation()

	if s.logger != nil {
		s.logger.Debugw("room key rotated",
			"room_id", roomID,
			"key_id", ring.current.ID,
			"rotation", rotation,
		)
	}
	if s.bus != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"key_id":   ring.current.ID,
			"rotation": rotation,
		})
		_ = s.bus.Publish(ctx, &domain.Event{
			Type:      domain.EventKeyRotated,
			RoomID:    roomID,
			Timestamp: now,
			Payload:   payload,
		})
	}
	return nil
}

func (s *EncryptionService) purgeRetiredLocked(ring *keyRing, now time.Time) {
	live := ring.retired[:0]
	for _, k := range ring.retired {
		if now.Sub(k.RetiredAt) <= s.cfg.RetiredGrace {
			live = append(live, k)
		}
	}
	ring.retired = live
}

func (s *EncryptionService) lookupKey(roomID domain.RoomID, keyID domain.KeyID) (*domain.RoomKey, bool) {
	s.mu.RLock()
	ring, ok := s.rings[roomID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	ring.mu.Lock()
	defer ring.mu.Unlock()
	now := s.clock.Now()
	if ring.current != nil && ring.current.ID == keyID {
		return ring.current, true
	}
	for _, k := range ring.retired {
		if k.ID == keyID && now.Sub(k.RetiredAt) <= s.cfg.RetiredGrace {
			return k, true
		}
	}
	return nil, false
}

// CurrentKeyID returns the room's active key id without forcing a rotation.
func (s *EncryptionService) CurrentKeyID(roomID domain.RoomID) (domain.KeyID, bool) {
	s.mu.RLock()
	ring, ok := s.rings[roomID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	ring.mu.Lock()
	defer ring.mu.Unlock()
	if ring.current == nil {
		return "", false
	}
	return ring.current.ID, true
}

// DropRoom discards all key material for a destroyed room.
func (s *EncryptionService) DropRoom(roomID domain.RoomID) {
	s.mu.Lock()
	delete(s.rings, roomID)
	s.mu.Unlock()
}

// StartSweeper purges expired retired keys in the background so rooms with
// no decrypt traffic still drop old material on time.
func (s *EncryptionService) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.RLock()
				rings := make([]*keyRing, 0, len(s.rings))
				for _, ring := range s.rings {
					rings = append(rings, ring)
				}
				s.mu.RUnlock()
				now := s.clock.Now()
				for _, ring := range rings {
					ring.mu.Lock()
					s.purgeRetiredLocked(ring, now)
					ring.mu.Unlock()
				}
			}
		}
	}()
}

var _ ports.EncryptionService = (*EncryptionService)(nil)
