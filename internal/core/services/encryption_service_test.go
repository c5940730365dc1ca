package services_test

import (
	"context"
	"testing"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/domain"
	"meshconf/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEncryptionService(t *testing.T, cfg services.EncryptionConfig, clk clock.Clock) *services.EncryptionService {
	t.Helper()
	svc, err := services.NewEncryptionService(cfg, clk, nil, nil)
	require.NoError(t, err)
	return svc
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	svc := newEncryptionService(t, services.DefaultEncryptionConfig(), nil)
	ctx := context.Background()

	plaintext := []byte(`{"type":"offer","sdp":"v=0..."}`)
	env, err := svc.Encrypt(ctx, "room-AB1234", plaintext)
	require.NoError(t, err)
	assert.Equal(t, domain.AlgorithmA256GCM, env.Algorithm)
	assert.Len(t, env.Nonce, domain.NonceSize)
	assert.Len(t, env.Tag, domain.TagSize)

	got, err := svc.Decrypt(ctx, "room-AB1234", env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_TamperedEnvelope(t *testing.T) {
	svc := newEncryptionService(t, services.DefaultEncryptionConfig(), nil)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "room-AB1234", []byte("candidate"))
	require.NoError(t, err)

	flipBit := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[0] ^= 0x01
		return out
	}

	tampered := *env
	tampered.Ciphertext = flipBit(env.Ciphertext)
	_, err = svc.Decrypt(ctx, "room-AB1234", &tampered)
	assert.ErrorIs(t, err, domain.ErrAuthFailed)

	tampered = *env
	tampered.Tag = flipBit(env.Tag)
	_, err = svc.Decrypt(ctx, "room-AB1234", &tampered)
	assert.ErrorIs(t, err, domain.ErrAuthFailed)

	tampered = *env
	tampered.Nonce = flipBit(env.Nonce)
	_, err = svc.Decrypt(ctx, "room-AB1234", &tampered)
	assert.ErrorIs(t, err, domain.ErrAuthFailed)

	// The timestamp participates in the AAD, so shifting it breaks the tag
	// even inside the skew window.
	tampered = *env
	tampered.Timestamp = env.Timestamp + 1
	_, err = svc.Decrypt(ctx, "room-AB1234", &tampered)
	assert.ErrorIs(t, err, domain.ErrAuthFailed)
}

func TestDecrypt_UnknownKey(t *testing.T) {
	svc := newEncryptionService(t, services.DefaultEncryptionConfig(), nil)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "room-AB1234", []byte("hello"))
	require.NoError(t, err)

	env.KeyID = "00000000000000000000000000000000"
	_, err = svc.Decrypt(ctx, "room-AB1234", env)
	assert.ErrorIs(t, err, domain.ErrUnknownKey)

	// Envelopes never decrypt across rooms.
	fresh, err := svc.Encrypt(ctx, "room-AB1234", []byte("hello"))
	require.NoError(t, err)
	_, err = svc.Decrypt(ctx, "room-CD5678", fresh)
	assert.ErrorIs(t, err, domain.ErrUnknownKey)
}

func TestDecrypt_StaleTimestamp(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newEncryptionService(t, services.DefaultEncryptionConfig(), clk)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "room-AB1234", []byte("hello"))
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	_, err = svc.Decrypt(ctx, "room-AB1234", env)
	assert.ErrorIs(t, err, domain.ErrStaleEnvelope)
}

func TestRotation_RetiredKeyGraceWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newEncryptionService(t, services.EncryptionConfig{
		RotationInterval: 5 * time.Minute,
		MaxKeyAge:        time.Hour,
		RetiredGrace:     5 * time.Minute,
		MaxSkew:          10 * time.Minute,
	}, clk)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "room-AB1234", []byte("pre-rotation"))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	require.NoError(t, svc.Rotate(ctx, "room-AB1234"))

	// Inside the grace window the retired key still decrypts.
	got, err := svc.Decrypt(ctx, "room-AB1234", env)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), got)

	// Past the grace window it does not.
	clk.Advance(5*time.Minute + time.Second)
	_, err = svc.Decrypt(ctx, "room-AB1234", env)
	assert.Error(t, err)
}

func TestRotation_IdempotentWithinTick(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newEncryptionService(t, services.DefaultEncryptionConfig(), clk)
	ctx := context.Background()

	require.NoError(t, svc.Rotate(ctx, "room-AB1234"))
	first, ok := svc.CurrentKeyID("room-AB1234")
	require.True(t, ok)

	// Same clock reading, second rotate must be a no-op.
	require.NoError(t, svc.Rotate(ctx, "room-AB1234"))
	second, ok := svc.CurrentKeyID("room-AB1234")
	require.True(t, ok)
	assert.Equal(t, first, second)

	clk.Advance(time.Second)
	require.NoError(t, svc.Rotate(ctx, "room-AB1234"))
	third, ok := svc.CurrentKeyID("room-AB1234")
	require.True(t, ok)
	assert.NotEqual(t, first, third)
}

func TestEncrypt_RotatesWhenIntervalElapses(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newEncryptionService(t, services.EncryptionConfig{
		RotationInterval: time.Second,
		MaxKeyAge:        time.Hour,
		RetiredGrace:     5 * time.Second,
		MaxSkew:          10 * time.Minute,
	}, clk)
	ctx := context.Background()

	// Rotation interval of one second across a three second exchange:
	// every envelope still decrypts on arrival and at least two distinct
	// keys get used.
	keys := make(map[domain.KeyID]bool)
	for i := 0; i < 200; i++ {
		env, err := svc.Encrypt(ctx, "room-AB1234", []byte("chat message"))
		require.NoError(t, err)
		keys[env.KeyID] = true

		got, err := svc.Decrypt(ctx, "room-AB1234", env)
		require.NoError(t, err)
		assert.Equal(t, []byte("chat message"), got)

		clk.Advance(15 * time.Millisecond) // 200 × 15ms = 3s
	}
	assert.GreaterOrEqual(t, len(keys), 2)
}

func TestDropRoom_DiscardsKeys(t *testing.T) {
	svc := newEncryptionService(t, services.DefaultEncryptionConfig(), nil)
	ctx := context.Background()

	env, err := svc.Encrypt(ctx, "room-AB1234", []byte("hello"))
	require.NoError(t, err)

	svc.DropRoom("room-AB1234")
	_, err = svc.Decrypt(ctx, "room-AB1234", env)
	assert.ErrorIs(t, err, domain.ErrUnknownKey)
	_, ok := svc.CurrentKeyID("room-AB1234")
	assert.False(t, ok)
}
