package services_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/domain"
	"meshconf/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTokenSecret = []byte("0123456789abcdef0123456789abcdef")

func newTokenService(t *testing.T, ratePerMinute int, clk clock.Clock) *services.TokenService {
	t.Helper()
	svc, err := services.NewTokenService(testTokenSecret, 15*time.Minute, ratePerMinute, clk)
	require.NoError(t, err)
	return svc
}

func TestNewTokenService_RejectsShortSecret(t *testing.T) {
	_, err := services.NewTokenService([]byte("short"), 15*time.Minute, 10, nil)
	assert.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	svc := newTokenService(t, 10, nil)
	ctx := context.Background()

	token, expiresAt, err := svc.Issue(ctx, "room-AB1234", "Alice", "198.51.100.7")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 5*time.Second)

	roomID, displayName, nonce, err := svc.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room-AB1234"), roomID)
	assert.Equal(t, "Alice", displayName)
	assert.NotEmpty(t, nonce)
}

func TestIssue_InvalidInputs(t *testing.T) {
	svc := newTokenService(t, 10, nil)
	ctx := context.Background()

	_, _, err := svc.Issue(ctx, "not a room id!", "Alice", "198.51.100.7")
	assert.ErrorIs(t, err, domain.ErrInvalidRoomID)

	_, _, err = svc.Issue(ctx, "room-AB1234", strings.Repeat("x", 200), "198.51.100.7")
	assert.ErrorIs(t, err, domain.ErrInvalidDisplayName)
}

func TestConsume_ReplayedTokenRejected(t *testing.T) {
	svc := newTokenService(t, 10, nil)
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, "room-AB1234", "Alice", "198.51.100.7")
	require.NoError(t, err)

	_, _, nonce, err := svc.Verify(ctx, token)
	require.NoError(t, err)
	require.NoError(t, svc.Consume(ctx, nonce))

	// Second presentation of the same token must fail the single-use
	// policy even though the signature is still valid.
	_, _, _, err = svc.Verify(ctx, token)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestVerify_DoesNotSpendNonce(t *testing.T) {
	svc := newTokenService(t, 10, nil)
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, "room-AB1234", "Alice", "198.51.100.7")
	require.NoError(t, err)

	// A verification that is never followed by Consume leaves the token
	// usable, so an admission check further down the handshake can reject
	// the client without burning its token.
	_, _, _, err = svc.Verify(ctx, token)
	require.NoError(t, err)

	_, _, nonce, err := svc.Verify(ctx, token)
	require.NoError(t, err)
	require.NoError(t, svc.Consume(ctx, nonce))
	assert.ErrorIs(t, svc.Consume(ctx, nonce), domain.ErrInvalidToken)
}

func TestVerify_ExpiredToken(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	svc := newTokenService(t, 10, clk)
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, "room-AB1234", "Alice", "198.51.100.7")
	require.NoError(t, err)

	clk.Advance(16 * time.Minute)
	_, _, _, err = svc.Verify(ctx, token)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestVerify_GarbageToken(t *testing.T) {
	svc := newTokenService(t, 10, nil)

	_, _, _, err := svc.Verify(context.Background(), "not.a.jwt")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestIssue_PerAddressRateLimit(t *testing.T) {
	svc := newTokenService(t, 3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := svc.Issue(ctx, "room-AB1234", "Alice", "198.51.100.7")
		require.NoError(t, err)
	}

	_, _, err := svc.Issue(ctx, "room-AB1234", "Alice", "198.51.100.7")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	var rateErr *services.RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	assert.Greater(t, rateErr.RetryAfter, time.Duration(0))

	// A different address has its own bucket.
	_, _, err = svc.Issue(ctx, "room-AB1234", "Bob", "203.0.113.9")
	assert.NoError(t, err)
}
