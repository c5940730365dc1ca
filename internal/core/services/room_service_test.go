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

func newRoomFixture(t *testing.T, clk clock.Clock) (*services.RoomService, *services.EncryptionService) {
	t.Helper()
	enc, err := services.NewEncryptionService(services.DefaultEncryptionConfig(), clk, nil, nil)
	require.NoError(t, err)
	return services.NewRoomService(enc, nil, nil, clk, nil), enc
}

func conn(id, name string) *domain.Connection {
	return &domain.Connection{
		ID:          domain.ConnectionID(id),
		DisplayName: name,
	}
}

func TestJoin_CreatesRoomAndReturnsRoster(t *testing.T) {
	rooms, enc := newRoomFixture(t, nil)
	ctx := context.Background()

	roster, keyID, err := rooms.Join(ctx, "room-AB1234", conn("conn-a", "Alice"))
	require.NoError(t, err)
	assert.Empty(t, roster)
	assert.NotEmpty(t, keyID)

	// The key the roster references is the room's live key.
	current, ok := enc.CurrentKeyID("room-AB1234")
	require.True(t, ok)
	assert.Equal(t, current, keyID)

	roster, _, err = rooms.Join(ctx, "room-AB1234", conn("conn-b", "Bob"))
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, domain.ConnectionID("conn-a"), roster[0].ConnectionID)
	assert.Equal(t, "Alice", roster[0].DisplayName)
	assert.Equal(t, domain.RoleParticipant, roster[0].Role)
}

func TestJoin_InvalidRoomID(t *testing.T) {
	rooms, _ := newRoomFixture(t, nil)

	_, _, err := rooms.Join(context.Background(), "no spaces allowed", conn("conn-a", "Alice"))
	assert.ErrorIs(t, err, domain.ErrInvalidRoomID)
}

func TestJoin_OneRoomPerConnection(t *testing.T) {
	rooms, _ := newRoomFixture(t, nil)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, "room-AB1234", conn("conn-a", "Alice"))
	require.NoError(t, err)

	// The same connection cannot sit in two rooms at once.
	_, _, err = rooms.Join(ctx, "room-CD5678", conn("conn-a", "Alice"))
	assert.ErrorIs(t, err, domain.ErrNotInRoom)

	roomID, ok := rooms.RoomOf("conn-a")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("room-AB1234"), roomID)
}

func TestJoin_MaxMembers(t *testing.T) {
	rooms, _ := newRoomFixture(t, nil)
	rooms.SetMaxMembers(2)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, "room-AB1234", conn("conn-a", "Alice"))
	require.NoError(t, err)
	_, _, err = rooms.Join(ctx, "room-AB1234", conn("conn-b", "Bob"))
	require.NoError(t, err)

	_, _, err = rooms.Join(ctx, "room-AB1234", conn("conn-c", "Carol"))
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	// The rejected connection holds no membership.
	_, ok := rooms.RoomOf("conn-c")
	assert.False(t, ok)
}

func TestLeave(t *testing.T) {
	rooms, _ := newRoomFixture(t, nil)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, "room-AB1234", conn("conn-a", "Alice"))
	require.NoError(t, err)

	require.NoError(t, rooms.Leave(ctx, "conn-a"))
	assert.False(t, rooms.IsMember("room-AB1234", "conn-a"))

	assert.ErrorIs(t, rooms.Leave(ctx, "conn-a"), domain.ErrNotInRoom)
	assert.ErrorIs(t, rooms.Leave(ctx, "conn-never"), domain.ErrNotInRoom)
}

func TestExpireStale_HeartbeatTimeout(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rooms, _ := newRoomFixture(t, clk)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, "room-AB1234", conn("conn-a", "Alice"))
	require.NoError(t, err)
	_, _, err = rooms.Join(ctx, "room-AB1234", conn("conn-b", "Bob"))
	require.NoError(t, err)

	// Bob keeps pinging, Alice goes silent past two heartbeat intervals.
	clk.Advance(30 * time.Second)
	rooms.Heartbeat("conn-b")
	clk.Advance(25 * time.Second)

	rooms.ExpireStale(ctx, 50*time.Second)
	assert.False(t, rooms.IsMember("room-AB1234", "conn-a"))
	assert.True(t, rooms.IsMember("room-AB1234", "conn-b"))
}

func TestExpireStale_EmptyRoomReapedAfterGrace(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rooms, enc := newRoomFixture(t, clk)
	rooms.SetIdleGrace(60 * time.Second)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, "room-AB1234", conn("conn-a", "Alice"))
	require.NoError(t, err)
	require.NoError(t, rooms.Leave(ctx, "conn-a"))

	// Still inside the grace period: the room and its keys survive, so a
	// quick reconnect keeps its state.
	clk.Advance(30 * time.Second)
	rooms.ExpireStale(ctx, 50*time.Second)
	n, _ := rooms.Counts()
	assert.Equal(t, 1, n)

	clk.Advance(31 * time.Second)
	rooms.ExpireStale(ctx, 50*time.Second)
	n, _ = rooms.Counts()
	assert.Equal(t, 0, n)

	// Key material goes with the room.
	_, ok := enc.CurrentKeyID("room-AB1234")
	assert.False(t, ok)
}

func TestExpireStale_RejoinCancelsReap(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rooms, _ := newRoomFixture(t, clk)
	rooms.SetIdleGrace(60 * time.Second)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, "room-AB1234", conn("conn-a", "Alice"))
	require.NoError(t, err)
	require.NoError(t, rooms.Leave(ctx, "conn-a"))

	clk.Advance(45 * time.Second)
	_, _, err = rooms.Join(ctx, "room-AB1234", conn("conn-b", "Bob"))
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	rooms.Heartbeat("conn-b")
	rooms.ExpireStale(ctx, 50*time.Second)
	assert.True(t, rooms.IsMember("room-AB1234", "conn-b"))
}

func TestCounts(t *testing.T) {
	rooms, _ := newRoomFixture(t, nil)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, "room-AB1234", conn("conn-a", "Alice"))
	require.NoError(t, err)
	_, _, err = rooms.Join(ctx, "room-CD5678", conn("conn-b", "Bob"))
	require.NoError(t, err)

	nRooms, nConns := rooms.Counts()
	assert.Equal(t, 2, nRooms)
	assert.Equal(t, 2, nConns)
}
