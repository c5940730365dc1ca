package signal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/services"
	"meshconf/internal/infrastructure/eventbus"
	"meshconf/internal/infrastructure/signal"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fabricSecret = []byte("0123456789abcdef0123456789abcdef")

type fabric struct {
	server *signal.WebSocketServer
	threat *services.ThreatService
	rooms  *services.RoomService
	bus    *eventbus.Bus
	ts     *httptest.Server
}

func newFabric(t *testing.T, opts signal.Options) *fabric {
	t.Helper()
	log := zap.NewNop().Sugar()
	bus := eventbus.New(log)
	t.Cleanup(func() { bus.Close() })

	enc, err := services.NewEncryptionService(services.DefaultEncryptionConfig(), nil, bus, log)
	require.NoError(t, err)
	tokens, err := services.NewTokenService(fabricSecret, 15*time.Minute, 100, nil)
	require.NoError(t, err)
	threat := services.NewThreatService(nil, bus, nil, log)
	rooms := services.NewRoomService(enc, bus, nil, nil, log)

	srv := signal.NewWebSocketServer(rooms, tokens, threat, bus, log, opts)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)

	return &fabric{server: srv, threat: threat, rooms: rooms, bus: bus, ts: ts}
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func (f *fabric) dial(t *testing.T, connID string) *peer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/?connection_id=" + connID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, id: connID}
}

func (p *peer) send(msg signal.SignalMessage) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(msg))
}

func (p *peer) read() signal.SignalMessage {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg signal.SignalMessage
	require.NoError(p.t, p.conn.ReadJSON(&msg))
	return msg
}

func (p *peer) expect(msgType string) signal.SignalMessage {
	p.t.Helper()
	for {
		msg := p.read()
		if msg.Type == msgType {
			return msg
		}
	}
}

// join runs the token request and join handshake, returning the all-users frame.
func (p *peer) join(roomID, displayName string) signal.SignalMessage {
	p.t.Helper()
	p.send(signal.SignalMessage{Type: "request-room-token", RoomID: roomID, DisplayName: displayName})
	tok := p.expect("room-token")
	require.NotEmpty(p.t, tok.Token)
	p.send(signal.SignalMessage{Type: "join-room", Token: tok.Token})
	return p.expect("all-users")
}

func testEnvelope(ts int64) *domain.Envelope {
	return &domain.Envelope{
		KeyID:      domain.KeyID("00112233445566778899aabbccddeeff"),
		Nonce:      []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Ciphertext: []byte("opaque payload"),
		Tag:        []byte("0123456789abcdef"),
		Timestamp:  ts,
		Algorithm:  domain.AlgorithmA256GCM,
	}
}

func TestTokenJoinAndRelay(t *testing.T) {
	f := newFabric(t, signal.Options{})

	alice := f.dial(t, "conn-alice")
	alice.send(signal.SignalMessage{Type: "request-room-token", RoomID: "room-demo1", DisplayName: "Alice"})
	tok := alice.expect("room-token")
	require.NotEmpty(t, tok.Token)
	assert.Greater(t, tok.ExpiresAt, time.Now().UnixMilli())

	alice.send(signal.SignalMessage{Type: "join-room", Token: tok.Token})
	roster := alice.expect("all-users")
	assert.Empty(t, roster.Users)
	assert.NotEmpty(t, roster.CurrentKeyID)

	bob := f.dial(t, "conn-bob")
	bobRoster := bob.join("room-demo1", "Bob")
	require.Len(t, bobRoster.Users, 1)
	assert.Equal(t, domain.ConnectionID("conn-alice"), bobRoster.Users[0].ConnectionID)
	assert.Equal(t, "Alice", bobRoster.Users[0].DisplayName)
	assert.Equal(t, roster.CurrentKeyID, bobRoster.CurrentKeyID)

	joined := alice.expect("user-joined")
	require.NotNil(t, joined.User)
	assert.Equal(t, domain.ConnectionID("conn-bob"), joined.User.ConnectionID)
	assert.Equal(t, "Bob", joined.User.DisplayName)

	env := testEnvelope(time.Now().UnixMilli())
	alice.send(signal.SignalMessage{Type: "signal", To: "conn-bob", Envelope: env})

	got := bob.expect("signal")
	assert.Equal(t, "conn-alice", got.From)
	require.NotNil(t, got.Envelope)
	assert.Equal(t, env, got.Envelope)
}

func TestRelay_UnknownDestinationDroppedSilently(t *testing.T) {
	f := newFabric(t, signal.Options{})

	alice := f.dial(t, "conn-alice")
	alice.join("room-demo1", "Alice")

	alice.send(signal.SignalMessage{Type: "signal", To: "conn-ghost", Envelope: testEnvelope(1)})

	// No error frame comes back; the next frame the sender sees is the
	// pong for its own ping.
	alice.send(signal.SignalMessage{Type: "ping", Timestamp: 42})
	msg := alice.read()
	assert.Equal(t, "pong", msg.Type)
	assert.Equal(t, int64(42), msg.Timestamp)
}

func TestRelay_RequiresJoin(t *testing.T) {
	f := newFabric(t, signal.Options{})

	p := f.dial(t, "conn-lurker")
	p.send(signal.SignalMessage{Type: "signal", To: "conn-alice", Envelope: testEnvelope(1)})

	msg := p.expect("error")
	assert.Equal(t, string(domain.CodeAuthFailed), msg.Code)
}

func TestJoin_RejectsGarbageToken(t *testing.T) {
	f := newFabric(t, signal.Options{})

	p := f.dial(t, "conn-alice")
	p.send(signal.SignalMessage{Type: "join-room", Token: "not-a-token"})

	msg := p.expect("error")
	assert.Equal(t, string(domain.CodeInvalidToken), msg.Code)
}

func TestUnknownMessageType_RejectedWithoutTokenCode(t *testing.T) {
	f := newFabric(t, signal.Options{})

	p := f.dial(t, "conn-alice")
	p.send(signal.SignalMessage{Type: "teleport"})

	msg := p.expect("error")
	assert.Equal(t, string(domain.CodeInternalError), msg.Code)
	assert.Contains(t, msg.Message, "unsupported message type")
}

func TestChat_BroadcastsToOtherMembers(t *testing.T) {
	f := newFabric(t, signal.Options{})

	alice := f.dial(t, "conn-alice")
	alice.join("room-demo1", "Alice")
	bob := f.dial(t, "conn-bob")
	bob.join("room-demo1", "Bob")
	carol := f.dial(t, "conn-carol")
	carol.join("room-demo1", "Carol")

	// Drain the membership notifications delivered while the room filled.
	alice.expect("user-joined")
	alice.expect("user-joined")
	bob.expect("user-joined")

	alice.send(signal.SignalMessage{Type: "chat", Envelope: testEnvelope(7)})

	for _, p := range []*peer{bob, carol} {
		msg := p.expect("chat")
		assert.Equal(t, "conn-alice", msg.From)
		require.NotNil(t, msg.Envelope)
		assert.Equal(t, int64(7), msg.Envelope.Timestamp)
	}

	// The sender does not hear its own broadcast.
	alice.send(signal.SignalMessage{Type: "ping", Timestamp: 1})
	msg := alice.read()
	assert.Equal(t, "pong", msg.Type)
}

func TestRelay_OrderPreservedPerPair(t *testing.T) {
	f := newFabric(t, signal.Options{})

	alice := f.dial(t, "conn-alice")
	alice.join("room-demo1", "Alice")
	bob := f.dial(t, "conn-bob")
	bob.join("room-demo1", "Bob")

	const n = 50
	for i := 0; i < n; i++ {
		alice.send(signal.SignalMessage{Type: "signal", To: "conn-bob", Envelope: testEnvelope(int64(i))})
	}

	for i := 0; i < n; i++ {
		msg := bob.expect("signal")
		require.NotNil(t, msg.Envelope)
		assert.Equal(t, int64(i), msg.Envelope.Timestamp)
	}
}

func TestHeartbeatExpiry_NotifiesRoom(t *testing.T) {
	f := newFabric(t, signal.Options{
		HeartbeatInterval: 30 * time.Millisecond,
		GraceMisses:       2,
	})

	alice := f.dial(t, "conn-alice")
	alice.join("room-demo1", "Alice")
	bob := f.dial(t, "conn-bob")
	bob.join("room-demo1", "Bob")
	alice.expect("user-joined")

	// Bob goes silent. Alice keeps the heartbeat going and waits for the
	// fabric to evict him.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		alice.send(signal.SignalMessage{Type: "ping"})
		msg := alice.read()
		if msg.Type == "user-left" {
			assert.Equal(t, "conn-bob", msg.ConnectionID)
			_, inRoom := f.rooms.RoomOf("conn-bob")
			assert.False(t, inRoom)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expired peer was never reported as departed")
}

func TestLeave_NotifiesRemainingMembers(t *testing.T) {
	f := newFabric(t, signal.Options{})

	alice := f.dial(t, "conn-alice")
	alice.join("room-demo1", "Alice")
	bob := f.dial(t, "conn-bob")
	bob.join("room-demo1", "Bob")
	alice.expect("user-joined")

	bob.send(signal.SignalMessage{Type: "leave-room"})

	msg := alice.expect("user-left")
	assert.Equal(t, "conn-bob", msg.ConnectionID)
}

func TestReconnect_SupersedesOldSocket(t *testing.T) {
	f := newFabric(t, signal.Options{})

	first := f.dial(t, "conn-dup")
	second := f.dial(t, "conn-dup")

	// The superseded socket is closed by the server.
	first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var discard signal.SignalMessage
	assert.Error(t, first.conn.ReadJSON(&discard))

	// The replacement stays live.
	second.send(signal.SignalMessage{Type: "ping", Timestamp: 9})
	msg := second.read()
	assert.Equal(t, "pong", msg.Type)

	assert.Equal(t, 1, f.server.ConnectedCount())
	assert.True(t, f.server.IsConnected("conn-dup"))
}

func TestBlockedAddress_RefusedBeforeUpgrade(t *testing.T) {
	f := newFabric(t, signal.Options{})

	// Flood of connection attempts from one address trips the blocker.
	now := time.Now()
	for i := 0; i < 25; i++ {
		f.threat.Observe(context.Background(), domain.Observation{
			Principal:  "mallory",
			Action:     domain.ActionConnection,
			Timestamp:  now,
			RemoteAddr: "203.0.113.9",
		})
	}
	require.True(t, f.threat.IsAddressBlocked("203.0.113.9"))

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/?connection_id=conn-mallory"
	header := http.Header{"X-Forwarded-For": []string{"203.0.113.9"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLockedJoin_LeavesTokenUsable(t *testing.T) {
	f := newFabric(t, signal.Options{})

	// A burst of failed auths locks the principal.
	now := time.Now()
	for i := 0; i < 5; i++ {
		f.threat.Observe(context.Background(), domain.Observation{
			Principal:  "Mallory",
			Action:     domain.ActionFailedAuth,
			Timestamp:  now.Add(time.Duration(i) * time.Second),
			RemoteAddr: "198.51.100.9",
		})
	}
	require.True(t, f.threat.IsLocked("Mallory"))

	p := f.dial(t, "conn-mallory")
	p.send(signal.SignalMessage{Type: "request-room-token", RoomID: "room-AB1234", DisplayName: "Mallory"})
	tok := p.expect("room-token")
	require.NotEmpty(t, tok.Token)

	p.send(signal.SignalMessage{Type: "join-room", Token: tok.Token})
	msg := p.expect("error")
	assert.Equal(t, string(domain.CodeLocked), msg.Code)

	// The lock gate fired before the nonce was spent, so retrying with
	// the same token reports the lock again rather than a replay.
	p.send(signal.SignalMessage{Type: "join-room", Token: tok.Token})
	msg = p.expect("error")
	assert.Equal(t, string(domain.CodeLocked), msg.Code)
}

func TestMissingConnectionID_SocketClosed(t *testing.T) {
	f := newFabric(t, signal.Options{})

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var discard signal.SignalMessage
	assert.Error(t, conn.ReadJSON(&discard))
}

func TestKeyRotationFanout(t *testing.T) {
	f := newFabric(t, signal.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.server.StartKeyRotationFanout(ctx)

	alice := f.dial(t, "conn-alice")
	alice.join("room-demo1", "Alice")

	require.NoError(t, f.bus.Publish(ctx, &domain.Event{
		Type:      domain.EventKeyRotated,
		RoomID:    "room-demo1",
		Timestamp: time.Now(),
		Payload:   json.RawMessage(`{"key_id":"feedface00000000000000000000beef","rotation":2}`),
	}))

	msg := alice.expect("key-rotated")
	assert.Equal(t, "room-demo1", msg.RoomID)
	assert.Equal(t, "feedface00000000000000000000beef", msg.CurrentKeyID)
}
