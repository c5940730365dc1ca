package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/infrastructure/signal"
	"meshconf/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SignalHandler receives unsolicited fabric messages. All callbacks are
// optional and invoked from the read loop goroutine.
type SignalHandler struct {
	OnUserJoined func(user domain.RosterEntry)
	OnUserLeft   func(connectionID string)
	OnSignal     func(from string, env *domain.Envelope)
	OnChat       func(from string, env *domain.Envelope)
	OnKeyRotated func(keyID string)
	OnError      func(code, message string)
}

// SignalClient speaks the fabric's websocket protocol: token request, join
// handshake, relay, heartbeat.
type SignalClient struct {
	conn         *websocket.Conn
	connectionID string
	handler      SignalHandler
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]chan signal.SignalMessage

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

const (
	signalDialTimeout   = 10 * time.Second
	responseTimeout     = 5 * time.Second
	clientPingInterval  = 20 * time.Second
	clientWriteDeadline = 10 * time.Second
)

// DialSignal connects to the fabric websocket endpoint and starts the read
// and heartbeat loops.
func DialSignal(ctx context.Context, baseURL string, handler SignalHandler, logger *zap.SugaredLogger) (*SignalClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse signal url: %w", err)
	}
	connectionID := utils.GenerateConnectionID()
	q := u.Query()
	q.Set("connection_id", connectionID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: signalDialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &SignalClient{
		conn:         conn,
		connectionID: connectionID,
		handler:      handler,
		logger:       logger,
		pending:      make(map[string]chan signal.SignalMessage),
		closed:       make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func (c *SignalClient) ConnectionID() string { return c.connectionID }

// RequestToken asks the fabric for a room-scoped join token.
func (c *SignalClient) RequestToken(ctx context.Context, roomID, displayName string) (token string, expiresAt time.Time, err error) {
	reply, err := c.request(ctx, "room-token", signal.SignalMessage{
		Type:        "request-room-token",
		RoomID:      roomID,
		DisplayName: displayName,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return reply.Token, time.UnixMilli(reply.ExpiresAt), nil
}

// JoinResult is the fabric's join-handshake reply.
type JoinResult struct {
	Users        []domain.RosterEntry
	CurrentKeyID string
}

// Join redeems the token and enters the room. TOTP code and fingerprint are
// optional; the fabric demands the code when step-up is pending.
func (c *SignalClient) Join(ctx context.Context, roomID, displayName, token, totpCode, fingerprint string) (*JoinResult, error) {
	reply, err := c.request(ctx, "all-users", signal.SignalMessage{
		Type:        "join-room",
		RoomID:      roomID,
		DisplayName: displayName,
		Token:       token,
		TOTPCode:    totpCode,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return nil, err
	}
	return &JoinResult{Users: reply.Users, CurrentKeyID: reply.CurrentKeyID}, nil
}

// Signal relays an encrypted envelope to one peer in the room.
func (c *SignalClient) Signal(to string, env *domain.Envelope) error {
	return c.send(signal.SignalMessage{Type: "signal", To: to, Envelope: env})
}

// Chat broadcasts an encrypted chat envelope to the room.
func (c *SignalClient) Chat(env *domain.Envelope) error {
	return c.send(signal.SignalMessage{Type: "chat", Envelope: env})
}

// Leave exits the room without closing the socket.
func (c *SignalClient) Leave() error {
	return c.send(signal.SignalMessage{Type: "leave-room"})
}

func (c *SignalClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// request sends msg and waits for the first frame of the given reply type.
// Error frames arriving while a request is in flight abort it.
func (c *SignalClient) request(ctx context.Context, replyType string, msg signal.SignalMessage) (signal.SignalMessage, error) {
	ch := make(chan signal.SignalMessage, 1)
	errCh := make(chan signal.SignalMessage, 1)
	c.mu.Lock()
	c.pending[replyType] = ch
	c.pending["error"] = errCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, replyType)
		delete(c.pending, "error")
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return signal.SignalMessage{}, err
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case errMsg := <-errCh:
		return signal.SignalMessage{}, fmt.Errorf("signal error %s: %s", errMsg.Code, errMsg.Message)
	case <-timer.C:
		return signal.SignalMessage{}, fmt.Errorf("timed out waiting for %s", replyType)
	case <-ctx.Done():
		return signal.SignalMessage{}, ctx.Err()
	case <-c.closed:
		return signal.SignalMessage{}, fmt.Errorf("connection closed")
	}
}

func (c *SignalClient) send(msg signal.SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteDeadline))
	return c.conn.WriteJSON(msg)
}

func (c *SignalClient) readLoop() {
	defer c.Close()
	for {
		var msg signal.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debugw("signal read failed", "error", err)
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *SignalClient) dispatch(msg signal.SignalMessage) {
	c.mu.Lock()
	waiter := c.pending[msg.Type]
	c.mu.Unlock()
	if waiter != nil {
		select {
		case waiter <- msg:
			return
		default:
		}
	}

	switch msg.Type {
	case "user-joined":
		if c.handler.OnUserJoined != nil && msg.User != nil {
			c.handler.OnUserJoined(*msg.User)
		}
	case "user-left":
		if c.handler.OnUserLeft != nil {
			c.handler.OnUserLeft(msg.ConnectionID)
		}
	case "signal":
		if c.handler.OnSignal != nil {
			c.handler.OnSignal(msg.From, msg.Envelope)
		}
	case "chat", "reaction":
		if c.handler.OnChat != nil {
			c.handler.OnChat(msg.From, msg.Envelope)
		}
	case "key-rotated":
		if c.handler.OnKeyRotated != nil {
			c.handler.OnKeyRotated(msg.CurrentKeyID)
		}
	case "pong":
		// Heartbeat acknowledged.
	case "error":
		if c.handler.OnError != nil {
			c.handler.OnError(msg.Code, msg.Message)
		}
	default:
		c.logger.Debugw("unhandled signal message", "type", msg.Type)
	}
}

func (c *SignalClient) pingLoop() {
	ticker := time.NewTicker(clientPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.send(signal.SignalMessage{Type: "ping", Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}
