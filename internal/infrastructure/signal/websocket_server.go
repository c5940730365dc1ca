package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"
	"meshconf/internal/core/services"
	"meshconf/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Metrics receives transport-level counters. The monitoring package
// provides the Prometheus implementation; tests use the no-op.
type Metrics interface {
	MessageIn(msgType string)
	RelayDrop()
	RelayLatency(d time.Duration)
	AuthFailure()
	ConnectionOpened()
	ConnectionClosed(reason string)
}

type nopMetrics struct{}

func (nopMetrics) MessageIn(string)           {}
func (nopMetrics) RelayDrop()                 {}
func (nopMetrics) RelayLatency(time.Duration) {}
func (nopMetrics) AuthFailure()               {}
func (nopMetrics) ConnectionOpened()          {}
func (nopMetrics) ConnectionClosed(string)    {}

// SignalMessage is the single frame shape on the signaling socket.
// Fields are sparse; Type selects which ones are meaningful.
type SignalMessage struct {
	Type string `json:"type"`

	RoomID       string `json:"room_id,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Token        string `json:"token,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	TOTPCode     string `json:"totp_code,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`

	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	Envelope *domain.Envelope `json:"envelope,omitempty"`

	Users        []domain.RosterEntry `json:"users,omitempty"`
	User         *domain.RosterEntry  `json:"user,omitempty"`
	CurrentKeyID string               `json:"current_key_id,omitempty"`

	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
	ExpiresAt int64 `json:"expires_at,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// client is the server-side state for one signaling socket.
type client struct {
	id          domain.ConnectionID
	conn        *websocket.Conn
	send        chan SignalMessage
	remoteAddr  string
	fingerprint string

	mu            sync.Mutex
	displayName   string
	authenticated bool
	lastPing      time.Time

	msgLimiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) markSeen(now time.Time) {
	c.mu.Lock()
	c.lastPing = now
	c.mu.Unlock()
}

func (c *client) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

func (c *client) authed() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName, c.authenticated
}

func (c *client) authenticate(displayName string) {
	c.mu.Lock()
	c.displayName = displayName
	c.authenticated = true
	c.mu.Unlock()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WebSocketServer is the signaling fabric transport. One goroutine reads
// each socket; a second drains the outbound queue, which preserves
// delivery order per sender/receiver pair.
type WebSocketServer struct {
	rooms  *services.RoomService
	tokens ports.TokenService
	threat ports.ThreatService
	bus    ports.EventBus

	clients map[domain.ConnectionID]*client
	mu      sync.RWMutex

	heartbeatInterval time.Duration
	graceMisses       int
	writeTimeout      time.Duration
	sendQueueSize     int

	messagesPerSecond float64
	messageBurst      int

	metrics Metrics
	logger  *zap.SugaredLogger
}

type Options struct {
	HeartbeatInterval time.Duration
	GraceMisses       int
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	Metrics           Metrics
}

func NewWebSocketServer(
	rooms *services.RoomService,
	tokens ports.TokenService,
	threat ports.ThreatService,
	bus ports.EventBus,
	logger *zap.SugaredLogger,
	opts Options,
) *WebSocketServer {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.GraceMisses <= 0 {
		opts.GraceMisses = 2
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	return &WebSocketServer{
		rooms:             rooms,
		tokens:            tokens,
		threat:            threat,
		bus:               bus,
		clients:           make(map[domain.ConnectionID]*client),
		heartbeatInterval: opts.HeartbeatInterval,
		graceMisses:       opts.GraceMisses,
		writeTimeout:      opts.WriteTimeout,
		sendQueueSize:     64,
		messagesPerSecond: opts.MessagesPerSecond,
		messageBurst:      opts.MessageBurst,
		metrics:           opts.Metrics,
		logger:            logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	remoteAddr := clientAddr(r)

	// Blocked addresses are refused before the upgrade completes.
	if s.threat.IsAddressBlocked(remoteAddr) {
		s.metrics.AuthFailure()
		http.Error(w, string(domain.CodeLocked), http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	connID := domain.ConnectionID(r.URL.Query().Get("connection_id"))
	if connID == "" || validation.ValidateConnectionID(string(connID)) != nil {
		s.logger.Warnw("missing or malformed connection_id in query parameters", "remote_addr", remoteAddr)
		conn.Close()
		return
	}

	c := &client{
		id:         connID,
		conn:       conn,
		send:       make(chan SignalMessage, s.sendQueueSize),
		remoteAddr: remoteAddr,
		lastPing:   time.Now(),
		done:       make(chan struct{}),
	}
	if s.messagesPerSecond > 0 {
		c.msgLimiter = rate.NewLimiter(rate.Limit(s.messagesPerSecond), s.messageBurst)
	}

	// A reconnect with the same connection id supersedes the old socket.
	s.mu.Lock()
	if old, ok := s.clients[connID]; ok {
		old.close()
		s.logger.Infow("closing old socket for reconnecting connection", "connection_id", connID)
	}
	s.clients[connID] = c
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	s.logger.Infow("signaling connection opened", "connection_id", connID, "remote_addr", remoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)
}

// writeLoop is the only writer on the socket.
func (s *WebSocketServer) writeLoop(c *client) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Infow("write failed", "connection_id", c.id, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			// The client drives the ping/pong heartbeat; the server only
			// enforces the liveness deadline here.
			deadline := time.Duration(s.graceMisses) * s.heartbeatInterval
			if time.Since(c.seen()) > deadline {
				s.logger.Infow("heartbeat expired", "connection_id", c.id)
				s.metrics.ConnectionClosed("heartbeat")
				c.close()
				return
			}

		case <-c.done:
			return
		}
	}
}

func (s *WebSocketServer) readLoop(c *client) {
	defer s.teardown(c)

	for {
		var msg SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Infow("read failed", "connection_id", c.id, "error", err)
				}
			}
			return
		}

		c.markSeen(time.Now())
		s.metrics.MessageIn(msg.Type)

		if c.msgLimiter != nil && !c.msgLimiter.Allow() {
			s.sendError(c, domain.ErrRateLimited, "message rate exceeded")
			continue
		}

		if err := s.handleMessage(context.Background(), c, msg); err != nil {
			s.sendError(c, err, "")
		}
	}
}

// teardown runs exactly once per socket, after the read loop exits.
func (s *WebSocketServer) teardown(c *client) {
	c.close()

	s.mu.Lock()
	// A reconnect may already have replaced this client under the same id.
	if cur, ok := s.clients[c.id]; ok && cur == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()

	if roomID, ok := s.rooms.RoomOf(c.id); ok {
		members := s.rooms.Members(roomID)
		if err := s.rooms.Leave(context.Background(), c.id); err == nil {
			s.fanoutUserLeft(roomID, c.id, members)
		}
	}

	s.metrics.ConnectionClosed("closed")
	s.logger.Infow("signaling connection closed", "connection_id", c.id)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg SignalMessage) error {
	switch msg.Type {
	case "request-room-token":
		return s.handleTokenRequest(ctx, c, msg)
	case "join-room":
		return s.handleJoin(ctx, c, msg)
	case "leave-room":
		return s.handleLeave(ctx, c)
	case "signal":
		return s.handleRelay(ctx, c, msg)
	case "chat", "reaction":
		return s.handleBroadcast(ctx, c, msg)
	case "ping":
		return s.handlePing(ctx, c, msg)
	default:
		s.logger.Debugw("unknown message type", "connection_id", c.id, "type", msg.Type)
		return domain.ErrUnsupportedMessage
	}
}

func (s *WebSocketServer) handleTokenRequest(ctx context.Context, c *client, msg SignalMessage) error {
	if err := validation.ValidateRoomID(msg.RoomID); err != nil {
		return domain.ErrInvalidRoomID
	}
	displayName := validation.FilterDisplayName(msg.DisplayName)
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return domain.ErrInvalidDisplayName
	}

	token, expiresAt, err := s.tokens.Issue(ctx, domain.RoomID(msg.RoomID), displayName, c.remoteAddr)
	if err != nil {
		var rl *services.RateLimitedError
		if errors.As(err, &rl) {
			s.publishAudit(ctx, c, "token-rate-limited")
			s.enqueue(c, SignalMessage{
				Type:      "error",
				Code:      string(domain.CodeRateLimited),
				Message:   rl.Error(),
				Timestamp: time.Now().UnixMilli(),
			})
			return nil
		}
		return err
	}

	s.enqueue(c, SignalMessage{
		Type:      "room-token",
		Token:     token,
		ExpiresAt: expiresAt.UnixMilli(),
	})
	return nil
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *client, msg SignalMessage) error {
	roomID, displayName, nonce, err := s.tokens.Verify(ctx, msg.Token)
	if err != nil {
		s.recordAuthFailure(ctx, c)
		if errors.Is(err, domain.ErrTokenExpired) {
			return domain.ErrTokenExpired
		}
		return domain.ErrInvalidToken
	}

	principal := domain.Principal(displayName)

	if s.threat.IsLocked(principal) {
		s.metrics.AuthFailure()
		return domain.ErrLocked
	}

	if s.threat.StepUpRequired(principal) {
		if msg.TOTPCode == "" || !s.threat.SatisfyStepUp(principal, msg.TOTPCode) {
			s.recordAuthFailure(ctx, c)
			return domain.ErrAuthFailed
		}
	}

	// The nonce is spent only after the lock and step-up gates, so a
	// rejected client can retry with the same token once it clears them.
	if err := s.tokens.Consume(ctx, nonce); err != nil {
		s.recordAuthFailure(ctx, c)
		return domain.ErrInvalidToken
	}

	if msg.Fingerprint != "" {
		c.fingerprint = msg.Fingerprint
	}

	conn := &domain.Connection{
		ID:            c.id,
		DisplayName:   displayName,
		RoomID:        roomID,
		RemoteAddr:    c.remoteAddr,
		Authenticated: true,
	}

	roster, keyID, err := s.rooms.Join(ctx, roomID, conn)
	if err != nil {
		return err
	}

	c.authenticate(displayName)

	obs := domain.Observation{
		Principal:   principal,
		Action:      domain.ActionConnection,
		Timestamp:   time.Now(),
		RemoteAddr:  c.remoteAddr,
		Fingerprint: c.fingerprint,
	}
	if msg.Lat != nil && msg.Lon != nil {
		obs.Geo = &domain.GeoSample{Lat: *msg.Lat, Lon: *msg.Lon, At: obs.Timestamp}
	}
	s.threat.Observe(ctx, obs)

	if roster == nil {
		roster = []domain.RosterEntry{}
	}
	s.enqueue(c, SignalMessage{
		Type:         "all-users",
		Users:        roster,
		CurrentKeyID: string(keyID),
	})

	// Existing members learn about the newcomer.
	entry := domain.RosterEntry{
		ConnectionID: c.id,
		DisplayName:  displayName,
		Role:         conn.Role,
	}
	for _, member := range s.rooms.Members(roomID) {
		if member.ID == c.id {
			continue
		}
		s.sendTo(member.ID, SignalMessage{Type: "user-joined", User: &entry})
	}

	s.logger.Infow("connection joined room",
		"connection_id", c.id,
		"room_id", roomID,
		"display_name", displayName,
		"members", len(roster)+1,
	)
	return nil
}

func (s *WebSocketServer) handleLeave(ctx context.Context, c *client) error {
	roomID, ok := s.rooms.RoomOf(c.id)
	if !ok {
		return domain.ErrNotInRoom
	}

	members := s.rooms.Members(roomID)
	if err := s.rooms.Leave(ctx, c.id); err != nil {
		return err
	}
	s.fanoutUserLeft(roomID, c.id, members)
	return nil
}

func (s *WebSocketServer) handleRelay(ctx context.Context, c *client, msg SignalMessage) error {
	start := time.Now()
	defer func() { s.metrics.RelayLatency(time.Since(start)) }()

	displayName, ok := c.authed()
	if !ok {
		s.recordAuthFailure(ctx, c)
		return domain.ErrAuthFailed
	}

	roomID, inRoom := s.rooms.RoomOf(c.id)
	if !inRoom {
		return domain.ErrNotInRoom
	}

	if msg.Envelope == nil || msg.To == "" {
		return domain.ErrDestinationUnknown
	}

	dest := domain.ConnectionID(msg.To)
	if !s.rooms.IsMember(roomID, dest) {
		// Late candidates for a departed peer are routine; drop and count.
		s.metrics.RelayDrop()
		s.logger.Debugw("relay destination absent", "from", c.id, "to", dest, "room_id", roomID)
		return nil
	}

	s.threat.Observe(ctx, domain.Observation{
		Principal:  domain.Principal(displayName),
		Action:     domain.ActionMessage,
		Timestamp:  time.Now(),
		RemoteAddr: c.remoteAddr,
	})

	delivered := s.sendTo(dest, SignalMessage{
		Type:     "signal",
		From:     string(c.id),
		Envelope: msg.Envelope,
	})
	if !delivered {
		s.metrics.RelayDrop()
	}
	return nil
}

func (s *WebSocketServer) handleBroadcast(ctx context.Context, c *client, msg SignalMessage) error {
	displayName, ok := c.authed()
	if !ok {
		s.recordAuthFailure(ctx, c)
		return domain.ErrAuthFailed
	}

	roomID, inRoom := s.rooms.RoomOf(c.id)
	if !inRoom {
		return domain.ErrNotInRoom
	}

	if msg.Envelope == nil {
		return domain.ErrDestinationUnknown
	}

	s.threat.Observe(ctx, domain.Observation{
		Principal:  domain.Principal(displayName),
		Action:     domain.ActionMessage,
		Timestamp:  time.Now(),
		RemoteAddr: c.remoteAddr,
	})

	out := SignalMessage{
		Type:     msg.Type,
		From:     string(c.id),
		Envelope: msg.Envelope,
	}
	for _, member := range s.rooms.Members(roomID) {
		if member.ID == c.id {
			continue
		}
		s.sendTo(member.ID, out)
	}
	return nil
}

func (s *WebSocketServer) handlePing(ctx context.Context, c *client, msg SignalMessage) error {
	s.rooms.Heartbeat(c.id)
	s.enqueue(c, SignalMessage{Type: "pong", Timestamp: msg.Timestamp})
	return nil
}

// StartKeyRotationFanout pushes key-rotated frames to room members whenever
// the encryption service retires a key, so clients re-key without polling.
func (s *WebSocketServer) StartKeyRotationFanout(ctx context.Context) {
	events, cancel := s.bus.Subscribe(domain.EventKeyRotated, 16)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				var payload struct {
					KeyID string `json:"key_id"`
				}
				if err := json.Unmarshal(event.Payload, &payload); err != nil {
					continue
				}
				for _, member := range s.rooms.Members(event.RoomID) {
					s.sendTo(member.ID, SignalMessage{
						Type:         "key-rotated",
						RoomID:       string(event.RoomID),
						CurrentKeyID: payload.KeyID,
					})
				}
			}
		}
	}()
}

func (s *WebSocketServer) fanoutUserLeft(roomID domain.RoomID, left domain.ConnectionID, members []*domain.Connection) {
	for _, member := range members {
		if member.ID == left {
			continue
		}
		s.sendTo(member.ID, SignalMessage{
			Type:         "user-left",
			ConnectionID: string(left),
		})
	}
}

func (s *WebSocketServer) recordAuthFailure(ctx context.Context, c *client) {
	s.metrics.AuthFailure()

	principal := domain.Principal("addr:" + c.remoteAddr)
	if name, ok := c.authed(); ok {
		principal = domain.Principal(name)
	}
	s.threat.Observe(ctx, domain.Observation{
		Principal:   principal,
		Action:      domain.ActionFailedAuth,
		Timestamp:   time.Now(),
		RemoteAddr:  c.remoteAddr,
		Fingerprint: c.fingerprint,
	})
}

func (s *WebSocketServer) publishAudit(ctx context.Context, c *client, reason string) {
	payload, _ := json.Marshal(map[string]string{
		"reason":      reason,
		"remote_addr": c.remoteAddr,
	})
	_ = s.bus.Publish(ctx, &domain.Event{
		Type:         domain.EventAudit,
		ConnectionID: c.id,
		Timestamp:    time.Now(),
		Payload:      payload,
	})
}

// enqueue places a frame on the client's outbound queue. A full queue
// means a consumer too slow to keep up; the socket is closed rather than
// blocking every other sender in the room.
func (s *WebSocketServer) enqueue(c *client, msg SignalMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		s.logger.Warnw("outbound queue full, dropping connection", "connection_id", c.id)
		s.metrics.ConnectionClosed("slow-consumer")
		c.close()
		return false
	}
}

func (s *WebSocketServer) sendTo(id domain.ConnectionID, msg SignalMessage) bool {
	s.mu.RLock()
	c, ok := s.clients[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.enqueue(c, msg)
}

func (s *WebSocketServer) sendError(c *client, err error, detail string) {
	msg := detail
	if msg == "" {
		msg = err.Error()
	}
	s.enqueue(c, SignalMessage{
		Type:    "error",
		Code:    string(domain.CodeOf(err)),
		Message: msg,
	})
}

// ConnectedCount reports the number of open signaling sockets.
func (s *WebSocketServer) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// IsConnected reports whether the connection has an open socket.
func (s *WebSocketServer) IsConnected(id domain.ConnectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok
}

// HealthCheck serves the signal listener's liveness endpoint.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectedCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
