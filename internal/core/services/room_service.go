package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"meshconf/internal/clock"
	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"

	"go.uber.org/zap"
)

const defaultIdleGrace = 60 * time.Second

// roomState is one room's membership under its own lock; mutations to a
// room are serialized here while distinct rooms proceed in parallel.
type roomState struct {
	mu         sync.Mutex
	room       *domain.Room
	conns      map[domain.ConnectionID]*domain.Connection
	emptySince time.Time
}

// RoomService owns the room registry: membership, reaping, and the
// one-room-per-connection invariant. A coarse lock guards room
// creation/deletion; everything else is per-room.
type RoomService struct {
	mu        sync.RWMutex
	rooms     map[domain.RoomID]*roomState
	connIndex map[domain.ConnectionID]domain.RoomID

	enc        ports.EncryptionService
	bus        ports.EventBus
	repo       ports.StateRepository // optional
	clock      clock.Clock
	logger     *zap.SugaredLogger
	idleGrace  time.Duration
	maxMembers int
}

func NewRoomService(enc ports.EncryptionService, bus ports.EventBus, repo ports.StateRepository, clk clock.Clock, logger *zap.SugaredLogger) *RoomService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RoomService{
		rooms:     make(map[domain.RoomID]*roomState),
		connIndex: make(map[domain.ConnectionID]domain.RoomID),
		enc:       enc,
		bus:       bus,
		repo:      repo,
		clock:     clk,
		logger:    logger,
		idleGrace: defaultIdleGrace,
	}
}

// SetMaxMembers caps room size; zero means unlimited.
func (s *RoomService) SetMaxMembers(n int) {
	s.maxMembers = n
}

// SetIdleGrace overrides the empty-room grace period (tests).
func (s *RoomService) SetIdleGrace(d time.Duration) {
	s.idleGrace = d
}

// Join adds a connection to the room, creating it on first join. It returns
// the pre-existing roster and the room's current key id.
func (s *RoomService) Join(ctx context.Context, roomID domain.RoomID, conn *domain.Connection) ([]domain.RosterEntry, domain.KeyID, error) {
	if !roomID.Valid() {
		return nil, "", domain.ErrInvalidRoomID
	}

	s.mu.Lock()
	if existing, ok := s.connIndex[conn.ID]; ok && existing != roomID {
		s.mu.Unlock()
		return nil, "", domain.ErrNotInRoom
	}
	state, ok := s.rooms[roomID]
	if !ok {
		now := s.clock.Now()
		state = &roomState{
			room:  &domain.Room{ID: roomID, CreatedAt: now, LastActivity: now},
			conns: make(map[domain.ConnectionID]*domain.Connection),
		}
		s.rooms[roomID] = state
		if s.repo != nil {
			if err := s.repo.SaveRoomMeta(ctx, state.room); err != nil && s.logger != nil {
				s.logger.Warnw("could not persist room meta", "room_id", roomID, "error", err)
			}
		}
	}
	s.connIndex[conn.ID] = roomID
	s.mu.Unlock()

	// The room needs a key before the join reply references it.
	keyID, ok := s.enc.CurrentKeyID(roomID)
	if !ok {
		if err := s.enc.Rotate(ctx, roomID); err != nil {
			return nil, "", err
		}
		keyID, _ = s.enc.CurrentKeyID(roomID)
	}

	state.mu.Lock()
	if s.maxMembers > 0 && len(state.conns) >= s.maxMembers {
		if _, already := state.conns[conn.ID]; !already {
			state.mu.Unlock()
			s.mu.Lock()
			delete(s.connIndex, conn.ID)
			s.mu.Unlock()
			return nil, "", domain.ErrRoomFull
		}
	}
	now := s.clock.Now()
	roster := make([]domain.RosterEntry, 0, len(state.conns))
	for _, c := range state.conns {
		roster = append(roster, domain.RosterEntry{
			ConnectionID: c.ID,
			DisplayName:  c.DisplayName,
			Role:         c.Role,
		})
	}
	if conn.Role == "" {
		conn.Role = domain.RoleParticipant
	}
	conn.State = domain.StateMember
	conn.RoomID = roomID
	conn.JoinedAt = now
	conn.LastSeen = now
	conn.Authenticated = true
	state.conns[conn.ID] = conn
	state.room.LastActivity = now
	state.emptySince = time.Time{}
	state.mu.Unlock()

	if s.bus != nil {
		payload, _ := json.Marshal(domain.RosterEntry{
			ConnectionID: conn.ID,
			DisplayName:  conn.DisplayName,
			Role:         conn.Role,
		})
		_ = s.bus.Publish(ctx, &domain.Event{
			Type:         domain.EventUserJoined,
			RoomID:       roomID,
			ConnectionID: conn.ID,
			Timestamp:    now,
			Payload:      payload,
		})
	}
	if s.logger != nil {
		s.logger.Infow("connection joined room",
			"room_id", roomID,
			"connection_id", conn.ID,
			"display_name", conn.DisplayName,
		)
	}
	return roster, keyID, nil
}

// Leave removes the connection from its room and marks the room empty when
// the last member goes; the reaper destroys it after the grace period.
func (s *RoomService) Leave(ctx context.Context, connID domain.ConnectionID) error {
	s.mu.RLock()
	roomID, ok := s.connIndex[connID]
	state := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok || state == nil {
		return domain.ErrNotInRoom
	}

	state.mu.Lock()
	conn, ok := state.conns[connID]
	if !ok {
		state.mu.Unlock()
		return domain.ErrNotInRoom
	}
	conn.State = domain.StateReleased
	delete(state.conns, connID)
	now := s.clock.Now()
	state.room.LastActivity = now
	if len(state.conns) == 0 {
		state.emptySince = now
	}
	state.mu.Unlock()

	s.mu.Lock()
	delete(s.connIndex, connID)
	s.mu.Unlock()

	if s.bus != nil {
		_ = s.bus.Publish(ctx, &domain.Event{
			Type:         domain.EventUserLeft,
			RoomID:       roomID,
			ConnectionID: connID,
			Timestamp:    now,
		})
	}
	if s.logger != nil {
		s.logger.Infow("connection left room", "room_id", roomID, "connection_id", connID)
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp for a member connection.
func (s *RoomService) Heartbeat(connID domain.ConnectionID) {
	s.mu.RLock()
	roomID, ok := s.connIndex[connID]
	state := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok || state == nil {
		return
	}
	state.mu.Lock()
	if conn, ok := state.conns[connID]; ok {
		conn.LastSeen = s.clock.Now()
	}
	state.mu.Unlock()
}

// RoomOf resolves the room a connection belongs to.
func (s *RoomService) RoomOf(connID domain.ConnectionID) (domain.RoomID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.connIndex[connID]
	return roomID, ok
}

// Members returns a snapshot of the room's connections.
func (s *RoomService) Members(roomID domain.RoomID) []*domain.Connection {
	s.mu.RLock()
	state := s.rooms[roomID]
	s.mu.RUnlock()
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]*domain.Connection, 0, len(state.conns))
	for _, c := range state.conns {
		out = append(out, c)
	}
	return out
}

// IsMember reports whether connID is a member of roomID.
func (s *RoomService) IsMember(roomID domain.RoomID, connID domain.ConnectionID) bool {
	s.mu.RLock()
	state := s.rooms[roomID]
	s.mu.RUnlock()
	if state == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	_, ok := state.conns[connID]
	return ok
}

// Counts returns active rooms and connections for health reporting.
func (s *RoomService) Counts() (rooms, connections int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms), len(s.connIndex)
}

// ExpireStale times out members whose heartbeat lapsed and reaps rooms that
// stayed empty past the grace period. maxSilence is the heartbeat interval
// times the allowed misses.
func (s *RoomService) ExpireStale(ctx context.Context, maxSilence time.Duration) {
	now := s.clock.Now()

	s.mu.RLock()
	states := make(map[domain.RoomID]*roomState, len(s.rooms))
	for id, st := range s.rooms {
		states[id] = st
	}
	s.mu.RUnlock()

	var timedOut []domain.ConnectionID
	var emptyRooms []domain.RoomID
	for roomID, state := range states {
		state.mu.Lock()
		for id, conn := range state.conns {
			if now.Sub(conn.LastSeen) > maxSilence {
				conn.State = domain.StateLeaving
				timedOut = append(timedOut, id)
			}
		}
		if len(state.conns) == 0 && !state.emptySince.IsZero() && now.Sub(state.emptySince) > s.idleGrace {
			emptyRooms = append(emptyRooms, roomID)
		}
		state.mu.Unlock()
	}

	for _, id := range timedOut {
		if s.logger != nil {
			s.logger.Infow("heartbeat timeout", "connection_id", id)
		}
		_ = s.Leave(ctx, id)
	}
	for _, roomID := range emptyRooms {
		s.destroyRoom(ctx, roomID)
	}
}

func (s *RoomService) destroyRoom(ctx context.Context, roomID domain.RoomID) {
	s.mu.Lock()
	state, ok := s.rooms[roomID]
	if ok {
		state.mu.Lock()
		empty := len(state.conns) == 0
		state.mu.Unlock()
		if !empty {
			s.mu.Unlock()
			return
		}
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.enc.DropRoom(roomID)
	if s.repo != nil {
		if err := s.repo.DeleteRoomMeta(ctx, roomID); err != nil && s.logger != nil {
			s.logger.Warnw("could not delete room meta", "room_id", roomID, "error", err)
		}
	}
	if s.logger != nil {
		s.logger.Infow("room destroyed", "room_id", roomID)
	}
}

// StartReaper drives ExpireStale on a fixed cadence.
func (s *RoomService) StartReaper(ctx context.Context, interval, maxSilence time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ExpireStale(ctx, maxSilence)
			}
		}
	}()
}
