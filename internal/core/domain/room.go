package domain

import (
	"regexp"
	"time"
)

type RoomID string
type ConnectionID string

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,50}$`)

// Valid reports whether the identifier matches the accepted room id format.
func (id RoomID) Valid() bool {
	return roomIDPattern.MatchString(string(id))
}

type Role string

const (
	RoleHost        Role = "Host"
	RoleParticipant Role = "Participant"
)

// ConnectionState is the server-side lifecycle of one participant.
type ConnectionState string

const (
	StatePending  ConnectionState = "pending"
	StateMember   ConnectionState = "member"
	StateLeaving  ConnectionState = "leaving"
	StateReleased ConnectionState = "released"
)

type Connection struct {
	ID            ConnectionID
	DisplayName   string
	Role          Role
	RoomID        RoomID
	State         ConnectionState
	JoinedAt      time.Time
	LastSeen      time.Time
	RemoteAddr    string
	Authenticated bool
}

type Room struct {
	ID           RoomID
	CreatedAt    time.Time
	LastActivity time.Time
}

// RosterEntry is the connection metadata shared with other members.
type RosterEntry struct {
	ConnectionID ConnectionID `json:"connection_id"`
	DisplayName  string       `json:"display_name"`
	Role         Role         `json:"role"`
}
