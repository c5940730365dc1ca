package domain

import (
	"encoding/json"
	"time"
)

// EventType names the bus topics crossing the core/UI boundary.
type EventType string

const (
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
	EventKeyRotated     EventType = "key-rotated"
	EventSecurityAlert  EventType = "security-alert"
	EventQualityChanged EventType = "quality-changed"
	EventAudit          EventType = "audit"
)

type Event struct {
	Type         EventType       `json:"type"`
	RoomID       RoomID          `json:"room_id,omitempty"`
	ConnectionID ConnectionID    `json:"connection_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}
