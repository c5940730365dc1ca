package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// RoomIDRegex validates room identifier format
	RoomIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{6,50}$`)

	// ConnectionIDRegex validates connection identifier format
	ConnectionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	displayNameDisallowed = regexp.MustCompile(`[^A-Za-z0-9 _-]`)
)

const (
	DisplayNameMinLen = 2
	DisplayNameMaxLen = 30
)

// ValidateRoomID validates a room identifier
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("room id must be 6-50 characters of letters, digits, _ or -")
	}
	return nil
}

// FilterDisplayName strips every character outside the allowed set
// (letters, digits, space, hyphen, underscore) and collapses whitespace.
func FilterDisplayName(name string) string {
	name = displayNameDisallowed.ReplaceAllString(name, "")
	return strings.Join(strings.Fields(name), " ")
}

// ValidateDisplayName validates a display name after filtering
func ValidateDisplayName(name string) error {
	filtered := FilterDisplayName(name)
	if len(filtered) < DisplayNameMinLen {
		return fmt.Errorf("display name must be at least %d characters", DisplayNameMinLen)
	}
	if len(filtered) > DisplayNameMaxLen {
		return fmt.Errorf("display name is too long (max %d characters)", DisplayNameMaxLen)
	}
	return nil
}

// ValidateConnectionID validates a connection identifier
func ValidateConnectionID(id string) error {
	if id == "" {
		return fmt.Errorf("connection id is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("connection id is too long (max 64 characters)")
	}
	if !ConnectionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid connection id format")
	}
	return nil
}
