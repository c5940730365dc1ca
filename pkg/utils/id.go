package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateConnectionID returns an unforgeable 128-bit connection identifier.
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateHandleID returns an opaque identifier for a supervisor handle.
func GenerateHandleID() string {
	return uuid.NewString()
}
