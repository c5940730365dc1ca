// Package loadbalancer pins clients to signaling instances. Rooms live in
// instance memory, so every member of a room must reach the same instance;
// affinity is computed from the room id, and a signed cookie keeps plain
// HTTP requests on the instance that issued them.
package loadbalancer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"meshconf/internal/core/domain"
)

// RoomAffinity deterministically maps a room to one signaling endpoint.
// Every instance computes the same mapping from the same instance list, so
// no shared state is needed.
type RoomAffinity struct {
	endpoints []string
}

func NewRoomAffinity(endpoints []string) *RoomAffinity {
	return &RoomAffinity{endpoints: endpoints}
}

// Enabled reports whether an instance list was configured. Single-instance
// deployments leave it empty and clients use the default endpoint.
func (a *RoomAffinity) Enabled() bool {
	return len(a.endpoints) > 0
}

// EndpointFor returns the signaling endpoint that owns a room.
func (a *RoomAffinity) EndpointFor(roomID domain.RoomID) string {
	if len(a.endpoints) == 0 {
		return ""
	}

	hash := sha256.Sum256([]byte(roomID))
	value := uint64(hash[0])<<56 | uint64(hash[1])<<48 | uint64(hash[2])<<40 | uint64(hash[3])<<32 |
		uint64(hash[4])<<24 | uint64(hash[5])<<16 | uint64(hash[6])<<8 | uint64(hash[7])
	return a.endpoints[int(value%uint64(len(a.endpoints)))]
}

// StickySessionManager signs per-client session cookies so an HTTP load
// balancer can route repeat requests consistently.
type StickySessionManager struct {
	secretKey  []byte
	cookieName string
	maxAge     int
}

func NewStickySessionManager(secretKey string, cookieName string, maxAge int) *StickySessionManager {
	return &StickySessionManager{
		secretKey:  []byte(secretKey),
		cookieName: cookieName,
		maxAge:     maxAge,
	}
}

// SessionID returns the request's validated session id, minting a new one
// when the cookie is absent or tampered with.
func (s *StickySessionManager) SessionID(r *http.Request) string {
	cookie, err := r.Cookie(s.cookieName)
	if err == nil && cookie.Value != "" && s.validateCookie(cookie.Value) {
		return s.extractSessionID(cookie.Value)
	}
	return s.mintSessionID(r)
}

// SetSessionCookie writes the signed session cookie.
func (s *StickySessionManager) SetSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    s.signSessionID(sessionID),
		Path:     "/",
		MaxAge:   s.maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *StickySessionManager) mintSessionID(r *http.Request) string {
	data := fmt.Sprintf("%s:%s", clientIP(r), r.Header.Get("User-Agent"))
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}

func (s *StickySessionManager) signSessionID(sessionID string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(sessionID))
	return fmt.Sprintf("%s.%s", sessionID, hex.EncodeToString(mac.Sum(nil)))
}

func (s *StickySessionManager) validateCookie(cookieValue string) bool {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return false
	}
	expected := s.signSessionID(parts[0])
	return hmac.Equal([]byte(cookieValue), []byte(expected))
}

func (s *StickySessionManager) extractSessionID(cookieValue string) string {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if ips := strings.Split(forwarded, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
