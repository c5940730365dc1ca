package http

import (
	"net/http"
	"time"

	"meshconf/internal/core/domain"
	"meshconf/internal/core/ports"
	"meshconf/internal/core/services"
	"meshconf/internal/infrastructure/loadbalancer"
	"meshconf/internal/infrastructure/monitoring"
	apperrors "meshconf/pkg/errors"
	"meshconf/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler exposes the REST surface: health, metrics and token issuance.
// Everything room-scoped after the token exchange lives on the websocket.
type APIHandler struct {
	tokens   ports.TokenService
	threat   ports.ThreatService
	rooms    *services.RoomService
	checker  *monitoring.HealthChecker
	affinity *loadbalancer.RoomAffinity
	sessions *loadbalancer.StickySessionManager
}

func NewAPIHandler(
	tokens ports.TokenService,
	threat ports.ThreatService,
	rooms *services.RoomService,
	checker *monitoring.HealthChecker,
	affinity *loadbalancer.RoomAffinity,
	sessions *loadbalancer.StickySessionManager,
) *APIHandler {
	return &APIHandler{
		tokens:   tokens,
		threat:   threat,
		rooms:    rooms,
		checker:  checker,
		affinity: affinity,
		sessions: sessions,
	}
}

func (h *APIHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/rooms/:room_id/token", h.IssueToken)
	}
}

func (h *APIHandler) Health(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())

	rooms, connections := h.rooms.Counts()

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":             status.Status,
		"timestamp":          status.Timestamp,
		"uptime_s":           status.UptimeS,
		"active_rooms":       rooms,
		"active_connections": connections,
		"checks":             status.Checks,
	})
}

func (h *APIHandler) Ready(c *gin.Context) {
	if h.checker.IsReady(c.Request.Context()) {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}

// IssueToken is the HTTP twin of the websocket token request. Clients that
// front-load auth before opening the socket use this endpoint.
func (h *APIHandler) IssueToken(c *gin.Context) {
	roomID := c.Param("room_id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(apperrors.FromDomain(err))
		return
	}

	var req struct {
		DisplayName string `json:"display_name" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("display_name is required"))
		return
	}

	displayName := validation.FilterDisplayName(req.DisplayName)
	if err := validation.ValidateDisplayName(displayName); err != nil {
		c.Error(apperrors.FromDomain(err))
		return
	}

	addr := c.ClientIP()
	if h.threat.IsAddressBlocked(addr) {
		c.Error(apperrors.NewLockedError("address is blocked"))
		return
	}

	token, expiresAt, err := h.tokens.Issue(c.Request.Context(), domain.RoomID(roomID), displayName, addr)
	if err != nil {
		c.Error(apperrors.FromDomain(err))
		return
	}

	if h.sessions != nil {
		h.sessions.SetSessionCookie(c.Writer, h.sessions.SessionID(c.Request))
	}

	resp := gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"room_id":    roomID,
	}
	// In multi-instance deployments rooms are pinned; send the client to
	// the instance that owns this room.
	if h.affinity != nil && h.affinity.Enabled() {
		resp["signal_url"] = h.affinity.EndpointFor(domain.RoomID(roomID))
	}
	c.JSON(http.StatusOK, resp)
}
