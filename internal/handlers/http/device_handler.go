package http

import (
	"context"
	"net/http"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// DeviceDirectory is the relay state the dashboard reads.
type DeviceDirectory interface {
	Devices(ctx context.Context) ([]*domain.Device, error)
	Device(ctx context.Context, id domain.DeviceID) (*domain.Device, error)
	Sessions() []domain.Session
	RemoveDevice(ctx context.Context, id domain.DeviceID) error
}

// ConnectionCounter reports open signaling connections per role.
type ConnectionCounter interface {
	ConnectionCount() map[domain.PartyRole]int
}

type DeviceHandler struct {
	directory   DeviceDirectory
	connections ConnectionCounter
	health      *monitoring.HealthChecker
	startedAt   time.Time
}

func NewDeviceHandler(directory DeviceDirectory, connections ConnectionCounter, health *monitoring.HealthChecker) *DeviceHandler {
	return &DeviceHandler{
		directory:   directory,
		connections: connections,
		health:      health,
		startedAt:   time.Now(),
	}
}

// SetupRoutes mounts the API. Every middleware in protect guards /api/v1;
// removal additionally passes through admin.
func (h *DeviceHandler) SetupRoutes(router *gin.Engine, protect []gin.HandlerFunc, admin gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1", protect...)
	{
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:id", h.GetDevice)
		api.GET("/sessions", h.ListSessions)

		remove := []gin.HandlerFunc{h.RemoveDevice}
		if admin != nil {
			remove = append([]gin.HandlerFunc{admin}, remove...)
		}
		api.DELETE("/devices/:id", remove...)
	}
}

func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.directory.Devices(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

func (h *DeviceHandler) GetDevice(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateDeviceID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	device, err := h.directory.Device(c.Request.Context(), domain.DeviceID(id))
	if err != nil {
		c.Error(err)
		return
	}

	var sessions []domain.Session
	for _, s := range h.directory.Sessions() {
		if s.DeviceID == device.ID {
			sessions = append(sessions, s)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"device":   device,
		"sessions": sessions,
	})
}

func (h *DeviceHandler) ListSessions(c *gin.Context) {
	sessions := h.directory.Sessions()
	if viewer := c.Query("viewer_id"); viewer != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if string(s.ViewerID) == viewer {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *DeviceHandler) RemoveDevice(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateDeviceID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.directory.RemoveDevice(c.Request.Context(), domain.DeviceID(id)); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	}
	if h.connections != nil {
		body["connections"] = h.connections.ConnectionCount()
	}
	c.JSON(http.StatusOK, body)
}

func (h *DeviceHandler) Ready(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
