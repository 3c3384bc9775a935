package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"surf-proxy-go/internal/tunnel"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	tunnel  *tunnel.Tunnel
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(t *tunnel.Tunnel, v Version) *HealthHandler {
	return &HealthHandler{tunnel: t, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and the number of open tunnels.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": string(h.version),
		"tunnels": h.tunnel.Active(),
	})
}
