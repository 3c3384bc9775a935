package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"surf-proxy-go/internal/tunnel"
)

// TunnelHandler accepts WebSocket upgrades on the tunnel path.
type TunnelHandler struct {
	tunnel *tunnel.Tunnel
	logger *slog.Logger
}

// NewTunnelHandler creates a TunnelHandler.
func NewTunnelHandler(t *tunnel.Tunnel, logger *slog.Logger) *TunnelHandler {
	return &TunnelHandler{
		tunnel: t,
		logger: logger.With("component", "tunnel_handler"),
	}
}

// Handle bridges the upgrade to the socket named by the handshake
// parameters. A rejected handshake gets its connection closed without a
// response.
func (h *TunnelHandler) Handle(c echo.Context) error {
	req := c.Request()
	if !websocket.IsWebSocketUpgrade(req) {
		return dropConnection(c)
	}

	if err := h.tunnel.Serve(c.Response(), req); err != nil {
		h.logger.Warn("tunnel rejected", "err", err)
		if c.Response().Committed {
			return nil
		}
		return dropConnection(c)
	}
	return nil
}

// dropConnection closes the client connection without writing a response.
// Connections that cannot be hijacked get an empty 400.
func dropConnection(c echo.Context) error {
	conn, _, err := http.NewResponseController(c.Response().Writer).Hijack()
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	_ = conn.Close()
	return nil
}
