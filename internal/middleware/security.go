package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// ServerName is the product token sent in the Server header.
const ServerName = "surf-proxy"

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHeaders returns an echo middleware that strips hop-by-hop headers
// from the incoming request and stamps the Server header on the response.
// WebSocket upgrades keep Connection and Upgrade so the tunnel can accept
// them.
func ProxyHeaders(version string) echo.MiddlewareFunc {
	server := ServerName + "/" + version
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isUpgrade(req.Header.Get("Connection"), req.Header.Get("Upgrade")) {
				for _, h := range hopByHopHeaders {
					req.Header.Del(h)
				}
			}

			c.Response().Header().Set(echo.HeaderServer, server)
			return next(c)
		}
	}
}

func isUpgrade(connection, upgrade string) bool {
	if !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		return false
	}
	for _, token := range strings.Split(connection, ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
