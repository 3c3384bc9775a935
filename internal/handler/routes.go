package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"surf-proxy-go/internal/config"
	"surf-proxy-go/internal/metrics"
	"surf-proxy-go/internal/rewrite"
	"surf-proxy-go/internal/tunnel"
)

// Handlers groups the route handlers for injection.
type Handlers struct {
	fx.In

	Proxy     *ProxyHandler
	Tunnel    *TunnelHandler
	Bootstrap *BootstrapHandler
	Health    *HealthHandler
}

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// without its own route is proxied.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, h Handlers) {
	e.GET(config.ReservedPrefix+"healthz", h.Health.Healthz)
	e.GET(config.ReservedPrefix+"status", h.Health.Status)
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.GET(rewrite.MainBundlePath, h.Bootstrap.Main)
	e.GET(rewrite.WorkerBundlePath, h.Bootstrap.Worker)
	e.GET(tunnel.Path, h.Tunnel.Handle)

	e.Any("/*", h.Proxy.Handle)
}
