package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"surf-proxy-go/internal/bundle"
)

const javaScriptType = "application/javascript"

// BootstrapHandler serves the client bundles from the proxy origin.
type BootstrapHandler struct {
	bundles *bundle.Bundles
}

// NewBootstrapHandler creates a BootstrapHandler.
func NewBootstrapHandler(b *bundle.Bundles) *BootstrapHandler {
	return &BootstrapHandler{bundles: b}
}

// Main serves the main client bundle.
func (h *BootstrapHandler) Main(c echo.Context) error {
	return c.Blob(http.StatusOK, javaScriptType, h.bundles.Main)
}

// Worker serves the worker bundle.
func (h *BootstrapHandler) Worker(c echo.Context) error {
	return c.Blob(http.StatusOK, javaScriptType, h.bundles.Worker)
}
