package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"surf-proxy-go/internal/bundle"
	"surf-proxy-go/internal/codec"
	"surf-proxy-go/internal/model"
	"surf-proxy-go/internal/rewrite"
	"surf-proxy-go/internal/service"
)

// Messages sent to the browser. Upstream failure detail stays in the log.
const (
	noTargetMessage    = `No origin provided in the "` + codec.OriginParam + `" search parameter.`
	upstreamErrMessage = "An error happened, check console."
)

// ProxyHandler serves every path not owned by the proxy by fetching it from
// the upstream site named in the request.
type ProxyHandler struct {
	service *service.ProxyService
	bundles *bundle.Bundles
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, b *bundle.Bundles, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		bundles: b,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the rewritten response
// back. Requests flagged for registration get the worker install page.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	// Sockets are only tunneled on the reserved path.
	if websocket.IsWebSocketUpgrade(req) {
		return dropConnection(c)
	}

	proxyURL := requestURL(c)
	if proxyURL.Query().Get(codec.RegisterParam) == codec.Deferred {
		return h.register(c)
	}

	// BodyLimit bounds the read; its error is already an *echo.HTTPError.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		URL:    proxyURL,
		Header: req.Header,
		Body:   body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy leaves the browser with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) register(c echo.Context) error {
	page, err := h.bundles.RegisterPage(rewrite.WorkerBundlePath)
	if err != nil {
		h.logger.Error("render register page", "err", err)
		return c.String(http.StatusInternalServerError, upstreamErrMessage)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.HTMLBlob(http.StatusOK, page)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrNoTarget) || errors.Is(err, service.ErrBadTarget) {
		h.logger.Debug("no target", "err", err, "path", c.Request().URL.Path)
		return c.String(http.StatusBadRequest, noTargetMessage)
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return c.String(http.StatusInternalServerError, upstreamErrMessage)
}

// requestURL rebuilds the absolute URL the browser requested.
func requestURL(c echo.Context) *url.URL {
	req := c.Request()
	return &url.URL{
		Scheme:   c.Scheme(),
		Host:     req.Host,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	}
}
