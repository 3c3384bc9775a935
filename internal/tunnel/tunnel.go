// Package tunnel relays WebSocket connections between the browser and the
// real upstream socket.
package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"surf-proxy-go/internal/codec"
	"surf-proxy-go/internal/config"
	"surf-proxy-go/internal/cookie"
	"surf-proxy-go/internal/metrics"
)

// Path is the only path accepted for WebSocket upgrades.
const Path = "/__sfw__"

// Handshake query parameters: base64 target URL and base64 owning origin.
const (
	TargetParam = "u"
	OriginParam = "o"
)

const writeWait = 10 * time.Second

// ErrHandshake is returned when the upgrade request does not name a usable
// target and origin.
var ErrHandshake = errors.New("tunnel: handshake rejected")

// Handshake is what the browser asked to be connected to.
type Handshake struct {
	// Target is the real ws:// or wss:// URL.
	Target *url.URL
	// Origin is the real origin of the page that opened the socket.
	Origin string
	// Protocols are the subprotocols the browser offered.
	Protocols []string
	// Deflate reports whether the browser offered permessage-deflate.
	Deflate bool
}

// ParseHandshake decodes the tunnel parameters of an upgrade request.
func ParseHandshake(r *http.Request) (*Handshake, error) {
	q := r.URL.Query()
	rawTarget, rawOrigin := q.Get(TargetParam), q.Get(OriginParam)
	if rawTarget == "" || rawOrigin == "" {
		return nil, fmt.Errorf("%w: missing %q or %q", ErrHandshake, TargetParam, OriginParam)
	}

	b, err := codec.DecodeBase64(rawTarget)
	if err != nil {
		return nil, fmt.Errorf("%w: target: %v", ErrHandshake, err)
	}
	target, err := url.Parse(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("%w: target: %v", ErrHandshake, err)
	}
	switch strings.ToLower(target.Scheme) {
	case "ws", "wss":
	case "http":
		target.Scheme = "ws"
	case "https":
		target.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported target scheme %q", ErrHandshake, target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: target has no host", ErrHandshake)
	}

	b, err = codec.DecodeBase64(rawOrigin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %v", ErrHandshake, err)
	}

	return &Handshake{
		Target:    target,
		Origin:    strings.TrimSpace(string(b)),
		Protocols: websocket.Subprotocols(r),
		Deflate:   offersDeflate(r.Header),
	}, nil
}

func offersDeflate(h http.Header) bool {
	for _, v := range h.Values("Sec-Websocket-Extensions") {
		for _, ext := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(ext, ";")
			if strings.EqualFold(strings.TrimSpace(name), "permessage-deflate") {
				return true
			}
		}
	}
	return false
}

// NormalizeCloseCode maps the codes between 1000 and 2000 (exclusive) to
// 1000. They are reserved or cannot be sent on the wire. Other codes are
// returned unchanged.
func NormalizeCloseCode(code int) int {
	if code > websocket.CloseNormalClosure && code < 2000 {
		return websocket.CloseNormalClosure
	}
	return code
}

// Tunnel pairs browser sockets with upstream sockets.
type Tunnel struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	strict  bool
	active  atomic.Int64
}

// New creates a Tunnel. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Tunnel {
	return &Tunnel{
		logger:  logger.With("component", "tunnel"),
		metrics: m,
		strict:  cfg.Cookies.StrictDomainMatch,
	}
}

// Active returns the number of open tunnels.
func (t *Tunnel) Active() int64 {
	return t.active.Load()
}

// Serve dials the upstream socket and, once it is open, accepts the browser
// socket and relays frames both ways until either side goes away. On error
// before the browser socket is accepted nothing has been written to w.
func (t *Tunnel) Serve(w http.ResponseWriter, r *http.Request) error {
	hs, err := ParseHandshake(r)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  15 * time.Second,
		EnableCompression: hs.Deflate,
		Subprotocols:      hs.Protocols,
	}

	up, resp, err := dialer.DialContext(r.Context(), hs.Target.String(), t.upstreamHeader(r, hs))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("tunnel: dial %s: %w", hs.Target.Redacted(), err)
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: hs.Deflate,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	if p := up.Subprotocol(); p != "" {
		upgrader.Subprotocols = []string{p}
	}

	down, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = up.Close()
		return fmt.Errorf("tunnel: accept: %w", err)
	}

	t.logger.Debug("tunnel open", "target", hs.Target.Redacted(), "origin", hs.Origin)
	t.active.Add(1)
	if t.metrics != nil {
		t.metrics.TunnelsActive.Inc()
	}
	defer func() {
		t.active.Add(-1)
		if t.metrics != nil {
			t.metrics.TunnelsActive.Dec()
		}
	}()

	t.relay(down, up)
	t.logger.Debug("tunnel closed", "target", hs.Target.Redacted())
	return nil
}

// upstreamHeader carries the restored cookies, the browser's user agent and
// the page's real origin.
func (t *Tunnel) upstreamHeader(r *http.Request, hs *Handshake) http.Header {
	h := http.Header{}
	h.Set("Origin", hs.Origin)
	if ua := r.UserAgent(); ua != "" {
		h.Set("User-Agent", ua)
	}

	local := r.Host
	if host, _, err := net.SplitHostPort(local); err == nil {
		local = host
	}
	engine := cookie.Engine{Upstream: hs.Target.Hostname(), Local: local, Strict: t.strict}
	if c := engine.Restore(r.Header.Get("Cookie")); c != "" {
		h.Set("Cookie", c)
	}
	return h
}

// relay runs both pumps and closes both sockets once either one stops.
func (t *Tunnel) relay(down, up *websocket.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		t.pump(down, up, "upstream", NormalizeCloseCode)
		done <- struct{}{}
	}()
	go func() {
		t.pump(up, down, "downstream", nil)
		done <- struct{}{}
	}()

	<-done
	_ = down.Close()
	_ = up.Close()
	<-done
}

// pump copies frames from src to dst one at a time. A close received on src
// is forwarded to dst with its code passed through normalize.
func (t *Tunnel) pump(src, dst *websocket.Conn, direction string, normalize func(int) int) {
	for {
		typ, msg, err := src.ReadMessage()
		if err != nil {
			t.forwardClose(dst, err, normalize)
			return
		}
		if err := dst.WriteMessage(typ, msg); err != nil {
			t.logger.Debug("tunnel write failed", "direction", direction, "err", err)
			return
		}
		if t.metrics != nil {
			t.metrics.TunnelMessages.WithLabelValues(direction).Inc()
		}
	}
}

func (t *Tunnel) forwardClose(dst *websocket.Conn, err error, normalize func(int) int) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return
	}

	code := ce.Code
	if normalize != nil {
		code = normalize(code)
	}
	if code == websocket.CloseAbnormalClosure || code == websocket.CloseTLSHandshake {
		// Not sendable; dropping the connection reports the same code.
		return
	}

	msg := websocket.FormatCloseMessage(code, ce.Text)
	if werr := dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil {
		t.logger.Debug("forward close failed", "code", code, "err", werr)
	}
}
