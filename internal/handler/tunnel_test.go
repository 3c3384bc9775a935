package handler

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"surf-proxy-go/internal/tunnel"
)

func newTunnelServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := NewTunnelHandler(tunnel.New(testConfig(), discardLogger(), nil), discardLogger())
	e := echo.New()
	e.GET(tunnel.Path, h.Handle)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query url.Values) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + tunnel.Path + "?" + query.Encode()
}

func TestTunnelHandler_Relays(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(typ, append([]byte("echo:"), msg...))
	}))
	defer upstream.Close()

	srv := newTunnelServer(t)
	target := "ws" + strings.TrimPrefix(upstream.URL, "http")
	q := url.Values{
		tunnel.TargetParam: {base64.StdEncoding.EncodeToString([]byte(target))},
		tunnel.OriginParam: {base64.StdEncoding.EncodeToString([]byte("https://example.com"))},
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, q), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != "echo:ping" {
		t.Errorf("message = %q, want %q", msg, "echo:ping")
	}
}

func TestTunnelHandler_Rejects(t *testing.T) {
	srv := newTunnelServer(t)

	t.Run("missing origin", func(t *testing.T) {
		q := url.Values{tunnel.TargetParam: {base64.StdEncoding.EncodeToString([]byte("wss://example.com"))}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, q), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatal("Dial() succeeded, want the connection dropped")
		}
		if resp != nil {
			t.Errorf("got HTTP response %d, want the connection closed without one", resp.StatusCode)
		}
	})

	t.Run("not an upgrade", func(t *testing.T) {
		resp, err := http.Get(srv.URL + tunnel.Path)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("GET succeeded with %d, want the connection dropped", resp.StatusCode)
		}
	})
}
