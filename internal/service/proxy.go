// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"surf-proxy-go/internal/client"
	"surf-proxy-go/internal/codec"
	"surf-proxy-go/internal/config"
	"surf-proxy-go/internal/cookie"
	"surf-proxy-go/internal/metrics"
	"surf-proxy-go/internal/model"
	"surf-proxy-go/internal/rewrite"
)

var (
	// ErrNoTarget is returned when the request carries no origin marker.
	ErrNoTarget = errors.New(`no origin provided in the "` + codec.OriginParam + `" search parameter`)
	// ErrBadTarget is returned when the origin marker cannot be decoded.
	ErrBadTarget = errors.New(`bad origin in the "` + codec.OriginParam + `" search parameter`)
)

// CookieHeader carries the browser document's own cookie string.
const CookieHeader = "X-Sf-Cookie"

// workerFlag is the internal parameter asking for a script to be wrapped as
// a worker.
const workerFlag = codec.InternalPrefix + "parser:sw"

// droppedRequestHeaders are recomputed or meaningless upstream.
var droppedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Cookie",
	CookieHeader,
}

// droppedResponseHeaders would either leak the real origin or break the
// rewritten payload.
var droppedResponseHeaders = map[string]bool{
	"X-Frame-Options":                     true,
	"Content-Security-Policy":             true,
	"Content-Security-Policy-Report-Only": true,
	"Cross-Origin-Resource-Policy":        true,
	"Cross-Origin-Embedder-Policy":        true,
	"Cross-Origin-Opener-Policy":          true,
	"Permissions-Policy":                  true,
	"X-Xss-Protection":                    true,
	"Report-To":                           true,
	"Content-Encoding":                    true,
	"Content-Length":                      true,
	"Cookie":                              true,
	"Transfer-Encoding":                   true,
	"Set-Cookie":                          true, // re-added in namespaced form
}

// streamedMediaPrefixes are passed through without being buffered.
var streamedMediaPrefixes = []string{"image/", "audio/", "video/", "font/"}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	jar     *cookie.Jar
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, jar *cookie.Jar, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		jar:     jar,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Forward resolves the real URL behind pr, fetches it and returns the
// response as the browser must see it. The caller is responsible for closing
// the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := ResolveTarget(pr.URL)
	if err != nil {
		return nil, err
	}

	header := s.buildRequestHeaders(pr, target)

	body := pr.Body
	if len(body) > 0 && utf8.Valid(body) {
		body = []byte(rewrite.UnaliasLocation(string(body)))
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", target.String(),
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, target.String(), header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	upstreamHeader := resp.Header
	resp.Header = s.filterResponseHeaders(upstreamHeader, pr.URL, target)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 && upstreamHeader.Get("Location") != "" {
		_ = resp.Body.Close()
		resp.Body = http.NoBody
		if loc, ok := s.rewriteRedirect(upstreamHeader.Get("Location"), pr.URL, target); ok {
			resp.Header.Set("Location", loc)
		}
		return resp, nil
	}

	return s.rewriteBody(pr, target, resp)
}

// ResolveTarget rebuilds the upstream URL from a proxy URL: the decoded
// origin plus the proxy path and query, minus every proxy parameter.
func ResolveTarget(proxyURL *url.URL) (*url.URL, error) {
	v := proxyURL.Query().Get(codec.OriginParam)
	if v == "" {
		return nil, ErrNoTarget
	}
	origin, err := codec.DecodeOrigin(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadTarget, err)
	}
	o, _ := url.Parse(origin) // validated by DecodeOrigin

	target := &url.URL{
		Scheme:   o.Scheme,
		Host:     o.Host,
		Path:     rewrite.UnaliasLocation(proxyURL.Path),
		RawPath:  rewrite.UnaliasLocation(proxyURL.RawPath),
		RawQuery: codec.RemoveParams(codec.StripInternal(proxyURL.RawQuery), codec.RegisterParam),
	}
	if target.Path == "" {
		target.Path = "/"
	}
	return target, nil
}

func (s *ProxyService) engine(target, proxyURL *url.URL) cookie.Engine {
	return cookie.Engine{
		Upstream: target.Hostname(),
		Local:    proxyURL.Hostname(),
		Strict:   s.cfg.Cookies.StrictDomainMatch,
	}
}

// buildRequestHeaders copies the browser headers and makes them look as if
// the browser had talked to target directly.
func (s *ProxyService) buildRequestHeaders(pr *model.ProxyRequest, target *url.URL) http.Header {
	dst := pr.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, key := range droppedRequestHeaders {
		dst.Del(key)
	}

	if dst.Get("Origin") != "" {
		dst.Set("Origin", codec.Origin(target))
	}

	if ref := dst.Get("Referer"); ref != "" {
		rewritten, err := RewriteReferer(ref, target)
		if err != nil {
			s.logger.Warn("dropping unparsable referer", "referer", ref, "err", err)
			dst.Del("Referer")
		} else {
			dst.Set("Referer", rewritten)
		}
	}

	stored := s.engine(target, pr.URL).Restore(s.jar.Header(pr.URL))
	if merged := cookie.Merge(stored, pr.Header.Get(CookieHeader)); merged != "" {
		dst.Set("Cookie", merged)
	}

	return dst
}

// RewriteReferer turns a proxy referer back into the page's real URL. A
// referer without a usable marker is taken to be on target's origin.
func RewriteReferer(raw string, target *url.URL) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !ref.IsAbs() || ref.Host == "" {
		return "", fmt.Errorf("referer is not absolute: %q", raw)
	}

	origin := codec.Origin(target)
	if v := ref.Query().Get(codec.OriginParam); v != "" && v != codec.Deferred {
		if origin, err = codec.DecodeOrigin(v); err != nil {
			return "", err
		}
	}
	o, _ := url.Parse(origin)

	out := *ref
	out.Scheme = o.Scheme
	out.Host = o.Host
	out.User = nil
	out.RawQuery = codec.RemoveParams(codec.StripInternal(ref.RawQuery), codec.RegisterParam)
	return out.String(), nil
}

// filterResponseHeaders drops the headers the browser must not see and
// re-emits every Set-Cookie in namespaced form, persisting it in the jar.
func (s *ProxyService) filterResponseHeaders(src http.Header, proxyURL, target *url.URL) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if droppedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}

	engine := s.engine(target, proxyURL)
	for _, raw := range src.Values("Set-Cookie") {
		rec, err := cookie.ParseSetCookie(raw)
		if err != nil {
			s.logger.Debug("dropping malformed set-cookie", "target", target.Host, "err", err)
			continue
		}
		ns := engine.Namespace(rec)
		if ns == nil {
			s.logger.Debug("dropping set-cookie for foreign domain", "target", target.Host, "cookie", rec.Name)
			continue
		}
		s.jar.Store(proxyURL, ns)
		dst.Add("Set-Cookie", ns.String())
	}

	return dst
}

// rewriteRedirect points a Location header back at the proxy.
func (s *ProxyService) rewriteRedirect(location string, proxyURL, target *url.URL) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		s.logger.Warn("unparsable redirect location", "location", location, "err", err)
		return "", false
	}
	next := target.ResolveReference(ref)

	c := codec.New(proxyOrigin(proxyURL), target, s.logger)
	encoded, err := url.Parse(c.Encode(next.String(), nil))
	if err != nil {
		return next.String(), true
	}
	encoded.RawQuery = codec.RemoveParams(encoded.RawQuery, codec.RegisterParam)
	return encoded.String(), true
}

// rewriteBody dispatches on the declared content type.
func (s *ProxyService) rewriteBody(pr *model.ProxyRequest, target *url.URL, resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	if !hasBody(pr.Method, resp.StatusCode) {
		return resp, nil
	}

	mediaType := contentType(resp.Header)
	for _, prefix := range streamedMediaPrefixes {
		if strings.HasPrefix(mediaType, prefix) && !strings.HasSuffix(mediaType, "+xml") {
			return resp, nil
		}
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	var content string
	switch {
	case strings.HasPrefix(mediaType, "text/html"):
		content = string(raw)
		if rewrite.LooksLikeDocument(content) {
			content = s.record("html", target, func() (string, error) {
				return rewrite.HTML(content, rewrite.Page{ProxyURL: pr.URL, Target: target}, s.logger)
			})
		}
		content = rewrite.AliasLocation(content)

	case isJavaScript(mediaType):
		content = s.record("javascript", target, func() (string, error) {
			return rewrite.JavaScript(string(raw), target.String())
		})
		content = rewrite.AliasLocation(content)
		if pr.URL.Query().Get(workerFlag) == "1" {
			content = rewrite.WrapWorker(content, workerBootstrapURL(pr.URL))
		}

	case utf8.Valid(raw):
		content = rewrite.AliasLocation(string(raw))
		s.count("text", "ok")

	default:
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		return resp, nil
	}

	resp.Body = io.NopCloser(strings.NewReader(content))
	return resp, nil
}

// record runs one rewrite. Failures are logged and the best-effort output
// is kept.
func (s *ProxyService) record(kind string, target *url.URL, fn func() (string, error)) string {
	out, err := fn()
	if err != nil {
		s.logger.Error("rewrite failed", "kind", kind, "target", target.String(), "err", err)
		s.count(kind, "error")
		return out
	}
	s.count(kind, "ok")
	return out
}

func (s *ProxyService) count(kind, result string) {
	if s.metrics != nil {
		s.metrics.RewritesTotal.WithLabelValues(kind, result).Inc()
	}
}

func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

func contentType(h http.Header) string {
	v := h.Get("Content-Type")
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		mt, _, _ = strings.Cut(v, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

func isJavaScript(mediaType string) bool {
	switch mediaType {
	case "application/javascript", "text/javascript", "application/x-javascript", "text/x-javascript":
		return true
	}
	return false
}

func proxyOrigin(proxyURL *url.URL) *url.URL {
	return &url.URL{Scheme: proxyURL.Scheme, Host: proxyURL.Host}
}

// workerBootstrapURL is the worker bundle imported by wrapped worker scripts.
func workerBootstrapURL(proxyURL *url.URL) string {
	return proxyURL.Scheme + "://" + proxyURL.Host + rewrite.WorkerBundlePath + "?dummy=" + uuid.NewString()
}
