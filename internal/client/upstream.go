// Package client provides the HTTP client used to reach proxied origins.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"surf-proxy-go/internal/config"
	"surf-proxy-go/internal/metrics"
	"surf-proxy-go/internal/model"
)

// ErrUpstreamTimeout is returned when the upstream did not answer in time,
// after any configured retries.
var ErrUpstreamTimeout = errors.New("upstream timed out")

// AcceptEncoding lists the content codings the client can decode. Upstreams
// are only offered these because Content-Encoding never reaches the browser.
const AcceptEncoding = "gzip, deflate, zstd"

// UpstreamClient sends requests to proxied origins. Redirects are returned
// to the caller instead of being followed.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	retries    int
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		retries: cfg.Upstream.TimeoutRetries,
	}
}

// Do sends one request upstream and returns the response with its body
// already decoded. body is ignored for GET and HEAD. Timeouts of GET, HEAD
// and OPTIONS requests are retried with exponential backoff when retries are
// configured; every other failure is returned immediately.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	if method == http.MethodGet || method == http.MethodHead {
		body = nil
	}

	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		resp, err := c.send(ctx, method, rawURL, header, body)
		if err == nil {
			return resp, nil
		}
		if !isTimeout(err) {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("upstream timeout", "method", method, "url", rawURL, "attempt", attempt)
		if !retryable(method) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.retries+1)),
	)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	decoded, err := decodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("upstream body: %w", err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       decoded,
	}, nil
}

func (c *UpstreamClient) send(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build upstream request: %w", err))
	}
	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Accept-Encoding", AcceptEncoding)

	c.logger.Debug("upstream request",
		"method", method,
		"url", rawURL,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	label := metrics.NormalizeMethod(method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(label).Observe(duration)
	}
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func retryable(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// decodeBody unwraps the content coding of resp and removes the headers
// describing it. Unknown codings are passed through untouched.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	coding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var (
		r   io.ReadCloser
		err error
	)
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return resp.Body, nil
	}

	switch coding {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(resp.Body)
	case "deflate":
		r, err = zlib.NewReader(resp.Body)
	case "zstd":
		var d *zstd.Decoder
		d, err = zstd.NewReader(resp.Body)
		if err == nil {
			r = d.IOReadCloser()
		}
	default:
		return resp.Body, nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	if errors.Is(err, io.EOF) {
		// Empty body with a coding header, e.g. on 204 or 304.
		_ = resp.Body.Close()
		return http.NoBody, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", coding, err)
	}
	return &decodedBody{Reader: r, decoder: r, raw: resp.Body}, nil
}

type decodedBody struct {
	io.Reader
	decoder io.Closer
	raw     io.Closer
}

func (b *decodedBody) Close() error {
	return errors.Join(b.decoder.Close(), b.raw.Close())
}
