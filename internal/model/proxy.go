// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is a browser request received on the proxy origin.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// URL is the full proxy URL the browser asked for, scheme and host
	// included.
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// ProxyResponse is a response on its way back to the browser, or the raw
// upstream response it is built from.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
