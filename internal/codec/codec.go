// Package codec implements the origin-embedding URL scheme shared by the
// HTTP pipeline, the tunnel, the rewriters and the browser runtime.
//
// A proxied URL lives on the proxy's own origin and carries the upstream
// origin as base64 in the OriginParam query parameter. Parameters prefixed
// with InternalPrefix carry out-of-band signaling and never reach upstream.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// Wire contract shared with the browser runtime.
const (
	OriginParam    = "__sf_url"
	RegisterParam  = "__sf_register"
	InternalPrefix = "sf:"

	// Deferred is the marker value meaning "resolve the origin at request
	// time". It is never a base64 payload.
	Deferred = "1"

	// LocationAlias is the identifier every bare "location" in rewritten
	// text is renamed to.
	LocationAlias = "__sfLocation"
)

// ErrBadOrigin is returned when a marker value is not a base64 origin.
var ErrBadOrigin = errors.New("codec: marker is not a base64 encoded origin")

// Codec rewrites URLs found on one proxied page.
type Codec struct {
	origin *url.URL // the proxy's own origin
	base   *url.URL // real URL of the page being rewritten
	logger *slog.Logger
}

// New creates a Codec. base may be nil when every input is absolute.
func New(proxyOrigin, base *url.URL, logger *slog.Logger) *Codec {
	return &Codec{
		origin: proxyOrigin,
		base:   base,
		logger: logger.With("component", "codec"),
	}
}

// Encode rewrites raw so that it points at the proxy and carries the origin
// of the resolved URL. Extra params are appended with InternalPrefix.
//
// URLs that are not http(s), blobs, already carry a marker, or cannot be
// given an origin are returned unchanged.
func (c *Codec) Encode(raw string, params map[string]string) string {
	cls := Classify(raw)
	if !cls.Correct || cls.Blob || cls.Patched || cls.Sentinel {
		return raw
	}

	fixed, repaired := Repair(raw)
	if repaired {
		c.logger.Info("repaired malformed url", "url", raw)
	}

	u, err := url.Parse(fixed)
	if err != nil {
		c.logger.Error("encode: unparsable url", "url", raw, "err", err)
		return raw
	}
	if c.base != nil {
		u = c.base.ResolveReference(u)
	}
	if u.Scheme == "" || u.Host == "" {
		c.logger.Error("encode: no origin for url", "url", raw, "base", c.baseString())
		return raw
	}

	if SameOrigin(u, c.origin) {
		return keepEmptyFragment(u.String(), fixed)
	}

	out := *u
	out.Scheme = c.origin.Scheme
	out.Host = c.origin.Host
	out.User = nil
	if out.Path == "" && out.RawPath == "" {
		out.Path = "/"
	}
	out.RawQuery = appendParam(out.RawQuery, OriginParam, EncodeOrigin(Origin(u)))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.RawQuery = appendParam(out.RawQuery, InternalPrefix+k, params[k])
	}

	return keepEmptyFragment(out.String(), fixed)
}

// Decode is the logging counterpart of the package level Decode.
func (c *Codec) Decode(raw string) string {
	out, err := Decode(raw)
	if err != nil {
		c.logger.Error("decode: wrong origin supplied", "url", raw, "err", err)
	}
	return out
}

func (c *Codec) baseString() string {
	if c.base == nil {
		return "-"
	}
	return c.base.String()
}

// Decode recovers the real URL from a proxied one. It strips the marker and
// every internal parameter. Inputs without a marker, or with the Deferred
// sentinel, are returned unchanged. On an undecodable marker raw is returned
// together with an error wrapping ErrBadOrigin.
func Decode(raw string) (string, error) {
	fixed, _ := Repair(raw)
	u, err := url.Parse(fixed)
	if err != nil {
		return raw, nil
	}

	v, ok := markerValue(u)
	if !ok || v == Deferred {
		return raw, nil
	}

	origin, err := DecodeOrigin(v)
	if err != nil {
		return raw, err
	}
	o, _ := url.Parse(origin) // validated by DecodeOrigin

	out := *u
	out.Scheme = o.Scheme
	out.Host = o.Host
	out.User = nil
	out.RawQuery = StripInternal(u.RawQuery)

	s := strings.ReplaceAll(out.String(), LocationAlias, "location")
	return strings.TrimSpace(keepEmptyFragment(s, fixed)), nil
}

// EncodeOrigin returns the marker value for origin.
func EncodeOrigin(origin string) string {
	return base64.RawStdEncoding.EncodeToString([]byte(origin))
}

// DecodeOrigin turns a marker value back into a scheme://host[:port] origin.
func DecodeOrigin(v string) (string, error) {
	if v == "" || v == Deferred {
		return "", fmt.Errorf("%w: %q", ErrBadOrigin, v)
	}
	b, err := DecodeBase64(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadOrigin, err)
	}

	origin := strings.ReplaceAll(string(b), LocationAlias, "location")
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || !isHTTPScheme(u.Scheme) {
		return "", fmt.Errorf("%w: %q", ErrBadOrigin, origin)
	}
	return Origin(u), nil
}

// DecodeBase64 accepts padded or unpadded, standard or URL-safe base64.
// A '+' turned into a space by form decoding is restored.
func DecodeBase64(v string) ([]byte, error) {
	v = strings.TrimRight(strings.ReplaceAll(v, " ", "+"), "=")
	if b, err := base64.RawStdEncoding.DecodeString(v); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(v)
}

// Origin returns the lower-cased scheme://host[:port] of u with default
// ports removed.
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	}
	return scheme + "://" + host
}

// SameOrigin reports whether a and b share an origin.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return Origin(a) == Origin(b)
}

// StripInternal removes the marker and every InternalPrefix parameter from a
// raw query, leaving the other pairs byte for byte.
func StripInternal(rawQuery string) string {
	return filterQuery(rawQuery, func(key string) bool {
		return key == OriginParam || hasPrefixFold(key, InternalPrefix)
	})
}

// RemoveParams removes the named parameters from a raw query.
func RemoveParams(rawQuery string, names ...string) string {
	return filterQuery(rawQuery, func(key string) bool {
		for _, n := range names {
			if key == n {
				return true
			}
		}
		return false
	})
}

func filterQuery(rawQuery string, drop func(key string) bool) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		k, _, _ := strings.Cut(p, "=")
		if key, err := url.QueryUnescape(k); err == nil && drop(key) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}

func appendParam(rawQuery, key, value string) string {
	pair := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	if rawQuery == "" {
		return pair
	}
	return rawQuery + "&" + pair
}

// keepEmptyFragment re-adds a bare trailing '#' that net/url drops.
func keepEmptyFragment(out, in string) string {
	if strings.HasSuffix(in, "#") && !strings.HasSuffix(out, "#") && !strings.Contains(out, "#") {
		return out + "#"
	}
	return out
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func isHTTPScheme(s string) bool {
	return strings.EqualFold(s, "http") || strings.EqualFold(s, "https")
}
