package codec

import (
	"net/url"
	"regexp"
	"strings"
)

// Class is the computed classification of a URL. The browser runtime applies
// the same rules, so nothing here may depend on request state.
type Class struct {
	// Correct is set for http, https and scheme-less URLs.
	Correct bool
	// Blob URLs are never rewritten.
	Blob bool
	// Patched URLs carry a marker with a real payload.
	Patched bool
	// Sentinel URLs carry the Deferred marker.
	Sentinel bool
}

var (
	schemePrefix = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.\-]*):`)
	extraSlashes = regexp.MustCompile(`(?i)^([a-z]+:)/{3,}`)
)

// Classify computes the Class of raw.
func Classify(raw string) Class {
	var cls Class
	cls.Blob = hasPrefixFold(raw, "blob:")

	fixed, _ := Repair(raw)
	u, err := url.Parse(fixed)
	if err != nil {
		return cls
	}
	cls.Correct = u.Scheme == "" || isHTTPScheme(u.Scheme)
	if !cls.Correct {
		return cls
	}

	if v, ok := markerValue(u); ok {
		cls.Sentinel = v == Deferred
		cls.Patched = !cls.Sentinel
	}
	return cls
}

// Repair normalizes the two malformations browsers tolerate but net/url does
// not: runs of three or more slashes after the scheme, and a '%' that is not
// followed by two hex digits (fixed with an encodeURI pass). Only http(s) and
// scheme-less URLs are touched. The boolean reports whether raw changed.
func Repair(raw string) (string, bool) {
	if m := schemePrefix.FindStringSubmatch(raw); m != nil && !isHTTPScheme(m[1]) {
		return raw, false
	}
	out := extraSlashes.ReplaceAllString(raw, "$1//")
	if hasBadPercent(out) {
		out = encodeURI(out)
	}
	return out, out != raw
}

func markerValue(u *url.URL) (string, bool) {
	q, _ := url.ParseQuery(u.RawQuery) // keeps every well-formed pair
	vals, ok := q[OriginParam]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

func hasBadPercent(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			continue
		}
		if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
			return true
		}
	}
	return false
}

// uriReserved lists the bytes encodeURI leaves untouched besides letters and
// digits.
const uriReserved = ";,/?:@&=+$-_.!~*'()#"

func encodeURI(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) || strings.IndexByte(uriReserved, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func isAlnum(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}
