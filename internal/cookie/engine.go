package cookie

import (
	"strings"
)

// InternalPrefix marks cookies reserved for proxy bookkeeping.
const InternalPrefix = "__sf"

// IsInternal reports whether name is a proxy bookkeeping cookie.
func IsInternal(name string) bool {
	return len(name) >= len(InternalPrefix) && strings.EqualFold(name[:len(InternalPrefix)], InternalPrefix)
}

// Engine converts cookies between their upstream form and the namespaced form
// stored on the proxy's domain, for one upstream host.
type Engine struct {
	// Upstream is the hostname of the origin being proxied.
	Upstream string
	// Local is the proxy's own hostname.
	Local string
	// Strict switches domain matching from case-insensitive substring to
	// exact or dot-boundary suffix.
	Strict bool
}

// MatchDomain reports whether cookie domain d applies to the upstream host.
// A leading dot on d is ignored.
func (e Engine) MatchDomain(d string) bool {
	d = strings.ToLower(strings.TrimPrefix(d, "."))
	host := strings.ToLower(e.Upstream)
	if d == "" {
		return false
	}
	if !e.Strict {
		return strings.Contains(host, d)
	}
	return host == d || strings.HasSuffix(host, "."+d)
}

// Namespace rewrites an upstream Set-Cookie record for storage on the proxy
// domain. It returns nil when the cookie is internal or its domain does not
// apply to the upstream host. rec is not modified.
func (e Engine) Namespace(rec *Record) *Record {
	if rec == nil || IsInternal(rec.Name) {
		return nil
	}

	domain, ok := rec.Attr("domain")
	if !ok || domain == "" {
		domain = e.Upstream
	}
	domain = strings.TrimPrefix(domain, ".")
	if !e.MatchDomain(domain) {
		return nil
	}

	out := rec.Clone()
	out.Name = rec.Name + "@" + domain
	out.SetAttr("domain", e.Local)
	if _, ok := out.Attr("path"); !ok {
		out.SetAttr("path", "/")
	}
	out.SetFlag("secure")
	return out
}

// Restore turns a Cookie header of namespaced cookies back into the cookies
// the upstream host should see. Names are split on the last '@'; entries
// without one, internal entries and entries for other domains are skipped.
func (e Engine) Restore(header string) string {
	var out []Pair
	for _, p := range ParsePairs(header) {
		if IsInternal(p.Name) {
			continue
		}
		i := strings.LastIndexByte(p.Name, '@')
		if i <= 0 {
			continue
		}
		if !e.MatchDomain(p.Name[i+1:]) {
			continue
		}
		out = append(out, Pair{Name: p.Name[:i], Value: p.Value})
	}
	return JoinPairs(out)
}

// Internal extracts the proxy bookkeeping cookies from a Cookie header.
func Internal(header string) string {
	var out []Pair
	for _, p := range ParsePairs(header) {
		if IsInternal(p.Name) {
			out = append(out, p)
		}
	}
	return JoinPairs(out)
}
