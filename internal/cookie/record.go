// Package cookie implements the cookie isolation scheme that lets cookies from
// many upstream origins live side by side on the proxy's own domain.
//
// A stored cookie is renamed "name@upstreamDomain" and re-scoped to the proxy
// host. Restoring reverses the rename for cookies whose domain matches the
// upstream host being contacted.
package cookie

import (
	"errors"
	"strings"
)

// Parse errors. A cookie that fails to parse is dropped on its own; other
// cookies in the same header are still processed.
var (
	ErrEmptyCookie = errors.New("cookie: empty cookie string")
	ErrNoName      = errors.New("cookie: missing cookie name")
)

// Attribute is one Set-Cookie attribute. Keys are lower-cased. Flag
// attributes (secure, httponly, partitioned) carry no value.
type Attribute struct {
	Key   string
	Value string
	Flag  bool
}

// Record is a parsed Set-Cookie line. Attribute order is kept so that a
// parse/serialize round trip reproduces the input layout.
type Record struct {
	Name       string
	Value      string
	Attributes []Attribute
}

// ParseSetCookie parses a single Set-Cookie header value of the form
// "k=v; attr=val; flag".
func ParseSetCookie(s string) (*Record, error) {
	if strings.TrimSpace(s) == "" {
		return nil, ErrEmptyCookie
	}

	parts := strings.Split(s, ";")
	name, value, _ := strings.Cut(parts[0], "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNoName
	}

	rec := &Record{Name: name, Value: strings.TrimSpace(value)}
	for _, p := range parts[1:] {
		k, v, hasValue := strings.Cut(p, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if hasValue {
			rec.SetAttr(k, strings.TrimSpace(v))
		} else {
			rec.SetFlag(k)
		}
	}
	return rec, nil
}

// String serializes the record back to Set-Cookie form, name=value first.
func (r *Record) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	b.WriteByte('=')
	b.WriteString(r.Value)
	for _, a := range r.Attributes {
		b.WriteString("; ")
		b.WriteString(a.Key)
		if !a.Flag {
			b.WriteByte('=')
			b.WriteString(a.Value)
		}
	}
	return b.String()
}

// Pair renders the record as a single Cookie header entry.
func (r *Record) Pair() string {
	return r.Name + "=" + r.Value
}

// Attr returns the value of attribute key and whether it is present.
func (r *Record) Attr(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, a := range r.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets a valued attribute, replacing it in place if present.
func (r *Record) SetAttr(key, value string) {
	key = strings.ToLower(key)
	for i := range r.Attributes {
		if r.Attributes[i].Key == key {
			r.Attributes[i].Value = value
			r.Attributes[i].Flag = false
			return
		}
	}
	r.Attributes = append(r.Attributes, Attribute{Key: key, Value: value})
}

// SetFlag sets a value-less attribute such as secure.
func (r *Record) SetFlag(key string) {
	key = strings.ToLower(key)
	for i := range r.Attributes {
		if r.Attributes[i].Key == key {
			r.Attributes[i].Value = ""
			r.Attributes[i].Flag = true
			return
		}
	}
	r.Attributes = append(r.Attributes, Attribute{Key: key, Flag: true})
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = append([]Attribute(nil), r.Attributes...)
	return &c
}

// Pair is one entry of a Cookie request header.
type Pair struct {
	Name  string
	Value string
}

// ParsePairs splits a Cookie header ("k=v; k=v") into pairs. Entries without
// '=' are skipped.
func ParsePairs(header string) []Pair {
	var out []Pair
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, Pair{Name: name, Value: strings.TrimSpace(value)})
	}
	return out
}

// JoinPairs renders pairs as a Cookie header value.
func JoinPairs(pairs []Pair) string {
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.Name + "=" + p.Value
	}
	return strings.Join(parts, "; ")
}

// Merge combines Cookie header values. Duplicate names resolve last write
// wins, keeping the position of the first occurrence. Internal cookies are
// dropped.
func Merge(headers ...string) string {
	var order []string
	values := make(map[string]string)
	for _, h := range headers {
		for _, p := range ParsePairs(h) {
			if IsInternal(p.Name) {
				continue
			}
			if _, seen := values[p.Name]; !seen {
				order = append(order, p.Name)
			}
			values[p.Name] = p.Value
		}
	}

	pairs := make([]Pair, len(order))
	for i, name := range order {
		pairs[i] = Pair{Name: name, Value: values[name]}
	}
	return JoinPairs(pairs)
}
