package cookie

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Jar persists namespaced cookies for the lifetime of the process. Entries
// are keyed by the proxy URL they were set on, so expiry, domain and path
// rules are the jar's own.
type Jar struct {
	jar *cookiejar.Jar
}

// NewJar creates an empty jar backed by the public suffix list.
func NewJar() (*Jar, error) {
	j, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie: create jar: %w", err)
	}
	return &Jar{jar: j}, nil
}

// Store saves a namespaced record under proxyURL.
func (j *Jar) Store(proxyURL *url.URL, rec *Record) {
	j.jar.SetCookies(proxyURL, []*http.Cookie{toHTTP(rec)})
}

// Header returns the Cookie header value of every cookie the jar holds for
// proxyURL.
func (j *Jar) Header(proxyURL *url.URL) string {
	cookies := j.jar.Cookies(proxyURL)
	pairs := make([]Pair, len(cookies))
	for i, c := range cookies {
		// http.Cookie.String rejects '@' in names, so render by hand.
		pairs[i] = Pair{Name: c.Name, Value: c.Value}
	}
	return JoinPairs(pairs)
}

func toHTTP(rec *Record) *http.Cookie {
	c := &http.Cookie{Name: rec.Name, Value: rec.Value}
	for _, a := range rec.Attributes {
		switch a.Key {
		case "domain":
			c.Domain = a.Value
		case "path":
			c.Path = a.Value
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "partitioned":
			c.Partitioned = true
		case "max-age":
			secs, err := strconv.Atoi(a.Value)
			if err != nil {
				continue
			}
			if secs <= 0 {
				c.MaxAge = -1
			} else {
				c.MaxAge = secs
			}
		case "expires":
			if t, err := http.ParseTime(a.Value); err == nil {
				c.Expires = t.UTC()
			} else if t, err := time.Parse("Mon, 02-Jan-2006 15:04:05 MST", a.Value); err == nil {
				c.Expires = t.UTC()
			}
		case "samesite":
			switch strings.ToLower(a.Value) {
			case "lax":
				c.SameSite = http.SameSiteLaxMode
			case "strict":
				c.SameSite = http.SameSiteStrictMode
			case "none":
				c.SameSite = http.SameSiteNoneMode
			}
		}
	}
	return c
}
