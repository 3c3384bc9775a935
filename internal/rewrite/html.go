package rewrite

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/net/html"

	"surf-proxy-go/internal/codec"
)

// Bootstrap endpoints served from the proxy's own origin.
const (
	MainBundlePath   = "/__sf.main.js"
	WorkerBundlePath = "/__sf.sw.js"
)

// Attributes tagging markup the rewriter adds.
const (
	injectedAttr  = "__sfInjected"
	generatedAttr = "__sfGenerated"
)

var javascriptMIMEs = map[string]bool{
	"application/ecmascript":   true,
	"application/javascript":   true,
	"application/x-ecmascript": true,
	"application/x-javascript": true,
	"text/ecmascript":          true,
	"text/javascript":          true,
	"text/javascript1.0":       true,
	"text/javascript1.1":       true,
	"text/javascript1.2":       true,
	"text/javascript1.3":       true,
	"text/javascript1.4":       true,
	"text/javascript1.5":       true,
	"text/jscript":             true,
	"text/livescript":          true,
	"text/x-ecmascript":        true,
	"text/x-javascript":        true,
	"module":                   true,
}

// IsJavaScriptType reports whether a script type attribute denotes code.
// An empty type does.
func IsJavaScriptType(typ string) bool {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return true
	}
	mime, _, _ := strings.Cut(typ, ";")
	return javascriptMIMEs[strings.ToLower(strings.TrimSpace(mime))]
}

// Page identifies the document being rewritten.
type Page struct {
	// ProxyURL is the URL the browser requested, on the proxy origin.
	ProxyURL *url.URL
	// Target is the real upstream URL of the document.
	Target *url.URL
}

func (p Page) proxyOrigin() string {
	return p.ProxyURL.Scheme + "://" + p.ProxyURL.Host
}

// HTML rewrites a document: anchors are proxied, inline scripts go through
// JavaScript, integrity and CSP meta tags are removed, and the bootstrap
// runtime plus a <base> for the real URL are put at the top of <head>.
//
// Inline script failures are logged and the partially rewritten script is
// kept. An error is returned only when the document cannot be parsed or
// rendered, together with the input.
func HTML(content string, page Page, logger *slog.Logger) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return content, fmt.Errorf("rewrite: parse html: %w", err)
	}

	origin, _ := url.Parse(page.proxyOrigin())
	c := codec.New(origin, page.Target, logger)
	target := page.Target.String()

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		s.SetAttr("href", c.Encode(href, nil))
	})

	doc.Find("script").Not("[src]").Each(func(_ int, s *goquery.Selection) {
		if typ, ok := s.Attr("type"); ok && !IsJavaScriptType(typ) {
			return
		}
		out, err := JavaScript(s.Text(), target)
		if err != nil {
			logger.Error("inline script rewrite failed", "url", target, "err", err)
		}
		for _, n := range s.Nodes {
			setRawText(n, out)
		}
	})

	doc.Find("script[integrity], link[integrity]").RemoveAttr("integrity")

	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if v, _ := s.Attr("http-equiv"); strings.EqualFold(strings.TrimSpace(v), "content-security-policy") {
			s.Remove()
		}
	})

	head := doc.Find("head").First()
	head.PrependHtml(bootstrapMarkup(page))

	if bases := doc.Find("base"); bases.Length() == 0 {
		head.PrependHtml(fmt.Sprintf(`<base %s="1" href="%s">`, generatedAttr, html.EscapeString(target)))
	} else {
		first := bases.First()
		href, _ := first.Attr("href")
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			first.SetAttr("href", page.Target.ResolveReference(ref).String())
		} else {
			first.SetAttr("href", target)
		}
		bases.Slice(1, bases.Length()).Remove()
	}

	out, err := doc.Html()
	if err != nil {
		return content, fmt.Errorf("rewrite: render html: %w", err)
	}
	return out, nil
}

// bootstrapMarkup returns the globals script followed by the runtime bundle
// script.
func bootstrapMarkup(page Page) string {
	origin := page.proxyOrigin()

	permalink := *page.ProxyURL
	q := codec.RemoveParams(permalink.RawQuery, codec.RegisterParam)
	if q != "" {
		q += "&"
	}
	permalink.RawQuery = q + codec.RegisterParam + "=1"

	worker := BootstrapURL(origin, WorkerBundlePath)
	mainURL := BootstrapURL(origin, MainBundlePath)

	return fmt.Sprintf(`<script %[1]s="1">
  window.__sf_permalink = new URL(%[2]s);
  window.__sf_serviceWorkerUrl = %[3]s;
</script><script src="%[4]s" %[1]s="1" type="text/javascript"></script>`,
		injectedAttr, jsString(permalink.String()), jsString(worker), html.EscapeString(mainURL))
}

// BootstrapURL returns a cache-busted URL of a bootstrap bundle carrying the
// deferred origin sentinel.
func BootstrapURL(origin, path string) string {
	return origin + path + "?" + codec.OriginParam + "=" + codec.Deferred + "&dummy=" + uuid.NewString()
}

// jsString renders s as a JavaScript string literal safe inside <script>.
func jsString(s string) string {
	b, _ := json.Marshal(s) // strings always marshal
	return string(b)
}

func setRawText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}
