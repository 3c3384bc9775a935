package rewrite

import (
	"fmt"
	"strings"

	"surf-proxy-go/internal/codec"
)

// AliasLocation renames every occurrence of "location" in text to
// codec.LocationAlias so page code reaches the runtime's proxied location
// object.
//
// The substitution is textual and matches inside longer words too
// ("relocation" becomes "re__sfLocation").
func AliasLocation(text string) string {
	return strings.ReplaceAll(text, "location", codec.LocationAlias)
}

// UnaliasLocation reverses AliasLocation, for data flowing back upstream.
func UnaliasLocation(text string) string {
	return strings.ReplaceAll(text, codec.LocationAlias, "location")
}

// WrapWorker prefixes a worker script with an importScripts of the worker
// bootstrap and guards the original body so one failing script does not
// take down the worker.
func WrapWorker(script, bootstrapURL string) string {
	return fmt.Sprintf(`importScripts(%q);

try {
  %s
} catch (e) {
  console.warn("sf_worker(server): An error happened", e);
}`, bootstrapURL, script)
}

// LooksLikeDocument reports whether an HTML body plausibly holds a document
// rather than a fragment.
func LooksLikeDocument(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "<body") || strings.Contains(lower, "<head") || strings.Contains(lower, "<html")
}
