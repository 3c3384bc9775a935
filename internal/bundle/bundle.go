// Package bundle holds the bootstrap scripts served from the proxy origin
// and renders the service worker registration page.
package bundle

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"

	"github.com/google/uuid"

	"surf-proxy-go/internal/codec"
	"surf-proxy-go/internal/config"
)

//go:embed assets/main.js assets/worker.js assets/first-load.js assets/register.html
var assets embed.FS

// Bundles are the immutable script bytes served at the bootstrap paths.
type Bundles struct {
	Main   []byte
	Worker []byte

	firstLoad template.JS
	register  *template.Template
}

// Load returns the embedded bundles, replaced by the files named in
// [bundles] when set.
func Load(cfg *config.Config) (*Bundles, error) {
	mainJS, err := read(cfg.Bundles.MainPath, "assets/main.js")
	if err != nil {
		return nil, err
	}
	workerJS, err := read(cfg.Bundles.WorkerPath, "assets/worker.js")
	if err != nil {
		return nil, err
	}
	firstLoad, err := assets.ReadFile("assets/first-load.js")
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	tmpl, err := template.ParseFS(assets, "assets/register.html")
	if err != nil {
		return nil, fmt.Errorf("bundle: parse register page: %w", err)
	}

	return &Bundles{
		Main:      mainJS,
		Worker:    workerJS,
		firstLoad: template.JS(firstLoad), //nolint:gosec // embedded, trusted
		register:  tmpl,
	}, nil
}

func read(override, embedded string) ([]byte, error) {
	if override != "" {
		b, err := os.ReadFile(override)
		if err != nil {
			return nil, fmt.Errorf("bundle: read %s: %w", override, err)
		}
		return b, nil
	}
	b, err := assets.ReadFile(embedded)
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	return b, nil
}

// RegisterPage renders the page that clears site storage, installs the
// worker bundle for the whole proxy origin and reloads without the
// registration flag. workerPath is the path of the worker bundle.
func (b *Bundles) RegisterPage(workerPath string) ([]byte, error) {
	view := struct {
		WorkerURL string
		Script    template.JS
	}{
		WorkerURL: workerPath + "?" + codec.OriginParam + "=" + codec.Deferred + "&dummy=" + uuid.NewString(),
		Script:    b.firstLoad,
	}

	var buf bytes.Buffer
	if err := b.register.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("bundle: render register page: %w", err)
	}
	return buf.Bytes(), nil
}
