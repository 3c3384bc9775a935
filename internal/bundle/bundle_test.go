package bundle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"surf-proxy-go/internal/config"
)

func TestLoad_Embedded(t *testing.T) {
	b, err := Load(&config.Config{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	for name, script := range map[string][]byte{"main": b.Main, "worker": b.Worker} {
		if !strings.Contains(string(script), "__sfPreparePostMessageData") {
			t.Errorf("%s bundle does not define __sfPreparePostMessageData", name)
		}
		if !strings.Contains(string(script), "__sfLocation") {
			t.Errorf("%s bundle does not define __sfLocation", name)
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.js")
	if err := os.WriteFile(mainPath, []byte("console.log('custom')"), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := Load(&config.Config{Bundles: config.BundlesConfig{MainPath: mainPath}})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if string(b.Main) != "console.log('custom')" {
		t.Errorf("Main = %q, want override contents", b.Main)
	}
	if len(b.Worker) == 0 {
		t.Error("Worker empty, want embedded bundle")
	}
}

func TestLoad_MissingOverride(t *testing.T) {
	_, err := Load(&config.Config{Bundles: config.BundlesConfig{WorkerPath: "/nonexistent/worker.js"}})
	if err == nil {
		t.Fatal("Load() expected error for missing override, got nil")
	}
	if !strings.Contains(err.Error(), "/nonexistent/worker.js") {
		t.Errorf("error = %q, want it to name the file", err)
	}
}

func TestRegisterPage(t *testing.T) {
	b, err := Load(&config.Config{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	page, err := b.RegisterPage("/__sf.sw.js")
	if err != nil {
		t.Fatalf("RegisterPage() error = %v", err)
	}
	html := string(page)

	wants := []string{
		`<span id="status">`,
		`const WORKER_URL = "`,
		`__sf.sw.js?__sf_url=1`,
		`dummy=`,
		`navigator.serviceWorker.register(WORKER_URL`,
		`searchParams.delete("__sf_register")`,
	}
	for _, want := range wants {
		if !strings.Contains(html, want) {
			t.Errorf("register page missing %q", want)
		}
	}

	again, _ := b.RegisterPage("/__sf.sw.js")
	if string(again) == html {
		t.Error("RegisterPage() returned the same worker URL twice, want a fresh dummy")
	}
}
