package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"surf-proxy-go/internal/metrics"
)

// requestLabels returns the label sets of surf_proxy_http_requests_total
// with their counter values.
func requestLabels(t *testing.T, m *metrics.Metrics) map[[3]string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	out := make(map[[3]string]float64)
	for _, f := range families {
		if f.GetName() != "surf_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			key := [3]string{labels["method"], labels["status_code"], labels["path_prefix"]}
			out[key] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		handler echo.HandlerFunc
		want    [3]string
	}{
		{
			name:    "proxied page",
			method:  http.MethodGet,
			path:    "/articles/1?__sf_url=1",
			handler: func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			want:    [3]string{"GET", "200", "proxied"},
		},
		{
			name:    "bootstrap bundle",
			method:  http.MethodGet,
			path:    "/__sf.main.js",
			handler: func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			want:    [3]string{"GET", "200", "/__sf.main.js"},
		},
		{
			name:    "http error",
			method:  http.MethodGet,
			path:    "/__sf/status",
			handler: func(echo.Context) error { return echo.NewHTTPError(http.StatusBadRequest) },
			want:    [3]string{"GET", "400", "/__sf/status"},
		},
		{
			name:    "custom method",
			method:  "PROPFIND",
			path:    "/dav",
			handler: func(c echo.Context) error { return c.NoContent(http.StatusOK) },
			want:    [3]string{"other", "200", "proxied"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			e.Any("/*", tt.handler)

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			e.ServeHTTP(httptest.NewRecorder(), req)

			got := requestLabels(t, m)
			if v, ok := got[tt.want]; !ok || v != 1 {
				t.Errorf("requests_total%v = %v (present %v), want 1; have %v", tt.want, v, ok, got)
			}
		})
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/__sf/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/__sf/healthz", http.NoBody)
	e.ServeHTTP(httptest.NewRecorder(), req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "surf_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected surf_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	req := httptest.NewRequest(http.MethodGet, "/__sf/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	want := [3]string{"GET", "404", "/__sf/"}
	if _, ok := requestLabels(t, m)[want]; !ok {
		t.Errorf("expected surf_proxy_http_requests_total%v", want)
	}
}
