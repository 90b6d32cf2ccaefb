package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/files":                       "/files",
		"/files/batch":                 "/files/batch",
		"/files/chunked":               "/files/chunked",
		"/files/abc123":                "/files/{id}",
		"/files/abc123/download":       "/files/{id}/download",
		"/files/abc123/chunks/7":       "/files/{id}/chunks/{index}",
		"/blobs/files/u1/abc/original": "/blobs/{key}",
		"/quota":                       "/quota",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWithHTTPMetricsCountsStatus(t *testing.T) {
	h := WithHTTPMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/files/{id}", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/files/xyz", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/files/{id}", "418"))
	if after-before != 1 {
		t.Fatalf("counter delta = %v, want 1", after-before)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "filevault_http_requests_total") {
		t.Fatalf("metrics output missing filevault collectors")
	}
}
