// Package metrics holds the Prometheus collectors for the upload pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_uploads_total",
		Help: "Uploads by mode (single, batch, chunked) and outcome.",
	}, []string{"mode", "outcome"})

	UploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filevault_upload_bytes_total",
		Help: "Bytes accepted into storage.",
	})

	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filevault_upload_duration_seconds",
		Help:    "Time from admission to an active record.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	ValidationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_validation_failures_total",
		Help: "Rejected uploads by validation reason.",
	}, []string{"reason"})

	QuotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filevault_quota_rejections_total",
		Help: "Uploads refused because the owner's allotment was exhausted.",
	})

	ChunksReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filevault_chunks_received_total",
		Help: "Chunks stored for multi-request uploads.",
	})

	DerivativesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_derivatives_total",
		Help: "Derivative jobs by kind and outcome.",
	}, []string{"kind", "outcome"})

	DerivativeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filevault_derivative_duration_seconds",
		Help:    "Derivative generation time by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	SweptRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_swept_records_total",
		Help: "Stale non-terminal records reclaimed by the sweeper, by prior status.",
	}, []string{"status"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filevault_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WithHTTPMetrics records request counts and latency per normalized route.
func WithHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := NormalizePath(r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// NormalizePath replaces ids in file routes so label cardinality stays bounded.
// /files/<id>/chunks/<n> becomes /files/{id}/chunks/{index}.
func NormalizePath(path string) string {
	if strings.HasPrefix(path, "/blobs/") {
		return "/blobs/{key}"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "files" {
		return path
	}
	switch parts[1] {
	case "batch", "chunked":
		return path
	}
	parts[1] = "{id}"
	if len(parts) >= 4 && parts[2] == "chunks" {
		parts[3] = "{index}"
	}
	return "/" + strings.Join(parts, "/")
}
