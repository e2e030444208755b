// Package metrics defines the Prometheus collectors BleepStore exports.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

// sizeBuckets space the payload histograms from 256 B to 64 MiB.
var sizeBuckets = prometheus.ExponentialBuckets(256, 4, 10)

var (
	// HTTPRequestsTotal counts requests by method, normalized path, and
	// status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepstore_http_requests_total",
			Help: "HTTP requests served.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes wall time per request in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepstore_http_request_duration_seconds",
			Help:    "Request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes declared request body sizes in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepstore_http_request_size_bytes",
			Help:    "Request body size in bytes.",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes written response body sizes in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepstore_http_response_size_bytes",
			Help:    "Response body size in bytes.",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// S3OperationsTotal counts dispatched S3 operations by name and
	// outcome, success or error.
	S3OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepstore_s3_operations_total",
			Help: "S3 operations by name and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// BytesReceivedTotal sums request body bytes across all requests.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepstore_bytes_received_total",
			Help: "Request body bytes received.",
		},
	)

	// BytesSentTotal sums response body bytes across all requests.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepstore_bytes_sent_total",
			Help: "Response body bytes sent.",
		},
	)
)

// Register installs the collectors in the default registry. Called from
// main so registration stays explicit; extra calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			S3OperationsTotal,
			BytesReceivedTotal,
			BytesSentTotal,
		)
	})
}

// NormalizePath collapses request paths into a fixed label set so bucket
// and key names never become Prometheus label values.
func NormalizePath(path string) string {
	switch path {
	case "", "/":
		return "/"
	case "/health", "/metrics", "/openapi", "/openapi.json", "/openapi.yaml":
		return path
	}
	if path == "/docs" || strings.HasPrefix(path, "/docs/") {
		return "/docs"
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if bucket == "" {
		return "/"
	}
	if key == "" {
		return "/{bucket}"
	}
	return "/{bucket}/{key}"
}
