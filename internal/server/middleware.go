package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/uid"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// commonHeaders stamps the headers S3 clients expect on every response:
// x-amz-request-id, x-amz-id-2, Date, and Server.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Two independent opaque ids, like S3 sends.
		w.Header().Set("x-amz-request-id", uid.RequestID())
		w.Header().Set("x-amz-id-2", uid.RequestID())
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "BleepStore")
		next.ServeHTTP(w, r)
	})
}

// transferEncodingCheck rejects Transfer-Encoding values other than
// chunked or identity. Go's net/http handles those two itself; anything
// else is outside the S3 surface.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if te := r.Header.Get("Transfer-Encoding"); te != "" {
			if !acceptableTE(te) {
				xmlutil.WriteError(w, r, s3err.ErrNotImplemented)
				return
			}
		}
		// net/http strips the header but keeps the parsed codings here.
		for _, enc := range r.TransferEncoding {
			if !acceptableTE(enc) {
				xmlutil.WriteError(w, r, s3err.ErrNotImplemented)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func acceptableTE(enc string) bool {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "chunked", "identity":
		return true
	}
	return false
}

// responseRecorder captures the status code and body size flowing
// through a wrapped ResponseWriter.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware records request count, latency, and payload sizes.
// /metrics itself is excluded so scrapes do not instrument themselves.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := metrics.NormalizePath(r.URL.Path)
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(r.Method, path).Observe(float64(r.ContentLength))
			metrics.BytesReceivedTotal.Add(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rec.bytesWritten))
			metrics.BytesSentTotal.Add(float64(rec.bytesWritten))
		}
	})
}

// metaHeaderPrefix is "x-amz-meta-" as canonicalized by net/textproto.
const metaHeaderPrefix = "X-Amz-Meta-"

// metaRewriteWriter lowercases X-Amz-Meta-* response header keys before
// the header block is flushed. S3 user metadata keys are lowercase on
// the wire; Header.Set canonicalizes them to Title-Case, which trips up
// SDKs that key metadata maps off the raw header name.
type metaRewriteWriter struct {
	http.ResponseWriter
	rewritten bool
}

func (mw *metaRewriteWriter) rewrite() {
	if mw.rewritten {
		return
	}
	mw.rewritten = true

	h := mw.ResponseWriter.Header()
	for key, values := range h {
		if strings.HasPrefix(key, metaHeaderPrefix) {
			lower := strings.ToLower(key)
			if lower != key {
				delete(h, key)
				h[lower] = values
			}
		}
	}
}

func (mw *metaRewriteWriter) WriteHeader(code int) {
	mw.rewrite()
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *metaRewriteWriter) Write(b []byte) (int, error) {
	mw.rewrite()
	return mw.ResponseWriter.Write(b)
}

func (mw *metaRewriteWriter) Flush() {
	if f, ok := mw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// lowerMetaHeaders wraps the response writer so x-amz-meta-* headers go
// out with lowercase keys.
func lowerMetaHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&metaRewriteWriter{ResponseWriter: w}, r)
	})
}
