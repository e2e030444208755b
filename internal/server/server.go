// Package server assembles the BleepStore HTTP surface: the chi router,
// the S3 method/subresource dispatch, the middleware chain, and the
// operational endpoints (/health, /metrics, /docs, /openapi).
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bleepstore/bleepstore/internal/auth"
	"github.com/bleepstore/bleepstore/internal/config"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/handlers"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server routes S3 requests to the bucket, object, and multipart
// handlers and owns the process lifecycle around them: the listener,
// graceful shutdown, and the expired-upload reaper.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	api      huma.API
	meta     metadata.Store
	store    storage.Backend
	verifier *auth.SigV4Verifier

	bucket *handlers.BucketHandler
	object *handlers.ObjectHandler
	multi  *handlers.MultipartHandler

	httpServer *http.Server
	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New wires a Server over the given catalog and blob backend. The owner
// identity every record is attributed to comes from the configured root
// access key; signature verification is only installed when auth is
// enabled.
func New(cfg *config.Config, meta metadata.Store, store storage.Backend) (*Server, error) {
	metrics.Register()

	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("BleepStore S3 API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		meta:   meta,
		store:  store,
	}

	owner := cfg.Auth.AccessKey
	s.bucket = handlers.NewBucketHandler(meta, store, owner, owner, cfg.Server.Region)
	s.object = handlers.NewObjectHandler(meta, store, owner, owner, cfg.Server.MaxObjectSize)
	s.multi = handlers.NewMultipartHandler(meta, store, owner, owner, cfg.Server.MaxObjectSize)

	if cfg.Auth.Enabled {
		s.verifier = auth.NewSigV4Verifier(meta)
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the full middleware chain. Order matters: metrics
// wrap everything, common headers are stamped before auth can fail the
// request, and the metadata header rewrite sits innermost so handler
// writes pass through it.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = lowerMetaHeaders(h)
	if s.verifier != nil {
		h = auth.Middleware(s.verifier)(h)
	}
	h = transferEncodingCheck(h)
	h = commonHeaders(h)
	h = metricsMiddleware(h)
	return h
}

// ListenAndServe starts the listener on addr and blocks until the
// server stops. The reaper starts alongside when configured.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startReaper()
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the reaper and drains in-flight requests until the
// context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopReaper()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HealthCheck is one dependency's probe result.
type HealthCheck struct {
	Status string `json:"status" example:"ok" doc:"ok or failing"`
	Error  string `json:"error,omitempty" doc:"Failure detail"`
}

// HealthBody is the health endpoint response body.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Overall health"`
	Checks map[string]HealthCheck `json:"checks,omitempty" doc:"Per-backend probes"`
}

// HealthOutput wraps HealthBody for huma.
type HealthOutput struct {
	Body HealthBody
}

func (s *Server) healthCheck(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{Body: HealthBody{Status: "ok"}}
	if s.meta == nil && s.store == nil {
		return out, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out.Body.Checks = make(map[string]HealthCheck)
	if s.meta != nil {
		out.Body.Checks["metadata"] = probe(s.meta.Ping(probeCtx))
	}
	if s.store != nil {
		out.Body.Checks["storage"] = probe(s.store.HealthCheck(probeCtx))
	}
	for _, c := range out.Body.Checks {
		if c.Status != "ok" {
			out.Body.Status = "degraded"
		}
	}
	return out, nil
}

func probe(err error) HealthCheck {
	if err != nil {
		return HealthCheck{Status: "failing", Error: err.Error()}
	}
	return HealthCheck{Status: "ok"}
}

// registerRoutes mounts the operational endpoints and the S3 catch-all.
// Chi tries the specific routes first, so /health, /metrics, /docs, and
// /openapi never reach the S3 dispatcher.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports server health and per-backend probe results.",
		Tags:        []string{"System"},
	}, s.healthCheck)

	// Huma registers one method per operation; HEAD is answered directly.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/*", s.dispatch)
}

// parsePath splits an S3 request path into bucket and key. "/" yields
// ("", ""), "/b" and "/b/" yield ("b", ""), "/b/k/ey" yields
// ("b", "k/ey").
func parsePath(path string) (bucket, key string) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return bucket, key
}

// dispatch resolves the request to an S3 operation, runs it, and counts
// the outcome. Method/subresource pairs outside the surface get
// NotImplemented, matching what S3 itself returns.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	bucket, key := parsePath(r.URL.Path)
	op, serve := s.route(r, bucket, key)
	if serve == nil {
		xmlutil.WriteError(w, r, s3err.ErrNotImplemented)
		return
	}

	rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	serve(rec, r)

	outcome := "success"
	if rec.statusCode >= 400 {
		outcome = "error"
	}
	metrics.S3OperationsTotal.WithLabelValues(op, outcome).Inc()
}

// route maps method, path shape, and query subresources to a named
// operation. A nil handler means the combination is unsupported.
func (s *Server) route(r *http.Request, bucket, key string) (string, http.HandlerFunc) {
	if bucket == "" {
		if r.Method == http.MethodGet {
			return "ListBuckets", func(w http.ResponseWriter, r *http.Request) {
				s.bucket.ListBuckets(w, r)
			}
		}
		return "", nil
	}
	if key == "" {
		return s.routeBucket(r, bucket)
	}
	return s.routeObject(r, bucket, key)
}

func (s *Server) routeBucket(r *http.Request, bucket string) (string, http.HandlerFunc) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodPut:
		if q.Has("acl") {
			return "PutBucketAcl", func(w http.ResponseWriter, r *http.Request) {
				s.bucket.PutBucketAcl(w, r, bucket)
			}
		}
		return "CreateBucket", func(w http.ResponseWriter, r *http.Request) {
			s.bucket.CreateBucket(w, r, bucket)
		}
	case http.MethodGet:
		switch {
		case q.Has("location"):
			return "GetBucketLocation", func(w http.ResponseWriter, r *http.Request) {
				s.bucket.GetBucketLocation(w, r, bucket)
			}
		case q.Has("acl"):
			return "GetBucketAcl", func(w http.ResponseWriter, r *http.Request) {
				s.bucket.GetBucketAcl(w, r, bucket)
			}
		case q.Has("uploads"):
			return "ListMultipartUploads", func(w http.ResponseWriter, r *http.Request) {
				s.multi.ListMultipartUploads(w, r, bucket)
			}
		case q.Get("list-type") == "2":
			return "ListObjectsV2", func(w http.ResponseWriter, r *http.Request) {
				s.object.ListObjectsV2(w, r, bucket)
			}
		default:
			return "ListObjects", func(w http.ResponseWriter, r *http.Request) {
				s.object.ListObjects(w, r, bucket)
			}
		}
	case http.MethodHead:
		return "HeadBucket", func(w http.ResponseWriter, r *http.Request) {
			s.bucket.HeadBucket(w, r, bucket)
		}
	case http.MethodDelete:
		return "DeleteBucket", func(w http.ResponseWriter, r *http.Request) {
			s.bucket.DeleteBucket(w, r, bucket)
		}
	case http.MethodPost:
		if q.Has("delete") {
			return "DeleteObjects", func(w http.ResponseWriter, r *http.Request) {
				s.object.DeleteObjects(w, r, bucket)
			}
		}
	}
	return "", nil
}

func (s *Server) routeObject(r *http.Request, bucket, key string) (string, http.HandlerFunc) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodPut:
		switch {
		case q.Has("acl"):
			return "PutObjectAcl", func(w http.ResponseWriter, r *http.Request) {
				s.object.PutObjectAcl(w, r, bucket, key)
			}
		case q.Has("partNumber") && q.Has("uploadId"):
			if r.Header.Get("x-amz-copy-source") != "" {
				return "UploadPartCopy", func(w http.ResponseWriter, r *http.Request) {
					s.multi.UploadPartCopy(w, r, bucket, key)
				}
			}
			return "UploadPart", func(w http.ResponseWriter, r *http.Request) {
				s.multi.UploadPart(w, r, bucket, key)
			}
		case r.Header.Get("x-amz-copy-source") != "":
			return "CopyObject", func(w http.ResponseWriter, r *http.Request) {
				s.object.CopyObject(w, r, bucket, key)
			}
		default:
			return "PutObject", func(w http.ResponseWriter, r *http.Request) {
				s.object.PutObject(w, r, bucket, key)
			}
		}
	case http.MethodGet:
		switch {
		case q.Has("acl"):
			return "GetObjectAcl", func(w http.ResponseWriter, r *http.Request) {
				s.object.GetObjectAcl(w, r, bucket, key)
			}
		case q.Has("uploadId"):
			return "ListParts", func(w http.ResponseWriter, r *http.Request) {
				s.multi.ListParts(w, r, bucket, key)
			}
		default:
			return "GetObject", func(w http.ResponseWriter, r *http.Request) {
				s.object.GetObject(w, r, bucket, key)
			}
		}
	case http.MethodHead:
		return "HeadObject", func(w http.ResponseWriter, r *http.Request) {
			s.object.HeadObject(w, r, bucket, key)
		}
	case http.MethodDelete:
		if q.Has("uploadId") {
			return "AbortMultipartUpload", func(w http.ResponseWriter, r *http.Request) {
				s.multi.AbortMultipartUpload(w, r, bucket, key)
			}
		}
		return "DeleteObject", func(w http.ResponseWriter, r *http.Request) {
			s.object.DeleteObject(w, r, bucket, key)
		}
	case http.MethodPost:
		switch {
		case q.Has("uploads"):
			return "CreateMultipartUpload", func(w http.ResponseWriter, r *http.Request) {
				s.multi.CreateMultipartUpload(w, r, bucket, key)
			}
		case q.Has("uploadId"):
			return "CompleteMultipartUpload", func(w http.ResponseWriter, r *http.Request) {
				s.multi.CompleteMultipartUpload(w, r, bucket, key)
			}
		}
	}
	return "", nil
}

// startReaper launches the expired-upload reaper when a TTL is
// configured. It wakes at a quarter of the TTL, at least once a minute.
func (s *Server) startReaper() {
	ttl := s.cfg.Metadata.UploadTTLSeconds
	if ttl <= 0 || s.meta == nil {
		return
	}

	interval := time.Duration(ttl) * time.Second / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	s.reaperStop = make(chan struct{})
	s.reaperDone = make(chan struct{})
	go s.reapLoop(ttl, interval)
}

func (s *Server) reapLoop(ttl int64, interval time.Duration) {
	defer close(s.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.reaperStop:
			return
		case <-ticker.C:
			s.reapOnce(ttl)
		}
	}
}

// reapOnce drops uploads initiated more than ttl seconds ago together
// with their staged part blobs. Part cleanup is best effort; a failure
// leaves orphaned blobs, never a live catalog row.
func (s *Server) reapOnce(ttl int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reaped, err := s.meta.ReapExpiredUploads(ctx, ttl)
	if err != nil {
		slog.Warn("upload reaper pass failed", "error", err)
		return
	}
	for _, u := range reaped {
		if err := s.store.DeleteParts(ctx, u.Bucket, u.Key, u.UploadID); err != nil {
			slog.Warn("reaped upload left stale parts",
				"upload_id", u.UploadID, "bucket", u.Bucket, "key", u.Key, "error", err)
			continue
		}
		slog.Info("reaped expired multipart upload",
			"upload_id", u.UploadID, "bucket", u.Bucket, "key", u.Key)
	}
}

func (s *Server) stopReaper() {
	if s.reaperStop == nil {
		return
	}
	select {
	case <-s.reaperStop:
	default:
		close(s.reaperStop)
		<-s.reaperDone
	}
}
