package handlers

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// BucketHandler serves the bucket-level operations.
type BucketHandler struct {
	meta         metadata.Store
	store        storage.Backend
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler returns a handler using the given catalog and backend.
// ownerID and ownerDisplay identify requests that arrive unauthenticated;
// region is what new buckets default to and what location queries report.
func NewBucketHandler(meta metadata.Store, store storage.Backend, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		meta:         meta,
		store:        store,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// ListBuckets handles GET / and returns the buckets owned by the caller.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ownerID, ownerDisplay := requestOwner(r, h.ownerID, h.ownerDisplay)

	records, err := h.meta.ListBuckets(r.Context(), ownerID)
	if err != nil {
		slog.Error("listing buckets", "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	result := xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay},
	}
	for _, rec := range records {
		result.Buckets = append(result.Buckets, xmlutil.Bucket{
			Name:         rec.Name,
			CreationDate: xmlutil.FormatTimeS3(rec.CreatedAt),
		})
	}
	xmlutil.Write(w, http.StatusOK, result)
}

// CreateBucket handles PUT /{bucket}. Re-creating a bucket you already own
// succeeds with 200, matching the default-region S3 behavior; someone
// else's name is a 409.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketName(bucket) {
		xmlutil.WriteError(w, r, s3err.ErrInvalidBucketName.WithExtra("BucketName", bucket))
		return
	}

	region, s3e := h.parseCreateBucketRegion(r)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	ownerID, ownerDisplay := requestOwner(r, h.ownerID, h.ownerDisplay)
	owner := xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay}

	acl, s3e := requestACL(r, owner)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	existing, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		slog.Error("checking bucket", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if existing != nil {
		h.respondExistingBucket(w, r, existing, ownerID)
		return
	}

	// Backend storage first, catalog second: an orphaned directory is
	// harmless, a catalog row without storage is not.
	if err := h.store.CreateBucket(r.Context(), bucket); err != nil {
		slog.Error("creating bucket storage", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	rec := &metadata.BucketRecord{
		Name:         bucket,
		Region:       region,
		OwnerID:      ownerID,
		OwnerDisplay: ownerDisplay,
		ACL:          acl,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.meta.CreateBucket(r.Context(), rec); err != nil {
		if errors.Is(err, metadata.ErrBucketExists) {
			// Lost a creation race; decide 200 vs 409 from the winner.
			winner, gerr := h.meta.GetBucket(r.Context(), bucket)
			if gerr == nil && winner != nil {
				h.respondExistingBucket(w, r, winner, ownerID)
				return
			}
		}
		slog.Error("creating bucket", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (h *BucketHandler) respondExistingBucket(w http.ResponseWriter, r *http.Request, rec *metadata.BucketRecord, callerID string) {
	if rec.OwnerID == callerID {
		w.Header().Set("Location", "/"+rec.Name)
		w.WriteHeader(http.StatusOK)
		return
	}
	xmlutil.WriteError(w, r, s3err.ErrBucketAlreadyExists.WithExtra("BucketName", rec.Name))
}

// parseCreateBucketRegion extracts the LocationConstraint from an optional
// CreateBucketConfiguration body. The element may be namespaced or bare;
// an empty body or empty constraint selects the server's region.
func (h *BucketHandler) parseCreateBucketRegion(r *http.Request) (string, *s3err.S3Error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", s3err.ErrIncompleteBody
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return h.region, nil
	}
	var cfg xmlutil.CreateBucketConfiguration
	if err := xml.Unmarshal(trimmed, &cfg); err != nil {
		return "", s3err.ErrMalformedXML
	}
	if cfg.LocationConstraint == "" {
		return h.region, nil
	}
	return cfg.LocationConstraint, nil
}

// DeleteBucket handles DELETE /{bucket}. The bucket must hold no objects
// and no in-progress multipart uploads.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}

	count, err := h.meta.CountObjects(r.Context(), bucket)
	if err != nil {
		slog.Error("counting objects", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if count > 0 {
		xmlutil.WriteError(w, r, s3err.ErrBucketNotEmpty.WithExtra("BucketName", bucket))
		return
	}

	uploads, err := h.meta.ListMultipartUploads(r.Context(), bucket, metadata.ListUploadsOptions{MaxUploads: 1})
	if err != nil {
		slog.Error("checking uploads", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if len(uploads.Uploads) > 0 {
		xmlutil.WriteError(w, r, s3err.ErrBucketNotEmpty.WithExtra("BucketName", bucket))
		return
	}

	if err := h.meta.DeleteBucket(r.Context(), bucket); err != nil {
		slog.Error("deleting bucket", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if err := h.store.DeleteBucket(r.Context(), bucket); err != nil {
		// The catalog row is gone, which is what counts.
		slog.Warn("deleting bucket storage", "bucket", bucket, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}. HEAD responses never carry a body,
// so failures are bare status codes.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	rec, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		slog.Error("checking bucket", "bucket", bucket, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	region := rec.Region
	if region == "" {
		region = h.region
	}
	w.Header().Set("x-amz-bucket-region", region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location. The default region
// renders as a self-closed LocationConstraint, the way S3 reports
// us-east-1.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	rec, ok := requireBucket(w, r, h.meta, bucket)
	if !ok {
		return
	}
	location := rec.Region
	if location == "us-east-1" {
		location = ""
	}
	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketAcl handles GET /{bucket}?acl.
func (h *BucketHandler) GetBucketAcl(w http.ResponseWriter, r *http.Request, bucket string) {
	rec, ok := requireBucket(w, r, h.meta, bucket)
	if !ok {
		return
	}
	owner := xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	policy := aclFromJSON(rec.ACL, owner)
	policy.Owner = owner
	xmlutil.Write(w, http.StatusOK, policy)
}

// PutBucketAcl handles PUT /{bucket}?acl. A canned x-amz-acl header wins
// over x-amz-grant-* headers, which win over an XML body. With none of
// them the ACL resets to private.
func (h *BucketHandler) PutBucketAcl(w http.ResponseWriter, r *http.Request, bucket string) {
	rec, ok := requireBucket(w, r, h.meta, bucket)
	if !ok {
		return
	}
	owner := xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}

	policy, s3e := resolveACLRequest(r, owner)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	if err := h.meta.SetBucketACL(r.Context(), bucket, aclToJSON(policy)); err != nil {
		slog.Error("storing bucket acl", "bucket", bucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// resolveACLRequest interprets a PUT acl request in header-precedence
// order: canned ACL, then grant headers, then an XML policy body, then
// the private default. Shared by the bucket and object ACL handlers.
func resolveACLRequest(r *http.Request, owner xmlutil.Owner) (*xmlutil.AccessControlPolicy, *s3err.S3Error) {
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		policy, ok := cannedACL(canned, owner)
		if !ok {
			return nil, s3err.ErrInvalidArgument.
				WithExtra("ArgumentName", "x-amz-acl").
				WithExtra("ArgumentValue", canned)
		}
		return policy, nil
	}
	if hasGrantHeaders(r) {
		return parseGrantHeaders(r, owner)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, s3err.ErrIncompleteBody
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return privateACL(owner), nil
	}
	var policy xmlutil.AccessControlPolicy
	if err := xml.Unmarshal(body, &policy); err != nil {
		return nil, s3err.ErrMalformedACL
	}
	normalizeGranteeTypes(&policy)
	if policy.Owner.ID == "" {
		policy.Owner = owner
	}
	return &policy, nil
}
