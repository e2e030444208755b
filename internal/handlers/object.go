package handlers

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// ObjectHandler serves the object-level operations.
type ObjectHandler struct {
	meta          metadata.Store
	store         storage.Backend
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewObjectHandler returns a handler using the given catalog and backend.
// maxObjectSize caps single-request uploads; zero means uncapped.
func NewObjectHandler(meta metadata.Store, store storage.Backend, ownerID, ownerDisplay string, maxObjectSize int64) *ObjectHandler {
	return &ObjectHandler{
		meta:          meta,
		store:         store,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

func entityTooLarge(max, proposed int64) *s3err.S3Error {
	return s3err.ErrEntityTooLarge.
		WithExtra("MaxSizeAllowed", strconv.FormatInt(max, 10)).
		WithExtra("ProposedSize", strconv.FormatInt(proposed, 10))
}

// PutObject handles PUT /{bucket}/{key}. The blob is written first and
// the catalog row committed second, so a crash in between leaves an
// orphaned blob rather than a catalog entry nothing backs.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	if s3e := validateObjectKey(key); s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}
	if r.ContentLength < 0 && len(r.TransferEncoding) == 0 {
		xmlutil.WriteError(w, r, s3err.ErrMissingContentLength)
		return
	}
	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteError(w, r, entityTooLarge(h.maxObjectSize, r.ContentLength))
		return
	}
	declaredMD5, s3e := decodeContentMD5(r)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	ownerID, ownerDisplay := requestOwner(r, h.ownerID, h.ownerDisplay)
	acl, s3e := requestACL(r, xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay})
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	// Digest and size guards fail the stream itself, so a bad body aborts
	// inside the backend before the blob is committed.
	body := io.Reader(r.Body)
	if declaredMD5 != nil {
		body = newMD5CheckReader(body, declaredMD5)
	}
	if h.maxObjectSize > 0 {
		body = &capReader{r: body, max: h.maxObjectSize}
	}

	written, etag, err := h.store.PutObject(r.Context(), bucket, key, body, r.ContentLength)
	if err != nil {
		switch {
		case errors.Is(err, errDigestMismatch):
			xmlutil.WriteError(w, r, s3err.ErrBadDigest)
		case errors.Is(err, errTooLarge):
			xmlutil.WriteError(w, r, entityTooLarge(h.maxObjectSize, r.ContentLength))
		case errors.Is(err, io.ErrUnexpectedEOF):
			xmlutil.WriteError(w, r, s3err.ErrIncompleteBody)
		default:
			log.Printf("put object %s/%s: %v", bucket, key, err)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
		}
		return
	}

	rec := &metadata.ObjectRecord{
		Bucket:             bucket,
		Key:                key,
		Size:               written,
		ETag:               etag,
		ContentType:        r.Header.Get("Content-Type"),
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       r.Header.Get("x-amz-storage-class"),
		ACL:                acl,
		UserMetadata:       extractUserMetadata(r),
		LastModified:       time.Now().UTC(),
	}
	if err := h.meta.PutObject(r.Context(), rec); err != nil {
		log.Printf("recording object %s/%s: %v", bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{key}, including conditional reads,
// single byte ranges, and response-* header overrides.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		log.Printf("loading object %s/%s: %v", bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey.WithExtra("Key", key))
		return
	}

	switch readConditionals(r.Header).evaluate(obj.ETag, obj.LastModified, condNotModified) {
	case condNotModified:
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
		w.WriteHeader(http.StatusNotModified)
		return
	case condPreconditionFailed:
		xmlutil.WriteError(w, r, s3err.ErrPreconditionFailed)
		return
	}

	rangeHeader := r.Header.Get("Range")
	rng, rerr := parseRange(rangeHeader, obj.Size)
	if rerr != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
		xmlutil.WriteError(w, r, s3err.ErrInvalidRange.
			WithExtra("ActualObjectSize", strconv.FormatInt(obj.Size, 10)).
			WithExtra("RangeRequested", rangeHeader))
		return
	}

	setObjectResponseHeaders(w, obj)
	applyResponseOverrides(w, r.URL.Query())

	if rng != nil {
		rc, err := h.store.GetObjectRange(r.Context(), bucket, key, rng.start, rng.length())
		if err != nil {
			log.Printf("reading object range %s/%s: %v", bucket, key, err)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Range", rng.contentRange(obj.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.length(), 10))
		w.WriteHeader(http.StatusPartialContent)
		if _, err := io.Copy(w, rc); err != nil {
			log.Printf("streaming object range %s/%s: %v", bucket, key, err)
		}
		return
	}

	rc, _, err := h.store.GetObject(r.Context(), bucket, key)
	if err != nil {
		log.Printf("reading object %s/%s: %v", bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("streaming object %s/%s: %v", bucket, key, err)
	}
}

// HeadObject handles HEAD /{bucket}/{key}: the GetObject headers with no
// body, which also means failures are bare status codes.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	rec, err := h.meta.GetBucket(r.Context(), bucket)
	if err != nil {
		log.Printf("checking bucket %s: %v", bucket, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		log.Printf("loading object %s/%s: %v", bucket, key, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch readConditionals(r.Header).evaluate(obj.ETag, obj.LastModified, condNotModified) {
	case condNotModified:
		w.Header().Set("ETag", obj.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(obj.LastModified))
		w.WriteHeader(http.StatusNotModified)
		return
	case condPreconditionFailed:
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	rng, rerr := parseRange(r.Header.Get("Range"), obj.Size)
	if rerr != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	setObjectResponseHeaders(w, obj)
	if rng != nil {
		w.Header().Set("Content-Range", rng.contentRange(obj.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.length(), 10))
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key}. Deleting an absent key
// still succeeds; 204 either way.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	if err := h.store.DeleteObject(r.Context(), bucket, key); err != nil {
		// Orphaned blobs are tolerated; the catalog delete decides.
		log.Printf("deleting blob %s/%s: %v", bucket, key, err)
	}
	if err := h.meta.DeleteObject(r.Context(), bucket, key); err != nil {
		log.Printf("deleting object %s/%s: %v", bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete: batch deletion with
// per-key outcomes. Quiet mode suppresses the success entries.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		xmlutil.WriteError(w, r, s3err.ErrIncompleteBody)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	var req xmlutil.Delete
	if err := xml.Unmarshal(body, &req); err != nil {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(req.Objects) == 0 || len(req.Objects) > maxBatchDelete {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}

	keys := make([]string, 0, len(req.Objects))
	for _, o := range req.Objects {
		keys = append(keys, o.Key)
	}
	for _, key := range keys {
		if err := h.store.DeleteObject(r.Context(), bucket, key); err != nil {
			log.Printf("deleting blob %s/%s: %v", bucket, key, err)
		}
	}
	deleted, errs := h.meta.DeleteObjects(r.Context(), bucket, keys)
	for _, err := range errs {
		log.Printf("batch delete in %s: %v", bucket, err)
	}

	deletedSet := make(map[string]bool, len(deleted))
	for _, key := range deleted {
		deletedSet[key] = true
	}
	var result xmlutil.DeleteResult
	for _, key := range keys {
		if deletedSet[key] {
			if !req.Quiet {
				result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: key})
			}
			continue
		}
		result.Errors = append(result.Errors, xmlutil.DeleteError{
			Key:     key,
			Code:    "InternalError",
			Message: "We encountered an internal error. Please try again.",
		})
	}
	xmlutil.Write(w, http.StatusOK, result)
}

// CopyObject handles PUT /{bucket}/{key} with x-amz-copy-source. The
// metadata directive picks between carrying the source's headers and
// user metadata (COPY) or taking them from this request (REPLACE).
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	if s3e := validateObjectKey(key); s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.
			WithExtra("ArgumentName", "x-amz-copy-source").
			WithExtra("ArgumentValue", r.Header.Get("x-amz-copy-source")))
		return
	}

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	if directive == "" {
		directive = "COPY"
	}
	if directive != "COPY" && directive != "REPLACE" {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.
			WithExtra("ArgumentName", "x-amz-metadata-directive").
			WithExtra("ArgumentValue", directive))
		return
	}

	srcRec, err := h.meta.GetBucket(r.Context(), srcBucket)
	if err != nil {
		log.Printf("checking bucket %s: %v", srcBucket, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if srcRec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket.WithExtra("BucketName", srcBucket))
		return
	}
	srcObj, err := h.meta.GetObject(r.Context(), srcBucket, srcKey)
	if err != nil {
		log.Printf("loading object %s/%s: %v", srcBucket, srcKey, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if srcObj == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey.WithExtra("Key", srcKey))
		return
	}

	if copyConditionals(r.Header).evaluate(srcObj.ETag, srcObj.LastModified, condPreconditionFailed) != condProceed {
		xmlutil.WriteError(w, r, s3err.ErrPreconditionFailed)
		return
	}

	ownerID, ownerDisplay := requestOwner(r, h.ownerID, h.ownerDisplay)
	acl, s3e := requestACL(r, xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay})
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	if err := h.store.CopyObject(r.Context(), srcBucket, srcKey, bucket, key); err != nil {
		log.Printf("copying %s/%s to %s/%s: %v", srcBucket, srcKey, bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	dst := &metadata.ObjectRecord{
		Bucket:       bucket,
		Key:          key,
		Size:         srcObj.Size,
		ETag:         srcObj.ETag,
		ACL:          acl,
		LastModified: now,
	}
	if directive == "REPLACE" {
		dst.ContentType = r.Header.Get("Content-Type")
		dst.ContentEncoding = r.Header.Get("Content-Encoding")
		dst.ContentLanguage = r.Header.Get("Content-Language")
		dst.ContentDisposition = r.Header.Get("Content-Disposition")
		dst.CacheControl = r.Header.Get("Cache-Control")
		dst.Expires = r.Header.Get("Expires")
		dst.UserMetadata = extractUserMetadata(r)
	} else {
		dst.ContentType = srcObj.ContentType
		dst.ContentEncoding = srcObj.ContentEncoding
		dst.ContentLanguage = srcObj.ContentLanguage
		dst.ContentDisposition = srcObj.ContentDisposition
		dst.CacheControl = srcObj.CacheControl
		dst.Expires = srcObj.Expires
		dst.UserMetadata = srcObj.UserMetadata
	}
	if sc := r.Header.Get("x-amz-storage-class"); sc != "" {
		dst.StorageClass = sc
	} else {
		dst.StorageClass = srcObj.StorageClass
	}

	if err := h.meta.PutObject(r.Context(), dst); err != nil {
		log.Printf("recording object %s/%s: %v", bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Write(w, http.StatusOK, xmlutil.CopyObjectResult{
		ETag:         dst.ETag,
		LastModified: xmlutil.FormatTimeS3(now),
	})
}

// ListObjects handles GET /{bucket}, the original list API.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	rec, ok := requireBucket(w, r, h.meta, bucket)
	if !ok {
		return
	}
	q := r.URL.Query()
	maxKeys, s3e := parseMaxParam(q, "max-keys", maxListResults)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}
	encodingType, s3e := parseEncodingType(q)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}
	prefix := q.Get("prefix")
	marker := q.Get("marker")
	delimiter := q.Get("delimiter")

	result := &metadata.ListObjectsResult{}
	if maxKeys > 0 {
		var err error
		result, err = h.meta.ListObjects(r.Context(), bucket, metadata.ListObjectsOptions{
			Prefix:    prefix,
			Delimiter: delimiter,
			Marker:    marker,
			MaxKeys:   maxKeys,
		})
		if err != nil {
			log.Printf("listing %s: %v", bucket, err)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
			return
		}
	}
	out := xmlutil.ListBucketResult{
		Name:         bucket,
		Prefix:       xmlutil.EncodeKey(prefix, encodingType),
		Marker:       xmlutil.EncodeKey(marker, encodingType),
		MaxKeys:      maxKeys,
		Delimiter:    xmlutil.EncodeKey(delimiter, encodingType),
		EncodingType: encodingType,
		IsTruncated:  result.IsTruncated,
	}
	owner := &xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	for _, obj := range result.Objects {
		out.Contents = append(out.Contents, contentsEntry(obj, encodingType, owner))
	}
	for _, p := range result.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKey(p, encodingType),
		})
	}
	if result.IsTruncated && delimiter != "" {
		out.NextMarker = xmlutil.EncodeKey(result.NextMarker, encodingType)
	}
	xmlutil.Write(w, http.StatusOK, out)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2. The continuation token
// is the last key served; start-after only applies to the first page.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	rec, ok := requireBucket(w, r, h.meta, bucket)
	if !ok {
		return
	}
	q := r.URL.Query()
	maxKeys, s3e := parseMaxParam(q, "max-keys", maxListResults)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}
	encodingType, s3e := parseEncodingType(q)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	token := q.Get("continuation-token")
	startAfter := q.Get("start-after")
	fetchOwner := q.Get("fetch-owner") == "true"

	marker := token
	if marker == "" {
		marker = startAfter
	}

	result := &metadata.ListObjectsResult{}
	if maxKeys > 0 {
		var err error
		result, err = h.meta.ListObjects(r.Context(), bucket, metadata.ListObjectsOptions{
			Prefix:    prefix,
			Delimiter: delimiter,
			Marker:    marker,
			MaxKeys:   maxKeys,
		})
		if err != nil {
			log.Printf("listing %s: %v", bucket, err)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
			return
		}
	}
	out := xmlutil.ListBucketV2Result{
		Name:              bucket,
		Prefix:            xmlutil.EncodeKey(prefix, encodingType),
		StartAfter:        xmlutil.EncodeKey(startAfter, encodingType),
		ContinuationToken: token,
		MaxKeys:           maxKeys,
		Delimiter:         xmlutil.EncodeKey(delimiter, encodingType),
		EncodingType:      encodingType,
		IsTruncated:       result.IsTruncated,
	}
	var owner *xmlutil.Owner
	if fetchOwner {
		owner = &xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	}
	for _, obj := range result.Objects {
		out.Contents = append(out.Contents, contentsEntry(obj, encodingType, owner))
	}
	for _, p := range result.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKey(p, encodingType),
		})
	}
	out.KeyCount = len(out.Contents) + len(out.CommonPrefixes)
	if result.IsTruncated {
		out.NextContinuationToken = result.NextMarker
	}
	xmlutil.Write(w, http.StatusOK, out)
}

func contentsEntry(obj metadata.ObjectRecord, encodingType string, owner *xmlutil.Owner) xmlutil.Object {
	storageClass := obj.StorageClass
	if storageClass == "" {
		storageClass = defaultStorageClass
	}
	return xmlutil.Object{
		Key:          xmlutil.EncodeKey(obj.Key, encodingType),
		LastModified: xmlutil.FormatTimeS3(obj.LastModified),
		ETag:         obj.ETag,
		Size:         obj.Size,
		StorageClass: storageClass,
		Owner:        owner,
	}
}

// GetObjectAcl handles GET /{bucket}/{key}?acl.
func (h *ObjectHandler) GetObjectAcl(w http.ResponseWriter, r *http.Request, bucket, key string) {
	rec, ok := requireBucket(w, r, h.meta, bucket)
	if !ok {
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		log.Printf("loading object %s/%s: %v", bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey.WithExtra("Key", key))
		return
	}
	owner := xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	policy := aclFromJSON(obj.ACL, owner)
	xmlutil.Write(w, http.StatusOK, policy)
}

// PutObjectAcl handles PUT /{bucket}/{key}?acl, with the same header
// precedence as PutBucketAcl.
func (h *ObjectHandler) PutObjectAcl(w http.ResponseWriter, r *http.Request, bucket, key string) {
	rec, ok := requireBucket(w, r, h.meta, bucket)
	if !ok {
		return
	}
	obj, err := h.meta.GetObject(r.Context(), bucket, key)
	if err != nil {
		log.Printf("loading object %s/%s: %v", bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if obj == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchKey.WithExtra("Key", key))
		return
	}

	owner := xmlutil.Owner{ID: rec.OwnerID, DisplayName: rec.OwnerDisplay}
	policy, s3e := resolveACLRequest(r, owner)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	if err := h.meta.SetObjectACL(r.Context(), bucket, key, aclToJSON(policy)); err != nil {
		log.Printf("storing acl for %s/%s: %v", bucket, key, err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
