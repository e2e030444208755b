package handlers

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/uid"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// MultipartHandler serves the multipart upload operations.
type MultipartHandler struct {
	meta          metadata.Store
	store         storage.Backend
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewMultipartHandler returns a handler using the given catalog and
// backend. maxObjectSize caps individual parts; zero means uncapped.
func NewMultipartHandler(meta metadata.Store, store storage.Backend, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		meta:          meta,
		store:         store,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads. The content
// headers, user metadata, and ACL captured here are applied to the final
// object when the upload completes.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	if s3e := validateObjectKey(key); s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	ownerID, ownerDisplay := requestOwner(r, h.ownerID, h.ownerDisplay)
	acl, s3e := requestACL(r, xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay})
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}

	rec := &metadata.UploadRecord{
		UploadID:           uid.UploadID(),
		Bucket:             bucket,
		Key:                key,
		ContentType:        r.Header.Get("Content-Type"),
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       r.Header.Get("x-amz-storage-class"),
		ACL:                acl,
		UserMetadata:       extractUserMetadata(r),
		OwnerID:            ownerID,
		OwnerDisplay:       ownerDisplay,
		InitiatedAt:        time.Now().UTC(),
	}
	if err := h.meta.CreateMultipartUpload(r.Context(), rec); err != nil {
		slog.Error("initiating upload", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Write(w, http.StatusOK, xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: rec.UploadID,
	})
}

// parsePartNumber validates the partNumber query parameter.
func parsePartNumber(q string) (int, *s3err.S3Error) {
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 || n > maxPartNumber {
		return 0, s3err.ErrInvalidArgument.
			WithMessage(fmt.Sprintf("Part number must be an integer between 1 and %d, inclusive", maxPartNumber)).
			WithExtra("ArgumentName", "partNumber").
			WithExtra("ArgumentValue", q)
	}
	return n, nil
}

// requireUpload loads the upload record or writes NoSuchUpload.
func (h *MultipartHandler) requireUpload(w http.ResponseWriter, r *http.Request, bucket, key, uploadID string) (*metadata.UploadRecord, bool) {
	upload, err := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		slog.Error("loading upload", "bucket", bucket, "key", key, "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if upload == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchUpload.WithExtra("UploadId", uploadID))
		return nil, false
	}
	return upload, true
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID.
// Re-uploading a part number replaces the earlier data.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	q := r.URL.Query()
	partNumber, s3e := parsePartNumber(q.Get("partNumber"))
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}
	uploadID := q.Get("uploadId")
	if _, ok := h.requireUpload(w, r, bucket, key, uploadID); !ok {
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

	body := io.Reader(r.Body)
	if declaredMD5 != nil {
		body = newMD5CheckReader(body, declaredMD5)
	}
	if h.maxObjectSize > 0 {
		body = &capReader{r: body, max: h.maxObjectSize}
	}
	// The backend reports only the digest; count the bytes ourselves so
	// chunked uploads still record an exact part size.
	counted := &countingReader{r: body}

	etag, err := h.store.PutPart(r.Context(), bucket, key, uploadID, partNumber, counted, r.ContentLength)
	if err != nil {
		switch {
		case errors.Is(err, errDigestMismatch):
			xmlutil.WriteError(w, r, s3err.ErrBadDigest)
		case errors.Is(err, errTooLarge):
			xmlutil.WriteError(w, r, entityTooLarge(h.maxObjectSize, r.ContentLength))
		case errors.Is(err, io.ErrUnexpectedEOF):
			xmlutil.WriteError(w, r, s3err.ErrIncompleteBody)
		default:
			slog.Error("writing part", "bucket", bucket, "key", key, "part", partNumber, "error", err)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
		}
		return
	}

	part := &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         counted.n,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}
	if err := h.meta.PutPart(r.Context(), part); err != nil {
		slog.Error("recording part", "upload_id", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// UploadPartCopy handles PUT /{bucket}/{key}?partNumber&uploadId with
// x-amz-copy-source: a part sourced from an existing object, optionally
// restricted to a byte range.
func (h *MultipartHandler) UploadPartCopy(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	q := r.URL.Query()
	partNumber, s3e := parsePartNumber(q.Get("partNumber"))
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}
	uploadID := q.Get("uploadId")
	if _, ok := h.requireUpload(w, r, bucket, key, uploadID); !ok {
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("x-amz-copy-source"))
	if !ok {
		xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.
			WithExtra("ArgumentName", "x-amz-copy-source").
			WithExtra("ArgumentValue", r.Header.Get("x-amz-copy-source")))
		return
	}
	srcRec, err := h.meta.GetBucket(r.Context(), srcBucket)
	if err != nil {
		slog.Error("checking bucket", "bucket", srcBucket, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if srcRec == nil {
		xmlutil.WriteError(w, r, s3err.ErrNoSuchBucket.WithExtra("BucketName", srcBucket))
		return
	}
	srcObj, err := h.meta.GetObject(r.Context(), srcBucket, srcKey)
	if err != nil {
		slog.Error("loading object", "bucket", srcBucket, "key", srcKey, "error", err)
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

	offset, length := int64(0), srcObj.Size
	if rangeHeader := r.Header.Get("x-amz-copy-source-range"); rangeHeader != "" {
		rng, rerr := parseRange(rangeHeader, srcObj.Size)
		if rerr != nil {
			xmlutil.WriteError(w, r, s3err.ErrInvalidRange.
				WithExtra("ActualObjectSize", strconv.FormatInt(srcObj.Size, 10)).
				WithExtra("RangeRequested", rangeHeader))
			return
		}
		if rng == nil {
			// Unlike Range on a GET, a copy range that does not parse is
			// an error rather than a full-object copy.
			xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.
				WithExtra("ArgumentName", "x-amz-copy-source-range").
				WithExtra("ArgumentValue", rangeHeader))
			return
		}
		offset, length = rng.start, rng.length()
	}
	if h.maxObjectSize > 0 && length > h.maxObjectSize {
		xmlutil.WriteError(w, r, entityTooLarge(h.maxObjectSize, length))
		return
	}

	rc, err := h.store.GetObjectRange(r.Context(), srcBucket, srcKey, offset, length)
	if err != nil {
		slog.Error("reading copy source", "bucket", srcBucket, "key", srcKey, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	defer rc.Close()

	etag, err := h.store.PutPart(r.Context(), bucket, key, uploadID, partNumber, rc, length)
	if err != nil {
		slog.Error("writing part", "bucket", bucket, "key", key, "part", partNumber, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	part := &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         length,
		ETag:         etag,
		LastModified: now,
	}
	if err := h.meta.PutPart(r.Context(), part); err != nil {
		slog.Error("recording part", "upload_id", uploadID, "part", partNumber, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.Write(w, http.StatusOK, xmlutil.CopyPartResult{
		ETag:         etag,
		LastModified: xmlutil.FormatTimeS3(now),
	})
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId. The
// listed parts are validated against the catalog, assembled in the
// backend, and committed to the catalog in one transaction. That
// transaction serializes racing completes: whoever claims the upload
// row wins, everyone else sees NoSuchUpload. The staged part blobs are
// only dropped after the commit, so a loser mid-flight can still read
// them and a failed commit leaves the upload retryable.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	uploadID := r.URL.Query().Get("uploadId")
	upload, ok := h.requireUpload(w, r, bucket, key, uploadID)
	if !ok {
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
	var req xmlutil.CompleteMultipartUpload
	if err := xml.Unmarshal(body, &req); err != nil {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(req.Parts) == 0 {
		xmlutil.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	for i := 1; i < len(req.Parts); i++ {
		if req.Parts[i].PartNumber <= req.Parts[i-1].PartNumber {
			xmlutil.WriteError(w, r, s3err.ErrInvalidPartOrder.WithExtra("UploadId", uploadID))
			return
		}
	}

	partNumbers := make([]int, 0, len(req.Parts))
	for _, p := range req.Parts {
		partNumbers = append(partNumbers, p.PartNumber)
	}
	stored, err := h.meta.GetParts(r.Context(), uploadID, partNumbers)
	if err != nil {
		slog.Error("loading parts", "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	byNumber := make(map[int]metadata.PartRecord, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	var totalSize int64
	partETags := make([]string, 0, len(req.Parts))
	for i, p := range req.Parts {
		rec, found := byNumber[p.PartNumber]
		if !found || trimETag(p.ETag) != trimETag(rec.ETag) {
			xmlutil.WriteError(w, r, s3err.ErrInvalidPart.
				WithExtra("UploadId", uploadID).
				WithExtra("PartNumber", strconv.Itoa(p.PartNumber)))
			return
		}
		// Only the final listed part may be under the minimum.
		if i < len(req.Parts)-1 && rec.Size < minPartSize {
			xmlutil.WriteError(w, r, s3err.ErrEntityTooSmall.
				WithExtra("PartNumber", strconv.Itoa(p.PartNumber)).
				WithExtra("ProposedSize", strconv.FormatInt(rec.Size, 10)).
				WithExtra("MinSizeAllowed", strconv.Itoa(minPartSize)))
			return
		}
		totalSize += rec.Size
		partETags = append(partETags, rec.ETag)
	}

	compositeETag, err := computeCompositeETag(partETags)
	if err != nil {
		slog.Error("computing composite etag", "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	// Assemble before touching the catalog: the finished blob must be
	// durable before the object row appears.
	if err := h.store.AssembleParts(r.Context(), bucket, key, uploadID, partNumbers); err != nil {
		// A concurrent complete may have claimed the upload and dropped
		// the staged parts between validation and assembly.
		if u, lookupErr := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID); lookupErr == nil && u == nil {
			xmlutil.WriteError(w, r, s3err.ErrNoSuchUpload.WithExtra("UploadId", uploadID))
			return
		}
		slog.Error("assembling parts", "bucket", bucket, "key", key, "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	obj := &metadata.ObjectRecord{
		Bucket:             bucket,
		Key:                key,
		Size:               totalSize,
		ETag:               compositeETag,
		ContentType:        upload.ContentType,
		ContentEncoding:    upload.ContentEncoding,
		ContentLanguage:    upload.ContentLanguage,
		ContentDisposition: upload.ContentDisposition,
		CacheControl:       upload.CacheControl,
		Expires:            upload.Expires,
		StorageClass:       upload.StorageClass,
		ACL:                upload.ACL,
		UserMetadata:       upload.UserMetadata,
		LastModified:       time.Now().UTC(),
	}
	if err := h.meta.CompleteMultipartUpload(r.Context(), bucket, key, uploadID, obj); err != nil {
		if errors.Is(err, metadata.ErrUploadNotFound) {
			// A concurrent complete or abort claimed the upload first.
			xmlutil.WriteError(w, r, s3err.ErrNoSuchUpload.WithExtra("UploadId", uploadID))
			return
		}
		slog.Error("completing upload", "bucket", bucket, "key", key, "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}

	// The object row is committed; the staged parts are garbage now.
	if err := h.store.DeleteParts(r.Context(), bucket, key, uploadID); err != nil {
		slog.Warn("deleting staged parts", "upload_id", uploadID, "error", err)
	}

	xmlutil.Write(w, http.StatusOK, xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     compositeETag,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId. The
// catalog rows are claimed first; part blobs are cleaned up best-effort
// afterward.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	if err := h.meta.AbortMultipartUpload(r.Context(), bucket, key, uploadID); err != nil {
		if errors.Is(err, metadata.ErrUploadNotFound) {
			xmlutil.WriteError(w, r, s3err.ErrNoSuchUpload.WithExtra("UploadId", uploadID))
			return
		}
		slog.Error("aborting upload", "bucket", bucket, "key", key, "upload_id", uploadID, "error", err)
		xmlutil.WriteError(w, r, s3err.ErrInternalError)
		return
	}
	if err := h.store.DeleteParts(r.Context(), bucket, key, uploadID); err != nil {
		slog.Warn("deleting staged parts", "upload_id", uploadID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads, paginated by the
// composite (key-marker, upload-id-marker) cursor.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	q := r.URL.Query()
	maxUploads, s3e := parseMaxParam(q, "max-uploads", maxListResults)
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
	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")

	result := &metadata.ListUploadsResult{}
	if maxUploads > 0 {
		var err error
		result, err = h.meta.ListMultipartUploads(r.Context(), bucket, metadata.ListUploadsOptions{
			Prefix:         prefix,
			Delimiter:      delimiter,
			KeyMarker:      keyMarker,
			UploadIDMarker: uploadIDMarker,
			MaxUploads:     maxUploads,
		})
		if err != nil {
			slog.Error("listing uploads", "bucket", bucket, "error", err)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
			return
		}
	}

	out := xmlutil.ListMultipartUploadsResult{
		Bucket:             bucket,
		KeyMarker:          xmlutil.EncodeKey(keyMarker, encodingType),
		UploadIDMarker:     uploadIDMarker,
		NextKeyMarker:      xmlutil.EncodeKey(result.NextKeyMarker, encodingType),
		NextUploadIDMarker: result.NextUploadIDMarker,
		MaxUploads:         maxUploads,
		EncodingType:       encodingType,
		IsTruncated:        result.IsTruncated,
	}
	for _, u := range result.Uploads {
		storageClass := u.StorageClass
		if storageClass == "" {
			storageClass = defaultStorageClass
		}
		initiator := xmlutil.Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay}
		out.Uploads = append(out.Uploads, xmlutil.Upload{
			Key:          xmlutil.EncodeKey(u.Key, encodingType),
			UploadID:     u.UploadID,
			Initiator:    initiator,
			Owner:        initiator,
			StorageClass: storageClass,
			Initiated:    xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}
	for _, p := range result.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, xmlutil.CommonPrefix{
			Prefix: xmlutil.EncodeKey(p, encodingType),
		})
	}
	xmlutil.Write(w, http.StatusOK, out)
}

// ListParts handles GET /{bucket}/{key}?uploadId, paginated by part
// number.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if _, ok := requireBucket(w, r, h.meta, bucket); !ok {
		return
	}
	q := r.URL.Query()
	uploadID := q.Get("uploadId")
	upload, ok := h.requireUpload(w, r, bucket, key, uploadID)
	if !ok {
		return
	}
	maxParts, s3e := parseMaxParam(q, "max-parts", maxListResults)
	if s3e != nil {
		xmlutil.WriteError(w, r, s3e)
		return
	}
	marker := 0
	if raw := q.Get("part-number-marker"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			xmlutil.WriteError(w, r, s3err.ErrInvalidArgument.
				WithExtra("ArgumentName", "part-number-marker").
				WithExtra("ArgumentValue", raw))
			return
		}
		marker = n
	}

	result := &metadata.ListPartsResult{}
	if maxParts > 0 {
		var err error
		result, err = h.meta.ListParts(r.Context(), uploadID, metadata.ListPartsOptions{
			PartNumberMarker: marker,
			MaxParts:         maxParts,
		})
		if err != nil {
			slog.Error("listing parts", "upload_id", uploadID, "error", err)
			xmlutil.WriteError(w, r, s3err.ErrInternalError)
			return
		}
	}

	storageClass := upload.StorageClass
	if storageClass == "" {
		storageClass = defaultStorageClass
	}
	initiator := xmlutil.Owner{ID: upload.OwnerID, DisplayName: upload.OwnerDisplay}
	out := xmlutil.ListPartsResult{
		Bucket:               bucket,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     marker,
		NextPartNumberMarker: result.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          result.IsTruncated,
		Initiator:            initiator,
		Owner:                initiator,
		StorageClass:         storageClass,
	}
	for _, p := range result.Parts {
		out.Parts = append(out.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}
	xmlutil.Write(w, http.StatusOK, out)
}
