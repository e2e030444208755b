package handlers

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// newTestObjectHandler builds an ObjectHandler over a real SQLite catalog
// and local backend in temp dirs, with "test-bucket" already created. Tests
// reach the catalog and backend through the handler's fields.
func newTestObjectHandler(t *testing.T) *ObjectHandler {
	t.Helper()

	meta, err := metadata.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	store, err := storage.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}

	h := NewObjectHandler(meta, store, "bleepstore", "bleepstore", 0)
	seedBucket(t, h, "test-bucket")
	return h
}

func seedBucket(t *testing.T, h *ObjectHandler, name string) {
	t.Helper()

	ctx := context.Background()
	if err := h.store.CreateBucket(ctx, name); err != nil {
		t.Fatalf("backend CreateBucket failed: %v", err)
	}
	err := h.meta.CreateBucket(ctx, &metadata.BucketRecord{
		Name:         name,
		Region:       "us-east-1",
		OwnerID:      "bleepstore",
		OwnerDisplay: "bleepstore",
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("seeding bucket failed: %v", err)
	}
}

// putObject uploads body under the key and returns the response ETag. The
// request target is path-escaped so keys with spaces stay valid URLs.
func putObject(t *testing.T, h *ObjectHandler, bucket, key, body string) string {
	t.Helper()

	target := (&url.URL{Path: "/" + bucket + "/" + key}).String()
	req := httptest.NewRequest(http.MethodPut, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, bucket, key)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject %s/%s: status = %d, body = %s", bucket, key, rec.Code, rec.Body.String())
	}
	return rec.Header().Get("ETag")
}

func quotedMD5(body string) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum([]byte(body))))
}

// opaqueReader hides the concrete reader type so httptest.NewRequest leaves
// ContentLength at -1, the way a chunked upload arrives.
type opaqueReader struct{ io.Reader }

func TestPutAndGetObject(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/hello.txt", strings.NewReader("hello world"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "hello.txt")

	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d, body = %s", rec.Code, rec.Body.String())
	}
	wantETag := quotedMD5("hello world")
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Errorf("ETag = %q, want %q", got, wantETag)
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/hello.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "hello.txt")

	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "hello world" {
		t.Errorf("body = %q, want %q", got, "hello world")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "11" {
		t.Errorf("Content-Length = %q, want 11", got)
	}
	if got := rec.Header().Get("ETag"); got != wantETag {
		t.Errorf("ETag = %q, want %q", got, wantETag)
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("Last-Modified not set")
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", got)
	}
}

func TestPutObjectMissingContentLength(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/x", opaqueReader{strings.NewReader("data")})
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "x")

	if rec.Code != http.StatusLengthRequired {
		t.Fatalf("status = %d, want 411", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "MissingContentLength") {
		t.Errorf("body = %s, want MissingContentLength", rec.Body.String())
	}
}

func TestPutObjectTooLarge(t *testing.T) {
	h := newTestObjectHandler(t)
	capped := NewObjectHandler(h.meta, h.store, "bleepstore", "bleepstore", 4)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/big", strings.NewReader("way too big"))
	rec := httptest.NewRecorder()
	capped.PutObject(rec, req, "test-bucket", "big")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "EntityTooLarge") {
		t.Errorf("body = %s, want EntityTooLarge", rec.Body.String())
	}
}

func TestPutObjectChunkedTooLarge(t *testing.T) {
	h := newTestObjectHandler(t)
	capped := NewObjectHandler(h.meta, h.store, "bleepstore", "bleepstore", 4)

	// No declared length, so the stream itself has to trip the cap.
	req := httptest.NewRequest(http.MethodPut, "/test-bucket/big", opaqueReader{strings.NewReader("way too big")})
	req.TransferEncoding = []string{"chunked"}
	rec := httptest.NewRecorder()
	capped.PutObject(rec, req, "test-bucket", "big")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "EntityTooLarge") {
		t.Errorf("body = %s, want EntityTooLarge", rec.Body.String())
	}

	obj, err := h.meta.GetObject(context.Background(), "test-bucket", "big")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if obj != nil {
		t.Error("oversized upload left a catalog record")
	}
}

func TestPutObjectContentMD5(t *testing.T) {
	h := newTestObjectHandler(t)

	sum := md5.Sum([]byte("checked body"))
	req := httptest.NewRequest(http.MethodPut, "/test-bucket/ok", strings.NewReader("checked body"))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "ok")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPutObjectBadDigest(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/bad", strings.NewReader("actual body"))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(make([]byte, md5.Size)))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "bad")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "BadDigest") {
		t.Errorf("body = %s, want BadDigest", rec.Body.String())
	}

	// Neither the catalog nor the backend should hold the rejected body.
	obj, err := h.meta.GetObject(context.Background(), "test-bucket", "bad")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if obj != nil {
		t.Error("rejected upload left a catalog record")
	}
	if _, _, err := h.store.GetObject(context.Background(), "test-bucket", "bad"); err == nil {
		t.Error("rejected upload left a committed blob")
	}
}

func TestPutObjectBadDigestKeepsPrevious(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "keep.txt", "original")

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/keep.txt", strings.NewReader("overwrite attempt"))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(make([]byte, md5.Size)))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "keep.txt")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/keep.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "keep.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "original" {
		t.Errorf("body = %q, want the original content back", got)
	}
}

func TestPutObjectInvalidDigestHeader(t *testing.T) {
	h := newTestObjectHandler(t)

	tests := []string{
		"not base64 at all!",
		base64.StdEncoding.EncodeToString([]byte("too short")),
	}
	for _, digest := range tests {
		req := httptest.NewRequest(http.MethodPut, "/test-bucket/x", strings.NewReader("body"))
		req.Header.Set("Content-MD5", digest)
		rec := httptest.NewRecorder()
		h.PutObject(rec, req, "test-bucket", "x")

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", digest, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "InvalidDigest") {
			t.Errorf("%q: body = %s, want InvalidDigest", digest, rec.Body.String())
		}
	}
}

func TestPutObjectOverwrite(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "versioned.txt", "first")
	etag2 := putObject(t, h, "test-bucket", "versioned.txt", "second version")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/versioned.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "versioned.txt")

	if got := rec.Body.String(); got != "second version" {
		t.Errorf("body = %q, want %q", got, "second version")
	}
	if got := rec.Header().Get("ETag"); got != etag2 {
		t.Errorf("ETag = %q, want %q", got, etag2)
	}
	if got := rec.Header().Get("Content-Length"); got != "14" {
		t.Errorf("Content-Length = %q, want 14", got)
	}
}

func TestPutObjectUserMetadata(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/tagged", strings.NewReader("data"))
	req.Header.Set("x-amz-meta-Color", "blue")
	req.Header.Set("x-amz-meta-shape", "square")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "tagged")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/tagged", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "tagged")

	// Names come back lowercased.
	if got := rec.Header().Get("x-amz-meta-color"); got != "blue" {
		t.Errorf("x-amz-meta-color = %q, want blue", got)
	}
	if got := rec.Header().Get("x-amz-meta-shape"); got != "square" {
		t.Errorf("x-amz-meta-shape = %q, want square", got)
	}
}

func TestPutObjectContentHeaders(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/styled", strings.NewReader("data"))
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Language", "en")
	req.Header.Set("Content-Disposition", `attachment; filename="styled.bin"`)
	req.Header.Set("Cache-Control", "max-age=60")
	req.Header.Set("Expires", "Wed, 21 Oct 2026 07:28:00 GMT")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "styled")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/styled", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "styled")

	want := map[string]string{
		"Content-Encoding":    "gzip",
		"Content-Language":    "en",
		"Content-Disposition": `attachment; filename="styled.bin"`,
		"Cache-Control":       "max-age=60",
		"Expires":             "Wed, 21 Oct 2026 07:28:00 GMT",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestPutObjectStorageClass(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/cold", strings.NewReader("data"))
	req.Header.Set("x-amz-storage-class", "REDUCED_REDUNDANCY")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "cold")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/cold", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cold")
	if got := rec.Header().Get("x-amz-storage-class"); got != "REDUCED_REDUNDANCY" {
		t.Errorf("x-amz-storage-class = %q, want REDUCED_REDUNDANCY", got)
	}

	// STANDARD objects do not advertise a storage class header.
	putObject(t, h, "test-bucket", "warm", "data")
	req = httptest.NewRequest(http.MethodGet, "/test-bucket/warm", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "warm")
	if got := rec.Header().Get("x-amz-storage-class"); got != "" {
		t.Errorf("x-amz-storage-class = %q, want unset", got)
	}
}

func TestPutObjectDefaultContentType(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "untyped", "data")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/untyped", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "untyped")

	if got := rec.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want application/octet-stream", got)
	}
}

func TestPutObjectEmptyBody(t *testing.T) {
	h := newTestObjectHandler(t)

	etag := putObject(t, h, "test-bucket", "empty", "")
	if want := quotedMD5(""); etag != want {
		t.Errorf("ETag = %q, want %q", etag, want)
	}

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/empty", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "empty")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "0" {
		t.Errorf("Content-Length = %q, want 0", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestPutObjectNestedKey(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "a/b/c/deep.txt", "nested")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/a/b/c/deep.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "a/b/c/deep.txt")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "nested" {
		t.Errorf("body = %q, want nested", got)
	}
}

func TestPutObjectKeyTooLong(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/long", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", strings.Repeat("k", 1025))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "KeyTooLongError") {
		t.Errorf("body = %s, want KeyTooLongError", rec.Body.String())
	}
}

func TestPutObjectKeyControlCharacters(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/ctl", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "bad\x01key")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "InvalidArgument") {
		t.Errorf("body = %s, want InvalidArgument", rec.Body.String())
	}
}

func TestPutObjectNoSuchBucket(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/ghost/x", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "ghost", "x")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchBucket") {
		t.Errorf("body = %s, want NoSuchBucket", rec.Body.String())
	}
}

func TestGetObjectNotFound(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/missing.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "missing.txt")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("body = %s, want NoSuchKey", rec.Body.String())
	}
}

func TestHeadObject(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/head.txt", strings.NewReader("head me"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "head.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodHead, "/test-bucket/head.txt", nil)
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req, "test-bucket", "head.txt")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "7" {
		t.Errorf("Content-Length = %q, want 7", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response has body: %q", rec.Body.String())
	}
}

func TestHeadObjectNotFoundIsBare(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodHead, "/test-bucket/missing", nil)
	rec := httptest.NewRecorder()
	h.HeadObject(rec, req, "test-bucket", "missing")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD error carries a body: %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodHead, "/ghost/missing", nil)
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req, "ghost", "missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing bucket: status = %d, want 404", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD error carries a body: %q", rec.Body.String())
	}
}

func TestDeleteObject(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "doomed.txt", "bye")

	req := httptest.NewRequest(http.MethodDelete, "/test-bucket/doomed.txt", nil)
	rec := httptest.NewRecorder()
	h.DeleteObject(rec, req, "test-bucket", "doomed.txt")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/doomed.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "doomed.txt")
	if rec.Code != http.StatusNotFound {
		t.Errorf("object still readable after delete: status = %d", rec.Code)
	}
}

func TestDeleteObjectIdempotent(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodDelete, "/test-bucket/never-existed", nil)
	rec := httptest.NewRecorder()
	h.DeleteObject(rec, req, "test-bucket", "never-existed")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestDeleteObjects(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "a.txt", "a")
	putObject(t, h, "test-bucket", "b.txt", "b")
	putObject(t, h, "test-bucket", "c.txt", "c")

	body := `<Delete>
  <Object><Key>a.txt</Key></Object>
  <Object><Key>b.txt</Key></Object>
  <Object><Key>never-existed.txt</Key></Object>
</Delete>`
	req := httptest.NewRequest(http.MethodPost, "/test-bucket?delete", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, req, "test-bucket")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result xmlutil.DeleteResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	// Absent keys still count as deleted.
	if len(result.Deleted) != 3 {
		t.Fatalf("got %d deleted, want 3: %+v", len(result.Deleted), result)
	}
	if len(result.Errors) != 0 {
		t.Errorf("got %d errors, want 0: %+v", len(result.Errors), result.Errors)
	}

	for _, key := range []string{"a.txt", "b.txt"} {
		obj, err := h.meta.GetObject(context.Background(), "test-bucket", key)
		if err != nil {
			t.Fatalf("GetObject failed: %v", err)
		}
		if obj != nil {
			t.Errorf("%s still present after batch delete", key)
		}
	}
	if obj, _ := h.meta.GetObject(context.Background(), "test-bucket", "c.txt"); obj == nil {
		t.Error("c.txt was deleted but not requested")
	}
}

func TestDeleteObjectsQuietMode(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "q.txt", "q")

	body := `<Delete>
  <Quiet>true</Quiet>
  <Object><Key>q.txt</Key></Object>
</Delete>`
	req := httptest.NewRequest(http.MethodPost, "/test-bucket?delete", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, req, "test-bucket")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result xmlutil.DeleteResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(result.Deleted) != 0 {
		t.Errorf("quiet mode returned %d deleted entries", len(result.Deleted))
	}
}

func TestDeleteObjectsMalformedXML(t *testing.T) {
	h := newTestObjectHandler(t)

	bodies := []string{
		"",
		"this is not xml",
		"<Delete></Delete>",
	}
	for _, body := range bodies {
		req := httptest.NewRequest(http.MethodPost, "/test-bucket?delete", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.DeleteObjects(rec, req, "test-bucket")

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "MalformedXML") {
			t.Errorf("%q: body = %s, want MalformedXML", body, rec.Body.String())
		}
	}
}

func TestDeleteObjectsTooManyKeys(t *testing.T) {
	h := newTestObjectHandler(t)

	var sb strings.Builder
	sb.WriteString("<Delete>")
	for i := 0; i < maxBatchDelete+1; i++ {
		fmt.Fprintf(&sb, "<Object><Key>k-%d</Key></Object>", i)
	}
	sb.WriteString("</Delete>")

	req := httptest.NewRequest(http.MethodPost, "/test-bucket?delete", strings.NewReader(sb.String()))
	rec := httptest.NewRecorder()
	h.DeleteObjects(rec, req, "test-bucket")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "MalformedXML") {
		t.Errorf("body = %s, want MalformedXML", rec.Body.String())
	}
}

func TestCopyObject(t *testing.T) {
	h := newTestObjectHandler(t)
	seedBucket(t, h, "other-bucket")

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/src.txt", strings.NewReader("copy me"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("x-amz-meta-origin", "source")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "src.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}
	srcETag := rec.Header().Get("ETag")

	req = httptest.NewRequest(http.MethodPut, "/other-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/test-bucket/src.txt")
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req, "other-bucket", "dst.txt")

	if rec.Code != http.StatusOK {
		t.Fatalf("CopyObject status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result xmlutil.CopyObjectResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if result.ETag != srcETag {
		t.Errorf("ETag = %q, want %q", result.ETag, srcETag)
	}
	if result.LastModified == "" {
		t.Error("LastModified is empty")
	}

	req = httptest.NewRequest(http.MethodGet, "/other-bucket/dst.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "other-bucket", "dst.txt")
	if got := rec.Body.String(); got != "copy me" {
		t.Errorf("body = %q, want %q", got, "copy me")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if got := rec.Header().Get("x-amz-meta-origin"); got != "source" {
		t.Errorf("x-amz-meta-origin = %q, want source", got)
	}
}

func TestCopyObjectReplaceDirective(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/src.txt", strings.NewReader("content"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("x-amz-meta-origin", "source")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "src.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/test-bucket/src.txt")
	req.Header.Set("x-amz-metadata-directive", "REPLACE")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amz-meta-fresh", "yes")
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("CopyObject status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/dst.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "dst.txt")
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := rec.Header().Get("x-amz-meta-fresh"); got != "yes" {
		t.Errorf("x-amz-meta-fresh = %q, want yes", got)
	}
	if got := rec.Header().Get("x-amz-meta-origin"); got != "" {
		t.Errorf("x-amz-meta-origin = %q, want dropped under REPLACE", got)
	}
}

func TestCopyObjectInvalidDirective(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "src.txt", "content")

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/test-bucket/src.txt")
	req.Header.Set("x-amz-metadata-directive", "MUTATE")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "InvalidArgument") {
		t.Errorf("body = %s, want InvalidArgument", rec.Body.String())
	}
}

func TestCopyObjectNonexistentSource(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/test-bucket/no-such-src.txt")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("body = %s, want NoSuchKey", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/ghost-bucket/src.txt")
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchBucket") {
		t.Errorf("body = %s, want NoSuchBucket", rec.Body.String())
	}
}

func TestCopyObjectInvalidSourceFormat(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "no-slash-here")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "InvalidArgument") {
		t.Errorf("body = %s, want InvalidArgument", rec.Body.String())
	}
}

func TestCopyObjectURLEncodedSource(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "my file.txt", "spaced out")

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/test-bucket/my%20file.txt")
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/dst.txt", nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "dst.txt")
	if got := rec.Body.String(); got != "spaced out" {
		t.Errorf("body = %q, want %q", got, "spaced out")
	}
}

func TestCopyObjectConditionals(t *testing.T) {
	h := newTestObjectHandler(t)
	etag := putObject(t, h, "test-bucket", "src.txt", "conditional")

	// A failed source condition refuses the copy with 412.
	req := httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/test-bucket/src.txt")
	req.Header.Set("x-amz-copy-source-if-match", `"0000deadbeef"`)
	rec := httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("if-match mismatch: status = %d, want 412", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "PreconditionFailed") {
		t.Errorf("body = %s, want PreconditionFailed", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/test-bucket/src.txt")
	req.Header.Set("x-amz-copy-source-if-none-match", etag)
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("if-none-match hit: status = %d, want 412", rec.Code)
	}

	// A satisfied condition lets the copy through.
	req = httptest.NewRequest(http.MethodPut, "/test-bucket/dst.txt", nil)
	req.Header.Set("x-amz-copy-source", "/test-bucket/src.txt")
	req.Header.Set("x-amz-copy-source-if-match", etag)
	rec = httptest.NewRecorder()
	h.CopyObject(rec, req, "test-bucket", "dst.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("if-match hit: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestParseCopySource(t *testing.T) {
	tests := []struct {
		raw    string
		bucket string
		key    string
		ok     bool
	}{
		{"bucket/key.txt", "bucket", "key.txt", true},
		{"/bucket/key.txt", "bucket", "key.txt", true},
		{"bucket/nested/path/key.txt", "bucket", "nested/path/key.txt", true},
		{"bucket/key.txt?versionId=null", "bucket", "key.txt", true},
		{"bucket/my%20file.txt", "bucket", "my file.txt", true},
		{"just-a-bucket", "", "", false},
		{"/bucket/", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		bucket, key, ok := parseCopySource(tt.raw)
		if bucket != tt.bucket || key != tt.key || ok != tt.ok {
			t.Errorf("parseCopySource(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.raw, bucket, key, ok, tt.bucket, tt.key, tt.ok)
		}
	}
}

func TestExtractUserMetadata(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/b/k", nil)
	req.Header.Set("x-amz-meta-Color", "blue")
	req.Header.Set("X-Amz-Meta-SHAPE", "square")
	req.Header.Set("Content-Type", "text/plain")

	meta := extractUserMetadata(req)
	if len(meta) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(meta), meta)
	}
	if meta["color"] != "blue" || meta["shape"] != "square" {
		t.Errorf("meta = %+v, want lowercased keys color and shape", meta)
	}

	req = httptest.NewRequest(http.MethodPut, "/b/k", nil)
	if got := extractUserMetadata(req); got != nil {
		t.Errorf("no metadata headers: got %+v, want nil", got)
	}
}

func putTestObjects(t *testing.T, h *ObjectHandler, keys []string) {
	t.Helper()
	for _, key := range keys {
		putObject(t, h, "test-bucket", key, "content of "+key)
	}
}

func TestListObjectsV2(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"b.txt", "a.txt", "c.txt"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket?list-type=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req, "test-bucket")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if result.Name != "test-bucket" {
		t.Errorf("Name = %q, want test-bucket", result.Name)
	}
	if result.KeyCount != 3 {
		t.Errorf("KeyCount = %d, want 3", result.KeyCount)
	}
	if result.MaxKeys != 1000 {
		t.Errorf("MaxKeys = %d, want 1000", result.MaxKeys)
	}
	if result.IsTruncated {
		t.Error("IsTruncated = true for a complete listing")
	}
	if len(result.Contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(result.Contents))
	}
	// Lexicographic key order regardless of upload order.
	for i, want := range []string{"a.txt", "b.txt", "c.txt"} {
		if result.Contents[i].Key != want {
			t.Errorf("Contents[%d].Key = %q, want %q", i, result.Contents[i].Key, want)
		}
	}
	// Owner only appears with fetch-owner.
	if result.Contents[0].Owner != nil {
		t.Error("Owner present without fetch-owner")
	}
	if result.Contents[0].StorageClass != "STANDARD" {
		t.Errorf("StorageClass = %q, want STANDARD", result.Contents[0].StorageClass)
	}
}

func TestListObjectsV2FetchOwner(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"a.txt"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket?list-type=2&fetch-owner=true", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req, "test-bucket")

	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if result.Contents[0].Owner == nil {
		t.Fatal("Owner missing with fetch-owner=true")
	}
	if result.Contents[0].Owner.ID != "bleepstore" {
		t.Errorf("Owner.ID = %q, want bleepstore", result.Contents[0].Owner.ID)
	}
}

func TestListObjectsV2WithPrefix(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"docs/a.txt", "docs/b.txt", "pics/c.png"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket?list-type=2&prefix=docs/", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req, "test-bucket")

	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if result.Prefix != "docs/" {
		t.Errorf("Prefix = %q, want docs/", result.Prefix)
	}
	if len(result.Contents) != 2 {
		t.Fatalf("got %d contents, want 2", len(result.Contents))
	}
	for _, obj := range result.Contents {
		if !strings.HasPrefix(obj.Key, "docs/") {
			t.Errorf("key %q outside prefix", obj.Key)
		}
	}
}

func TestListObjectsV2WithDelimiter(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"top.txt", "docs/a.txt", "docs/b.txt", "pics/c.png"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket?list-type=2&delimiter=/", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req, "test-bucket")

	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].Key != "top.txt" {
		t.Errorf("Contents = %+v, want only top.txt", result.Contents)
	}
	if len(result.CommonPrefixes) != 2 {
		t.Fatalf("got %d common prefixes, want 2", len(result.CommonPrefixes))
	}
	if result.CommonPrefixes[0].Prefix != "docs/" || result.CommonPrefixes[1].Prefix != "pics/" {
		t.Errorf("CommonPrefixes = %+v, want docs/ and pics/", result.CommonPrefixes)
	}
	// KeyCount counts keys and rolled-up prefixes together.
	if result.KeyCount != 3 {
		t.Errorf("KeyCount = %d, want 3", result.KeyCount)
	}
}

func TestListObjectsV2Pagination(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"a", "b", "c", "d", "e"})

	var keys []string
	token := ""
	for page := 0; page < 5; page++ {
		target := "/test-bucket?list-type=2&max-keys=2"
		if token != "" {
			target += "&continuation-token=" + token
		}
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		h.ListObjectsV2(rec, req, "test-bucket")
		if rec.Code != http.StatusOK {
			t.Fatalf("page %d: status = %d", page, rec.Code)
		}

		var result xmlutil.ListBucketV2Result
		if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		for _, obj := range result.Contents {
			keys = append(keys, obj.Key)
		}
		if !result.IsTruncated {
			break
		}
		if result.NextContinuationToken == "" {
			t.Fatal("truncated page without NextContinuationToken")
		}
		token = result.NextContinuationToken
	}

	want := []string{"a", "b", "c", "d", "e"}
	if len(keys) != len(want) {
		t.Fatalf("collected %d keys, want %d: %v", len(keys), len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestListObjectsV2StartAfter(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"a", "b", "c"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket?list-type=2&start-after=a", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req, "test-bucket")

	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(result.Contents) != 2 {
		t.Fatalf("got %d contents, want 2", len(result.Contents))
	}
	if result.Contents[0].Key != "b" || result.Contents[1].Key != "c" {
		t.Errorf("contents = %+v, want b then c", result.Contents)
	}
	if result.StartAfter != "a" {
		t.Errorf("StartAfter = %q, want a", result.StartAfter)
	}
}

func TestListObjectsV2MaxKeysZero(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"a", "b"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket?list-type=2&max-keys=0", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req, "test-bucket")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(result.Contents) != 0 || result.KeyCount != 0 {
		t.Errorf("max-keys=0 returned contents: %+v", result)
	}
	if result.IsTruncated {
		t.Error("max-keys=0 reported IsTruncated")
	}
}

func TestListObjectsV2EncodingType(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"docs/a b.txt"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket?list-type=2&encoding-type=url", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req, "test-bucket")

	var result xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if result.EncodingType != "url" {
		t.Errorf("EncodingType = %q, want url", result.EncodingType)
	}
	if len(result.Contents) != 1 || result.Contents[0].Key != "docs/a%20b.txt" {
		t.Errorf("Contents = %+v, want docs/a%%20b.txt", result.Contents)
	}
}

func TestListObjectsInvalidParams(t *testing.T) {
	h := newTestObjectHandler(t)

	for _, target := range []string{
		"/test-bucket?list-type=2&max-keys=-1",
		"/test-bucket?list-type=2&max-keys=abc",
		"/test-bucket?list-type=2&encoding-type=base64",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		h.ListObjectsV2(rec, req, "test-bucket")

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "InvalidArgument") {
			t.Errorf("%s: body = %s, want InvalidArgument", target, rec.Body.String())
		}
	}
}

func TestListObjectsV1(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"x", "y", "z"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket", nil)
	rec := httptest.NewRecorder()
	h.ListObjects(rec, req, "test-bucket")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result xmlutil.ListBucketResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if result.Name != "test-bucket" {
		t.Errorf("Name = %q, want test-bucket", result.Name)
	}
	if len(result.Contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(result.Contents))
	}
	// V1 always reports the owner.
	if result.Contents[0].Owner == nil || result.Contents[0].Owner.ID != "bleepstore" {
		t.Errorf("Contents[0].Owner = %+v, want bleepstore", result.Contents[0].Owner)
	}
}

func TestListObjectsV1WithMarker(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"a", "b", "c"})

	req := httptest.NewRequest(http.MethodGet, "/test-bucket?marker=a", nil)
	rec := httptest.NewRecorder()
	h.ListObjects(rec, req, "test-bucket")

	var result xmlutil.ListBucketResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if result.Marker != "a" {
		t.Errorf("Marker = %q, want a", result.Marker)
	}
	if len(result.Contents) != 2 {
		t.Fatalf("got %d contents, want 2", len(result.Contents))
	}
	if result.Contents[0].Key != "b" || result.Contents[1].Key != "c" {
		t.Errorf("contents = %+v, want b then c", result.Contents)
	}
}

func TestListObjectsV1NextMarkerNeedsDelimiter(t *testing.T) {
	h := newTestObjectHandler(t)
	putTestObjects(t, h, []string{"a", "b", "c"})

	// Truncated without a delimiter: no NextMarker, clients walk by last key.
	req := httptest.NewRequest(http.MethodGet, "/test-bucket?max-keys=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjects(rec, req, "test-bucket")

	var result xmlutil.ListBucketResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !result.IsTruncated {
		t.Fatal("IsTruncated = false, want true")
	}
	if result.NextMarker != "" {
		t.Errorf("NextMarker = %q, want empty without delimiter", result.NextMarker)
	}

	// With a delimiter the NextMarker is the last entry served.
	req = httptest.NewRequest(http.MethodGet, "/test-bucket?max-keys=2&delimiter=/", nil)
	rec = httptest.NewRecorder()
	h.ListObjects(rec, req, "test-bucket")

	result = xmlutil.ListBucketResult{}
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !result.IsTruncated {
		t.Fatal("IsTruncated = false, want true")
	}
	if result.NextMarker != "b" {
		t.Errorf("NextMarker = %q, want b", result.NextMarker)
	}
}

func TestListObjectsNoSuchBucket(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/ghost?list-type=2", nil)
	rec := httptest.NewRecorder()
	h.ListObjectsV2(rec, req, "ghost")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchBucket") {
		t.Errorf("body = %s, want NoSuchBucket", rec.Body.String())
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		size      int64
		wantRange bool
		wantErr   bool
		start     int64
		end       int64
	}{
		{"bytes=0-4", 10, true, false, 0, 4},
		{"bytes=5-", 10, true, false, 5, 9},
		{"bytes=-3", 10, true, false, 7, 9},
		{"bytes=0-100", 10, true, false, 0, 9},
		{"bytes=-20", 10, true, false, 0, 9},
		{"bytes=9-9", 10, true, false, 9, 9},
		{"bytes=5-2", 10, false, true, 0, 0},
		{"bytes=10-", 10, false, true, 0, 0},
		{"bytes=12-20", 10, false, true, 0, 0},
		{"bytes=-0", 10, false, true, 0, 0},
		{"bytes=-3", 0, false, true, 0, 0},
		{"", 10, false, false, 0, 0},
		{"bytes=0-1,3-4", 10, false, false, 0, 0},
		{"items=0-4", 10, false, false, 0, 0},
		{"bytes=abc-def", 10, false, false, 0, 0},
		{"bytes=15", 10, false, false, 0, 0},
	}

	for _, tt := range tests {
		rng, err := parseRange(tt.header, tt.size)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseRange(%q, %d): got nil error, want ErrInvalidRange", tt.header, tt.size)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseRange(%q, %d): unexpected error %v", tt.header, tt.size, err)
			continue
		}
		if tt.wantRange != (rng != nil) {
			t.Errorf("parseRange(%q, %d): range = %v, want present=%v", tt.header, tt.size, rng, tt.wantRange)
			continue
		}
		if rng != nil && (rng.start != tt.start || rng.end != tt.end) {
			t.Errorf("parseRange(%q, %d) = %d-%d, want %d-%d",
				tt.header, tt.size, rng.start, rng.end, tt.start, tt.end)
		}
	}
}

func TestGetObjectRangeFirstBytes(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "digits", "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/digits", nil)
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "digits")

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != "0123" {
		t.Errorf("body = %q, want 0123", got)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-3/10" {
		t.Errorf("Content-Range = %q, want bytes 0-3/10", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "4" {
		t.Errorf("Content-Length = %q, want 4", got)
	}
}

func TestGetObjectRangeOpenEnd(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "digits", "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/digits", nil)
	req.Header.Set("Range", "bytes=4-")
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "digits")

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != "456789" {
		t.Errorf("body = %q, want 456789", got)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 4-9/10" {
		t.Errorf("Content-Range = %q, want bytes 4-9/10", got)
	}
}

func TestGetObjectRangeSuffix(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "digits", "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/digits", nil)
	req.Header.Set("Range", "bytes=-4")
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "digits")

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != "6789" {
		t.Errorf("body = %q, want 6789", got)
	}
}

func TestGetObjectRangeUnsatisfiable(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "digits", "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/digits", nil)
	req.Header.Set("Range", "bytes=99-")
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "digits")

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */10" {
		t.Errorf("Content-Range = %q, want bytes */10", got)
	}
	if !strings.Contains(rec.Body.String(), "InvalidRange") {
		t.Errorf("body = %s, want InvalidRange", rec.Body.String())
	}
}

func TestGetObjectMultiRangeServedWhole(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "digits", "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/digits", nil)
	req.Header.Set("Range", "bytes=0-1,4-5")
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "digits")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a multi-range request", rec.Code)
	}
	if got := rec.Body.String(); got != "0123456789" {
		t.Errorf("body = %q, want the whole object", got)
	}
}

func TestHeadObjectRange(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "digits", "0123456789")

	req := httptest.NewRequest(http.MethodHead, "/test-bucket/digits", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	h.HeadObject(rec, req, "test-bucket", "digits")

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q, want bytes 2-5/10", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response has body: %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodHead, "/test-bucket/digits", nil)
	req.Header.Set("Range", "bytes=99-")
	rec = httptest.NewRecorder()
	h.HeadObject(rec, req, "test-bucket", "digits")
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD 416 carries a body: %q", rec.Body.String())
	}
}

func TestGetObjectIfMatch(t *testing.T) {
	h := newTestObjectHandler(t)
	etag := putObject(t, h, "test-bucket", "cond.txt", "conditional")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-Match", etag)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("matching If-Match: status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-Match", `"0000deadbeef"`)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("mismatched If-Match: status = %d, want 412", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "PreconditionFailed") {
		t.Errorf("body = %s, want PreconditionFailed", rec.Body.String())
	}
}

func TestGetObjectIfNoneMatch(t *testing.T) {
	h := newTestObjectHandler(t)
	etag := putObject(t, h, "test-bucket", "cond.txt", "conditional")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("304 carries a body: %q", rec.Body.String())
	}
	if got := rec.Header().Get("ETag"); got != etag {
		t.Errorf("ETag = %q, want %q", got, etag)
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-None-Match", "*")
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")
	if rec.Code != http.StatusNotModified {
		t.Fatalf("wildcard: status = %d, want 304", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-None-Match", `"0000deadbeef"`)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("mismatch: status = %d, want 200", rec.Code)
	}
}

func TestHeadObjectIfNoneMatch(t *testing.T) {
	h := newTestObjectHandler(t)
	etag := putObject(t, h, "test-bucket", "cond.txt", "conditional")

	req := httptest.NewRequest(http.MethodHead, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	h.HeadObject(rec, req, "test-bucket", "cond.txt")

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("304 carries a body: %q", rec.Body.String())
	}
}

func TestGetObjectIfModifiedSince(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "cond.txt", "conditional")

	obj, err := h.meta.GetObject(context.Background(), "test-bucket", "cond.txt")
	if err != nil || obj == nil {
		t.Fatalf("GetObject failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-Modified-Since", obj.LastModified.Add(time.Hour).UTC().Format(http.TimeFormat))
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")
	if rec.Code != http.StatusNotModified {
		t.Fatalf("future date: status = %d, want 304", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-Modified-Since", obj.LastModified.Add(-time.Hour).UTC().Format(http.TimeFormat))
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("past date: status = %d, want 200", rec.Code)
	}
}

func TestGetObjectIfUnmodifiedSince(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "cond.txt", "conditional")

	obj, err := h.meta.GetObject(context.Background(), "test-bucket", "cond.txt")
	if err != nil || obj == nil {
		t.Fatalf("GetObject failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-Unmodified-Since", obj.LastModified.Add(-time.Hour).UTC().Format(http.TimeFormat))
	rec := httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("past date: status = %d, want 412", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/cond.txt", nil)
	req.Header.Set("If-Unmodified-Since", obj.LastModified.Add(time.Hour).UTC().Format(http.TimeFormat))
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "cond.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("future date: status = %d, want 200", rec.Code)
	}
}

func TestConditionalEvaluation(t *testing.T) {
	etag := `"abc123"`
	lm := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	past := lm.Add(-time.Hour).Format(http.TimeFormat)
	future := lm.Add(time.Hour).Format(http.TimeFormat)

	tests := []struct {
		name string
		c    conditionalHeaders
		fail condOutcome
		want condOutcome
	}{
		{"no conditions", conditionalHeaders{}, condNotModified, condProceed},
		{"if-match hit", conditionalHeaders{ifMatch: `"abc123"`}, condNotModified, condProceed},
		{"if-match unquoted", conditionalHeaders{ifMatch: "abc123"}, condNotModified, condProceed},
		{"if-match weak validator", conditionalHeaders{ifMatch: `W/"abc123"`}, condNotModified, condProceed},
		{"if-match wildcard", conditionalHeaders{ifMatch: "*"}, condNotModified, condProceed},
		{"if-match miss", conditionalHeaders{ifMatch: `"zzz"`}, condNotModified, condPreconditionFailed},
		{"if-none-match hit on read", conditionalHeaders{ifNoneMatch: `"abc123"`}, condNotModified, condNotModified},
		{"if-none-match hit on copy", conditionalHeaders{ifNoneMatch: `"abc123"`}, condPreconditionFailed, condPreconditionFailed},
		{"if-none-match miss", conditionalHeaders{ifNoneMatch: `"zzz"`}, condNotModified, condProceed},
		{"if-none-match list", conditionalHeaders{ifNoneMatch: `"zzz", "abc123"`}, condNotModified, condNotModified},
		{"modified-since future", conditionalHeaders{ifModifiedSince: future}, condNotModified, condNotModified},
		{"modified-since past", conditionalHeaders{ifModifiedSince: past}, condNotModified, condProceed},
		{"unmodified-since past", conditionalHeaders{ifUnmodifiedSince: past}, condNotModified, condPreconditionFailed},
		{"unmodified-since future", conditionalHeaders{ifUnmodifiedSince: future}, condNotModified, condProceed},
		{"if-match shadows unmodified-since", conditionalHeaders{ifMatch: `"abc123"`, ifUnmodifiedSince: past}, condNotModified, condProceed},
		{"if-none-match shadows modified-since", conditionalHeaders{ifNoneMatch: `"zzz"`, ifModifiedSince: future}, condNotModified, condProceed},
		{"failed if-match wins", conditionalHeaders{ifMatch: `"zzz"`, ifNoneMatch: `"abc123"`}, condNotModified, condPreconditionFailed},
		{"unparsable date ignored", conditionalHeaders{ifModifiedSince: "not a date"}, condNotModified, condProceed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.evaluate(etag, lm, tt.fail); got != tt.want {
				t.Errorf("evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetObjectResponseOverrides(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/doc", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req, "test-bucket", "doc")
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d", rec.Code)
	}

	target := "/test-bucket/doc?response-content-type=application/json" +
		"&response-cache-control=no-cache&response-content-disposition=attachment"
	req = httptest.NewRequest(http.MethodGet, target, nil)
	rec = httptest.NewRecorder()
	h.GetObject(rec, req, "test-bucket", "doc")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != "attachment" {
		t.Errorf("Content-Disposition = %q, want attachment", got)
	}
}

func TestGetObjectAcl(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "acl.txt", "data")

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/acl.txt?acl", nil)
	rec := httptest.NewRecorder()
	h.GetObjectAcl(rec, req, "test-bucket", "acl.txt")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var policy xmlutil.AccessControlPolicy
	if err := xml.Unmarshal(rec.Body.Bytes(), &policy); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(policy.AccessControlList.Grants) != 1 {
		t.Fatalf("got %d grants, want 1", len(policy.AccessControlList.Grants))
	}
	if policy.AccessControlList.Grants[0].Permission != "FULL_CONTROL" {
		t.Errorf("Permission = %q, want FULL_CONTROL", policy.AccessControlList.Grants[0].Permission)
	}
}

func TestGetObjectAclNoSuchKey(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/test-bucket/ghost?acl", nil)
	rec := httptest.NewRecorder()
	h.GetObjectAcl(rec, req, "test-bucket", "ghost")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("body = %s, want NoSuchKey", rec.Body.String())
	}
}

func TestPutObjectAclCanned(t *testing.T) {
	h := newTestObjectHandler(t)
	putObject(t, h, "test-bucket", "acl.txt", "data")

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/acl.txt?acl", nil)
	req.Header.Set("x-amz-acl", "public-read")
	rec := httptest.NewRecorder()
	h.PutObjectAcl(rec, req, "test-bucket", "acl.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/test-bucket/acl.txt?acl", nil)
	rec = httptest.NewRecorder()
	h.GetObjectAcl(rec, req, "test-bucket", "acl.txt")

	var policy xmlutil.AccessControlPolicy
	if err := xml.Unmarshal(rec.Body.Bytes(), &policy); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(policy.AccessControlList.Grants) != 2 {
		t.Fatalf("got %d grants, want 2", len(policy.AccessControlList.Grants))
	}
	if policy.AccessControlList.Grants[1].Grantee.URI != allUsersGroup {
		t.Errorf("Grantee.URI = %q, want %q", policy.AccessControlList.Grants[1].Grantee.URI, allUsersGroup)
	}
}

func TestPutObjectAclNoSuchKey(t *testing.T) {
	h := newTestObjectHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/test-bucket/ghost?acl", nil)
	req.Header.Set("x-amz-acl", "private")
	rec := httptest.NewRecorder()
	h.PutObjectAcl(rec, req, "test-bucket", "ghost")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchKey") {
		t.Errorf("body = %s, want NoSuchKey", rec.Body.String())
	}
}
