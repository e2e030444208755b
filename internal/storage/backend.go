// Package storage implements the blob side of BleepStore: durable storage
// and retrieval of object payloads and staged multipart parts.
//
// Backends move raw bytes only. Object attributes -- size, ETag, content
// type, user metadata -- live in the metadata catalog, which is the source
// of truth. A payload with no catalog row is an orphan awaiting cleanup;
// a catalog row with no payload must never happen, so every write returns
// only after the bytes are durable and callers commit the catalog row
// afterwards.
//
// Six backends implement the interface: local filesystem (the reference),
// memory, sqlite, and gateways proxying to AWS S3, Google Cloud Storage,
// and Azure Blob Storage.
package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
)

// Backend stores and serves object payloads and multipart parts.
// Implementations must be safe for concurrent use.
type Backend interface {
	// PutObject stores the payload read from r and returns the byte count
	// and the quoted hex MD5 ETag. size is the declared Content-Length,
	// -1 when unknown; implementations may use it as a hint but must
	// trust the reader.
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error)

	// GetObject streams the whole payload. The caller closes the reader.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)

	// GetObjectRange streams length bytes starting at offset. The caller
	// has already clamped the range against the catalog size.
	GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)

	// DeleteObject removes the payload. Deleting a missing payload is
	// not an error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// CopyObject duplicates a payload byte for byte. Attributes carry
	// over through the catalog, so no ETag is returned.
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error

	// ObjectExists reports whether a payload is present.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// PutPart stages one part of a multipart upload and returns its
	// quoted MD5 ETag. bucket and key name the object the upload will
	// complete into; most backends stage parts per upload ID, Azure
	// stages blocks directly on the final blob.
	PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error)

	// AssembleParts concatenates the named parts, in the given order,
	// into the final object payload. The staged parts stay in place, so
	// the call is retryable and a racing completion can still read
	// them; the caller drops them with DeleteParts once the catalog has
	// committed the completed object.
	AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error

	// DeleteParts drops every staged part of an upload. Used after a
	// committed complete, by abort, and by the upload reaper; missing
	// parts are not an error.
	DeleteParts(ctx context.Context, bucket, key, uploadID string) error

	// CreateBucket prepares backend-side storage for a bucket. Gateways
	// treat buckets as key prefixes and do nothing.
	CreateBucket(ctx context.Context, bucket string) error

	// DeleteBucket removes backend-side storage for an emptied bucket.
	DeleteBucket(ctx context.Context, bucket string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// md5ETag returns the S3-style ETag for a payload: its hex MD5, quoted.
func md5ETag(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, sum[:])
}
