// Package metadata persists BleepStore's control plane: buckets, objects,
// multipart uploads, parts, and API credentials.
//
// Blob payloads live in the storage backends; everything here is metadata
// only, and the catalog is the source of truth for what exists. Lookups
// that find nothing return (nil, nil) rather than an error. Every
// implementation must be safe for concurrent use.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// ErrBucketExists reports a CreateBucket race: the row appeared between the
// handler's existence check and the insert.
var ErrBucketExists = errors.New("bucket already exists")

// ErrUploadNotFound reports that a multipart upload vanished mid-operation,
// usually a lost race with a concurrent abort or complete.
var ErrUploadNotFound = errors.New("upload not found")

// BucketRecord is the stored metadata for one bucket.
type BucketRecord struct {
	Name         string
	Region       string
	OwnerID      string
	OwnerDisplay string
	ACL          json.RawMessage
	CreatedAt    time.Time
}

// ObjectRecord is the stored metadata for one object version.
type ObjectRecord struct {
	Bucket             string
	Key                string
	Size               int64
	ETag               string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	LastModified       time.Time
}

// UploadRecord is the stored metadata for one in-progress multipart upload.
// The metadata headers captured at initiate time are applied to the final
// object on completion.
type UploadRecord struct {
	UploadID           string
	Bucket             string
	Key                string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	OwnerID            string
	OwnerDisplay       string
	InitiatedAt        time.Time
}

// PartRecord is the stored metadata for one uploaded part. Re-uploading a
// part number replaces the prior record.
type PartRecord struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// CredentialRecord is one access key pair and its owner identity.
type CredentialRecord struct {
	AccessKeyID string
	SecretKey   string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// ListObjectsOptions filters and paginates a ListObjects call. Marker
// carries the v1 marker, the v2 continuation token, or start-after,
// whichever the handler resolved; the store only sees the effective
// exclusive lower bound.
type ListObjectsOptions struct {
	Prefix    string
	Delimiter string
	Marker    string
	MaxKeys   int
}

// ListObjectsResult is one page of objects and rolled-up prefixes.
type ListObjectsResult struct {
	Objects        []ObjectRecord
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

// ListUploadsOptions filters and paginates a ListMultipartUploads call.
type ListUploadsOptions struct {
	Prefix         string
	Delimiter      string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// ListUploadsResult is one page of in-progress uploads.
type ListUploadsResult struct {
	Uploads            []UploadRecord
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// ListPartsOptions paginates a ListParts call.
type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

// ListPartsResult is one page of parts, ordered by part number.
type ListPartsResult struct {
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// ExpiredUpload identifies a reaped multipart upload so the caller can
// remove its staged part files from storage.
type ExpiredUpload struct {
	UploadID string
	Bucket   string
	Key      string
}

// Store is the metadata contract every backend implements.
type Store interface {
	io.Closer

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Bucket operations.

	CreateBucket(ctx context.Context, bucket *BucketRecord) error
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)
	BucketExists(ctx context.Context, name string) (bool, error)
	// DeleteBucket removes the bucket record only; emptiness checks happen
	// in the handler before this is called.
	DeleteBucket(ctx context.Context, name string) error
	// ListBuckets returns the owner's buckets sorted by name; an empty
	// ownerID returns every bucket.
	ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error)
	SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error

	// Object operations.

	PutObject(ctx context.Context, obj *ObjectRecord) error
	GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error)
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	// DeleteObjects removes several keys, reporting per-key outcomes in
	// input order. Missing keys count as deleted.
	DeleteObjects(ctx context.Context, bucket string, keys []string) (deleted []string, errs []error)
	SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error
	ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error)
	// CountObjects reports how many objects the bucket holds, for the
	// DeleteBucket emptiness check.
	CountObjects(ctx context.Context, bucket string) (int64, error)

	// Multipart upload operations.

	CreateMultipartUpload(ctx context.Context, upload *UploadRecord) error
	GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*UploadRecord, error)
	PutPart(ctx context.Context, part *PartRecord) error
	ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error)
	// GetParts returns the records for the requested part numbers, in the
	// requested order; a missing part number yields no record.
	GetParts(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error)
	// CompleteMultipartUpload atomically writes the final object record and
	// removes the upload and its parts.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error)
	// ReapExpiredUploads removes uploads initiated more than ttlSeconds ago
	// and returns what it removed.
	ReapExpiredUploads(ctx context.Context, ttlSeconds int64) ([]ExpiredUpload, error)

	// Credential operations.

	GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error)
	PutCredential(ctx context.Context, cred *CredentialRecord) error
}
