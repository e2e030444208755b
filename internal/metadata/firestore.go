package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps all metadata in one Firestore collection. Buckets,
// objects, uploads and credentials are documents with typed IDs; parts
// live in a "parts" subcollection under their upload's document. Object
// keys are base64url-encoded in document IDs since they may contain "/".
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore connects to the named collection in the given
// project. An empty credentialsFile falls back to application default
// credentials.
func NewFirestoreStore(ctx context.Context, projectID, collection, credentialsFile string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firestore project id is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	if collection == "" {
		collection = "bleepstore"
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.col().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func docIDBucket(bucket string) string { return "bucket_" + bucket }
func docIDObject(bucket, key string) string {
	return "object_" + bucket + "_" + base64.URLEncoding.EncodeToString([]byte(key))
}
func docIDUpload(uploadID string) string { return "upload_" + uploadID }
func docIDPart(partNumber int) string    { return fmt.Sprintf("part_%05d", partNumber) }
func docIDCredential(accessKey string) string {
	return "cred_" + accessKey
}

func notFound(err error) bool { return status.Code(err) == codes.NotFound }

// Document shapes. Timestamps are stored as formatted strings so every
// backend renders the same millisecond precision.

type bucketDoc struct {
	Type         string `firestore:"type"`
	Name         string `firestore:"name"`
	Region       string `firestore:"region"`
	OwnerID      string `firestore:"owner_id"`
	OwnerDisplay string `firestore:"owner_display"`
	ACL          string `firestore:"acl"`
	CreatedAt    string `firestore:"created_at"`
}

type objectDoc struct {
	Type               string `firestore:"type"`
	Bucket             string `firestore:"bucket"`
	Key                string `firestore:"key"`
	Size               int64  `firestore:"size"`
	ETag               string `firestore:"etag"`
	ContentType        string `firestore:"content_type"`
	ContentEncoding    string `firestore:"content_encoding,omitempty"`
	ContentLanguage    string `firestore:"content_language,omitempty"`
	ContentDisposition string `firestore:"content_disposition,omitempty"`
	CacheControl       string `firestore:"cache_control,omitempty"`
	Expires            string `firestore:"expires,omitempty"`
	StorageClass       string `firestore:"storage_class"`
	ACL                string `firestore:"acl"`
	UserMetadata       string `firestore:"user_metadata"`
	LastModified       string `firestore:"last_modified"`
}

type uploadDoc struct {
	Type               string `firestore:"type"`
	UploadID           string `firestore:"upload_id"`
	Bucket             string `firestore:"bucket"`
	Key                string `firestore:"key"`
	ContentType        string `firestore:"content_type"`
	ContentEncoding    string `firestore:"content_encoding,omitempty"`
	ContentLanguage    string `firestore:"content_language,omitempty"`
	ContentDisposition string `firestore:"content_disposition,omitempty"`
	CacheControl       string `firestore:"cache_control,omitempty"`
	Expires            string `firestore:"expires,omitempty"`
	StorageClass       string `firestore:"storage_class"`
	ACL                string `firestore:"acl"`
	UserMetadata       string `firestore:"user_metadata"`
	OwnerID            string `firestore:"owner_id"`
	OwnerDisplay       string `firestore:"owner_display"`
	InitiatedAt        string `firestore:"initiated_at"`
}

type partDoc struct {
	Type         string `firestore:"type"`
	UploadID     string `firestore:"upload_id"`
	PartNumber   int    `firestore:"part_number"`
	Size         int64  `firestore:"size"`
	ETag         string `firestore:"etag"`
	LastModified string `firestore:"last_modified"`
}

type credentialDoc struct {
	Type        string `firestore:"type"`
	AccessKeyID string `firestore:"access_key_id"`
	SecretKey   string `firestore:"secret_key"`
	OwnerID     string `firestore:"owner_id"`
	DisplayName string `firestore:"display_name"`
	Active      bool   `firestore:"active"`
	CreatedAt   string `firestore:"created_at"`
}

func parseDocTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// ---- Buckets ----

func (s *FirestoreStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	_, err := s.col().Doc(docIDBucket(bucket.Name)).Create(ctx, bucketDoc{
		Type:         "bucket",
		Name:         bucket.Name,
		Region:       bucket.Region,
		OwnerID:      bucket.OwnerID,
		OwnerDisplay: bucket.OwnerDisplay,
		ACL:          aclJSON(bucket.ACL),
		CreatedAt:    bucket.CreatedAt.UTC().Format(timeFormat),
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("bucket %q: %w", bucket.Name, ErrBucketExists)
	}
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	doc, err := s.col().Doc(docIDBucket(name)).Get(ctx)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket: %w", err)
	}

	var d bucketDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decoding bucket: %w", err)
	}
	return &BucketRecord{
		Name:         d.Name,
		Region:       d.Region,
		OwnerID:      d.OwnerID,
		OwnerDisplay: d.OwnerDisplay,
		ACL:          json.RawMessage(d.ACL),
		CreatedAt:    parseDocTime(d.CreatedAt),
	}, nil
}

func (s *FirestoreStore) BucketExists(ctx context.Context, name string) (bool, error) {
	_, err := s.col().Doc(docIDBucket(name)).Get(ctx)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking bucket: %w", err)
	}
	return true, nil
}

func (s *FirestoreStore) DeleteBucket(ctx context.Context, name string) error {
	_, err := s.col().Doc(docIDBucket(name)).Delete(ctx, firestore.Exists)
	if notFound(err) {
		return fmt.Errorf("bucket %q not found", name)
	}
	return err
}

func (s *FirestoreStore) ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error) {
	query := s.col().Where("type", "==", "bucket")
	if ownerID != "" {
		query = query.Where("owner_id", "==", ownerID)
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	buckets := make([]BucketRecord, 0, len(docs))
	for _, doc := range docs {
		var d bucketDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decoding bucket: %w", err)
		}
		buckets = append(buckets, BucketRecord{
			Name:         d.Name,
			Region:       d.Region,
			OwnerID:      d.OwnerID,
			OwnerDisplay: d.OwnerDisplay,
			ACL:          json.RawMessage(d.ACL),
			CreatedAt:    parseDocTime(d.CreatedAt),
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *FirestoreStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	_, err := s.col().Doc(docIDBucket(name)).Update(ctx, []firestore.Update{
		{Path: "acl", Value: aclJSON(acl)},
	})
	return err
}

// ---- Objects ----

func encodeObjectDoc(obj *ObjectRecord) objectDoc {
	return objectDoc{
		Type:               "object",
		Bucket:             obj.Bucket,
		Key:                obj.Key,
		Size:               obj.Size,
		ETag:               obj.ETag,
		ContentType:        orDefault(obj.ContentType, "application/octet-stream"),
		ContentEncoding:    obj.ContentEncoding,
		ContentLanguage:    obj.ContentLanguage,
		ContentDisposition: obj.ContentDisposition,
		CacheControl:       obj.CacheControl,
		Expires:            obj.Expires,
		StorageClass:       orDefault(obj.StorageClass, "STANDARD"),
		ACL:                aclJSON(obj.ACL),
		UserMetadata:       userMetaJSON(obj.UserMetadata),
		LastModified:       obj.LastModified.UTC().Format(timeFormat),
	}
}

func decodeObjectDoc(d objectDoc) *ObjectRecord {
	return &ObjectRecord{
		Bucket:             d.Bucket,
		Key:                d.Key,
		Size:               d.Size,
		ETag:               d.ETag,
		ContentType:        d.ContentType,
		ContentEncoding:    d.ContentEncoding,
		ContentLanguage:    d.ContentLanguage,
		ContentDisposition: d.ContentDisposition,
		CacheControl:       d.CacheControl,
		Expires:            d.Expires,
		StorageClass:       d.StorageClass,
		ACL:                json.RawMessage(d.ACL),
		UserMetadata:       parseUserMeta(d.UserMetadata),
		LastModified:       parseDocTime(d.LastModified),
	}
}

func (s *FirestoreStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	_, err := s.col().Doc(docIDObject(obj.Bucket, obj.Key)).Set(ctx, encodeObjectDoc(obj))
	return err
}

func (s *FirestoreStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	doc, err := s.col().Doc(docIDObject(bucket, key)).Get(ctx)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}

	var d objectDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decoding object: %w", err)
	}
	return decodeObjectDoc(d), nil
}

func (s *FirestoreStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.col().Doc(docIDObject(bucket, key)).Get(ctx)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object: %w", err)
	}
	return true, nil
}

func (s *FirestoreStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.col().Doc(docIDObject(bucket, key)).Delete(ctx)
	return err
}

func (s *FirestoreStore) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	bw := s.client.BulkWriter(ctx)
	jobs := make(map[string]*firestore.BulkWriterJob, len(keys))

	var deleted []string
	var errs []error
	for _, key := range keys {
		job, err := bw.Delete(s.col().Doc(docIDObject(bucket, key)))
		if err != nil {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		jobs[key] = job
	}
	bw.End()

	for _, key := range keys {
		job, ok := jobs[key]
		if !ok {
			continue
		}
		if _, err := job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

func (s *FirestoreStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	_, err := s.col().Doc(docIDObject(bucket, key)).Update(ctx, []firestore.Update{
		{Path: "acl", Value: aclJSON(acl)},
	})
	return err
}

func (s *FirestoreStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	// NewAggregationQuery has a pointer receiver, so the query chain must
	// land in a variable first.
	q := s.col().
		Where("type", "==", "object").
		Where("bucket", "==", bucket)
	results, err := q.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting objects: %w", err)
	}
	n, err := countFromAggregation(results, "total")
	if err != nil {
		return 0, fmt.Errorf("counting objects: %w", err)
	}
	return n, nil
}

// countFromAggregation pulls an integer alias out of an aggregation
// result map.
func countFromAggregation(results firestore.AggregationResult, alias string) (int64, error) {
	v, ok := results[alias]
	if !ok {
		return 0, fmt.Errorf("aggregation result missing %q", alias)
	}
	count, ok := v.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected aggregation type %T", v)
	}
	return count.GetIntegerValue(), nil
}

func (s *FirestoreStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	res, err := collateObjectPages(ctx, maxKeys, opts.Prefix, opts.Delimiter, opts.Marker,
		func(ctx context.Context, cursor string, limit int) ([]ObjectRecord, error) {
			query := s.col().
				Where("type", "==", "object").
				Where("bucket", "==", bucket)
			if opts.Prefix != "" {
				query = query.Where("key", ">=", opts.Prefix).Where("key", "<", opts.Prefix+"")
			}
			query = query.OrderBy("key", firestore.Asc)
			if cursor != "" {
				query = query.StartAfter(cursor)
			}

			docs, err := query.Limit(limit).Documents(ctx).GetAll()
			if err != nil {
				return nil, err
			}
			page := make([]ObjectRecord, 0, len(docs))
			for _, doc := range docs {
				var d objectDoc
				if err := doc.DataTo(&d); err != nil {
					return nil, fmt.Errorf("decoding object: %w", err)
				}
				page = append(page, *decodeObjectDoc(d))
			}
			return page, nil
		})
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	return res, nil
}

// ---- Multipart uploads ----

func decodeUploadDoc(d uploadDoc) *UploadRecord {
	return &UploadRecord{
		UploadID:           d.UploadID,
		Bucket:             d.Bucket,
		Key:                d.Key,
		ContentType:        d.ContentType,
		ContentEncoding:    d.ContentEncoding,
		ContentLanguage:    d.ContentLanguage,
		ContentDisposition: d.ContentDisposition,
		CacheControl:       d.CacheControl,
		Expires:            d.Expires,
		StorageClass:       d.StorageClass,
		ACL:                json.RawMessage(d.ACL),
		UserMetadata:       parseUserMeta(d.UserMetadata),
		OwnerID:            d.OwnerID,
		OwnerDisplay:       d.OwnerDisplay,
		InitiatedAt:        parseDocTime(d.InitiatedAt),
	}
}

func (s *FirestoreStore) CreateMultipartUpload(ctx context.Context, u *UploadRecord) error {
	_, err := s.col().Doc(docIDUpload(u.UploadID)).Set(ctx, uploadDoc{
		Type:               "upload",
		UploadID:           u.UploadID,
		Bucket:             u.Bucket,
		Key:                u.Key,
		ContentType:        orDefault(u.ContentType, "application/octet-stream"),
		ContentEncoding:    u.ContentEncoding,
		ContentLanguage:    u.ContentLanguage,
		ContentDisposition: u.ContentDisposition,
		CacheControl:       u.CacheControl,
		Expires:            u.Expires,
		StorageClass:       orDefault(u.StorageClass, "STANDARD"),
		ACL:                aclJSON(u.ACL),
		UserMetadata:       userMetaJSON(u.UserMetadata),
		OwnerID:            u.OwnerID,
		OwnerDisplay:       u.OwnerDisplay,
		InitiatedAt:        u.InitiatedAt.UTC().Format(timeFormat),
	})
	if err != nil {
		return fmt.Errorf("creating multipart upload: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*UploadRecord, error) {
	doc, err := s.col().Doc(docIDUpload(uploadID)).Get(ctx)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload: %w", err)
	}

	var d uploadDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decoding upload: %w", err)
	}
	u := decodeUploadDoc(d)
	if u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	return u, nil
}

func (s *FirestoreStore) PutPart(ctx context.Context, part *PartRecord) error {
	ref := s.col().Doc(docIDUpload(part.UploadID)).Collection("parts").Doc(docIDPart(part.PartNumber))
	_, err := ref.Set(ctx, partDoc{
		Type:         "part",
		UploadID:     part.UploadID,
		PartNumber:   part.PartNumber,
		Size:         part.Size,
		ETag:         part.ETag,
		LastModified: part.LastModified.UTC().Format(timeFormat),
	})
	return err
}

func (s *FirestoreStore) readParts(ctx context.Context, uploadID string, afterPart, limit int) ([]PartRecord, error) {
	query := s.col().Doc(docIDUpload(uploadID)).Collection("parts").
		OrderBy("part_number", firestore.Asc)
	if afterPart > 0 {
		query = query.StartAfter(afterPart)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	parts := make([]PartRecord, 0, len(docs))
	for _, doc := range docs {
		var d partDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decoding part: %w", err)
		}
		parts = append(parts, PartRecord{
			UploadID:     d.UploadID,
			PartNumber:   d.PartNumber,
			Size:         d.Size,
			ETag:         d.ETag,
			LastModified: parseDocTime(d.LastModified),
		})
	}
	return parts, nil
}

func (s *FirestoreStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	parts, err := s.readParts(ctx, uploadID, opts.PartNumberMarker, maxParts+1)
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}

	res := &ListPartsResult{Parts: parts}
	if len(parts) > maxParts {
		res.Parts = parts[:maxParts]
		res.IsTruncated = true
		res.NextPartNumberMarker = res.Parts[len(res.Parts)-1].PartNumber
	}
	return res, nil
}

func (s *FirestoreStore) GetParts(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	parts, err := s.readParts(ctx, uploadID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("getting parts: %w", err)
	}

	byNumber := make(map[int]PartRecord, len(parts))
	for _, p := range parts {
		byNumber[p.PartNumber] = p
	}
	out := make([]PartRecord, 0, len(partNumbers))
	for _, n := range partNumbers {
		if p, ok := byNumber[n]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// CompleteMultipartUpload swaps the upload document for the object
// document in one transaction, then sweeps the orphaned part documents.
func (s *FirestoreStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	uploadRef := s.col().Doc(docIDUpload(uploadID))
	objectRef := s.col().Doc(docIDObject(bucket, key))

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(uploadRef)
		if notFound(err) {
			return fmt.Errorf("completing upload %s: %w", uploadID, ErrUploadNotFound)
		}
		if err != nil {
			return err
		}
		var d uploadDoc
		if err := doc.DataTo(&d); err != nil {
			return fmt.Errorf("decoding upload: %w", err)
		}
		if d.Bucket != bucket || d.Key != key {
			return fmt.Errorf("completing upload %s: %w", uploadID, ErrUploadNotFound)
		}
		if err := tx.Set(objectRef, encodeObjectDoc(obj)); err != nil {
			return err
		}
		return tx.Delete(uploadRef)
	})
	if err != nil {
		return err
	}

	s.sweepParts(ctx, uploadID)
	return nil
}

func (s *FirestoreStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	u, err := s.GetMultipartUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("aborting upload %s: %w", uploadID, ErrUploadNotFound)
	}

	_, err = s.col().Doc(docIDUpload(uploadID)).Delete(ctx, firestore.Exists)
	if notFound(err) {
		return fmt.Errorf("aborting upload %s: %w", uploadID, ErrUploadNotFound)
	}
	if err != nil {
		return fmt.Errorf("aborting upload %s: %w", uploadID, err)
	}

	s.sweepParts(ctx, uploadID)
	return nil
}

// sweepParts deletes the part documents left under a removed upload.
// Best effort: leftovers are unreachable and harmless.
func (s *FirestoreStore) sweepParts(ctx context.Context, uploadID string) {
	refs := s.col().Doc(docIDUpload(uploadID)).Collection("parts").DocumentRefs(ctx)
	bw := s.client.BulkWriter(ctx)
	for {
		ref, err := refs.Next()
		if err != nil {
			break
		}
		bw.Delete(ref)
	}
	bw.End()
}

func (s *FirestoreStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	query := s.col().
		Where("type", "==", "upload").
		Where("bucket", "==", bucket)
	if opts.Prefix != "" {
		query = query.Where("key", ">=", opts.Prefix).Where("key", "<", opts.Prefix+"")
	}
	query = query.OrderBy("key", firestore.Asc).OrderBy("upload_id", firestore.Asc)

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}

	var uploads []UploadRecord
	for _, doc := range docs {
		var d uploadDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decoding upload: %w", err)
		}
		u := decodeUploadDoc(d)
		if afterUploadMarker(u.Key, u.UploadID, opts.KeyMarker, opts.UploadIDMarker) {
			uploads = append(uploads, *u)
		}
	}
	return collateUploads(uploads, opts.Prefix, opts.Delimiter, opts.KeyMarker, maxUploads), nil
}

func (s *FirestoreStore) ReapExpiredUploads(ctx context.Context, ttlSeconds int64) ([]ExpiredUpload, error) {
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).UTC().Format(timeFormat)

	docs, err := s.col().
		Where("type", "==", "upload").
		Where("initiated_at", "<", cutoff).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("querying expired uploads: %w", err)
	}

	var reaped []ExpiredUpload
	for _, doc := range docs {
		var d uploadDoc
		if err := doc.DataTo(&d); err != nil {
			return reaped, fmt.Errorf("decoding upload: %w", err)
		}

		_, err := s.col().Doc(docIDUpload(d.UploadID)).Delete(ctx, firestore.Exists)
		if notFound(err) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("reaping upload %s: %w", d.UploadID, err)
		}
		s.sweepParts(ctx, d.UploadID)
		reaped = append(reaped, ExpiredUpload{UploadID: d.UploadID, Bucket: d.Bucket, Key: d.Key})
	}
	return reaped, nil
}

// ---- Credentials ----

func (s *FirestoreStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	doc, err := s.col().Doc(docIDCredential(accessKeyID)).Get(ctx)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}

	var d credentialDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return &CredentialRecord{
		AccessKeyID: d.AccessKeyID,
		SecretKey:   d.SecretKey,
		OwnerID:     d.OwnerID,
		DisplayName: d.DisplayName,
		Active:      d.Active,
		CreatedAt:   parseDocTime(d.CreatedAt),
	}, nil
}

func (s *FirestoreStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	_, err := s.col().Doc(docIDCredential(cred.AccessKeyID)).Set(ctx, credentialDoc{
		Type:        "credential",
		AccessKeyID: cred.AccessKeyID,
		SecretKey:   cred.SecretKey,
		OwnerID:     cred.OwnerID,
		DisplayName: cred.DisplayName,
		Active:      cred.Active,
		CreatedAt:   cred.CreatedAt.UTC().Format(timeFormat),
	})
	return err
}
