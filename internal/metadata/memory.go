package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps all metadata in process memory, for tests and
// ephemeral runs. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	buckets     map[string]*BucketRecord
	objects     map[string]map[string]*ObjectRecord // bucket -> key
	uploads     map[string]*UploadRecord            // upload id
	parts       map[string]map[int]*PartRecord      // upload id -> part number
	credentials map[string]*CredentialRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:     make(map[string]*BucketRecord),
		objects:     make(map[string]map[string]*ObjectRecord),
		uploads:     make(map[string]*UploadRecord),
		parts:       make(map[string]map[int]*PartRecord),
		credentials: make(map[string]*CredentialRecord),
	}
}

func (s *MemoryStore) Close() error                   { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// ---- Buckets ----

func (s *MemoryStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket.Name]; ok {
		return fmt.Errorf("bucket %q: %w", bucket.Name, ErrBucketExists)
	}
	cp := *bucket
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	s.buckets[bucket.Name] = &cp
	return nil
}

func (s *MemoryStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[name]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) BucketExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *MemoryStore) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[name]; !ok {
		return fmt.Errorf("bucket %q not found", name)
	}
	delete(s.buckets, name)
	// Cascade, matching the SQLite schema.
	delete(s.objects, name)
	for id, u := range s.uploads {
		if u.Bucket == name {
			delete(s.uploads, id)
			delete(s.parts, id)
		}
	}
	return nil
}

func (s *MemoryStore) ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buckets []BucketRecord
	for _, b := range s.buckets {
		if ownerID == "" || b.OwnerID == ownerID {
			buckets = append(buckets, *b)
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *MemoryStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return fmt.Errorf("bucket %q not found", name)
	}
	b.ACL = acl
	return nil
}

// ---- Objects ----

func (s *MemoryStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[obj.Bucket]; !ok {
		return fmt.Errorf("bucket %q not found", obj.Bucket)
	}
	if s.objects[obj.Bucket] == nil {
		s.objects[obj.Bucket] = make(map[string]*ObjectRecord)
	}
	s.objects[obj.Bucket][obj.Key] = copyObject(obj)
	return nil
}

func (s *MemoryStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if obj, ok := s.objects[bucket][key]; ok {
		cp := *obj
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[bucket][key]
	return ok, nil
}

func (s *MemoryStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects[bucket], key)
	return nil
}

func (s *MemoryStore) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := make([]string, 0, len(keys))
	for _, key := range keys {
		delete(s.objects[bucket], key)
		deleted = append(deleted, key)
	}
	return deleted, nil
}

func (s *MemoryStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.objects[bucket][key]; ok {
		obj.ACL = acl
		return nil
	}
	return fmt.Errorf("object %s/%s not found", bucket, key)
}

func (s *MemoryStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.objects[bucket])), nil
}

func (s *MemoryStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	var matched []ObjectRecord
	for _, obj := range s.objects[bucket] {
		if opts.Prefix != "" && !strings.HasPrefix(obj.Key, opts.Prefix) {
			continue
		}
		if opts.Marker != "" && obj.Key <= opts.Marker {
			continue
		}
		matched = append(matched, *obj)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	return collateObjects(matched, opts.Prefix, opts.Delimiter, opts.Marker, maxKeys), nil
}

// ---- Multipart uploads ----

func (s *MemoryStore) CreateMultipartUpload(ctx context.Context, u *UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[u.Bucket]; !ok {
		return fmt.Errorf("bucket %q not found", u.Bucket)
	}
	s.uploads[u.UploadID] = copyUpload(u)
	return nil
}

func (s *MemoryStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) PutPart(ctx context.Context, part *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[part.UploadID]; !ok {
		return fmt.Errorf("putting part %d: %w", part.PartNumber, ErrUploadNotFound)
	}
	if s.parts[part.UploadID] == nil {
		s.parts[part.UploadID] = make(map[int]*PartRecord)
	}
	cp := *part
	s.parts[part.UploadID][part.PartNumber] = &cp
	return nil
}

func (s *MemoryStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	var parts []PartRecord
	for number, p := range s.parts[uploadID] {
		if number > opts.PartNumberMarker {
			parts = append(parts, *p)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	res := &ListPartsResult{Parts: parts}
	if len(parts) > maxParts {
		res.Parts = parts[:maxParts]
		res.IsTruncated = true
		res.NextPartNumberMarker = res.Parts[len(res.Parts)-1].PartNumber
	}
	return res, nil
}

func (s *MemoryStore) GetParts(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PartRecord, 0, len(partNumbers))
	for _, n := range partNumbers {
		if p, ok := s.parts[uploadID][n]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return fmt.Errorf("completing upload %s: %w", uploadID, ErrUploadNotFound)
	}
	if s.objects[obj.Bucket] == nil {
		s.objects[obj.Bucket] = make(map[string]*ObjectRecord)
	}
	s.objects[obj.Bucket][obj.Key] = copyObject(obj)
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return fmt.Errorf("aborting upload %s: %w", uploadID, ErrUploadNotFound)
	}
	delete(s.parts, uploadID)
	delete(s.uploads, uploadID)
	return nil
}

func (s *MemoryStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	var matched []UploadRecord
	for _, u := range s.uploads {
		if u.Bucket != bucket {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(u.Key, opts.Prefix) {
			continue
		}
		if !afterUploadMarker(u.Key, u.UploadID, opts.KeyMarker, opts.UploadIDMarker) {
			continue
		}
		matched = append(matched, *u)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Key != matched[j].Key {
			return matched[i].Key < matched[j].Key
		}
		return matched[i].UploadID < matched[j].UploadID
	})

	return collateUploads(matched, opts.Prefix, opts.Delimiter, opts.KeyMarker, maxUploads), nil
}

func (s *MemoryStore) ReapExpiredUploads(ctx context.Context, ttlSeconds int64) ([]ExpiredUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second)
	var expired []ExpiredUpload
	for id, u := range s.uploads {
		if u.InitiatedAt.Before(cutoff) {
			expired = append(expired, ExpiredUpload{UploadID: id, Bucket: u.Bucket, Key: u.Key})
			delete(s.parts, id)
			delete(s.uploads, id)
		}
	}
	return expired, nil
}

// ---- Credentials ----

func (s *MemoryStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[accessKeyID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cred
	s.credentials[cred.AccessKeyID] = &cp
	return nil
}

// copyObject clones obj and fills the defaults the SQLite schema would.
func copyObject(obj *ObjectRecord) *ObjectRecord {
	cp := *obj
	cp.ContentType = orDefault(cp.ContentType, "application/octet-stream")
	cp.StorageClass = orDefault(cp.StorageClass, "STANDARD")
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	if cp.UserMetadata != nil {
		meta := make(map[string]string, len(cp.UserMetadata))
		for k, v := range cp.UserMetadata {
			meta[k] = v
		}
		cp.UserMetadata = meta
	}
	return &cp
}

func copyUpload(u *UploadRecord) *UploadRecord {
	cp := *u
	cp.ContentType = orDefault(cp.ContentType, "application/octet-stream")
	cp.StorageClass = orDefault(cp.StorageClass, "STANDARD")
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	if cp.UserMetadata != nil {
		meta := make(map[string]string, len(cp.UserMetadata))
		for k, v := range cp.UserMetadata {
			meta[k] = v
		}
		cp.UserMetadata = meta
	}
	return &cp
}
