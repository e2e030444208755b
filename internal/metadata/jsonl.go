package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// jsonlFiles are the per-entity logs under the store's root directory.
const (
	bucketsLog     = "buckets.jsonl"
	objectsLog     = "objects.jsonl"
	uploadsLog     = "uploads.jsonl"
	partsLog       = "parts.jsonl"
	credentialsLog = "credentials.jsonl"
)

// logRecord is one line in a JSONL log. A record either carries Data for
// an upsert or sets Deleted for a tombstone; the identifying fields name
// the primary key either way. Which fields apply depends on the log.
type logRecord struct {
	Deleted   bool            `json:"_deleted,omitempty"`
	Bucket    string          `json:"bucket,omitempty"`
	Key       string          `json:"key,omitempty"`
	UploadID  string          `json:"upload_id,omitempty"`
	AccessKey string          `json:"access_key,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// JSONLStore persists metadata as append-only JSONL logs, one per entity,
// replayed into memory at startup. Writes append before mutating the maps
// so the logs stay the source of truth. Deletes append tombstones; optional
// startup compaction rewrites each log without superseded lines.
type JSONLStore struct {
	mu          sync.RWMutex
	root        string
	buckets     map[string]*BucketRecord
	objects     map[string]map[string]*ObjectRecord
	uploads     map[string]*UploadRecord
	parts       map[string]map[int]*PartRecord
	credentials map[string]*CredentialRecord
}

var _ Store = (*JSONLStore)(nil)

// NewJSONLStore opens the logs under root, replaying them into memory.
// With compact set, each log is rewritten immediately after replay.
func NewJSONLStore(root string, compact bool) (*JSONLStore, error) {
	if root == "" {
		root = "./data/metadata"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	s := &JSONLStore{
		root:        root,
		buckets:     make(map[string]*BucketRecord),
		objects:     make(map[string]map[string]*ObjectRecord),
		uploads:     make(map[string]*UploadRecord),
		parts:       make(map[string]map[int]*PartRecord),
		credentials: make(map[string]*CredentialRecord),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("replaying metadata logs: %w", err)
	}
	if compact {
		if err := s.Compact(); err != nil {
			return nil, fmt.Errorf("compacting metadata logs: %w", err)
		}
	}
	return s, nil
}

func (s *JSONLStore) Close() error                   { return nil }
func (s *JSONLStore) Ping(ctx context.Context) error { return nil }

// load replays every log in order. Tombstones drop the earlier record, so
// deletes survive restarts.
func (s *JSONLStore) load() error {
	if err := s.replay(bucketsLog, func(rec logRecord) {
		if rec.Deleted {
			delete(s.buckets, rec.Bucket)
			return
		}
		var b BucketRecord
		if json.Unmarshal(rec.Data, &b) == nil {
			s.buckets[b.Name] = &b
		}
	}); err != nil {
		return err
	}

	if err := s.replay(objectsLog, func(rec logRecord) {
		if rec.Deleted {
			delete(s.objects[rec.Bucket], rec.Key)
			return
		}
		var o ObjectRecord
		if json.Unmarshal(rec.Data, &o) == nil {
			if s.objects[o.Bucket] == nil {
				s.objects[o.Bucket] = make(map[string]*ObjectRecord)
			}
			s.objects[o.Bucket][o.Key] = &o
		}
	}); err != nil {
		return err
	}

	if err := s.replay(uploadsLog, func(rec logRecord) {
		if rec.Deleted {
			delete(s.uploads, rec.UploadID)
			return
		}
		var u UploadRecord
		if json.Unmarshal(rec.Data, &u) == nil {
			s.uploads[u.UploadID] = &u
		}
	}); err != nil {
		return err
	}

	if err := s.replay(partsLog, func(rec logRecord) {
		// Part tombstones cover the whole upload.
		if rec.Deleted {
			delete(s.parts, rec.UploadID)
			return
		}
		var p PartRecord
		if json.Unmarshal(rec.Data, &p) == nil {
			if s.parts[p.UploadID] == nil {
				s.parts[p.UploadID] = make(map[int]*PartRecord)
			}
			s.parts[p.UploadID][p.PartNumber] = &p
		}
	}); err != nil {
		return err
	}

	return s.replay(credentialsLog, func(rec logRecord) {
		if rec.Deleted {
			delete(s.credentials, rec.AccessKey)
			return
		}
		var c CredentialRecord
		if json.Unmarshal(rec.Data, &c) == nil {
			s.credentials[c.AccessKeyID] = &c
		}
	})
}

// replay feeds each decodable line of the named log to apply. Undecodable
// lines are skipped: a torn final line from a crash mid-append must not
// block startup.
func (s *JSONLStore) replay(name string, apply func(logRecord)) error {
	f, err := os.Open(filepath.Join(s.root, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		apply(rec)
	}
	return sc.Err()
}

// append writes one record to the named log and syncs it.
func (s *JSONLStore) append(name string, rec logRecord) error {
	f, err := os.OpenFile(filepath.Join(s.root, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return f.Sync()
}

func appendData(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// Compact rewrites every log from the in-memory state, dropping tombstones
// and superseded lines. Each file is replaced via tmp write, sync, rename.
func (s *JSONLStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rewrite(bucketsLog, func(enc *json.Encoder) error {
		for _, b := range s.buckets {
			data, err := appendData(b)
			if err != nil {
				return err
			}
			if err := enc.Encode(logRecord{Bucket: b.Name, Data: data}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.rewrite(objectsLog, func(enc *json.Encoder) error {
		for _, objs := range s.objects {
			for _, o := range objs {
				data, err := appendData(o)
				if err != nil {
					return err
				}
				if err := enc.Encode(logRecord{Bucket: o.Bucket, Key: o.Key, Data: data}); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.rewrite(uploadsLog, func(enc *json.Encoder) error {
		for _, u := range s.uploads {
			data, err := appendData(u)
			if err != nil {
				return err
			}
			if err := enc.Encode(logRecord{UploadID: u.UploadID, Bucket: u.Bucket, Key: u.Key, Data: data}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.rewrite(partsLog, func(enc *json.Encoder) error {
		for _, parts := range s.parts {
			for _, p := range parts {
				data, err := appendData(p)
				if err != nil {
					return err
				}
				if err := enc.Encode(logRecord{UploadID: p.UploadID, Data: data}); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return s.rewrite(credentialsLog, func(enc *json.Encoder) error {
		for _, c := range s.credentials {
			data, err := appendData(c)
			if err != nil {
				return err
			}
			if err := enc.Encode(logRecord{AccessKey: c.AccessKeyID, Data: data}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *JSONLStore) rewrite(name string, write func(*json.Encoder) error) error {
	path := filepath.Join(s.root, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(json.NewEncoder(f)); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ---- Buckets ----

func (s *JSONLStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket.Name]; ok {
		return fmt.Errorf("bucket %q: %w", bucket.Name, ErrBucketExists)
	}
	cp := *bucket
	if cp.ACL == nil {
		cp.ACL = json.RawMessage("{}")
	}
	data, err := appendData(&cp)
	if err != nil {
		return err
	}
	if err := s.append(bucketsLog, logRecord{Bucket: cp.Name, Data: data}); err != nil {
		return err
	}
	s.buckets[cp.Name] = &cp
	return nil
}

func (s *JSONLStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[name]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *JSONLStore) BucketExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *JSONLStore) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[name]; !ok {
		return fmt.Errorf("bucket %q not found", name)
	}
	if err := s.append(bucketsLog, logRecord{Deleted: true, Bucket: name}); err != nil {
		return err
	}
	for key := range s.objects[name] {
		if err := s.append(objectsLog, logRecord{Deleted: true, Bucket: name, Key: key}); err != nil {
			return err
		}
	}
	for id, u := range s.uploads {
		if u.Bucket != name {
			continue
		}
		if err := s.append(uploadsLog, logRecord{Deleted: true, UploadID: id}); err != nil {
			return err
		}
		if err := s.append(partsLog, logRecord{Deleted: true, UploadID: id}); err != nil {
			return err
		}
		delete(s.uploads, id)
		delete(s.parts, id)
	}
	delete(s.buckets, name)
	delete(s.objects, name)
	return nil
}

func (s *JSONLStore) ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error) {
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

func (s *JSONLStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[name]
	if !ok {
		return fmt.Errorf("bucket %q not found", name)
	}
	cp := *b
	cp.ACL = acl
	data, err := appendData(&cp)
	if err != nil {
		return err
	}
	if err := s.append(bucketsLog, logRecord{Bucket: name, Data: data}); err != nil {
		return err
	}
	s.buckets[name] = &cp
	return nil
}

// ---- Objects ----

func (s *JSONLStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[obj.Bucket]; !ok {
		return fmt.Errorf("bucket %q not found", obj.Bucket)
	}
	cp := copyObject(obj)
	data, err := appendData(cp)
	if err != nil {
		return err
	}
	if err := s.append(objectsLog, logRecord{Bucket: cp.Bucket, Key: cp.Key, Data: data}); err != nil {
		return err
	}
	if s.objects[cp.Bucket] == nil {
		s.objects[cp.Bucket] = make(map[string]*ObjectRecord)
	}
	s.objects[cp.Bucket][cp.Key] = cp
	return nil
}

func (s *JSONLStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if obj, ok := s.objects[bucket][key]; ok {
		cp := *obj
		return &cp, nil
	}
	return nil, nil
}

func (s *JSONLStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[bucket][key]
	return ok, nil
}

func (s *JSONLStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteObjectLocked(bucket, key)
}

func (s *JSONLStore) deleteObjectLocked(bucket, key string) error {
	if err := s.append(objectsLog, logRecord{Deleted: true, Bucket: bucket, Key: key}); err != nil {
		return err
	}
	delete(s.objects[bucket], key)
	return nil
}

func (s *JSONLStore) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted []string
	var errs []error
	for _, key := range keys {
		if err := s.deleteObjectLocked(bucket, key); err != nil {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

func (s *JSONLStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[bucket][key]
	if !ok {
		return fmt.Errorf("object %s/%s not found", bucket, key)
	}
	cp := *obj
	cp.ACL = acl
	data, err := appendData(&cp)
	if err != nil {
		return err
	}
	if err := s.append(objectsLog, logRecord{Bucket: bucket, Key: key, Data: data}); err != nil {
		return err
	}
	s.objects[bucket][key] = &cp
	return nil
}

func (s *JSONLStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.objects[bucket])), nil
}

func (s *JSONLStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
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

func (s *JSONLStore) CreateMultipartUpload(ctx context.Context, u *UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[u.Bucket]; !ok {
		return fmt.Errorf("bucket %q not found", u.Bucket)
	}
	cp := copyUpload(u)
	data, err := appendData(cp)
	if err != nil {
		return err
	}
	if err := s.append(uploadsLog, logRecord{UploadID: cp.UploadID, Bucket: cp.Bucket, Key: cp.Key, Data: data}); err != nil {
		return err
	}
	s.uploads[cp.UploadID] = cp
	return nil
}

func (s *JSONLStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *JSONLStore) PutPart(ctx context.Context, part *PartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uploads[part.UploadID]; !ok {
		return fmt.Errorf("putting part %d: %w", part.PartNumber, ErrUploadNotFound)
	}
	cp := *part
	data, err := appendData(&cp)
	if err != nil {
		return err
	}
	if err := s.append(partsLog, logRecord{UploadID: cp.UploadID, Data: data}); err != nil {
		return err
	}
	if s.parts[cp.UploadID] == nil {
		s.parts[cp.UploadID] = make(map[int]*PartRecord)
	}
	s.parts[cp.UploadID][cp.PartNumber] = &cp
	return nil
}

func (s *JSONLStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
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

func (s *JSONLStore) GetParts(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
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

// CompleteMultipartUpload logs the final object, then tombstones the
// upload and its parts.
func (s *JSONLStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return fmt.Errorf("completing upload %s: %w", uploadID, ErrUploadNotFound)
	}

	cp := copyObject(obj)
	data, err := appendData(cp)
	if err != nil {
		return err
	}
	if err := s.append(objectsLog, logRecord{Bucket: cp.Bucket, Key: cp.Key, Data: data}); err != nil {
		return err
	}
	if err := s.append(uploadsLog, logRecord{Deleted: true, UploadID: uploadID}); err != nil {
		return err
	}
	if err := s.append(partsLog, logRecord{Deleted: true, UploadID: uploadID}); err != nil {
		return err
	}

	if s.objects[cp.Bucket] == nil {
		s.objects[cp.Bucket] = make(map[string]*ObjectRecord)
	}
	s.objects[cp.Bucket][cp.Key] = cp
	delete(s.uploads, uploadID)
	delete(s.parts, uploadID)
	return nil
}

func (s *JSONLStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uploads[uploadID]
	if !ok || u.Bucket != bucket || u.Key != key {
		return fmt.Errorf("aborting upload %s: %w", uploadID, ErrUploadNotFound)
	}
	if err := s.append(uploadsLog, logRecord{Deleted: true, UploadID: uploadID}); err != nil {
		return err
	}
	if err := s.append(partsLog, logRecord{Deleted: true, UploadID: uploadID}); err != nil {
		return err
	}
	delete(s.uploads, uploadID)
	delete(s.parts, uploadID)
	return nil
}

func (s *JSONLStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
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

func (s *JSONLStore) ReapExpiredUploads(ctx context.Context, ttlSeconds int64) ([]ExpiredUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second)
	var expired []ExpiredUpload
	for id, u := range s.uploads {
		if !u.InitiatedAt.Before(cutoff) {
			continue
		}
		if err := s.append(uploadsLog, logRecord{Deleted: true, UploadID: id}); err != nil {
			return expired, err
		}
		if err := s.append(partsLog, logRecord{Deleted: true, UploadID: id}); err != nil {
			return expired, err
		}
		expired = append(expired, ExpiredUpload{UploadID: id, Bucket: u.Bucket, Key: u.Key})
		delete(s.uploads, id)
		delete(s.parts, id)
	}
	return expired, nil
}

// ---- Credentials ----

func (s *JSONLStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[accessKeyID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *JSONLStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cred
	data, err := appendData(&cp)
	if err != nil {
		return err
	}
	if err := s.append(credentialsLog, logRecord{AccessKey: cp.AccessKeyID, Data: data}); err != nil {
		return err
	}
	s.credentials[cp.AccessKeyID] = &cp
	return nil
}
