package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// timeFormat is how timestamps are stored: ISO 8601 UTC with millisecond
// precision, which also sorts lexicographically.
const timeFormat = "2006-01-02T15:04:05.000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS buckets (
	name          TEXT PRIMARY KEY,
	region        TEXT NOT NULL DEFAULT 'us-east-1',
	owner_id      TEXT NOT NULL,
	owner_display TEXT NOT NULL DEFAULT '',
	acl           TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS objects (
	bucket              TEXT NOT NULL,
	key                 TEXT NOT NULL,
	size                INTEGER NOT NULL,
	etag                TEXT NOT NULL,
	content_type        TEXT NOT NULL DEFAULT 'application/octet-stream',
	content_encoding    TEXT,
	content_language    TEXT,
	content_disposition TEXT,
	cache_control       TEXT,
	expires             TEXT,
	storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
	acl                 TEXT NOT NULL DEFAULT '{}',
	user_metadata       TEXT NOT NULL DEFAULT '{}',
	last_modified       TEXT NOT NULL,
	PRIMARY KEY (bucket, key),
	FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS uploads (
	upload_id           TEXT PRIMARY KEY,
	bucket              TEXT NOT NULL,
	key                 TEXT NOT NULL,
	content_type        TEXT NOT NULL DEFAULT 'application/octet-stream',
	content_encoding    TEXT,
	content_language    TEXT,
	content_disposition TEXT,
	cache_control       TEXT,
	expires             TEXT,
	storage_class       TEXT NOT NULL DEFAULT 'STANDARD',
	acl                 TEXT NOT NULL DEFAULT '{}',
	user_metadata       TEXT NOT NULL DEFAULT '{}',
	owner_id            TEXT NOT NULL,
	owner_display       TEXT NOT NULL DEFAULT '',
	initiated_at        TEXT NOT NULL,
	FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_uploads_bucket_key ON uploads(bucket, key, upload_id);

CREATE TABLE IF NOT EXISTS parts (
	upload_id     TEXT NOT NULL,
	part_number   INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	etag          TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	PRIMARY KEY (upload_id, part_number),
	FOREIGN KEY (upload_id) REFERENCES uploads(upload_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS credentials (
	access_key_id TEXT PRIMARY KEY,
	secret_key    TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL
);
`

const objectColumns = `bucket, key, size, etag, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, last_modified`

const uploadColumns = `upload_id, bucket, key, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, owner_id, owner_display, initiated_at`

// SQLiteStore is the default metadata store: one SQLite database in WAL
// mode. WAL lets readers proceed alongside the single writer, which is all
// a single server process needs.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists. Pragmas ride on the DSN so every pooled
// connection gets them, not just the first.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(ON)" +
			"&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("recording schema version: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- Buckets ----

func (s *SQLiteStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, region, owner_id, owner_display, acl, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		bucket.Name, bucket.Region, bucket.OwnerID, bucket.OwnerDisplay,
		aclJSON(bucket.ACL), bucket.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("bucket %q: %w", bucket.Name, ErrBucketExists)
		}
		return fmt.Errorf("creating bucket %q: %w", bucket.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE name = ?`, name)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting bucket %q: %w", name, err)
	}
	return b, nil
}

func (s *SQLiteStore) BucketExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM buckets WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking bucket %q: %w", name, err)
	}
	return true, nil
}

// DeleteBucket removes the bucket row. Objects and uploads cascade, so the
// caller is responsible for the emptiness check.
func (s *SQLiteStore) DeleteBucket(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bucket %q not found", name)
	}
	return nil
}

func (s *SQLiteStore) ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error) {
	query := `SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets ORDER BY name`
	args := []any{}
	if ownerID != "" {
		query = `SELECT name, region, owner_id, owner_display, acl, created_at
		 FROM buckets WHERE owner_id = ? ORDER BY name`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	defer rows.Close()

	var buckets []BucketRecord
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		buckets = append(buckets, *b)
	}
	return buckets, rows.Err()
}

func (s *SQLiteStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET acl = ? WHERE name = ?`, aclJSON(acl), name)
	if err != nil {
		return fmt.Errorf("updating acl for bucket %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bucket %q not found", name)
	}
	return nil
}

// ---- Objects ----

func (s *SQLiteStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects
			(bucket, key, size, etag, content_type, content_encoding, content_language,
			 content_disposition, cache_control, expires, storage_class, acl,
			 user_metadata, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.Bucket, obj.Key, obj.Size, obj.ETag,
		orDefault(obj.ContentType, "application/octet-stream"),
		nullString(obj.ContentEncoding), nullString(obj.ContentLanguage),
		nullString(obj.ContentDisposition), nullString(obj.CacheControl),
		nullString(obj.Expires),
		orDefault(obj.StorageClass, "STANDARD"),
		aclJSON(obj.ACL), userMetaJSON(obj.UserMetadata),
		obj.LastModified.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("writing object %s/%s: %w", obj.Bucket, obj.Key, err)
	}
	return nil
}

func (s *SQLiteStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

func (s *SQLiteStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *SQLiteStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	var deleted []string
	var errs []error
	for _, key := range keys {
		// Deleting an absent key still counts as deleted, like S3.
		if err := s.DeleteObject(ctx, bucket, key); err != nil {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

func (s *SQLiteStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET acl = ? WHERE bucket = ? AND key = ?`,
		aclJSON(acl), bucket, key)
	if err != nil {
		return fmt.Errorf("updating acl for %s/%s: %w", bucket, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return nil
}

func (s *SQLiteStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting objects in %q: %w", bucket, err)
	}
	return n, nil
}

// ListObjects walks keys in order, rolling delimiter groups up into common
// prefixes. MaxKeys counts entries of both kinds, so the scan keeps
// fetching pages until the response fills or the bucket is exhausted; a
// group that collapses thousands of keys still yields a full page.
func (s *SQLiteStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	res, err := collateObjectPages(ctx, maxKeys, opts.Prefix, opts.Delimiter, opts.Marker,
		func(ctx context.Context, cursor string, limit int) ([]ObjectRecord, error) {
			return s.queryObjectsPage(ctx, bucket, opts.Prefix, cursor, limit)
		})
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	return res, nil
}

func (s *SQLiteStore) queryObjectsPage(ctx context.Context, bucket, prefix, after string, limit int) ([]ObjectRecord, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ?`
	args := []any{bucket}
	if prefix != "" {
		query += ` AND key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLike(prefix))
	}
	if after != "" {
		query += ` AND key > ?`
		args = append(args, after)
	}
	query += ` ORDER BY key LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []ObjectRecord
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, *o)
	}
	return page, rows.Err()
}

// ---- Multipart uploads ----

func (s *SQLiteStore) CreateMultipartUpload(ctx context.Context, u *UploadRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads
			(upload_id, bucket, key, content_type, content_encoding, content_language,
			 content_disposition, cache_control, expires, storage_class, acl,
			 user_metadata, owner_id, owner_display, initiated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UploadID, u.Bucket, u.Key,
		orDefault(u.ContentType, "application/octet-stream"),
		nullString(u.ContentEncoding), nullString(u.ContentLanguage),
		nullString(u.ContentDisposition), nullString(u.CacheControl),
		nullString(u.Expires),
		orDefault(u.StorageClass, "STANDARD"),
		aclJSON(u.ACL), userMetaJSON(u.UserMetadata), u.OwnerID, u.OwnerDisplay,
		u.InitiatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("creating upload %s: %w", u.UploadID, err)
	}
	return nil
}

func (s *SQLiteStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*UploadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload %s: %w", uploadID, err)
	}
	return u, nil
}

func (s *SQLiteStore) PutPart(ctx context.Context, part *PartRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO parts (upload_id, part_number, size, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?)`,
		part.UploadID, part.PartNumber, part.Size, part.ETag,
		part.LastModified.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("writing part %d of upload %s: %w", part.PartNumber, part.UploadID, err)
	}
	return nil
}

func (s *SQLiteStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified FROM parts
		 WHERE upload_id = ? AND part_number > ?
		 ORDER BY part_number LIMIT ?`,
		uploadID, opts.PartNumberMarker, maxParts+1)
	if err != nil {
		return nil, fmt.Errorf("listing parts of upload %s: %w", uploadID, err)
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		parts = append(parts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res := &ListPartsResult{Parts: parts}
	if len(parts) > maxParts {
		res.Parts = parts[:maxParts]
		res.IsTruncated = true
		res.NextPartNumberMarker = res.Parts[len(res.Parts)-1].PartNumber
	}
	return res, nil
}

// GetParts returns records for the requested part numbers in request
// order. Gaps are simply absent from the result.
func (s *SQLiteStore) GetParts(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	if len(partNumbers) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(partNumbers)), ", ")
	args := make([]any, 0, len(partNumbers)+1)
	args = append(args, uploadID)
	for _, n := range partNumbers {
		args = append(args, n)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, part_number, size, etag, last_modified FROM parts
		 WHERE upload_id = ? AND part_number IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("getting parts of upload %s: %w", uploadID, err)
	}
	defer rows.Close()

	byNumber := make(map[int]PartRecord, len(partNumbers))
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning part row: %w", err)
		}
		byNumber[p.PartNumber] = *p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]PartRecord, 0, len(partNumbers))
	for _, n := range partNumbers {
		if p, ok := byNumber[n]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// CompleteMultipartUpload swaps the upload for the final object record in
// one transaction. The upload row going missing means a concurrent abort
// or complete won.
func (s *SQLiteStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key)
	if err != nil {
		return fmt.Errorf("removing upload %s: %w", uploadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing upload %s: %w", uploadID, ErrUploadNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects
			(bucket, key, size, etag, content_type, content_encoding, content_language,
			 content_disposition, cache_control, expires, storage_class, acl,
			 user_metadata, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.Bucket, obj.Key, obj.Size, obj.ETag,
		orDefault(obj.ContentType, "application/octet-stream"),
		nullString(obj.ContentEncoding), nullString(obj.ContentLanguage),
		nullString(obj.ContentDisposition), nullString(obj.CacheControl),
		nullString(obj.Expires),
		orDefault(obj.StorageClass, "STANDARD"),
		aclJSON(obj.ACL), userMetaJSON(obj.UserMetadata),
		obj.LastModified.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("writing completed object %s/%s: %w", bucket, key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing completion of %s: %w", uploadID, err)
	}
	return nil
}

func (s *SQLiteStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key)
	if err != nil {
		return fmt.Errorf("aborting upload %s: %w", uploadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("aborting upload %s: %w", uploadID, ErrUploadNotFound)
	}
	return nil
}

// ListMultipartUploads orders by (key, upload_id) and groups on the
// delimiter like ListObjects does.
func (s *SQLiteStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	res := &ListUploadsResult{}
	seen := make(map[string]bool)
	keyCursor, idCursor := opts.KeyMarker, opts.UploadIDMarker
	lastKey, lastID := "", ""

	for {
		page, err := s.queryUploadsPage(ctx, bucket, opts.Prefix, keyCursor, idCursor, maxUploads+1)
		if err != nil {
			return nil, fmt.Errorf("listing uploads in %q: %w", bucket, err)
		}
		if len(page) == 0 {
			return res, nil
		}
		for i := range page {
			u := page[i]
			keyCursor, idCursor = u.Key, u.UploadID

			if opts.Delimiter != "" {
				rest := strings.TrimPrefix(u.Key, opts.Prefix)
				if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
					group := opts.Prefix + rest[:idx+len(opts.Delimiter)]
					if seen[group] || group <= opts.KeyMarker {
						continue
					}
					if len(res.Uploads)+len(res.CommonPrefixes) == maxUploads {
						res.IsTruncated = true
						res.NextKeyMarker, res.NextUploadIDMarker = lastKey, lastID
						return res, nil
					}
					seen[group] = true
					res.CommonPrefixes = append(res.CommonPrefixes, group)
					lastKey, lastID = group, ""
					continue
				}
			}

			if len(res.Uploads)+len(res.CommonPrefixes) == maxUploads {
				res.IsTruncated = true
				res.NextKeyMarker, res.NextUploadIDMarker = lastKey, lastID
				return res, nil
			}
			res.Uploads = append(res.Uploads, u)
			lastKey, lastID = u.Key, u.UploadID
		}
		if len(page) <= maxUploads {
			return res, nil
		}
	}
}

func (s *SQLiteStore) queryUploadsPage(ctx context.Context, bucket, prefix, keyAfter, idAfter string, limit int) ([]UploadRecord, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE bucket = ?`
	args := []any{bucket}
	if prefix != "" {
		query += ` AND key LIKE ? || '%' ESCAPE '\'`
		args = append(args, escapeLike(prefix))
	}
	if keyAfter != "" {
		if idAfter != "" {
			query += ` AND (key > ? OR (key = ? AND upload_id > ?))`
			args = append(args, keyAfter, keyAfter, idAfter)
		} else {
			query += ` AND key > ?`
			args = append(args, keyAfter)
		}
	}
	query += ` ORDER BY key, upload_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []UploadRecord
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, *u)
	}
	return page, rows.Err()
}

func (s *SQLiteStore) ReapExpiredUploads(ctx context.Context, ttlSeconds int64) ([]ExpiredUpload, error) {
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).UTC().Format(timeFormat)
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, bucket, key FROM uploads WHERE initiated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding expired uploads: %w", err)
	}
	defer rows.Close()

	var expired []ExpiredUpload
	for rows.Next() {
		var e ExpiredUpload
		if err := rows.Scan(&e.UploadID, &e.Bucket, &e.Key); err != nil {
			return nil, fmt.Errorf("scanning expired upload: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range expired {
		// Parts cascade with the upload row.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM uploads WHERE upload_id = ?`, e.UploadID); err != nil {
			return expired, fmt.Errorf("reaping upload %s: %w", e.UploadID, err)
		}
	}
	return expired, nil
}

// ---- Credentials ----

func (s *SQLiteStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access_key_id, secret_key, owner_id, display_name, active, created_at
		 FROM credentials WHERE access_key_id = ?`, accessKeyID)

	var c CredentialRecord
	var active int
	var createdAt string
	err := row.Scan(&c.AccessKeyID, &c.SecretKey, &c.OwnerID, &c.DisplayName, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", accessKeyID, err)
	}
	c.Active = active != 0
	c.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &c, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	active := 0
	if cred.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials
			(access_key_id, secret_key, owner_id, display_name, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cred.AccessKeyID, cred.SecretKey, cred.OwnerID, cred.DisplayName,
		active, cred.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("writing credential %q: %w", cred.AccessKeyID, err)
	}
	return nil
}

// ---- Row scanning and small helpers ----

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(sc rowScanner) (*BucketRecord, error) {
	var b BucketRecord
	var acl, createdAt string
	if err := sc.Scan(&b.Name, &b.Region, &b.OwnerID, &b.OwnerDisplay, &acl, &createdAt); err != nil {
		return nil, err
	}
	b.ACL = json.RawMessage(acl)
	b.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &b, nil
}

func scanObject(sc rowScanner) (*ObjectRecord, error) {
	var o ObjectRecord
	var enc, lang, disp, cache, expires sql.NullString
	var acl, userMeta, lastModified string
	if err := sc.Scan(
		&o.Bucket, &o.Key, &o.Size, &o.ETag, &o.ContentType,
		&enc, &lang, &disp, &cache, &expires,
		&o.StorageClass, &acl, &userMeta, &lastModified,
	); err != nil {
		return nil, err
	}
	o.ContentEncoding = enc.String
	o.ContentLanguage = lang.String
	o.ContentDisposition = disp.String
	o.CacheControl = cache.String
	o.Expires = expires.String
	o.ACL = json.RawMessage(acl)
	o.UserMetadata = parseUserMeta(userMeta)
	o.LastModified, _ = time.Parse(timeFormat, lastModified)
	return &o, nil
}

func scanUpload(sc rowScanner) (*UploadRecord, error) {
	var u UploadRecord
	var enc, lang, disp, cache, expires sql.NullString
	var acl, userMeta, initiatedAt string
	if err := sc.Scan(
		&u.UploadID, &u.Bucket, &u.Key, &u.ContentType,
		&enc, &lang, &disp, &cache, &expires,
		&u.StorageClass, &acl, &userMeta,
		&u.OwnerID, &u.OwnerDisplay, &initiatedAt,
	); err != nil {
		return nil, err
	}
	u.ContentEncoding = enc.String
	u.ContentLanguage = lang.String
	u.ContentDisposition = disp.String
	u.CacheControl = cache.String
	u.Expires = expires.String
	u.ACL = json.RawMessage(acl)
	u.UserMetadata = parseUserMeta(userMeta)
	u.InitiatedAt, _ = time.Parse(timeFormat, initiatedAt)
	return &u, nil
}

func scanPart(sc rowScanner) (*PartRecord, error) {
	var p PartRecord
	var lastModified string
	if err := sc.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &lastModified); err != nil {
		return nil, err
	}
	p.LastModified, _ = time.Parse(timeFormat, lastModified)
	return &p, nil
}

// nullString maps "" to NULL so optional headers stay distinguishable.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func aclJSON(acl json.RawMessage) string {
	if len(acl) == 0 {
		return "{}"
	}
	return string(acl)
}

func userMetaJSON(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func parseUserMeta(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// escapeLike escapes %, _ and \ so a prefix can ride in a LIKE pattern
// with ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
