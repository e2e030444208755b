package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores payloads as BLOBs in a SQLite file, for single-file
// deployments where the catalog and the payloads travel together. Suited
// to small and medium objects; every payload passes through memory whole.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (creating if needed) the blob database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening blob database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS object_blobs (
		bucket TEXT NOT NULL,
		key    TEXT NOT NULL,
		data   BLOB NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	CREATE TABLE IF NOT EXISTS part_blobs (
		upload_id   TEXT    NOT NULL,
		part_number INTEGER NOT NULL,
		data        BLOB    NOT NULL,
		PRIMARY KEY (upload_id, part_number)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating blob schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_blobs (bucket, key, data) VALUES (?, ?, ?)`,
		bucket, key, data)
	if err != nil {
		return 0, "", fmt.Errorf("storing object %s/%s: %w", bucket, key, err)
	}
	return int64(len(data)), md5ETag(data), nil
}

func (b *SQLiteBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM object_blobs WHERE bucket = ? AND key = ?`,
		bucket, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading object %s/%s: %w", bucket, key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// GetObjectRange slices the blob inside SQLite with substr, so only the
// requested window crosses the driver boundary. substr counts from 1.
func (b *SQLiteBackend) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT substr(data, ?, ?) FROM object_blobs WHERE bucket = ? AND key = ?`,
		offset+1, length, bucket, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading range of object %s/%s: %w", bucket, key, err)
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("range %d+%d outside object %s/%s", offset, length, bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *SQLiteBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM object_blobs WHERE bucket = ? AND key = ?`,
		bucket, key)
	if err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// CopyObject duplicates the payload entirely inside SQLite.
func (b *SQLiteBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	res, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_blobs (bucket, key, data)
		 SELECT ?, ?, data FROM object_blobs WHERE bucket = ? AND key = ?`,
		dstBucket, dstKey, srcBucket, srcKey)
	if err != nil {
		return fmt.Errorf("copying object to %s/%s: %w", dstBucket, dstKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("copying object to %s/%s: %w", dstBucket, dstKey, err)
	}
	if n == 0 {
		return fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
	}
	return nil
}

func (b *SQLiteBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM object_blobs WHERE bucket = ? AND key = ?`,
		bucket, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (b *SQLiteBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO part_blobs (upload_id, part_number, data) VALUES (?, ?, ?)`,
		uploadID, partNumber, data)
	if err != nil {
		return "", fmt.Errorf("storing part %d of upload %s: %w", partNumber, uploadID, err)
	}
	return md5ETag(data), nil
}

// AssembleParts concatenates the parts in the given order into the final
// object row. The part rows stay in place until the caller drops them
// with DeleteParts once the catalog has committed the object.
func (b *SQLiteBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning assembly transaction: %w", err)
	}
	defer tx.Rollback()

	var assembled bytes.Buffer
	for _, pn := range partNumbers {
		var data []byte
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM part_blobs WHERE upload_id = ? AND part_number = ?`,
			uploadID, pn).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("part %d of upload %s not found", pn, uploadID)
		}
		if err != nil {
			return fmt.Errorf("reading part %d of upload %s: %w", pn, uploadID, err)
		}
		assembled.Write(data)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_blobs (bucket, key, data) VALUES (?, ?, ?)`,
		bucket, key, assembled.Bytes()); err != nil {
		return fmt.Errorf("storing assembled object %s/%s: %w", bucket, key, err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM part_blobs WHERE upload_id = ?`, uploadID)
	if err != nil {
		return fmt.Errorf("deleting parts of upload %s: %w", uploadID, err)
	}
	return nil
}

// CreateBucket is a no-op; buckets exist as key prefixes in the tables.
func (b *SQLiteBackend) CreateBucket(ctx context.Context, bucket string) error {
	return nil
}

// DeleteBucket is a no-op; rows go away per object.
func (b *SQLiteBackend) DeleteBucket(ctx context.Context, bucket string) error {
	return nil
}

func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

var _ Backend = (*SQLiteBackend)(nil)
