package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryBackend keeps payloads in maps guarded by one RWMutex. It backs
// tests and ephemeral runs, and can optionally persist itself to a SQLite
// snapshot file so payloads survive a restart.
type MemoryBackend struct {
	mu       sync.Mutex
	objects  map[string][]byte // "bucket/key"
	parts    map[string][]byte // "uploadID/%05d"
	used     int64
	maxBytes int64

	snapshotPath string
	stop         chan struct{}
	done         chan struct{}
}

// NewMemoryBackend returns an ephemeral backend. maxBytes caps the total
// payload bytes held; zero means uncapped.
func NewMemoryBackend(maxBytes int64) *MemoryBackend {
	return &MemoryBackend{
		objects:  make(map[string][]byte),
		parts:    make(map[string][]byte),
		maxBytes: maxBytes,
	}
}

// NewPersistentMemoryBackend returns a memory backend that loads an
// existing snapshot from snapshotPath and rewrites it every interval and
// at Close. A zero interval snapshots only at Close.
func NewPersistentMemoryBackend(maxBytes int64, snapshotPath string, interval time.Duration) (*MemoryBackend, error) {
	b := NewMemoryBackend(maxBytes)
	b.snapshotPath = snapshotPath
	if err := b.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("loading snapshot %q: %w", snapshotPath, err)
	}
	if interval > 0 {
		b.stop = make(chan struct{})
		b.done = make(chan struct{})
		go b.snapshotLoop(interval)
	}
	return b, nil
}

func memKey(bucket, key string) string {
	return bucket + "/" + key
}

func memPartKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s/%05d", uploadID, partNumber)
}

// storeLocked replaces m[k] with data, enforcing the byte cap. The caller
// holds b.mu.
func (b *MemoryBackend) storeLocked(m map[string][]byte, k string, data []byte) error {
	delta := int64(len(data)) - int64(len(m[k]))
	if b.maxBytes > 0 && b.used+delta > b.maxBytes {
		return fmt.Errorf("memory backend full: %d bytes used, %d more over the %d cap", b.used, delta, b.maxBytes)
	}
	m[k] = data
	b.used += delta
	return nil
}

func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.storeLocked(b.objects, memKey(bucket, key), data); err != nil {
		return 0, "", err
	}
	return int64(len(data)), md5ETag(data), nil
}

func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	data, found := b.objects[memKey(bucket, key)]
	b.mu.Unlock()
	if !found {
		return nil, 0, fmt.Errorf("object not found: %s/%s", bucket, key)
	}

	// Hand out a copy; the stored slice may be replaced concurrently.
	out := make([]byte, len(data))
	copy(out, data)
	return io.NopCloser(bytes.NewReader(out)), int64(len(out)), nil
}

func (b *MemoryBackend) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	b.mu.Lock()
	data, found := b.objects[memKey(bucket, key)]
	b.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("range %d+%d outside object of %d bytes", offset, length, len(data))
	}

	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return io.NopCloser(bytes.NewReader(out)), nil
}

func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := memKey(bucket, key)
	b.used -= int64(len(b.objects[k]))
	delete(b.objects, k)
	return nil
}

func (b *MemoryBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, found := b.objects[memKey(srcBucket, srcKey)]
	if !found {
		return fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	return b.storeLocked(b.objects, memKey(dstBucket, dstKey), dup)
}

func (b *MemoryBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, found := b.objects[memKey(bucket, key)]
	return found, nil
}

func (b *MemoryBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.storeLocked(b.parts, memPartKey(uploadID, partNumber), data); err != nil {
		return "", err
	}
	return md5ETag(data), nil
}

func (b *MemoryBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var assembled []byte
	for _, pn := range partNumbers {
		data, found := b.parts[memPartKey(uploadID, pn)]
		if !found {
			return fmt.Errorf("part %d of upload %s not found", pn, uploadID)
		}
		assembled = append(assembled, data...)
	}

	// The bytes already passed the cap check when the parts were staged,
	// and the parts stay staged until the caller drops them, so the cap
	// is not enforced here: completion must not fail on a full backend.
	k := memKey(bucket, key)
	b.used += int64(len(assembled)) - int64(len(b.objects[k]))
	b.objects[k] = assembled
	return nil
}

func (b *MemoryBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= b.removePartsLocked(uploadID)
	return nil
}

// removePartsLocked deletes every staged part of uploadID and returns the
// bytes freed. The caller holds b.mu.
func (b *MemoryBackend) removePartsLocked(uploadID string) int64 {
	prefix := uploadID + "/"
	var freed int64
	for k, data := range b.parts {
		if strings.HasPrefix(k, prefix) {
			freed += int64(len(data))
			delete(b.parts, k)
		}
	}
	return freed
}

// CreateBucket is a no-op; buckets exist only in the catalog.
func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error {
	return nil
}

// DeleteBucket is a no-op; the catalog refuses to drop non-empty buckets.
func (b *MemoryBackend) DeleteBucket(ctx context.Context, bucket string) error {
	return nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Close stops the snapshot loop and, when persistence is on, writes a
// final snapshot.
func (b *MemoryBackend) Close() error {
	if b.stop != nil {
		close(b.stop)
		<-b.done
	}
	if b.snapshotPath == "" {
		return nil
	}
	if err := b.writeSnapshot(); err != nil {
		return fmt.Errorf("writing final snapshot: %w", err)
	}
	return nil
}

func (b *MemoryBackend) snapshotLoop(interval time.Duration) {
	defer close(b.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				slog.Error("memory backend snapshot failed", "path", b.snapshotPath, "error", err)
			}
		}
	}
}

// loadSnapshot restores payloads from the snapshot file. A missing file
// is a fresh start.
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer db.Close()

	if err := b.loadTable(db, "SELECT bucket || '/' || key, data FROM objects", b.objects); err != nil {
		return err
	}
	return b.loadTable(db, "SELECT upload_id || '/' || printf('%05d', part_number), data FROM parts", b.parts)
}

func (b *MemoryBackend) loadTable(db *sql.DB, query string, into map[string][]byte) error {
	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("reading snapshot rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var data []byte
		if err := rows.Scan(&k, &data); err != nil {
			return fmt.Errorf("scanning snapshot row: %w", err)
		}
		into[k] = data
		b.used += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot dumps the current payloads into a fresh SQLite file next
// to the snapshot path and renames it into place, so a crash mid-write
// leaves the previous snapshot intact.
func (b *MemoryBackend) writeSnapshot() error {
	b.mu.Lock()
	objects := make(map[string][]byte, len(b.objects))
	for k, v := range b.objects {
		objects[k] = v
	}
	parts := make(map[string][]byte, len(b.parts))
	for k, v := range b.parts {
		parts[k] = v
	}
	b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp := b.snapshotPath + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := writeSnapshotFile(tmp, objects, parts); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, b.snapshotPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	// The driver may leave journal sidecars for the temp name behind.
	os.Remove(tmp + "-wal")
	os.Remove(tmp + "-shm")
	return nil
}

func writeSnapshotFile(path string, objects, parts map[string][]byte) error {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(DELETE)&_pragma=synchronous(FULL)")
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer db.Close()

	schema := `
	CREATE TABLE objects (
		bucket TEXT NOT NULL,
		key    TEXT NOT NULL,
		data   BLOB NOT NULL,
		PRIMARY KEY (bucket, key)
	);
	CREATE TABLE parts (
		upload_id   TEXT NOT NULL,
		part_number INTEGER NOT NULL,
		data        BLOB NOT NULL,
		PRIMARY KEY (upload_id, part_number)
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for _, k := range sortedKeys(objects) {
		bucket, key, _ := strings.Cut(k, "/")
		if _, err := tx.Exec("INSERT INTO objects (bucket, key, data) VALUES (?, ?, ?)", bucket, key, objects[k]); err != nil {
			return fmt.Errorf("writing object snapshot row %q: %w", k, err)
		}
	}
	for _, k := range sortedKeys(parts) {
		uploadID, numStr, _ := strings.Cut(k, "/")
		partNumber, _ := strconv.Atoi(numStr)
		if _, err := tx.Exec("INSERT INTO parts (upload_id, part_number, data) VALUES (?, ?, ?)", uploadID, partNumber, parts[k]); err != nil {
			return fmt.Errorf("writing part snapshot row %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Backend = (*MemoryBackend)(nil)
