package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bleepstore/bleepstore/internal/uid"
)

// partsDirName holds staged multipart parts under the storage root, one
// directory per upload ID. The leading dot keeps it out of the bucket
// namespace: bucket names cannot start with a dot.
const partsDirName = ".parts"

// LocalBackend stores payloads on the local filesystem. Objects live at
// <root>/<bucket>/<key> and staged parts at
// <root>/.parts/<upload_id>/<part_number>.
//
// Every mutation is crash-safe: data is streamed into a sibling
// <target>.tmp.<rand> file, fsynced, renamed over the target, and the
// parent directory is fsynced so the rename itself survives power loss.
// An interrupted write leaves only *.tmp.* files behind, which
// PruneTempFiles removes at startup.
type LocalBackend struct {
	// Root is the base directory for all payload files.
	Root string
}

// NewLocalBackend creates the root and parts directories if missing and
// prunes temp files left by a previous crash.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, partsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating parts directory: %w", err)
	}
	b := &LocalBackend{Root: root}
	if err := b.PruneTempFiles(); err != nil {
		return nil, fmt.Errorf("pruning temp files: %w", err)
	}
	return b, nil
}

// PruneTempFiles walks the root, including .parts, and removes leftover
// *.tmp.* files from interrupted writes. Runs before the server accepts
// traffic, so no live writer can race it.
func (b *LocalBackend) PruneTempFiles() error {
	return filepath.WalkDir(b.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		return nil
	})
}

// objectPath maps bucket/key to a filesystem path. The key is cleaned
// rooted at the bucket so "../" segments cannot escape the storage root.
func (b *LocalBackend) objectPath(bucket, key string) string {
	clean := path.Clean("/" + key)
	return filepath.Join(b.Root, bucket, filepath.FromSlash(clean))
}

func (b *LocalBackend) partPath(uploadID string, partNumber int) string {
	return filepath.Join(b.Root, partsDirName, uploadID, strconv.Itoa(partNumber))
}

// writeAtomic streams r into dst via a sibling temp file and returns the
// byte count and raw MD5 sum. After a crash the target holds either its
// previous content or the complete new content, never a torn mix.
func writeAtomic(dst string, r io.Reader) (int64, []byte, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, nil, fmt.Errorf("creating directory %q: %w", dir, err)
	}

	tmp := dst + ".tmp." + uid.TempSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, nil, fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(f, io.TeeReader(r, h))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return 0, nil, err
	}
	if err := syncDir(dir); err != nil {
		return 0, nil, err
	}
	return n, h.Sum(nil), nil
}

// syncDir fsyncs a directory so a completed rename inside it is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *LocalBackend) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	n, sum, err := writeAtomic(b.objectPath(bucket, key), r)
	if err != nil {
		return 0, "", fmt.Errorf("writing object %s/%s: %w", bucket, key, err)
	}
	return n, fmt.Sprintf(`"%x"`, sum), nil
}

func (b *LocalBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, fmt.Errorf("opening object %s/%s: %w", bucket, key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}
	return f, info.Size(), nil
}

func (b *LocalBackend) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(b.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, fmt.Errorf("opening object %s/%s: %w", bucket, key, err)
	}
	return &fileSection{SectionReader: io.NewSectionReader(f, offset, length), file: f}, nil
}

// fileSection serves a byte range of an open file and closes the file,
// not just the section, when the caller is done.
type fileSection struct {
	*io.SectionReader
	file *os.File
}

func (s *fileSection) Close() error {
	return s.file.Close()
}

// DeleteObject removes the payload file, then removes any directories the
// key's slashes created that are now empty, stopping at the bucket
// directory. Missing payloads are fine.
func (b *LocalBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	p := b.objectPath(bucket, key)
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("deleting object %s/%s: %w", bucket, key, err)
	}
	pruneEmptyDirs(filepath.Dir(p), filepath.Join(b.Root, bucket))
	return nil
}

// pruneEmptyDirs removes empty directories from dir up to, but not
// including, stop. Stops at the first non-empty directory.
func pruneEmptyDirs(dir, stop string) {
	dir = filepath.Clean(dir)
	stop = filepath.Clean(stop)
	for dir != stop && strings.HasPrefix(dir, stop+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (b *LocalBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	src, err := os.Open(b.objectPath(srcBucket, srcKey))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return fmt.Errorf("opening source object %s/%s: %w", srcBucket, srcKey, err)
	}
	defer src.Close()

	if _, _, err := writeAtomic(b.objectPath(dstBucket, dstKey), src); err != nil {
		return fmt.Errorf("copying object to %s/%s: %w", dstBucket, dstKey, err)
	}
	return nil
}

func (b *LocalBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	info, err := os.Stat(b.objectPath(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}
	return !info.IsDir(), nil
}

func (b *LocalBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	_, sum, err := writeAtomic(b.partPath(uploadID, partNumber), r)
	if err != nil {
		return "", fmt.Errorf("writing part %d of upload %s: %w", partNumber, uploadID, err)
	}
	return fmt.Sprintf(`"%x"`, sum), nil
}

// AssembleParts concatenates the staged parts, in the given order, into a
// single temp file and publishes it with one rename, so readers never see
// a partially assembled object. The staged parts stay in place, so a
// retry or a racing completion can still read them; the caller drops
// them with DeleteParts once the catalog has committed the object.
func (b *LocalBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	dst := b.objectPath(bucket, key)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}

	tmp := dst + ".tmp." + uid.TempSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	err = b.appendParts(f, uploadID, partNumbers)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("assembling upload %s into %s/%s: %w", uploadID, bucket, key, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("syncing directory after assembly: %w", err)
	}
	return nil
}

func (b *LocalBackend) appendParts(w io.Writer, uploadID string, partNumbers []int) error {
	for _, pn := range partNumbers {
		part, err := os.Open(b.partPath(uploadID, pn))
		if err != nil {
			return fmt.Errorf("opening part %d: %w", pn, err)
		}
		_, err = io.Copy(w, part)
		part.Close()
		if err != nil {
			return fmt.Errorf("appending part %d: %w", pn, err)
		}
	}
	return nil
}

func (b *LocalBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	dir := filepath.Join(b.Root, partsDirName, uploadID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing parts of upload %s: %w", uploadID, err)
	}
	return nil
}

func (b *LocalBackend) CreateBucket(ctx context.Context, bucket string) error {
	if err := os.MkdirAll(filepath.Join(b.Root, bucket), 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %q: %w", bucket, err)
	}
	return nil
}

// DeleteBucket removes the bucket directory. os.Remove refuses non-empty
// directories, which matches the catalog-level emptiness check upstream.
func (b *LocalBackend) DeleteBucket(ctx context.Context, bucket string) error {
	if err := os.Remove(filepath.Join(b.Root, bucket)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing bucket directory %q: %w", bucket, err)
	}
	return nil
}

func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(b.Root); err != nil {
		return fmt.Errorf("storage root %q: %w", b.Root, err)
	}
	return nil
}

var _ Backend = (*LocalBackend)(nil)
