package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// maxComposeSources is the GCS limit on source objects per Compose call.
const maxComposeSources = 32

// GCSAPI is the slice of the GCS client the gateway uses, split out so
// tests can substitute a mock.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// NewRangeReader reads length bytes starting at offset.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSAttrs, error)
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSWriter is the write half of a GCS object upload.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs carries the object attributes the gateway needs.
type GCSAttrs struct {
	Size int64
	MD5  []byte
}

// realGCSClient adapts the official GCS client to GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSAttrs, error) {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.client.Bucket(bucket).Object(dstObject)
	attrs, err := dst.CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	srcs := make([]*gcs.ObjectHandle, 0, len(srcObjects))
	for _, name := range srcObjects {
		srcs = append(srcs, c.client.Bucket(bucket).Object(name))
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCSGateway proxies payloads to one upstream Google Cloud Storage
// bucket, namespaced the same way as S3Gateway:
//
//	objects  {prefix}{bucket}/{key}
//	parts    {prefix}.parts/{upload_id}/{part_number}
//
// Credentials resolve through Application Default Credentials unless a
// service account key file is configured.
type GCSGateway struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID, kept for logging only.
	Project string
	// Prefix namespaces all upstream object names. May be empty.
	Prefix string

	client GCSAPI
}

// NewGCSGateway builds the upstream client and verifies the bucket is
// reachable. credentialsFile, when non-empty, points at a service
// account JSON key and overrides Application Default Credentials.
func NewGCSGateway(ctx context.Context, bucket, project, prefix, credentialsFile string) (*GCSGateway, error) {
	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	g := NewGCSGatewayWithClient(bucket, project, prefix, &realGCSClient{client: client})
	if err := g.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("upstream GCS bucket %q unreachable: %w", bucket, err)
	}
	slog.Info("gcs gateway ready", "bucket", bucket, "project", project, "prefix", prefix)
	return g, nil
}

// NewGCSGatewayWithClient wires a prebuilt client, mock or real.
func NewGCSGatewayWithClient(bucket, project, prefix string, client GCSAPI) *GCSGateway {
	return &GCSGateway{Bucket: bucket, Project: project, Prefix: prefix, client: client}
}

func (g *GCSGateway) upstreamKey(bucket, key string) string {
	return g.Prefix + bucket + "/" + key
}

func (g *GCSGateway) upstreamPartKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.parts/%s/%d", g.Prefix, uploadID, partNumber)
}

// PutObject buffers the payload to hash it locally; GCS reports no MD5
// for composite objects, so upstream attributes cannot be trusted for
// the ETag.
func (g *GCSGateway) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}

	w := g.client.NewWriter(ctx, g.Bucket, g.upstreamKey(bucket, key))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return 0, "", fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return int64(len(data)), md5ETag(data), nil
}

func (g *GCSGateway) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	name := g.upstreamKey(bucket, key)

	attrs, err := g.client.Attrs(ctx, g.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, fmt.Errorf("getting object attrs from GCS: %w", err)
	}

	r, err := g.client.NewReader(ctx, g.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, fmt.Errorf("getting object from GCS: %w", err)
	}
	return r, attrs.Size, nil
}

func (g *GCSGateway) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	r, err := g.client.NewRangeReader(ctx, g.Bucket, g.upstreamKey(bucket, key), offset, length)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, fmt.Errorf("getting object range from GCS: %w", err)
	}
	return r, nil
}

// DeleteObject swallows not-found; GCS errors on deleting a missing
// object where S3 does not.
func (g *GCSGateway) DeleteObject(ctx context.Context, bucket, key string) error {
	err := g.client.Delete(ctx, g.Bucket, g.upstreamKey(bucket, key))
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

func (g *GCSGateway) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := g.client.Copy(ctx, g.Bucket, g.upstreamKey(srcBucket, srcKey), g.upstreamKey(dstBucket, dstKey))
	if err != nil {
		if isGCSNotFound(err) {
			return fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return fmt.Errorf("copying object in GCS: %w", err)
	}
	return nil
}

func (g *GCSGateway) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := g.client.Attrs(ctx, g.Bucket, g.upstreamKey(bucket, key))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object in GCS: %w", err)
	}
	return true, nil
}

func (g *GCSGateway) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}

	w := g.client.NewWriter(ctx, g.Bucket, g.upstreamPartKey(uploadID, partNumber))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("uploading part to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing part upload to GCS: %w", err)
	}
	return md5ETag(data), nil
}

// AssembleParts composes the staged parts into the final object. Compose
// takes at most 32 sources, so larger uploads compose in batches of 32
// into intermediates and then compose those, repeating until one call
// remains. Intermediates are removed afterwards; the staged parts stay
// until the caller drops them with DeleteParts once the catalog has
// committed the object.
func (g *GCSGateway) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	finalName := g.upstreamKey(bucket, key)
	sources := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		sources[i] = g.upstreamPartKey(uploadID, pn)
	}

	if len(sources) <= maxComposeSources {
		if _, err := g.client.Compose(ctx, g.Bucket, finalName, sources); err != nil {
			return fmt.Errorf("composing parts in GCS: %w", err)
		}
	} else {
		intermediates, err := g.chainCompose(ctx, sources, finalName)
		for _, name := range intermediates {
			if delErr := g.client.Delete(ctx, g.Bucket, name); delErr != nil && !isGCSNotFound(delErr) {
				slog.Warn("failed to clean up compose intermediate", "object", name, "error", delErr)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// chainCompose reduces more than 32 sources down to one final compose.
// It returns every intermediate object it created, including on error,
// so the caller can clean them up.
func (g *GCSGateway) chainCompose(ctx context.Context, sources []string, finalName string) ([]string, error) {
	var intermediates []string
	current := sources

	generation := 0
	for len(current) > maxComposeSources {
		var next []string
		for i := 0; i < len(current); i += maxComposeSources {
			end := min(i+maxComposeSources, len(current))
			batch := current[i:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := g.client.Compose(ctx, g.Bucket, name, batch); err != nil {
				return intermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			next = append(next, name)
			intermediates = append(intermediates, name)
		}
		current = next
		generation++
	}

	if _, err := g.client.Compose(ctx, g.Bucket, finalName, current); err != nil {
		return intermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return intermediates, nil
}

func (g *GCSGateway) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	prefix := g.Prefix + ".parts/" + uploadID + "/"
	names, err := g.client.ListObjects(ctx, g.Bucket, prefix)
	if err != nil {
		return fmt.Errorf("listing parts of upload %s: %w", uploadID, err)
	}
	for _, name := range names {
		if delErr := g.client.Delete(ctx, g.Bucket, name); delErr != nil && !isGCSNotFound(delErr) {
			return fmt.Errorf("deleting part %s: %w", name, delErr)
		}
	}
	return nil
}

// CreateBucket is a no-op; BleepStore buckets are name prefixes upstream.
func (g *GCSGateway) CreateBucket(ctx context.Context, bucket string) error {
	return nil
}

// DeleteBucket is a no-op; objects under the prefix were already removed
// one by one.
func (g *GCSGateway) DeleteBucket(ctx context.Context, bucket string) error {
	return nil
}

// HealthCheck lists under a name no real object can have; reaching the
// upstream bucket at all is the test.
func (g *GCSGateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.ListObjects(ctx, g.Bucket, g.Prefix+"\x00probe\x00")
	return err
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
	}
	return false
}

var _ Backend = (*GCSGateway)(nil)
