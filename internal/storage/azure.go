package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// AzureBlobAPI is the slice of the Azure Blob client the gateway uses,
// split out so tests can substitute a mock.
type AzureBlobAPI interface {
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// DownloadBlobRange downloads length bytes starting at offset.
	DownloadBlobRange(ctx context.Context, containerName, blobName string, offset, length int64) ([]byte, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	GetBlobProperties(ctx context.Context, containerName, blobName string) (int64, error)
	StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) error
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error
}

// AzureGateway proxies payloads to one upstream Azure Blob container,
// with objects at {prefix}{bucket}/{key}.
//
// Multipart maps onto block blob primitives instead of temp objects:
// PutPart stages a block on the final blob, AssembleParts commits the
// block list, and DeleteParts has nothing to do because Azure discards
// uncommitted blocks on its own (after 7 days, or at the next commit).
type AzureGateway struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the storage account URL, e.g.
	// https://account.blob.core.windows.net.
	AccountURL string
	// Prefix namespaces all upstream blob names. May be empty.
	Prefix string

	client AzureBlobAPI
}

// NewAzureGateway builds the upstream client and verifies the container
// is reachable. Auth is connection string, managed identity, or
// DefaultAzureCredential, in that order of preference.
func NewAzureGateway(ctx context.Context, container, accountURL, prefix, connectionString string, useManagedIdentity bool) (*AzureGateway, error) {
	client, err := newRealAzureClient(accountURL, connectionString, useManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	g := NewAzureGatewayWithClient(container, accountURL, prefix, client)
	if err := g.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("upstream Azure container %q unreachable: %w", container, err)
	}
	slog.Info("azure gateway ready", "container", container, "account", accountURL, "prefix", prefix)
	return g, nil
}

// NewAzureGatewayWithClient wires a prebuilt client, mock or real.
func NewAzureGatewayWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureGateway {
	return &AzureGateway{Container: container, AccountURL: accountURL, Prefix: prefix, client: client}
}

func (g *AzureGateway) blobName(bucket, key string) string {
	return g.Prefix + bucket + "/" + key
}

// blockID builds the staged-block ID for one part. Azure requires block
// IDs to be base64 and uniformly sized within a blob; embedding the
// upload ID keeps concurrent uploads to the same key from colliding.
func blockID(uploadID string, partNumber int) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)),
	)
}

// PutObject buffers the payload to hash it locally; Azure ETags are
// opaque and unrelated to content MD5.
func (g *AzureGateway) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}

	if err := g.client.UploadBlob(ctx, g.Container, g.blobName(bucket, key), data); err != nil {
		return 0, "", fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return int64(len(data)), md5ETag(data), nil
}

func (g *AzureGateway) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	name := g.blobName(bucket, key)

	size, err := g.client.GetBlobProperties(ctx, g.Container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, fmt.Errorf("getting blob properties from Azure: %w", err)
	}

	data, err := g.client.DownloadBlob(ctx, g.Container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), size, nil
}

func (g *AzureGateway) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	data, err := g.client.DownloadBlobRange(ctx, g.Container, g.blobName(bucket, key), offset, length)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, fmt.Errorf("getting object range from Azure Blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeleteObject swallows not-found; Azure errors on deleting a missing
// blob where S3 does not.
func (g *AzureGateway) DeleteObject(ctx context.Context, bucket, key string) error {
	err := g.client.DeleteBlob(ctx, g.Container, g.blobName(bucket, key))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting object from Azure Blob: %w", err)
	}
	return nil
}

func (g *AzureGateway) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	sourceURL := fmt.Sprintf("%s/%s/%s", g.AccountURL, g.Container, g.blobName(srcBucket, srcKey))
	err := g.client.StartCopyFromURL(ctx, g.Container, g.blobName(dstBucket, dstKey), sourceURL)
	if err != nil {
		if isAzureNotFound(err) {
			return fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return fmt.Errorf("copying object in Azure Blob: %w", err)
	}
	return nil
}

func (g *AzureGateway) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	exists, err := g.client.BlobExists(ctx, g.Container, g.blobName(bucket, key))
	if err != nil {
		return false, fmt.Errorf("checking object in Azure Blob: %w", err)
	}
	return exists, nil
}

// PutPart stages a block directly on the final blob. No temp objects
// exist on this backend.
func (g *AzureGateway) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}

	if err := g.client.StageBlock(ctx, g.Container, g.blobName(bucket, key), blockID(uploadID, partNumber), data); err != nil {
		return "", fmt.Errorf("staging block in Azure Blob: %w", err)
	}
	return md5ETag(data), nil
}

// AssembleParts commits the staged blocks in part order. The commit also
// discards any uncommitted blocks left on the blob.
func (g *AzureGateway) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	blockIDs := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		blockIDs[i] = blockID(uploadID, pn)
	}
	if err := g.client.CommitBlockList(ctx, g.Container, g.blobName(bucket, key), blockIDs); err != nil {
		return fmt.Errorf("committing block list in Azure Blob: %w", err)
	}
	return nil
}

// DeleteParts is a no-op; Azure expires uncommitted blocks on its own.
func (g *AzureGateway) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

// CreateBucket is a no-op; BleepStore buckets are name prefixes upstream.
func (g *AzureGateway) CreateBucket(ctx context.Context, bucket string) error {
	return nil
}

// DeleteBucket is a no-op; blobs under the prefix were already removed
// one by one.
func (g *AzureGateway) DeleteBucket(ctx context.Context, bucket string) error {
	return nil
}

// HealthCheck probes a name no real blob can have; reaching the upstream
// container at all is the test.
func (g *AzureGateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.BlobExists(ctx, g.Container, g.Prefix+"\x00probe\x00")
	return err
}

func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist")
}

var _ Backend = (*AzureGateway)(nil)
