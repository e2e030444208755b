package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the slice of the AWS S3 client the gateway uses, split out so
// tests can substitute a mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Gateway proxies payloads to one upstream Amazon S3 bucket. Every
// BleepStore bucket maps to a key prefix in that bucket:
//
//	objects  {prefix}{bucket}/{key}
//	parts    {prefix}.parts/{upload_id}/{part_number}
//
// Credentials resolve through the standard AWS chain unless a static pair
// is configured.
type S3Gateway struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Region is the upstream bucket's region.
	Region string
	// Prefix namespaces all upstream keys. May be empty.
	Prefix string

	client S3API
}

// NewS3Gateway builds the upstream client and verifies the bucket is
// reachable. endpointURL and usePathStyle support S3-compatible targets
// like MinIO and LocalStack; accessKeyID/secretAccessKey override the
// default credential chain when both are set.
func NewS3Gateway(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*S3Gateway, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
		if usePathStyle {
			o.UsePathStyle = true
		}
	})

	g := NewS3GatewayWithClient(bucket, region, prefix, client)
	if err := g.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("upstream S3 bucket %q unreachable: %w", bucket, err)
	}
	slog.Info("s3 gateway ready", "bucket", bucket, "region", region, "prefix", prefix)
	return g, nil
}

// NewS3GatewayWithClient wires a prebuilt client, mock or real.
func NewS3GatewayWithClient(bucket, region, prefix string, client S3API) *S3Gateway {
	return &S3Gateway{Bucket: bucket, Region: region, Prefix: prefix, client: client}
}

func (g *S3Gateway) upstreamKey(bucket, key string) string {
	return g.Prefix + bucket + "/" + key
}

func (g *S3Gateway) upstreamPartKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.parts/%s/%d", g.Prefix, uploadID, partNumber)
}

// PutObject buffers the payload to hash it locally; upstream ETags are
// unusable when bucket encryption is on, and the SDK wants a seekable
// body for retries anyway.
func (g *S3Gateway) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}

	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.Bucket),
		Key:           aws.String(g.upstreamKey(bucket, key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return 0, "", fmt.Errorf("uploading to S3: %w", err)
	}
	return int64(len(data)), md5ETag(data), nil
}

func (g *S3Gateway) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	resp, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.Bucket),
		Key:    aws.String(g.upstreamKey(bucket, key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

func (g *S3Gateway) GetObjectRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	resp, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.Bucket),
		Key:    aws.String(g.upstreamKey(bucket, key)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, fmt.Errorf("getting object range from S3: %w", err)
	}
	return resp.Body, nil
}

// DeleteObject is idempotent upstream; S3 does not error on missing keys.
func (g *S3Gateway) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.Bucket),
		Key:    aws.String(g.upstreamKey(bucket, key)),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

func (g *S3Gateway) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(g.Bucket),
		Key:        aws.String(g.upstreamKey(dstBucket, dstKey)),
		CopySource: aws.String(g.Bucket + "/" + g.upstreamKey(srcBucket, srcKey)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return fmt.Errorf("copying object in S3: %w", err)
	}
	return nil
}

func (g *S3Gateway) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.Bucket),
		Key:    aws.String(g.upstreamKey(bucket, key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object in S3: %w", err)
	}
	return true, nil
}

func (g *S3Gateway) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}

	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.Bucket),
		Key:           aws.String(g.upstreamPartKey(uploadID, partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("uploading part to S3: %w", err)
	}
	return md5ETag(data), nil
}

// AssembleParts builds the final object server-side. One part becomes a
// plain CopyObject; more run through a native upstream multipart upload
// fed by UploadPartCopy, falling back to download/re-upload for parts
// below AWS's own 5 MiB floor. The staged part objects stay in place
// until the caller drops them with DeleteParts once the catalog has
// committed the object.
func (g *S3Gateway) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) error {
	finalKey := g.upstreamKey(bucket, key)

	if len(partNumbers) == 1 {
		_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(g.Bucket),
			Key:        aws.String(finalKey),
			CopySource: aws.String(g.Bucket + "/" + g.upstreamPartKey(uploadID, partNumbers[0])),
		})
		if err != nil {
			return fmt.Errorf("copying single part to final object: %w", err)
		}
		return nil
	}

	createResp, err := g.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(g.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return fmt.Errorf("creating upstream multipart upload: %w", err)
	}
	upstreamID := aws.ToString(createResp.UploadId)

	abort := func() {
		_, abortErr := g.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(g.Bucket),
			Key:      aws.String(finalKey),
			UploadId: aws.String(upstreamID),
		})
		if abortErr != nil {
			slog.Warn("failed to abort upstream multipart upload", "upload_id", upstreamID, "error", abortErr)
		}
	}

	completed := make([]types.CompletedPart, 0, len(partNumbers))
	for idx, pn := range partNumbers {
		// Upstream part numbers restart at 1 regardless of ours.
		etag, err := g.copyPartUpstream(ctx, finalKey, upstreamID, int32(idx+1), g.upstreamPartKey(uploadID, pn))
		if err != nil {
			abort()
			return fmt.Errorf("staging part %d upstream: %w", pn, err)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(idx + 1)),
		})
	}

	_, err = g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(g.Bucket),
		Key:             aws.String(finalKey),
		UploadId:        aws.String(upstreamID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abort()
		return fmt.Errorf("completing upstream multipart upload: %w", err)
	}
	return nil
}

// copyPartUpstream server-side copies one staged part into the upstream
// multipart upload, downloading and re-uploading when the part is too
// small for UploadPartCopy.
func (g *S3Gateway) copyPartUpstream(ctx context.Context, finalKey, upstreamID string, upstreamPart int32, sourceKey string) (string, error) {
	copyResp, err := g.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:     aws.String(g.Bucket),
		Key:        aws.String(finalKey),
		UploadId:   aws.String(upstreamID),
		PartNumber: aws.Int32(upstreamPart),
		CopySource: aws.String(g.Bucket + "/" + sourceKey),
	})
	if err == nil {
		var etag string
		if copyResp.CopyPartResult != nil {
			etag = aws.ToString(copyResp.CopyPartResult.ETag)
		}
		return etag, nil
	}
	if !isAWSEntityTooSmall(err) {
		return "", err
	}

	getResp, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.Bucket),
		Key:    aws.String(sourceKey),
	})
	if err != nil {
		return "", fmt.Errorf("downloading part for fallback upload: %w", err)
	}
	data, err := io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("reading part for fallback upload: %w", err)
	}

	uploadResp, err := g.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(g.Bucket),
		Key:        aws.String(finalKey),
		UploadId:   aws.String(upstreamID),
		PartNumber: aws.Int32(upstreamPart),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("fallback part upload: %w", err)
	}
	return aws.ToString(uploadResp.ETag), nil
}

// DeleteParts lists and batch-deletes the staged part objects. Listing
// restarts from the top after each batch; deleted keys no longer appear,
// so the loop drains the prefix without continuation bookkeeping.
func (g *S3Gateway) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	prefix := g.Prefix + ".parts/" + uploadID + "/"
	for {
		listResp, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(g.Bucket),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("listing parts of upload %s: %w", uploadID, err)
		}
		if len(listResp.Contents) == 0 {
			return nil
		}

		ids := make([]types.ObjectIdentifier, 0, len(listResp.Contents))
		for _, obj := range listResp.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = g.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(g.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting parts of upload %s: %w", uploadID, err)
		}
		if !aws.ToBool(listResp.IsTruncated) {
			return nil
		}
	}
}

// CreateBucket is a no-op; BleepStore buckets are key prefixes upstream.
func (g *S3Gateway) CreateBucket(ctx context.Context, bucket string) error {
	return nil
}

// DeleteBucket is a no-op; objects under the prefix were already removed
// one by one.
func (g *S3Gateway) DeleteBucket(ctx context.Context, bucket string) error {
	return nil
}

func (g *S3Gateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.Bucket)})
	return err
}

func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "404":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

func isAWSEntityTooSmall(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "EntityTooSmall"
}

var _ Backend = (*S3Gateway)(nil)
