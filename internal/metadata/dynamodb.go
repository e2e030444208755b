package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBStore keeps all metadata in one DynamoDB table. Buckets, objects,
// uploads and credentials are metadata rows under typed partition keys;
// parts are range rows under their upload's partition key:
//
//	BUCKET#<name>          / #METADATA
//	OBJECT#<bucket>#<key>  / #METADATA
//	UPLOAD#<id>            / #METADATA
//	UPLOAD#<id>            / PART#<nnnnn>
//	CRED#<access-key>      / #METADATA
type DynamoDBStore struct {
	client *dynamodb.Client
	table  string
}

var _ Store = (*DynamoDBStore)(nil)

// NewDynamoDBStore connects to the named table. An endpoint override
// points the client at DynamoDB Local.
func NewDynamoDBStore(table, region, endpointURL string) (*DynamoDBStore, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if endpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(endpointURL)
	}

	return &DynamoDBStore{client: dynamodb.NewFromConfig(awsCfg), table: table}, nil
}

func (s *DynamoDBStore) Close() error { return nil }

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

func pkBucket(name string) string        { return "BUCKET#" + name }
func pkObject(bucket, key string) string { return "OBJECT#" + bucket + "#" + key }
func pkUpload(uploadID string) string    { return "UPLOAD#" + uploadID }
func pkCredential(accessKey string) string {
	return "CRED#" + accessKey
}

const skMetadata = "#METADATA"

func skPart(partNumber int) string { return fmt.Sprintf("PART#%05d", partNumber) }

func metaKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: skMetadata},
	}
}

func attrS(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func attrN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// ---- Buckets ----

func (s *DynamoDBStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"pk":            attrS(pkBucket(bucket.Name)),
			"sk":            attrS(skMetadata),
			"type":          attrS("bucket"),
			"name":          attrS(bucket.Name),
			"region":        attrS(bucket.Region),
			"owner_id":      attrS(bucket.OwnerID),
			"owner_display": attrS(bucket.OwnerDisplay),
			"acl":           attrS(aclJSON(bucket.ACL)),
			"created_at":    attrS(bucket.CreatedAt.UTC().Format(timeFormat)),
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("bucket %q: %w", bucket.Name, ErrBucketExists)
	}
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(pkBucket(name)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting bucket: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToBucket(resp.Item), nil
}

func (s *DynamoDBStore) BucketExists(ctx context.Context, name string) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  metaKey(pkBucket(name)),
		ProjectionExpression: aws.String("pk"),
	})
	if err != nil {
		return false, fmt.Errorf("checking bucket: %w", err)
	}
	return resp.Item != nil, nil
}

func (s *DynamoDBStore) DeleteBucket(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 metaKey(pkBucket(name)),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("bucket %q not found", name)
	}
	return err
}

func (s *DynamoDBStore) ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error) {
	filter := "begins_with(pk, :prefix) AND sk = :meta"
	values := map[string]types.AttributeValue{
		":prefix": attrS("BUCKET#"),
		":meta":   attrS(skMetadata),
	}
	if ownerID != "" {
		filter += " AND owner_id = :owner"
		values[":owner"] = attrS(ownerID)
	}

	var buckets []BucketRecord
	err := s.scanAll(ctx, filter, values, nil, func(item map[string]types.AttributeValue) {
		buckets = append(buckets, *itemToBucket(item))
	})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *DynamoDBStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	return s.setACL(ctx, pkBucket(name), acl)
}

func (s *DynamoDBStore) setACL(ctx context.Context, pk string, acl json.RawMessage) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       metaKey(pk),
		UpdateExpression:          aws.String("SET #acl = :acl"),
		ExpressionAttributeNames:  map[string]string{"#acl": "acl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":acl": attrS(aclJSON(acl))},
		ConditionExpression:       aws.String("attribute_exists(pk)"),
	})
	return err
}

// ---- Objects ----

func (s *DynamoDBStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	item := map[string]types.AttributeValue{
		"pk":            attrS(pkObject(obj.Bucket, obj.Key)),
		"sk":            attrS(skMetadata),
		"type":          attrS("object"),
		"bucket":        attrS(obj.Bucket),
		"key":           attrS(obj.Key),
		"size":          attrN(obj.Size),
		"etag":          attrS(obj.ETag),
		"content_type":  attrS(orDefault(obj.ContentType, "application/octet-stream")),
		"storage_class": attrS(orDefault(obj.StorageClass, "STANDARD")),
		"acl":           attrS(aclJSON(obj.ACL)),
		"user_metadata": attrS(userMetaJSON(obj.UserMetadata)),
		"last_modified": attrS(obj.LastModified.UTC().Format(timeFormat)),
	}
	for name, value := range map[string]string{
		"content_encoding":    obj.ContentEncoding,
		"content_language":    obj.ContentLanguage,
		"content_disposition": obj.ContentDisposition,
		"cache_control":       obj.CacheControl,
		"expires":             obj.Expires,
	} {
		if value != "" {
			item[name] = attrS(value)
		}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

func (s *DynamoDBStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(pkObject(bucket, key)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToObject(resp.Item), nil
}

func (s *DynamoDBStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  metaKey(pkObject(bucket, key)),
		ProjectionExpression: aws.String("pk"),
	})
	if err != nil {
		return false, fmt.Errorf("checking object: %w", err)
	}
	return resp.Item != nil, nil
}

func (s *DynamoDBStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(pkObject(bucket, key)),
	})
	return err
}

func (s *DynamoDBStore) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	var deleted []string
	var errs []error

	for start := 0; start < len(keys); start += 25 {
		end := min(start+25, len(keys))
		batch := keys[start:end]

		requests := make([]types.WriteRequest, 0, len(batch))
		for _, key := range batch {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: metaKey(pkObject(bucket, key))},
			})
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			errs = append(errs, fmt.Errorf("deleting batch at %q: %w", batch[0], err))
			continue
		}
		deleted = append(deleted, batch...)
	}
	return deleted, errs
}

func (s *DynamoDBStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	return s.setACL(ctx, pkObject(bucket, key), acl)
}

func (s *DynamoDBStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	var count int64
	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("begins_with(pk, :prefix) AND sk = :meta"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": attrS("OBJECT#" + bucket + "#"),
				":meta":   attrS(skMetadata),
			},
			Select:            types.SelectCount,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return 0, fmt.Errorf("counting objects: %w", err)
		}
		count += int64(resp.Count)
		if resp.LastEvaluatedKey == nil {
			return count, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

// ListObjects scans every matching row before collating. Scan order follows
// the partition hash, not the key, so the full set has to be in hand before
// sorting and grouping.
func (s *DynamoDBStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	filter := "begins_with(pk, :prefix) AND sk = :meta"
	values := map[string]types.AttributeValue{
		":prefix": attrS("OBJECT#" + bucket + "#" + opts.Prefix),
		":meta":   attrS(skMetadata),
	}
	var names map[string]string
	if opts.Marker != "" {
		filter += " AND #key > :marker"
		values[":marker"] = attrS(opts.Marker)
		names = map[string]string{"#key": "key"}
	}

	var objects []ObjectRecord
	err := s.scanAll(ctx, filter, values, names, func(item map[string]types.AttributeValue) {
		obj := itemToObject(item)
		if opts.Prefix == "" || strings.HasPrefix(obj.Key, opts.Prefix) {
			objects = append(objects, *obj)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return collateObjects(objects, opts.Prefix, opts.Delimiter, opts.Marker, maxKeys), nil
}

// ---- Multipart uploads ----

func (s *DynamoDBStore) CreateMultipartUpload(ctx context.Context, u *UploadRecord) error {
	item := map[string]types.AttributeValue{
		"pk":            attrS(pkUpload(u.UploadID)),
		"sk":            attrS(skMetadata),
		"type":          attrS("upload"),
		"upload_id":     attrS(u.UploadID),
		"bucket":        attrS(u.Bucket),
		"key":           attrS(u.Key),
		"content_type":  attrS(orDefault(u.ContentType, "application/octet-stream")),
		"storage_class": attrS(orDefault(u.StorageClass, "STANDARD")),
		"acl":           attrS(aclJSON(u.ACL)),
		"user_metadata": attrS(userMetaJSON(u.UserMetadata)),
		"owner_id":      attrS(u.OwnerID),
		"owner_display": attrS(u.OwnerDisplay),
		"initiated_at":  attrS(u.InitiatedAt.UTC().Format(timeFormat)),
	}
	for name, value := range map[string]string{
		"content_encoding":    u.ContentEncoding,
		"content_language":    u.ContentLanguage,
		"content_disposition": u.ContentDisposition,
		"cache_control":       u.CacheControl,
		"expires":             u.Expires,
	} {
		if value != "" {
			item[name] = attrS(value)
		}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("creating multipart upload: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*UploadRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(pkUpload(uploadID)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	u := itemToUpload(resp.Item)
	if u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	return u, nil
}

func (s *DynamoDBStore) PutPart(ctx context.Context, part *PartRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"pk":            attrS(pkUpload(part.UploadID)),
			"sk":            attrS(skPart(part.PartNumber)),
			"type":          attrS("part"),
			"upload_id":     attrS(part.UploadID),
			"part_number":   attrN(int64(part.PartNumber)),
			"size":          attrN(part.Size),
			"etag":          attrS(part.ETag),
			"last_modified": attrS(part.LastModified.UTC().Format(timeFormat)),
		},
	})
	return err
}

// queryParts reads every part row for an upload. Query is ordered by sort
// key, which matches part-number order for the zero-padded PART# keys.
func (s *DynamoDBStore) queryParts(ctx context.Context, uploadID string, afterPart int) ([]PartRecord, error) {
	var parts []PartRecord
	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk AND sk > :after"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":    attrS(pkUpload(uploadID)),
				":after": attrS(skPart(afterPart)),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying parts: %w", err)
		}
		for _, item := range resp.Items {
			if strings.HasPrefix(getString(item, "sk"), "PART#") {
				parts = append(parts, *itemToPart(item))
			}
		}
		if resp.LastEvaluatedKey == nil {
			return parts, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	parts, err := s.queryParts(ctx, uploadID, opts.PartNumberMarker)
	if err != nil {
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

func (s *DynamoDBStore) GetParts(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	parts, err := s.queryParts(ctx, uploadID, 0)
	if err != nil {
		return nil, err
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

// deleteUpload removes the upload's metadata row, then its part rows. The
// conditional delete on the metadata row is what claims the upload, so a
// racing complete or abort loses with ErrUploadNotFound.
func (s *DynamoDBStore) deleteUpload(ctx context.Context, uploadID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 metaKey(pkUpload(uploadID)),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if isConditionalCheckFailed(err) {
		return fmt.Errorf("upload %s: %w", uploadID, ErrUploadNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}

	parts, err := s.queryParts(ctx, uploadID, 0)
	if err != nil {
		return err
	}
	for start := 0; start < len(parts); start += 25 {
		end := min(start+25, len(parts))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, p := range parts[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"pk": attrS(pkUpload(uploadID)),
						"sk": attrS(skPart(p.PartNumber)),
					},
				},
			})
		}
		if err := s.batchWrite(ctx, requests); err != nil {
			return fmt.Errorf("deleting parts: %w", err)
		}
	}
	return nil
}

func (s *DynamoDBStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	if err := s.deleteUpload(ctx, uploadID); err != nil {
		return err
	}
	if err := s.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("putting completed object: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return s.deleteUpload(ctx, uploadID)
}

func (s *DynamoDBStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	filter := "begins_with(pk, :upload_prefix) AND sk = :meta AND #bucket = :bucket"
	values := map[string]types.AttributeValue{
		":upload_prefix": attrS("UPLOAD#"),
		":meta":          attrS(skMetadata),
		":bucket":        attrS(bucket),
	}
	names := map[string]string{"#bucket": "bucket"}
	if opts.Prefix != "" {
		filter += " AND begins_with(#key, :prefix)"
		values[":prefix"] = attrS(opts.Prefix)
		names["#key"] = "key"
	}

	var uploads []UploadRecord
	err := s.scanAll(ctx, filter, values, names, func(item map[string]types.AttributeValue) {
		u := itemToUpload(item)
		if afterUploadMarker(u.Key, u.UploadID, opts.KeyMarker, opts.UploadIDMarker) {
			uploads = append(uploads, *u)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}

	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})
	return collateUploads(uploads, opts.Prefix, opts.Delimiter, opts.KeyMarker, maxUploads), nil
}

func (s *DynamoDBStore) ReapExpiredUploads(ctx context.Context, ttlSeconds int64) ([]ExpiredUpload, error) {
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).UTC().Format(timeFormat)

	var stale []UploadRecord
	err := s.scanAll(ctx,
		"begins_with(pk, :upload_prefix) AND sk = :meta AND initiated_at < :cutoff",
		map[string]types.AttributeValue{
			":upload_prefix": attrS("UPLOAD#"),
			":meta":          attrS(skMetadata),
			":cutoff":        attrS(cutoff),
		},
		nil,
		func(item map[string]types.AttributeValue) {
			stale = append(stale, *itemToUpload(item))
		})
	if err != nil {
		return nil, fmt.Errorf("scanning expired uploads: %w", err)
	}

	var reaped []ExpiredUpload
	for _, u := range stale {
		if err := s.deleteUpload(ctx, u.UploadID); err != nil {
			if errors.Is(err, ErrUploadNotFound) {
				continue
			}
			return reaped, err
		}
		reaped = append(reaped, ExpiredUpload{UploadID: u.UploadID, Bucket: u.Bucket, Key: u.Key})
	}
	return reaped, nil
}

// ---- Credentials ----

func (s *DynamoDBStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       metaKey(pkCredential(accessKeyID)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToCredential(resp.Item), nil
}

func (s *DynamoDBStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"pk":            attrS(pkCredential(cred.AccessKeyID)),
			"sk":            attrS(skMetadata),
			"type":          attrS("credential"),
			"access_key_id": attrS(cred.AccessKeyID),
			"secret_key":    attrS(cred.SecretKey),
			"owner_id":      attrS(cred.OwnerID),
			"display_name":  attrS(cred.DisplayName),
			"active":        &types.AttributeValueMemberBOOL{Value: cred.Active},
			"created_at":    attrS(cred.CreatedAt.UTC().Format(timeFormat)),
		},
	})
	return err
}

// ---- Scan and batch plumbing ----

func (s *DynamoDBStore) scanAll(ctx context.Context, filter string, values map[string]types.AttributeValue, names map[string]string, visit func(map[string]types.AttributeValue)) error {
	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ExpressionAttributeNames:  names,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return err
		}
		for _, item := range resp.Items {
			visit(item)
		}
		if resp.LastEvaluatedKey == nil {
			return nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.table: requests}
	for len(pending[s.table]) > 0 {
		resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return err
		}
		if len(resp.UnprocessedItems) == 0 {
			return nil
		}
		pending = resp.UnprocessedItems
	}
	return nil
}

// ---- Item decoding ----

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getInt64(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func getInt(item map[string]types.AttributeValue, key string) int {
	return int(getInt64(item, key))
}

func getBool(item map[string]types.AttributeValue, key string) bool {
	if v, ok := item[key].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

func getTime(item map[string]types.AttributeValue, key string) time.Time {
	t, _ := time.Parse(timeFormat, getString(item, key))
	return t
}

func itemToBucket(item map[string]types.AttributeValue) *BucketRecord {
	return &BucketRecord{
		Name:         getString(item, "name"),
		Region:       getString(item, "region"),
		OwnerID:      getString(item, "owner_id"),
		OwnerDisplay: getString(item, "owner_display"),
		ACL:          json.RawMessage(getString(item, "acl")),
		CreatedAt:    getTime(item, "created_at"),
	}
}

func itemToObject(item map[string]types.AttributeValue) *ObjectRecord {
	return &ObjectRecord{
		Bucket:             getString(item, "bucket"),
		Key:                getString(item, "key"),
		Size:               getInt64(item, "size"),
		ETag:               getString(item, "etag"),
		ContentType:        getString(item, "content_type"),
		ContentEncoding:    getString(item, "content_encoding"),
		ContentLanguage:    getString(item, "content_language"),
		ContentDisposition: getString(item, "content_disposition"),
		CacheControl:       getString(item, "cache_control"),
		Expires:            getString(item, "expires"),
		StorageClass:       getString(item, "storage_class"),
		ACL:                json.RawMessage(getString(item, "acl")),
		UserMetadata:       parseUserMeta(getString(item, "user_metadata")),
		LastModified:       getTime(item, "last_modified"),
	}
}

func itemToUpload(item map[string]types.AttributeValue) *UploadRecord {
	return &UploadRecord{
		UploadID:           getString(item, "upload_id"),
		Bucket:             getString(item, "bucket"),
		Key:                getString(item, "key"),
		ContentType:        getString(item, "content_type"),
		ContentEncoding:    getString(item, "content_encoding"),
		ContentLanguage:    getString(item, "content_language"),
		ContentDisposition: getString(item, "content_disposition"),
		CacheControl:       getString(item, "cache_control"),
		Expires:            getString(item, "expires"),
		StorageClass:       getString(item, "storage_class"),
		ACL:                json.RawMessage(getString(item, "acl")),
		UserMetadata:       parseUserMeta(getString(item, "user_metadata")),
		OwnerID:            getString(item, "owner_id"),
		OwnerDisplay:       getString(item, "owner_display"),
		InitiatedAt:        getTime(item, "initiated_at"),
	}
}

func itemToPart(item map[string]types.AttributeValue) *PartRecord {
	return &PartRecord{
		UploadID:     getString(item, "upload_id"),
		PartNumber:   getInt(item, "part_number"),
		Size:         getInt64(item, "size"),
		ETag:         getString(item, "etag"),
		LastModified: getTime(item, "last_modified"),
	}
}

func itemToCredential(item map[string]types.AttributeValue) *CredentialRecord {
	return &CredentialRecord{
		AccessKeyID: getString(item, "access_key_id"),
		SecretKey:   getString(item, "secret_key"),
		OwnerID:     getString(item, "owner_id"),
		DisplayName: getString(item, "display_name"),
		Active:      getBool(item, "active"),
		CreatedAt:   getTime(item, "created_at"),
	}
}
