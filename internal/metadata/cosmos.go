package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
)

// CosmosStore keeps all metadata in one Cosmos DB container partitioned
// by record type. Object keys are base64url-encoded inside document IDs
// since Cosmos forbids "/" there; ordering and filtering always go
// through the decoded c.key field instead of c.id.
type CosmosStore struct {
	client *azcosmos.ContainerClient
}

var _ Store = (*CosmosStore)(nil)

// NewCosmosStore connects to the given container with a master key.
func NewCosmosStore(endpoint, masterKey, database, container string) (*CosmosStore, error) {
	if endpoint == "" || masterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint and key are required")
	}
	if database == "" || container == "" {
		return nil, fmt.Errorf("cosmos database and container names are required")
	}

	cred, err := azcosmos.NewKeyCredential(masterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	containerClient, err := client.NewContainer(database, container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}
	return &CosmosStore{client: containerClient}, nil
}

func (s *CosmosStore) Close() error { return nil }

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func cosmosStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func cosmosIDBucket(bucket string) string { return "bucket_" + bucket }
func cosmosIDObject(bucket, key string) string {
	return "object_" + bucket + "_" + base64.URLEncoding.EncodeToString([]byte(key))
}
func cosmosIDUpload(uploadID string) string { return "upload_" + uploadID }
func cosmosIDPart(uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%s_%05d", uploadID, partNumber)
}
func cosmosIDCredential(accessKey string) string { return "cred_" + accessKey }

func partitionFor(recordType string) azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(recordType)
}

// Parts share the "upload" partition with their upload so both fall to
// the same logical partition.
const partPartition = "upload"

// cosmosItem is the one JSON envelope for every record type; which
// fields apply depends on Type.
type cosmosItem struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Name               string `json:"name,omitempty"`
	Region             string `json:"region,omitempty"`
	OwnerID            string `json:"owner_id,omitempty"`
	OwnerDisplay       string `json:"owner_display,omitempty"`
	ACL                string `json:"acl,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
	Bucket             string `json:"bucket,omitempty"`
	Key                string `json:"key,omitempty"`
	Size               int64  `json:"size,omitempty"`
	ETag               string `json:"etag,omitempty"`
	ContentType        string `json:"content_type,omitempty"`
	ContentEncoding    string `json:"content_encoding,omitempty"`
	ContentLanguage    string `json:"content_language,omitempty"`
	ContentDisposition string `json:"content_disposition,omitempty"`
	CacheControl       string `json:"cache_control,omitempty"`
	Expires            string `json:"expires,omitempty"`
	StorageClass       string `json:"storage_class,omitempty"`
	UserMetadata       string `json:"user_metadata,omitempty"`
	LastModified       string `json:"last_modified,omitempty"`
	UploadID           string `json:"upload_id,omitempty"`
	PartNumber         int    `json:"part_number,omitempty"`
	InitiatedAt        string `json:"initiated_at,omitempty"`
	AccessKeyID        string `json:"access_key_id,omitempty"`
	SecretKey          string `json:"secret_key,omitempty"`
	DisplayName        string `json:"display_name,omitempty"`
	Active             bool   `json:"active,omitempty"`
}

func (item *cosmosItem) toBucket() *BucketRecord {
	return &BucketRecord{
		Name:         item.Name,
		Region:       item.Region,
		OwnerID:      item.OwnerID,
		OwnerDisplay: item.OwnerDisplay,
		ACL:          json.RawMessage(item.ACL),
		CreatedAt:    parseDocTime(item.CreatedAt),
	}
}

func (item *cosmosItem) toObject() *ObjectRecord {
	return &ObjectRecord{
		Bucket:             item.Bucket,
		Key:                item.Key,
		Size:               item.Size,
		ETag:               item.ETag,
		ContentType:        item.ContentType,
		ContentEncoding:    item.ContentEncoding,
		ContentLanguage:    item.ContentLanguage,
		ContentDisposition: item.ContentDisposition,
		CacheControl:       item.CacheControl,
		Expires:            item.Expires,
		StorageClass:       item.StorageClass,
		ACL:                json.RawMessage(item.ACL),
		UserMetadata:       parseUserMeta(item.UserMetadata),
		LastModified:       parseDocTime(item.LastModified),
	}
}

func (item *cosmosItem) toUpload() *UploadRecord {
	return &UploadRecord{
		UploadID:           item.UploadID,
		Bucket:             item.Bucket,
		Key:                item.Key,
		ContentType:        item.ContentType,
		ContentEncoding:    item.ContentEncoding,
		ContentLanguage:    item.ContentLanguage,
		ContentDisposition: item.ContentDisposition,
		CacheControl:       item.CacheControl,
		Expires:            item.Expires,
		StorageClass:       item.StorageClass,
		ACL:                json.RawMessage(item.ACL),
		UserMetadata:       parseUserMeta(item.UserMetadata),
		OwnerID:            item.OwnerID,
		OwnerDisplay:       item.OwnerDisplay,
		InitiatedAt:        parseDocTime(item.InitiatedAt),
	}
}

func (item *cosmosItem) toPart() *PartRecord {
	return &PartRecord{
		UploadID:     item.UploadID,
		PartNumber:   item.PartNumber,
		Size:         item.Size,
		ETag:         item.ETag,
		LastModified: parseDocTime(item.LastModified),
	}
}

func (item *cosmosItem) toCredential() *CredentialRecord {
	return &CredentialRecord{
		AccessKeyID: item.AccessKeyID,
		SecretKey:   item.SecretKey,
		OwnerID:     item.OwnerID,
		DisplayName: item.DisplayName,
		Active:      item.Active,
		CreatedAt:   parseDocTime(item.CreatedAt),
	}
}

func (s *CosmosStore) createItem(ctx context.Context, recordType string, item *cosmosItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = s.client.CreateItem(ctx, partitionFor(recordType), data, nil)
	return err
}

func (s *CosmosStore) upsertItem(ctx context.Context, recordType string, item *cosmosItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = s.client.UpsertItem(ctx, partitionFor(recordType), data, nil)
	return err
}

func (s *CosmosStore) readItem(ctx context.Context, recordType, id string) (*cosmosItem, error) {
	resp, err := s.client.ReadItem(ctx, partitionFor(recordType), id, nil)
	if cosmosStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling item %s: %w", id, err)
	}
	return &item, nil
}

// queryItems feeds every row the query yields to visit, following the
// pager to exhaustion.
func (s *CosmosStore) queryItems(ctx context.Context, recordType, query string, params []azcosmos.QueryParameter, visit func(*cosmosItem)) error {
	pager := s.client.NewQueryItemsPager(query, partitionFor(recordType), &azcosmos.QueryOptions{
		QueryParameters: params,
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			visit(&item)
		}
	}
	return nil
}

// ---- Buckets ----

func (s *CosmosStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	err := s.createItem(ctx, "bucket", &cosmosItem{
		ID:           cosmosIDBucket(bucket.Name),
		Type:         "bucket",
		Name:         bucket.Name,
		Region:       bucket.Region,
		OwnerID:      bucket.OwnerID,
		OwnerDisplay: bucket.OwnerDisplay,
		ACL:          aclJSON(bucket.ACL),
		CreatedAt:    bucket.CreatedAt.UTC().Format(timeFormat),
	})
	if cosmosStatus(err, http.StatusConflict) {
		return fmt.Errorf("bucket %q: %w", bucket.Name, ErrBucketExists)
	}
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	item, err := s.readItem(ctx, "bucket", cosmosIDBucket(name))
	if err != nil {
		return nil, fmt.Errorf("getting bucket: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return item.toBucket(), nil
}

func (s *CosmosStore) BucketExists(ctx context.Context, name string) (bool, error) {
	item, err := s.readItem(ctx, "bucket", cosmosIDBucket(name))
	if err != nil {
		return false, fmt.Errorf("checking bucket: %w", err)
	}
	return item != nil, nil
}

func (s *CosmosStore) DeleteBucket(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, partitionFor("bucket"), cosmosIDBucket(name), nil)
	if cosmosStatus(err, http.StatusNotFound) {
		return fmt.Errorf("bucket %q not found", name)
	}
	return err
}

func (s *CosmosStore) ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error) {
	query := "SELECT * FROM c WHERE c.type = 'bucket'"
	var params []azcosmos.QueryParameter
	if ownerID != "" {
		query += " AND c.owner_id = @owner_id"
		params = append(params, azcosmos.QueryParameter{Name: "@owner_id", Value: ownerID})
	}

	var buckets []BucketRecord
	err := s.queryItems(ctx, "bucket", query, params, func(item *cosmosItem) {
		buckets = append(buckets, *item.toBucket())
	})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *CosmosStore) SetBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	item, err := s.readItem(ctx, "bucket", cosmosIDBucket(name))
	if err != nil {
		return fmt.Errorf("reading bucket: %w", err)
	}
	if item == nil {
		return fmt.Errorf("bucket %q not found", name)
	}
	item.ACL = aclJSON(acl)
	if err := s.upsertItem(ctx, "bucket", item); err != nil {
		return fmt.Errorf("updating bucket acl: %w", err)
	}
	return nil
}

// ---- Objects ----

func objectItem(obj *ObjectRecord) *cosmosItem {
	return &cosmosItem{
		ID:                 cosmosIDObject(obj.Bucket, obj.Key),
		Type:               "object",
		Bucket:             obj.Bucket,
		Key:                obj.Key,
		Size:               obj.Size,
		ETag:               obj.ETag,
		ContentType:        orDefault(obj.ContentType, "application/octet-stream"),
		ContentEncoding:    obj.ContentEncoding,
		ContentLanguage:    obj.ContentLanguage,
		ContentDisposition: obj.ContentDisposition,
		CacheControl:       obj.CacheControl,
		Expires:            obj.Expires,
		StorageClass:       orDefault(obj.StorageClass, "STANDARD"),
		ACL:                aclJSON(obj.ACL),
		UserMetadata:       userMetaJSON(obj.UserMetadata),
		LastModified:       obj.LastModified.UTC().Format(timeFormat),
	}
}

func (s *CosmosStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	return s.upsertItem(ctx, "object", objectItem(obj))
}

func (s *CosmosStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	item, err := s.readItem(ctx, "object", cosmosIDObject(bucket, key))
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return item.toObject(), nil
}

func (s *CosmosStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	item, err := s.readItem(ctx, "object", cosmosIDObject(bucket, key))
	if err != nil {
		return false, fmt.Errorf("checking object: %w", err)
	}
	return item != nil, nil
}

func (s *CosmosStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteItem(ctx, partitionFor("object"), cosmosIDObject(bucket, key), nil)
	if cosmosStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

func (s *CosmosStore) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	var deleted []string
	var errs []error
	for _, key := range keys {
		if err := s.DeleteObject(ctx, bucket, key); err != nil {
			errs = append(errs, fmt.Errorf("deleting %q: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

func (s *CosmosStore) SetObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	item, err := s.readItem(ctx, "object", cosmosIDObject(bucket, key))
	if err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	if item == nil {
		return fmt.Errorf("object %s/%s not found", bucket, key)
	}
	item.ACL = aclJSON(acl)
	if err := s.upsertItem(ctx, "object", item); err != nil {
		return fmt.Errorf("updating object acl: %w", err)
	}
	return nil
}

func (s *CosmosStore) CountObjects(ctx context.Context, bucket string) (int64, error) {
	query := "SELECT VALUE COUNT(1) FROM c WHERE c.type = 'object' AND c.bucket = @bucket"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}

	pager := s.client.NewQueryItemsPager(query, partitionFor("object"), &azcosmos.QueryOptions{
		QueryParameters: params,
	})
	var count int64
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("counting objects: %w", err)
		}
		for _, raw := range resp.Items {
			var n int64
			if err := json.Unmarshal(raw, &n); err == nil {
				count += n
			}
		}
	}
	return count, nil
}

func (s *CosmosStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	res, err := collateObjectPages(ctx, maxKeys, opts.Prefix, opts.Delimiter, opts.Marker,
		func(ctx context.Context, cursor string, limit int) ([]ObjectRecord, error) {
			query := "SELECT * FROM c WHERE c.type = 'object' AND c.bucket = @bucket"
			params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}
			if opts.Prefix != "" {
				query += " AND STARTSWITH(c.key, @prefix)"
				params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
			}
			if cursor != "" {
				query += " AND c.key > @after"
				params = append(params, azcosmos.QueryParameter{Name: "@after", Value: cursor})
			}
			query += " ORDER BY c.key"

			pager := s.client.NewQueryItemsPager(query, partitionFor("object"), &azcosmos.QueryOptions{
				QueryParameters: params,
				PageSizeHint:    int32(limit),
			})
			var page []ObjectRecord
			for pager.More() && len(page) < limit {
				resp, err := pager.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, raw := range resp.Items {
					var item cosmosItem
					if err := json.Unmarshal(raw, &item); err != nil {
						continue
					}
					page = append(page, *item.toObject())
				}
			}
			if len(page) > limit {
				page = page[:limit]
			}
			return page, nil
		})
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	return res, nil
}

// ---- Multipart uploads ----

func (s *CosmosStore) CreateMultipartUpload(ctx context.Context, u *UploadRecord) error {
	err := s.createItem(ctx, "upload", &cosmosItem{
		ID:                 cosmosIDUpload(u.UploadID),
		Type:               "upload",
		UploadID:           u.UploadID,
		Bucket:             u.Bucket,
		Key:                u.Key,
		ContentType:        orDefault(u.ContentType, "application/octet-stream"),
		ContentEncoding:    u.ContentEncoding,
		ContentLanguage:    u.ContentLanguage,
		ContentDisposition: u.ContentDisposition,
		CacheControl:       u.CacheControl,
		Expires:            u.Expires,
		StorageClass:       orDefault(u.StorageClass, "STANDARD"),
		ACL:                aclJSON(u.ACL),
		UserMetadata:       userMetaJSON(u.UserMetadata),
		OwnerID:            u.OwnerID,
		OwnerDisplay:       u.OwnerDisplay,
		InitiatedAt:        u.InitiatedAt.UTC().Format(timeFormat),
	})
	if err != nil {
		return fmt.Errorf("creating multipart upload: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*UploadRecord, error) {
	item, err := s.readItem(ctx, "upload", cosmosIDUpload(uploadID))
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	u := item.toUpload()
	if u.Bucket != bucket || u.Key != key {
		return nil, nil
	}
	return u, nil
}

func (s *CosmosStore) PutPart(ctx context.Context, part *PartRecord) error {
	return s.upsertItem(ctx, partPartition, &cosmosItem{
		ID:           cosmosIDPart(part.UploadID, part.PartNumber),
		Type:         "part",
		UploadID:     part.UploadID,
		PartNumber:   part.PartNumber,
		Size:         part.Size,
		ETag:         part.ETag,
		LastModified: part.LastModified.UTC().Format(timeFormat),
	})
}

func (s *CosmosStore) queryParts(ctx context.Context, uploadID string, afterPart int) ([]PartRecord, error) {
	query := "SELECT * FROM c WHERE c.type = 'part' AND c.upload_id = @upload_id"
	params := []azcosmos.QueryParameter{{Name: "@upload_id", Value: uploadID}}
	if afterPart > 0 {
		query += " AND c.part_number > @after"
		params = append(params, azcosmos.QueryParameter{Name: "@after", Value: afterPart})
	}
	query += " ORDER BY c.part_number"

	var parts []PartRecord
	err := s.queryItems(ctx, partPartition, query, params, func(item *cosmosItem) {
		parts = append(parts, *item.toPart())
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}

func (s *CosmosStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	parts, err := s.queryParts(ctx, uploadID, opts.PartNumberMarker)
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}

	res := &ListPartsResult{Parts: parts}
	if len(parts) > maxParts {
		res.Parts = parts[:maxParts]
		res.IsTruncated = true
		res.NextPartNumberMarker = res.Parts[len(res.Parts)-1].PartNumber
	}
	return res, nil
}

func (s *CosmosStore) GetParts(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	parts, err := s.queryParts(ctx, uploadID, 0)
	if err != nil {
		return nil, fmt.Errorf("getting parts: %w", err)
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

// deleteUpload removes the upload document, then its part documents. The
// upload delete is what claims the upload; a racing complete or abort
// loses with ErrUploadNotFound.
func (s *CosmosStore) deleteUpload(ctx context.Context, uploadID string) error {
	_, err := s.client.DeleteItem(ctx, partitionFor("upload"), cosmosIDUpload(uploadID), nil)
	if cosmosStatus(err, http.StatusNotFound) {
		return fmt.Errorf("upload %s: %w", uploadID, ErrUploadNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting upload: %w", err)
	}

	parts, err := s.queryParts(ctx, uploadID, 0)
	if err != nil {
		return err
	}
	for _, p := range parts {
		_, err := s.client.DeleteItem(ctx, partitionFor(partPartition), cosmosIDPart(uploadID, p.PartNumber), nil)
		if err != nil && !cosmosStatus(err, http.StatusNotFound) {
			return fmt.Errorf("deleting part %d: %w", p.PartNumber, err)
		}
	}
	return nil
}

func (s *CosmosStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	if err := s.deleteUpload(ctx, uploadID); err != nil {
		return err
	}
	if err := s.upsertItem(ctx, "object", objectItem(obj)); err != nil {
		return fmt.Errorf("putting completed object: %w", err)
	}
	return nil
}

func (s *CosmosStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return s.deleteUpload(ctx, uploadID)
}

func (s *CosmosStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	query := "SELECT * FROM c WHERE c.type = 'upload' AND c.bucket = @bucket"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.key, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
	}
	if opts.KeyMarker != "" {
		query += " AND (c.key > @key_marker OR (c.key = @key_marker AND c.upload_id > @upload_id_marker))"
		params = append(params,
			azcosmos.QueryParameter{Name: "@key_marker", Value: opts.KeyMarker},
			azcosmos.QueryParameter{Name: "@upload_id_marker", Value: opts.UploadIDMarker},
		)
	}

	var uploads []UploadRecord
	err := s.queryItems(ctx, "upload", query, params, func(item *cosmosItem) {
		uploads = append(uploads, *item.toUpload())
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

func (s *CosmosStore) ReapExpiredUploads(ctx context.Context, ttlSeconds int64) ([]ExpiredUpload, error) {
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).UTC().Format(timeFormat)

	query := "SELECT * FROM c WHERE c.type = 'upload' AND c.initiated_at < @cutoff"
	params := []azcosmos.QueryParameter{{Name: "@cutoff", Value: cutoff}}

	var stale []UploadRecord
	err := s.queryItems(ctx, "upload", query, params, func(item *cosmosItem) {
		stale = append(stale, *item.toUpload())
	})
	if err != nil {
		return nil, fmt.Errorf("querying expired uploads: %w", err)
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

func (s *CosmosStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	item, err := s.readItem(ctx, "credential", cosmosIDCredential(accessKeyID))
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return item.toCredential(), nil
}

func (s *CosmosStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	return s.upsertItem(ctx, "credential", &cosmosItem{
		ID:          cosmosIDCredential(cred.AccessKeyID),
		Type:        "credential",
		AccessKeyID: cred.AccessKeyID,
		SecretKey:   cred.SecretKey,
		OwnerID:     cred.OwnerID,
		DisplayName: cred.DisplayName,
		Active:      cred.Active,
		CreatedAt:   cred.CreatedAt.UTC().Format(timeFormat),
	})
}
