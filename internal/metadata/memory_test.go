package metadata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedBucket(t, store, "mem-bucket")
	if err := store.PutObject(ctx, &ObjectRecord{
		Bucket: "mem-bucket", Key: "file.txt", Size: 5, ETag: `"e"`,
		LastModified: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	obj, err := store.GetObject(ctx, "mem-bucket", "file.txt")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if obj == nil || obj.Size != 5 {
		t.Fatalf("GetObject = %+v", obj)
	}

	n, _ := store.CountObjects(ctx, "mem-bucket")
	if n != 1 {
		t.Errorf("CountObjects = %d, want 1", n)
	}

	seedUpload(t, store, "mem-bucket", "big.bin", "upload-mem-1")
	store.PutPart(ctx, &PartRecord{
		UploadID: "upload-mem-1", PartNumber: 1, Size: 10,
		ETag: `"p"`, LastModified: time.Now().UTC(),
	})
	if err := store.AbortMultipartUpload(ctx, "mem-bucket", "big.bin", "upload-mem-1"); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}
	parts, _ := store.ListParts(ctx, "upload-mem-1", ListPartsOptions{MaxParts: 10})
	if len(parts.Parts) != 0 {
		t.Errorf("parts after abort = %d, want 0", len(parts.Parts))
	}
}

// TestMemoryStoreIsolation checks that records are copied on the way in
// and out, so callers cannot mutate store state through shared pointers.
func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedBucket(t, store, "iso-bucket")
	put := &ObjectRecord{
		Bucket: "iso-bucket", Key: "file.txt", Size: 5, ETag: `"e"`,
		UserMetadata: map[string]string{"k": "v"},
		LastModified: time.Now().UTC(),
	}
	if err := store.PutObject(ctx, put); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	// Mutating the record we handed in must not reach the store.
	put.Size = 999
	put.UserMetadata["k"] = "changed"

	got, _ := store.GetObject(ctx, "iso-bucket", "file.txt")
	if got.Size != 5 {
		t.Errorf("Size = %d, caller mutation leaked into the store", got.Size)
	}
	if got.UserMetadata["k"] != "v" {
		t.Errorf("UserMetadata = %v, caller mutation leaked into the store", got.UserMetadata)
	}

	// Mutating a returned record must not reach the store either.
	got.Size = 1234
	got.UserMetadata["k"] = "also-changed"

	again, _ := store.GetObject(ctx, "iso-bucket", "file.txt")
	if again.Size != 5 || again.UserMetadata["k"] != "v" {
		t.Errorf("store state = size %d, meta %v; reader mutation leaked", again.Size, again.UserMetadata)
	}
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedBucket(t, store, "conc-bucket")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				key := fmt.Sprintf("w%d/key%d", n, j)
				store.PutObject(ctx, &ObjectRecord{
					Bucket: "conc-bucket", Key: key, Size: 1, ETag: `"x"`,
					LastModified: time.Now().UTC(),
				})
				store.GetObject(ctx, "conc-bucket", key)
				store.ListObjects(ctx, "conc-bucket", ListObjectsOptions{MaxKeys: 10})
			}
		}(i)
	}
	wg.Wait()

	n, err := store.CountObjects(ctx, "conc-bucket")
	if err != nil {
		t.Fatalf("CountObjects: %v", err)
	}
	if n != 160 {
		t.Errorf("CountObjects = %d, want 160", n)
	}
}

func TestMemoryStoreReap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seedBucket(t, store, "reap-mem-bucket")
	stale := &UploadRecord{
		UploadID:    "upload-old",
		Bucket:      "reap-mem-bucket",
		Key:         "old.bin",
		OwnerID:     "owner",
		InitiatedAt: time.Now().UTC().Add(-90 * time.Minute),
	}
	if err := store.CreateMultipartUpload(ctx, stale); err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	seedUpload(t, store, "reap-mem-bucket", "new.bin", "upload-new")

	reaped, err := store.ReapExpiredUploads(ctx, 3600)
	if err != nil {
		t.Fatalf("ReapExpiredUploads: %v", err)
	}
	if len(reaped) != 1 || reaped[0].UploadID != "upload-old" {
		t.Errorf("reaped = %+v, want just upload-old", reaped)
	}
	if u, _ := store.GetMultipartUpload(ctx, "reap-mem-bucket", "new.bin", "upload-new"); u == nil {
		t.Error("fresh upload should survive")
	}
}
