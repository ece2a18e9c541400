package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"pkt.systems/leasewire/internal/storage"
)

func TestPutObjectConditional(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()

	info, err := store.PutObject(ctx, "kv", "pages/a", bytes.NewBufferString("one"), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.PutObject(ctx, "kv", "pages/a", bytes.NewBufferString("dup"), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.PutObject(ctx, "kv", "pages/a", bytes.NewBufferString("x"), storage.PutObjectOptions{ExpectedETag: "stale"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if _, err := store.PutObject(ctx, "kv", "pages/a", bytes.NewBufferString("two"), storage.PutObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("cas put: %v", err)
	}
	data, got, err := storage.ReadAll(ctx, store, "kv", "pages/a")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "two" || got.ETag == info.ETag {
		t.Fatalf("unexpected object %q etag %q", data, got.ETag)
	}
}

func TestDeleteObject(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	if err := store.DeleteObject(ctx, "kv", "missing", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "kv", "missing", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
	if _, err := store.PutObject(ctx, "kv", "k", bytes.NewBufferString("v"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteObject(ctx, "kv", "k", storage.DeleteObjectOptions{ExpectedETag: "nope"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "kv", "k", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetObject(ctx, "kv", "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	nss, _ := store.ListNamespaces(ctx)
	if len(nss) != 0 {
		t.Fatalf("expected empty namespace set, got %v", nss)
	}
}

func TestListObjectsPaging(t *testing.T) {
	t.Parallel()
	store := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("pages/p%d", i)
		if _, err := store.PutObject(ctx, "caches", key, bytes.NewBufferString("x"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := store.PutObject(ctx, "caches", "objects/p0/o1", bytes.NewBufferString("y"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put object: %v", err)
	}
	first, err := store.ListObjects(ctx, "caches", storage.ListOptions{Prefix: "pages/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Objects) != 2 || !first.Truncated || first.NextStartAfter != "pages/p1" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	all, err := storage.ListAll(ctx, store, "caches", "pages/")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 pages, got %d", len(all))
	}
	for i, obj := range all {
		if want := fmt.Sprintf("pages/p%d", i); obj.Key != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, obj.Key)
		}
	}
}
