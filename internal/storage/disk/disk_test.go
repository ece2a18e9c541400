package disk

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/leasewire/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: filepath.Join(t.TempDir(), "store"), Now: func() time.Time { return time.Unix(1700000000, 0) }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDiskStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	payload := []byte(`{"hello":"world"}`)
	info, err := store.PutObject(ctx, "kv", "pages/orders", bytes.NewReader(payload), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeCBOR})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" || info.Size != int64(len(payload)) {
		t.Fatalf("unexpected info %+v", info)
	}
	body, got, err := storage.ReadAll(ctx, store, "kv", "pages/orders")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: %q", body)
	}
	if got.ETag != info.ETag || got.ContentType != storage.ContentTypeCBOR {
		t.Fatalf("info mismatch: %+v", got)
	}
	if _, err := store.PutObject(ctx, "kv", "pages/orders", bytes.NewReader(payload), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.PutObject(ctx, "kv", "pages/orders", bytes.NewReader([]byte("x")), storage.PutObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "kv", "pages/orders", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetObject(ctx, "kv", "pages/orders"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "objects", "kv")); !os.IsNotExist(err) {
		t.Fatalf("expected namespace dir pruned, stat err=%v", err)
	}
}

func TestDiskListObjects(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()
	for _, key := range []string{"pages/b", "pages/a", "objects/a/1", "pages/c"} {
		if _, err := store.PutObject(ctx, "caches", key, bytes.NewReader([]byte(key)), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	res, err := store.ListObjects(ctx, "caches", storage.ListOptions{Prefix: "pages/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != "pages/a" || res.Objects[1].Key != "pages/b" || !res.Truncated {
		t.Fatalf("unexpected list %+v", res)
	}
	rest, err := store.ListObjects(ctx, "caches", storage.ListOptions{Prefix: "pages/", StartAfter: res.NextStartAfter})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest.Objects) != 1 || rest.Objects[0].Key != "pages/c" || rest.Truncated {
		t.Fatalf("unexpected rest %+v", rest)
	}
	empty, err := store.ListObjects(ctx, "missing", storage.ListOptions{})
	if err != nil || len(empty.Objects) != 0 {
		t.Fatalf("expected empty listing, got %+v err=%v", empty, err)
	}
	nss, err := store.ListNamespaces(ctx)
	if err != nil || len(nss) != 1 || nss[0] != "caches" {
		t.Fatalf("unexpected namespaces %v err=%v", nss, err)
	}
}

func TestDiskConcurrentCreateOnlyOneWins(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.PutObject(ctx, "kv", "pages/race", bytes.NewReader([]byte("v")), storage.PutObjectOptions{IfNotExists: true})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected one creator, got %d", created)
	}
}

func TestDiskRejectsBadKeys(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "kv", "", bytes.NewReader(nil), storage.PutObjectOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	if _, err := store.PutObject(ctx, "", "k", bytes.NewReader(nil), storage.PutObjectOptions{}); err == nil {
		t.Fatalf("expected empty namespace error")
	}
	if _, err := store.PutObject(ctx, "kv", "x"+infoSuffix, bytes.NewReader(nil), storage.PutObjectOptions{}); err == nil {
		t.Fatalf("expected reserved suffix error")
	}
}
