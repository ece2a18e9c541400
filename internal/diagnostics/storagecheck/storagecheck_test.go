package storagecheck

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/leasewire/internal/storage/disk"
	"pkt.systems/leasewire/internal/storage/memory"
)

func TestRunPassesOnMemory(t *testing.T) {
	t.Parallel()
	backend := memory.New()
	res := Run(context.Background(), backend, Result{Provider: "memory"})
	if !res.Passed() {
		t.Fatalf("expected memory backend to pass: %+v", res.Checks)
	}
	if len(res.Checks) != 7 {
		t.Fatalf("expected 7 checks, got %d", len(res.Checks))
	}
	list, err := storage.ListAll(context.Background(), backend, Namespace, "")
	if err != nil || len(list) != 0 {
		t.Fatalf("unexpected probes left: %v %v", list, err)
	}
}

func TestRunPassesOnDiskAndCleansUp(t *testing.T) {
	t.Parallel()
	store, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("disk.New: %v", err)
	}
	defer store.Close()
	res := Run(context.Background(), store, Result{Provider: "disk"})
	if !res.Passed() {
		t.Fatalf("expected disk backend to pass: %+v", res.Checks)
	}
	left, err := storage.ListAll(context.Background(), store, Namespace, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("probe objects left behind: %+v", left)
	}
}

func TestRunRecordsPrecheckFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("bucket missing")
	res := Run(context.Background(), memory.New(), Result{}, Check{
		Name: "BucketExists",
		Run:  func(context.Context) error { return boom },
	})
	if res.Passed() {
		t.Fatal("expected failed precheck to fail the run")
	}
	if res.Checks[0].Name != "BucketExists" || !errors.Is(res.Checks[0].Err, boom) {
		t.Fatalf("unexpected first check %+v", res.Checks[0])
	}
	for _, c := range res.Checks[1:] {
		if c.Err != nil {
			t.Fatalf("backend check %s failed: %v", c.Name, c.Err)
		}
	}
}

// lenientBackend ignores create-only and CAS conditions.
type lenientBackend struct {
	storage.Backend
}

func (b lenientBackend) PutObject(ctx context.Context, ns, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return b.Backend.PutObject(ctx, ns, key, body, storage.PutObjectOptions{ContentType: opts.ContentType})
}

func TestRunDetectsMissingConditionalWrites(t *testing.T) {
	t.Parallel()
	res := Run(context.Background(), lenientBackend{memory.New()}, Result{})
	failed := map[string]string{}
	for _, c := range res.Checks {
		if c.Err != nil {
			failed[c.Name] = c.Err.Error()
		}
	}
	if !strings.Contains(failed["RejectDuplicateCreate"], "replaced") {
		t.Fatalf("expected duplicate create failure, got %v", failed)
	}
	if !strings.Contains(failed["RejectStaleUpdate"], "stale") {
		t.Fatalf("expected stale update failure, got %v", failed)
	}
}
