package client_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/leasewire"
	"pkt.systems/leasewire/cache"
	"pkt.systems/leasewire/client"
)

// Only exported packages are used here, the way a worker module would.

func dialTestServer(t *testing.T) *client.Client {
	t.Helper()
	ts := leasewire.StartTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := ts.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func TestWithScopedLeaseOverServer(t *testing.T) {
	t.Parallel()
	cl := dialTestServer(t)
	ctx := context.Background()

	var held *client.Lease
	err := cl.With(ctx, "nightly", true, func(ctx context.Context, l *client.Lease) error {
		held = l
		if l.State() != client.LeaseGranted || !l.Exclusive() || l.ResourceID() != "nightly" {
			t.Errorf("unexpected lease: state=%s exclusive=%v resource=%s", l.State(), l.Exclusive(), l.ResourceID())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	if held.State() != client.LeaseReleased || !errors.Is(held.Check(), client.ErrLeaseReleased) {
		t.Fatalf("lease not released after With returned: %s", held.State())
	}
	if n := cl.Leases().Held(); n != 0 {
		t.Fatalf("expected no held leases, got %d", n)
	}

	again, err := cl.Acquire(ctx, "nightly", true)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if err := again.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestCacheInlineLimitOption(t *testing.T) {
	t.Parallel()
	cl := dialTestServer(t)
	ctx := context.Background()

	caches, err := cl.Caches(cache.WithInlineLimit(1))
	if err != nil {
		t.Fatalf("caches: %v", err)
	}
	assets, err := caches.Open(ctx, "assets")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/app.js", nil)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": {"text/javascript"}},
		Body:       io.NopCloser(strings.NewReader("console.log(1)")),
	}
	if err := assets.Put(ctx, req, resp); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := assets.Match(ctx, req, cache.MatchOptions{})
	if err != nil || got == nil {
		t.Fatalf("match: resp=%v err=%v", got, err)
	}
	defer got.Body.Close()
	body, err := io.ReadAll(got.Body)
	if err != nil || string(body) != "console.log(1)" {
		t.Fatalf("body %q err=%v", body, err)
	}
}
