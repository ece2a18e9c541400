package leasewire

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"pkt.systems/leasewire/cache"
	"pkt.systems/leasewire/client"
)

func dialTestClient(t *testing.T, ts *TestServer, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ts.Dial(ctx, opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerKVAcrossChannels(t *testing.T) {
	t.Parallel()
	ts := StartTestServer(t, WithTestLoggerTB(t))
	ctx := context.Background()

	writer, err := dialTestClient(t, ts).KV()
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	ns, err := writer.Open("settings")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ns.Put(ctx, "theme", []byte("dark")); err != nil {
		t.Fatalf("put: %v", err)
	}

	reader, err := dialTestClient(t, ts).KV()
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	ns2, err := reader.Open("settings")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, found, err := ns2.Get(ctx, "theme")
	if err != nil || !found || string(got) != "dark" {
		t.Fatalf("get: %q found=%v err=%v", got, found, err)
	}
	names, err := reader.Namespaces(ctx)
	if err != nil || len(names) != 1 || names[0] != "settings" {
		t.Fatalf("namespaces: %v err=%v", names, err)
	}
	waitFor(t, "two sessions", func() bool { return ts.Server.Agent().Sessions() == 2 })
}

func TestServerReleasesLeasesOfClosedChannel(t *testing.T) {
	t.Parallel()
	ts := StartTestServer(t)
	holder := dialTestClient(t, ts)
	waiter := dialTestClient(t, ts)
	ctx := context.Background()

	if _, err := holder.Acquire(ctx, "printer", true); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	acquired := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		l, err := waiter.Acquire(waitCtx, "printer", true)
		if err == nil {
			err = l.Release(ctx)
		}
		acquired <- err
	}()
	waitFor(t, "queued request", func() bool {
		_, queued := ts.Server.Agent().Locks().Stats()
		return queued == 1
	})
	if err := holder.Close(); err != nil {
		t.Fatalf("close holder: %v", err)
	}
	if err := <-acquired; err != nil {
		t.Fatalf("waiter acquire: %v", err)
	}
	waitFor(t, "lock table to drain", func() bool {
		held, queued := ts.Server.Agent().Locks().Stats()
		return held == 0 && queued == 0
	})
}

func TestServerCacheObjectsOnCompressedDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.Store = "disk://" + dir
		cfg.Compress = true
		cfg.ChunkSize = 64
	}))
	c := dialTestClient(t, ts, client.WithInlineLimit(16), client.WithChunkSize(64))
	caches, err := c.Caches()
	if err != nil {
		t.Fatalf("caches: %v", err)
	}
	ctx := context.Background()
	pages, err := caches.Open(ctx, "static")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	body := bytes.Repeat([]byte("<p>cached</p>"), 100)
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/index.html", nil)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
	if err := pages.Put(ctx, req, resp); err != nil {
		t.Fatalf("put: %v", err)
	}
	hit, err := pages.Match(ctx, req, cache.MatchOptions{})
	if err != nil || hit == nil {
		t.Fatalf("match: %v err=%v", hit, err)
	}
	defer hit.Body.Close()
	got, err := io.ReadAll(hit.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("body mismatch: %d bytes", len(got))
	}
	if hit.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("header: %v", hit.Header)
	}
}

func TestServerUnixSocket(t *testing.T) {
	t.Parallel()
	sock := filepath.Join(t.TempDir(), "agent.sock")
	ts, err := NewTestServer(context.Background(), WithTestUnixSocket(sock))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ts.Network() != "unix" || ts.Address() != sock {
		t.Fatalf("listener: %s %s", ts.Network(), ts.Address())
	}
	c := dialTestClient(t, ts)
	l, err := c.Acquire(context.Background(), "socket", false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ts.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("socket not removed: %v", err)
	}
}

func TestServerShutdownResetsChannels(t *testing.T) {
	t.Parallel()
	ts, err := NewTestServer(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	c := dialTestClient(t, ts)
	if _, err := c.Acquire(context.Background(), "job", true); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := ts.Server.Agent().Sessions(); n != 0 {
		t.Fatalf("sessions after shutdown: %d", n)
	}
	if held, queued := ts.Server.Agent().Locks().Stats(); held != 0 || queued != 0 {
		t.Fatalf("locks after shutdown: held=%d queued=%d", held, queued)
	}
	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	if _, err := c.Acquire(callCtx, "job", true); err == nil {
		t.Fatal("expected acquire on a closed channel to fail")
	}
	if err := ts.Server.Start(); err != ErrServerClosed {
		t.Fatalf("restart: %v", err)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.MetricsListen = "127.0.0.1:0"
	}))
	addr := ts.Server.MetricsAddr()
	if addr == nil {
		t.Fatal("metrics listener not started")
	}
	c := dialTestClient(t, ts)
	if _, err := c.Acquire(context.Background(), "metered", false); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status: %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "go_goroutines") {
		t.Fatal("scrape missing go collector output")
	}
}

func TestNewServerRejectsBadStore(t *testing.T) {
	if _, err := NewServer(Config{Store: "ftp://nowhere"}); err == nil {
		t.Fatal("expected unsupported store error")
	}
}

// flakyListener fails its first Accept calls with EMFILE.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
	failed   atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		l.failed.Add(1)
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestServerAcceptSurvivesTransientErrors(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(Config{Store: "mem://", ListenProto: "tcp", Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	flaky := &flakyListener{}
	flaky.failures.Store(3)
	srv.listen = func(network, address string) (net.Listener, error) {
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		flaky.Listener = ln
		return flaky, nil
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	c, err := client.Dial(ctx, "tcp", srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	l, err := c.Acquire(ctx, "after-emfile", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	_ = c.Close()
	if n := flaky.failed.Load(); n != 3 {
		t.Fatalf("expected 3 failed accepts, got %d", n)
	}

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-ctx.Done():
		t.Fatal("accept loop did not stop after shutdown")
	}
}
