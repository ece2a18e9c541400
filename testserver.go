package leasewire

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/client"
	"pkt.systems/leasewire/internal/storage"
)

// TestServer wraps a running Server with handles for tests.
type TestServer struct {
	Server *Server
	Config Config

	stop func(context.Context) error
}

// testingWriter forwards log lines to testing.TB until the test finishes.
type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) log(line string) {
	defer func() {
		if r := recover(); r != nil {
			if msg := fmt.Sprint(r); strings.Contains(msg, "Log in goroutine after") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(line)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger writing through t.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	w := &testingWriter{t: t}
	t.Cleanup(w.close)
	return pslog.NewWithOptions(context.Background(), w, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	}).With("app", "testserver")
}

// Network returns the listen network.
func (ts *TestServer) Network() string { return ts.Config.ListenProto }

// Address returns the bound listen address.
func (ts *TestServer) Address() string {
	if addr := ts.Server.ListenerAddr(); addr != nil {
		return addr.String()
	}
	return ts.Config.Listen
}

// Addr returns the listener address.
func (ts *TestServer) Addr() net.Addr { return ts.Server.ListenerAddr() }

// Backend exposes the raw backing store.
func (ts *TestServer) Backend() storage.Backend { return ts.Server.backend }

// Dial opens a new worker channel to the server.
func (ts *TestServer) Dial(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	return client.Dial(ctx, ts.Network(), ts.Address(), opts...)
}

// Stop shuts the server down.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

type testServerOptions struct {
	cfg          Config
	mutators     []func(*Config)
	backend      storage.Backend
	logger       pslog.Logger
	startTimeout time.Duration
	tb           testing.TB
}

// TestServerOption customises NewTestServer and StartTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc mutates the configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket listens on a unix socket at path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = path
	})
}

// WithTestStore sets the store URL.
func WithTestStore(store string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) { cfg.Store = store })
}

// WithTestBackend injects a pre-built backend, possibly shared between servers.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) { o.backend = backend }
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.logger = logger }
}

// WithTestLoggerTB routes server logs through t at debug level.
func WithTestLoggerTB(t testing.TB) TestServerOption {
	return func(o *testServerOptions) { o.tb = t }
}

// WithTestStartTimeout bounds how long start waits for the listener.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) { o.startTimeout = d }
}

// NewTestServer starts a server on 127.0.0.1 with an ephemeral port and the
// in-memory store unless options say otherwise. Call Stop to clean up.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	o := testServerOptions{
		cfg: Config{
			Store:       "mem://",
			ListenProto: "tcp",
			Listen:      "127.0.0.1:0",
		},
		startTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	for _, mut := range o.mutators {
		mut(&cfg)
	}
	logger := o.logger
	if logger == nil && o.tb != nil {
		logger = NewTestingLogger(o.tb, pslog.DebugLevel)
	}
	startOpts := []Option{WithLogger(logger)}
	if o.backend != nil {
		startOpts = append(startOpts, WithBackend(o.backend))
	}
	startCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()
	// The server outlives the start deadline; only Stop ends it.
	srv, stop, err := StartServer(context.WithoutCancel(startCtx), cfg, startOpts...)
	if err != nil {
		return nil, err
	}
	if err := srv.WaitUntilReady(startCtx); err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	return &TestServer{Server: srv, Config: srv.Config(), stop: stop}, nil
}

// StartTestServer starts a server and registers its shutdown with t.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
