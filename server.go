package leasewire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/internal/agent"
	"pkt.systems/leasewire/internal/clock"
	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/leasewire/internal/svcfields"
	"pkt.systems/leasewire/internal/transport"
	"pkt.systems/leasewire/internal/transport/wireconn"
)

// ErrServerClosed is returned by Start after Shutdown.
var ErrServerClosed = errors.New("leasewire: server closed")

// Server accepts worker channels and serves each with the shared agent.
type Server struct {
	cfg         Config
	logger      pslog.Logger
	clock       clock.Clock
	backend     storage.Backend
	ownsBackend bool
	agent       *agent.Agent
	telemetry   *telemetry

	serveCtx    context.Context
	cancelServe context.CancelFunc
	sessions    errgroup.Group

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	shutdown   bool
	readyOnce  sync.Once
	readyCh    chan struct{}

	listen func(network, address string) (net.Listener, error)
}

// maxAcceptDelay caps the backoff between failed accepts.
const maxAcceptDelay = time.Second

// Option configures server instances.
type Option func(*options)

type options struct {
	logger  pslog.Logger
	backend storage.Backend
	clock   clock.Clock
}

// WithLogger supplies the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend injects a pre-built backend. The server does not close it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock injects the clock driving retry backoff and agent timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewServer validates cfg, opens the backing store and prepares the agent.
// Example:
//
//	srv, err := leasewire.NewServer(leasewire.Config{Store: "disk:///var/lib/leasewire"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	logger := svcfields.WithSubsystem(o.logger, "server")

	tel, err := setupTelemetry(context.Background(), telemetrySettings{
		otlpEndpoint:  cfg.OTLPEndpoint,
		metricsListen: cfg.MetricsListen,
		pprofListen:   cfg.PprofListen,
	}, svcfields.WithSubsystem(o.logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	backend := o.backend
	owns := false
	if backend == nil {
		backend, err = openBackend(context.Background(), cfg)
		if err != nil {
			_ = tel.Shutdown(context.Background())
			return nil, err
		}
		owns = true
	}
	wrapped := wrapBackend(backend, cfg, o.logger, o.clock)

	ag := agent.New(wrapped,
		agent.WithLogger(o.logger),
		agent.WithClock(o.clock),
		agent.WithQuota(cfg.MaxPageBytes, cfg.MaxObjectBytes),
		agent.WithCallTimeout(cfg.CallTimeout),
		agent.WithChunkSize(cfg.ChunkSize),
	)
	serveCtx, cancel := context.WithCancel(context.Background())
	logger.Info("server.init",
		"store", cfg.Store,
		"call_timeout", cfg.CallTimeout,
		"chunk_size", cfg.ChunkSize,
		"max_page_bytes", cfg.MaxPageBytes,
		"compress", cfg.Compress,
	)
	return &Server{
		cfg:         cfg,
		logger:      logger,
		clock:       o.clock,
		backend:     backend,
		ownsBackend: owns,
		agent:       ag,
		telemetry:   tel,
		serveCtx:    serveCtx,
		cancelServe: cancel,
		readyCh:     make(chan struct{}),
		listen:      net.Listen,
	}, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.cfg }

// Agent exposes the agent serving every channel.
func (s *Server) Agent() *agent.Agent { return s.agent }

// Start listens and serves channels until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.mu.Unlock()
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := s.listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			// EMFILE and friends clear up once sessions end.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.logger.Warn("server.accept.retry", "error", err, "delay", delay)
			select {
			case <-s.clock.After(delay):
			case <-s.serveCtx.Done():
			}
			continue
		}
		delay = 0
		s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		_ = nc.Close()
		return
	}
	remote := nc.RemoteAddr().String()
	conn := wireconn.New(nc, wireconn.Config{
		MaxFrame: uint32(s.cfg.MaxFrame),
		Options: []transport.Option{
			transport.WithLogger(s.logger),
			transport.WithName(remote),
		},
	})
	s.sessions.Go(func() error {
		err := s.agent.Serve(s.serveCtx, conn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("server.session.error", "remote", remote, "error", err)
		}
		return nil
	})
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once Start is listening.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// MetricsAddr returns the bound Prometheus address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if srv := s.telemetry.server("metrics"); srv != nil {
		return srv.Addr()
	}
	return nil
}

// Shutdown stops accepting channels, closes every open channel and waits
// for their leases to be released before closing the backend.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	socketPath := s.socketPath
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.cancelServe()
	done := make(chan struct{})
	go func() {
		_ = s.sessions.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for sessions: %w", ctx.Err()))
	}
	if s.ownsBackend {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	telemetryCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.logger.Info("server.shutdown", "sessions", s.agent.Sessions())
	return errors.Join(errs...)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

// StartServer builds a server, starts it in the background and waits until
// it is listening. The returned stop function is idempotent; it also runs
// when ctx ends.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = ErrServerClosed
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}

	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
