// Package agent implements the privileged side of the channel: the lock
// authority granting shared and exclusive leases, and the backing store
// serving pages and content objects.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/internal/clock"
	"pkt.systems/leasewire/internal/codec"
	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/leasewire/internal/streams"
	"pkt.systems/leasewire/internal/svcfields"
	"pkt.systems/leasewire/internal/transport"
)

// Conn is a channel the agent can serve.
type Conn interface {
	transport.Transport
	Done() <-chan struct{}
	Err() error
}

// Option customises an Agent.
type Option func(*Agent)

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the clock used by session dispatchers.
func WithClock(c clock.Clock) Option {
	return func(a *Agent) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithCodec overrides the params codec. Both peers must agree.
func WithCodec(c codec.Codec) Option {
	return func(a *Agent) {
		if c != nil {
			a.codec = c
		}
	}
}

// WithQuota limits encoded page size and content object size. Zero disables
// a limit.
func WithQuota(maxPageBytes, maxObjectBytes int64) Option {
	return func(a *Agent) {
		a.maxPageBytes = maxPageBytes
		a.maxObjectBytes = maxObjectBytes
	}
}

// WithCallTimeout bounds notifications and stream pushes sent to workers.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Agent) { a.callTimeout = d }
}

// WithChunkSize sets the chunk size of object streams pushed to workers.
func WithChunkSize(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// Agent serves any number of worker channels against one lock table and
// one backing store.
type Agent struct {
	logger         pslog.Logger
	clock          clock.Clock
	codec          codec.Codec
	callTimeout    time.Duration
	chunkSize      int
	maxPageBytes   int64
	maxObjectBytes int64

	locks   *LockTable
	pages   *PageStore
	metrics *agentMetrics

	nextSession atomic.Uint64
	mu          sync.Mutex
	sessions    map[*session]struct{}
}

// New constructs an Agent persisting pages and objects in backend.
func New(backend storage.Backend, opts ...Option) *Agent {
	a := &Agent{
		logger:    pslog.NoopLogger(),
		clock:     clock.Real{},
		codec:     codec.CBOR(),
		chunkSize: streams.DefaultChunkSize,
		locks:     NewLockTable(),
		sessions:  make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = svcfields.WithSubsystem(a.logger, "agent")
	a.pages = NewPageStore(backend, a.maxPageBytes, a.maxObjectBytes)
	a.metrics = newAgentMetrics(a.logger, a)
	return a
}

// Locks exposes the lock table.
func (a *Agent) Locks() *LockTable { return a.locks }

// Pages exposes the page store.
func (a *Agent) Pages() *PageStore { return a.pages }

// Sessions returns the number of channels currently served.
func (a *Agent) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Serve handles conn until it closes or ctx ends. Every lease the channel
// held or queued is released before Serve returns.
func (a *Agent) Serve(ctx context.Context, conn Conn) error {
	s := a.newSession(conn)
	a.mu.Lock()
	a.sessions[s] = struct{}{}
	a.mu.Unlock()
	s.logger.Info("agent.session.open")
	s.d.Listen(s)

	select {
	case <-conn.Done():
	case <-ctx.Done():
		_ = conn.Close()
		<-conn.Done()
	}
	a.teardown(s)
	if err := conn.Err(); err != nil && ctx.Err() == nil {
		s.logger.Info("agent.session.closed", "error", err)
	}
	return ctx.Err()
}

func (a *Agent) teardown(s *session) {
	s.close()
	grants := a.locks.ReleaseOwner(s)
	a.mu.Lock()
	delete(a.sessions, s)
	a.mu.Unlock()
	a.notify(grants)
	held, queued := a.locks.Stats()
	s.logger.Debug("agent.session.teardown", "promoted", len(grants), "held", held, "queued", queued)
}

// notify delivers grants to the sessions that queued them.
func (a *Agent) notify(grants []Grant) {
	for _, g := range grants {
		s, ok := g.Owner.(*session)
		if !ok {
			continue
		}
		s.notify(g.ResourceID, g.Token)
	}
}
