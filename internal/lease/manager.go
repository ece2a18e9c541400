// Package lease implements the shared/exclusive remote lease protocol over a
// dispatcher: resourcePut acquire and release calls plus wakeups delivered as
// resourceNotification events.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/clock"
	"pkt.systems/leasewire/internal/codec"
	"pkt.systems/leasewire/internal/correlation"
	"pkt.systems/leasewire/internal/dispatch"
	"pkt.systems/leasewire/internal/svcfields"
)

// Caller is the dispatcher surface the manager needs.
type Caller interface {
	StartWithOrphan(ctx context.Context, kind api.CallKind, params any, timeout time.Duration, hook dispatch.Hook, orphan dispatch.Orphan) (*dispatch.Pending, error)
	Call(ctx context.Context, kind api.CallKind, params any, out any, timeout time.Duration) error
	Codec() codec.Codec
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the clock driving pending wait timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithPendingTimeout bounds how long an acquisition waits for its
// notification. Zero waits until the context ends.
func WithPendingTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.pendingTimeout = d
		}
	}
}

// WithCallTimeout sets the timeout of each resourcePut call. Zero uses the
// dispatcher default.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// Manager owns the wait table of one channel.
type Manager struct {
	d              Caller
	logger         pslog.Logger
	clock          clock.Clock
	pendingTimeout time.Duration
	callTimeout    time.Duration
	metrics        *leaseMetrics
	held           atomic.Int64

	mu       sync.Mutex
	waits    map[string]*waiter
	closed   bool
	closeErr error
}

type waiter struct {
	resourceID string
	ch         chan error
}

// New constructs a Manager issuing calls through d.
func New(d Caller, opts ...Option) *Manager {
	m := &Manager{
		d:      d,
		logger: pslog.NoopLogger(),
		clock:  clock.Real{},
		waits:  make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = svcfields.WithSubsystem(m.logger, "lease")
	m.metrics = newLeaseMetrics(m.logger, m)
	return m
}

func (m *Manager) loggerFor(ctx context.Context) pslog.Logger {
	return correlation.Logger(ctx, m.logger)
}

func actionFor(exclusive bool) api.LeaseAction {
	if exclusive {
		return api.ActionAcquireExclusive
	}
	return api.ActionAcquireShared
}

func modeLabel(exclusive bool) string {
	if exclusive {
		return "exclusive"
	}
	return "shared"
}

// Acquire obtains a shared or exclusive lease on resourceID, waiting for the
// authority's notification when the lease is not granted immediately.
func (m *Manager) Acquire(ctx context.Context, resourceID string, exclusive bool) (*Lease, error) {
	if resourceID == "" {
		return nil, &api.ValidationError{Op: "acquire", Reason: "resource id required"}
	}
	begin := m.clock.Now()
	logger := m.loggerFor(ctx).With("resource", resourceID, "mode", modeLabel(exclusive))
	l := &Lease{m: m, resourceID: resourceID, exclusive: exclusive, state: StatePending, logger: logger}

	var (
		resp      api.ResourcePutResponse
		decodeErr error
		w         *waiter
	)
	hook := func(body []byte, err error) {
		if err != nil {
			return
		}
		if decodeErr = codec.Decode(m.d.Codec(), body, &resp); decodeErr != nil {
			return
		}
		if !resp.Granted {
			w = m.addWaiter(resp.Token, resourceID)
		}
	}
	// A grant or queue slot answered after the call timed out is returned.
	orphan := func(body []byte) {
		var late api.ResourcePutResponse
		if err := codec.Decode(m.d.Codec(), body, &late); err != nil || late.Token == "" {
			return
		}
		logger.Debug("lease.acquire.late_response", "token", late.Token, "granted", late.Granted)
		go m.sendRelease(context.WithoutCancel(ctx), resourceID, late.Token, logger)
	}
	req := api.ResourcePutRequest{ResourceID: resourceID, Action: actionFor(exclusive)}
	p, err := m.d.StartWithOrphan(ctx, api.KindResourcePut, req, m.callTimeout, hook, orphan)
	if err != nil {
		m.metrics.recordAcquire(ctx, exclusive, m.clock.Now().Sub(begin), err)
		return nil, err
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		// The authority may still answer; whatever it hands out goes back.
		go m.abandon(p, resourceID, &resp, &decodeErr, &w)
		m.metrics.recordAcquire(ctx, exclusive, m.clock.Now().Sub(begin), ctx.Err())
		return nil, ctx.Err()
	}
	if _, err := p.Wait(ctx); err != nil {
		m.metrics.recordAcquire(ctx, exclusive, m.clock.Now().Sub(begin), err)
		return nil, err
	}
	if decodeErr != nil {
		err := fmt.Errorf("lease: decode acquire response: %w", decodeErr)
		m.metrics.recordAcquire(ctx, exclusive, m.clock.Now().Sub(begin), err)
		return nil, err
	}
	l.token = resp.Token

	if !resp.Granted {
		logger.Debug("lease.acquire.pending", "token", resp.Token)
		if err := m.wait(ctx, l, w); err != nil {
			m.metrics.recordAcquire(ctx, exclusive, m.clock.Now().Sub(begin), err)
			return nil, err
		}
	}
	l.grant()
	m.held.Add(1)
	elapsed := m.clock.Now().Sub(begin)
	m.metrics.recordAcquire(ctx, exclusive, elapsed, nil)
	logger.Debug("lease.acquire.granted", "token", l.token, "waited", !resp.Granted, "elapsed", elapsed)
	return l, nil
}

// wait blocks until the pending lease is granted, the context ends, the
// pending timeout elapses, or the channel resets. On timeout and
// cancellation the queued request is cancelled with a RELEASE.
func (m *Manager) wait(ctx context.Context, l *Lease, w *waiter) error {
	var expired <-chan time.Time
	if m.pendingTimeout > 0 {
		expired = m.clock.After(m.pendingTimeout)
	}
	var cause error
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		cause = ctx.Err()
	case <-expired:
		cause = fmt.Errorf("%w: lease on %s still pending after %s", api.ErrCallTimeout, l.resourceID, m.pendingTimeout)
	}
	if !m.removeWaiter(l.token, w) {
		// The notification won the race; the grant is ours to return.
		if err := <-w.ch; err != nil {
			return err
		}
	}
	l.logger.Debug("lease.acquire.cancel_pending", "token", l.token, "cause", cause)
	m.sendRelease(context.WithoutCancel(ctx), l.resourceID, l.token, l.logger)
	return cause
}

// abandon returns whatever the authority hands out after the caller stopped
// waiting on the acquire call.
func (m *Manager) abandon(p *dispatch.Pending, resourceID string, resp *api.ResourcePutResponse, decodeErr *error, w **waiter) {
	if _, err := p.Wait(context.Background()); err != nil || *decodeErr != nil {
		return
	}
	if *w != nil && !m.removeWaiter(resp.Token, *w) {
		if err := <-(*w).ch; err != nil {
			return
		}
	}
	m.sendRelease(context.Background(), resourceID, resp.Token, m.logger.With("resource", resourceID))
}

func (m *Manager) sendRelease(ctx context.Context, resourceID, token string, logger pslog.Logger) error {
	begin := m.clock.Now()
	req := api.ResourcePutRequest{ResourceID: resourceID, Action: api.ActionRelease, Token: token}
	err := m.d.Call(ctx, api.KindResourcePut, req, nil, m.callTimeout)
	m.metrics.recordRelease(ctx, m.clock.Now().Sub(begin), err)
	if err != nil {
		if api.IsReset(err) {
			logger.Debug("lease.release.after_reset", "token", token, "error", err)
		} else {
			logger.Warn("lease.release.failed", "token", token, "error", err)
		}
	}
	return err
}

func (m *Manager) addWaiter(token, resourceID string) *waiter {
	w := &waiter{resourceID: resourceID, ch: make(chan error, 1)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		w.ch <- m.closeErr
		return w
	}
	if prev, ok := m.waits[token]; ok {
		m.logger.Warn("lease.wait.duplicate_token", "token", token, "resource", prev.resourceID)
		prev.ch <- fmt.Errorf("%w: token %s reissued", api.ErrTransportReset, token)
	}
	m.waits[token] = w
	return w
}

// removeWaiter drops w from the wait table. It reports false when w was
// already resolved.
func (m *Manager) removeWaiter(token string, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.waits[token]; ok && cur == w {
		delete(m.waits, token)
		return true
	}
	return false
}

// Pending returns the number of registered wait entries.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waits)
}

// Held returns the number of leases granted and not yet released.
func (m *Manager) Held() int64 { return m.held.Load() }

// HandleResourceNotification resolves the wait entry for n.Token. Unknown
// or already resolved tokens are ignored.
func (m *Manager) HandleResourceNotification(n api.ResourceNotification) error {
	m.mu.Lock()
	w, ok := m.waits[n.Token]
	if ok {
		delete(m.waits, n.Token)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("lease.notification.unmatched", "token", n.Token)
		return nil
	}
	w.ch <- nil
	return nil
}

// Reset fails every pending wait with err. Granted leases are considered
// lost; their Release becomes a local transition.
func (m *Manager) Reset(err error) {
	if err == nil {
		err = api.ErrTransportReset
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = err
	waits := m.waits
	m.waits = make(map[string]*waiter)
	m.mu.Unlock()
	for _, w := range waits {
		w.ch <- err
	}
	if len(waits) > 0 || m.held.Load() > 0 {
		m.logger.Info("lease.reset", "pending", len(waits), "held", m.held.Load(), "error", err)
	}
}

// With acquires a lease, runs fn, and releases the lease on every exit path,
// including a panic in fn, which is re-raised after the release.
func (m *Manager) With(ctx context.Context, resourceID string, exclusive bool, fn func(context.Context, *Lease) error) (err error) {
	l, err := m.Acquire(ctx, resourceID, exclusive)
	if err != nil {
		return err
	}
	defer func() {
		r := recover()
		_ = l.Release(context.WithoutCancel(ctx))
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx, l)
}

// IsReleased reports whether err came from using a released lease.
func IsReleased(err error) bool { return errors.Is(err, ErrReleased) }
