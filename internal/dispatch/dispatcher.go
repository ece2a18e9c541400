// Package dispatch correlates outbound calls with their responses and routes
// inbound calls to a handler. It owns the call table of one channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/clock"
	"pkt.systems/leasewire/internal/codec"
	"pkt.systems/leasewire/internal/correlation"
	"pkt.systems/leasewire/internal/svcfields"
	"pkt.systems/leasewire/internal/transport"
)

// DefaultCallTimeout applies when a call does not carry its own timeout.
const DefaultCallTimeout = 10 * time.Second

// Hook observes the outcome of a call. It runs exactly once, synchronously,
// on the goroutine that settles the call and before that goroutine delivers
// any later inbound frame.
type Hook func(body []byte, err error)

// Orphan receives the OK body of a response that arrived after its call
// timed out. It runs on the reader goroutine and must not block.
type Orphan func(body []byte)

// maxOrphans bounds the timed-out calls remembered for late responses.
const maxOrphans = 1024

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the clock driving call timeouts.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithCodec overrides the params/body codec.
func WithCodec(c codec.Codec) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.codec = c
		}
	}
}

// WithDefaultTimeout overrides DefaultCallTimeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.defaultTimeout = timeout
		}
	}
}

// Dispatcher owns the call table of one transport.
type Dispatcher struct {
	t              transport.Transport
	codec          codec.Codec
	clock          clock.Clock
	logger         pslog.Logger
	tracer         trace.Tracer
	metrics        *dispatchMetrics
	defaultTimeout time.Duration

	mu       sync.Mutex
	next     uint64
	calls    map[uint64]*Pending
	orphans  map[uint64]Orphan
	closed   bool
	closeErr error
	onReset  []func(error)
	incoming Incoming
	started  bool
}

// New constructs a Dispatcher over t. Call Listen to begin delivery.
func New(t transport.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		t:              t,
		codec:          codec.CBOR(),
		clock:          clock.Real{},
		logger:         pslog.NoopLogger(),
		tracer:         otel.Tracer("pkt.systems/leasewire/dispatch"),
		defaultTimeout: DefaultCallTimeout,
		calls:          make(map[uint64]*Pending),
		orphans:        make(map[uint64]Orphan),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = svcfields.WithSubsystem(d.logger, "dispatch")
	d.metrics = newDispatchMetrics(d.logger, d)
	return d
}

// Codec returns the codec used for params and bodies.
func (d *Dispatcher) Codec() codec.Codec { return d.codec }

// Logger returns the dispatcher logger.
func (d *Dispatcher) Logger() pslog.Logger { return d.logger }

// OnReset registers fn to run once when the channel resets. Registration
// after the reset runs fn immediately.
func (d *Dispatcher) OnReset(fn func(error)) {
	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		fn(err)
		return
	}
	d.onReset = append(d.onReset, fn)
	d.mu.Unlock()
}

// Listen installs the inbound handler and begins delivery. A nil handler
// answers every inbound call with CodeNotImplemented.
func (d *Dispatcher) Listen(h Incoming) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.incoming = h
	d.mu.Unlock()
	d.t.SetHandlers(transport.Handlers{
		Incoming: d.onIncoming,
		Response: d.onResponse,
		Closed: func(err error) {
			d.Reset(fmt.Errorf("%w: %v", api.ErrTransportReset, err))
		},
	})
}

// Pending is an outstanding call. It settles exactly once.
type Pending struct {
	id      uint64
	kind    api.CallKind
	d       *Dispatcher
	hook    Hook
	orphan  Orphan
	timer   clock.Timer
	span    trace.Span
	logger  pslog.Logger
	started time.Time
	done    chan struct{}
	body    []byte
	err     error
}

// ID returns the correlation id of the call.
func (p *Pending) ID() uint64 { return p.id }

// Kind returns the call kind.
func (p *Pending) Kind() api.CallKind { return p.kind }

// Done is closed when the call settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the call settles or ctx ends. Cancelling ctx settles the
// call with the context error and drops any later response.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.body, p.err
	case <-ctx.Done():
		p.d.settle(p, nil, ctx.Err(), "canceled")
		<-p.done
		return p.body, p.err
	}
}

// Start sends a call and returns its pending record. params is encoded with
// the dispatcher codec unless it already is a []byte. A non-positive timeout
// selects the dispatcher default.
func (d *Dispatcher) Start(ctx context.Context, kind api.CallKind, params any, timeout time.Duration, hook Hook) (*Pending, error) {
	return d.StartWithOrphan(ctx, kind, params, timeout, hook, nil)
}

// StartWithOrphan is Start with a handler for a response that arrives after
// the call timed out. The call itself still settles with api.ErrCallTimeout.
func (d *Dispatcher) StartWithOrphan(ctx context.Context, kind api.CallKind, params any, timeout time.Duration, hook Hook, orphan Orphan) (*Pending, error) {
	payload, err := d.encode(params)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode %s params: %w", kind, err)
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	logger := correlation.Logger(ctx, d.logger)

	p := &Pending{
		kind:    kind,
		d:       d,
		hook:    hook,
		orphan:  orphan,
		logger:  logger,
		started: d.clock.Now(),
		done:    make(chan struct{}),
	}

	_, p.span = d.tracer.Start(ctx, "leasewire.call."+string(kind), trace.WithSpanKind(trace.SpanKindClient))
	p.span.SetAttributes(attribute.String("leasewire.call.kind", string(kind)))
	if cid := correlation.ID(ctx); cid != "" {
		p.span.SetAttributes(attribute.String("leasewire.correlation_id", cid))
	}

	d.mu.Lock()
	if d.closed {
		closeErr := d.closeErr
		d.mu.Unlock()
		p.span.RecordError(closeErr)
		p.span.SetStatus(codes.Error, "closed")
		p.span.End()
		logger.Debug("dispatch.call.rejected_closed", "kind", kind)
		return nil, closeErr
	}
	p.id = d.allocateLocked()
	d.calls[p.id] = p
	p.timer = d.clock.AfterFunc(timeout, func() {
		if d.settle(p, nil, api.ErrCallTimeout, "timeout") {
			p.logger.Debug("dispatch.call.timeout", "kind", kind, "id", p.id, "timeout", timeout)
		}
	})
	d.mu.Unlock()
	p.span.SetAttributes(attribute.Int64("leasewire.call.id", int64(p.id&math.MaxInt64)))

	if err := d.t.Call(p.id, kind, payload); err != nil {
		d.mu.Lock()
		_, owned := d.calls[p.id]
		delete(d.calls, p.id)
		d.mu.Unlock()
		if owned {
			p.timer.Stop()
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, "send_failed")
			p.span.End()
		}
		logger.Debug("dispatch.call.send_failed", "kind", kind, "id", p.id, "error", err)
		if errors.Is(err, api.ErrTransportReset) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", api.ErrTransportReset, err)
	}
	d.metrics.recordSent(ctx, kind)
	logger.Trace("dispatch.call.sent", "kind", kind, "id", p.id)
	return p, nil
}

// Call sends params and decodes the OK body into out (which may be nil).
func (d *Dispatcher) Call(ctx context.Context, kind api.CallKind, params any, out any, timeout time.Duration) error {
	p, err := d.Start(ctx, kind, params, timeout, nil)
	if err != nil {
		return err
	}
	body, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if err := codec.Decode(d.codec, body, out); err != nil {
		return fmt.Errorf("dispatch: decode %s response: %w", kind, err)
	}
	return nil
}

// Outstanding returns the number of unsettled calls.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// Reset fails every outstanding call with err and rejects new calls. It
// runs OnReset callbacks once.
func (d *Dispatcher) Reset(err error) {
	if err == nil {
		err = api.ErrTransportReset
	}
	if !errors.Is(err, api.ErrTransportReset) {
		err = fmt.Errorf("%w: %v", api.ErrTransportReset, err)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closeErr = err
	clear(d.orphans)
	pending := make([]*Pending, 0, len(d.calls))
	for _, p := range d.calls {
		pending = append(pending, p)
	}
	callbacks := d.onReset
	d.onReset = nil
	d.mu.Unlock()

	d.logger.Info("dispatch.reset", "outstanding", len(pending), "error", err)
	for _, p := range pending {
		d.settle(p, nil, err, "reset")
	}
	for _, fn := range callbacks {
		fn(err)
	}
}

// Close resets the dispatcher and closes the transport.
func (d *Dispatcher) Close() error {
	d.Reset(api.ErrTransportReset)
	return d.t.Close()
}

func (d *Dispatcher) allocateLocked() uint64 {
	for {
		if d.next == math.MaxUint64 {
			d.next = 0
		}
		d.next++
		_, taken := d.calls[d.next]
		_, orphaned := d.orphans[d.next]
		if !taken && !orphaned {
			return d.next
		}
	}
}

func (d *Dispatcher) encode(params any) ([]byte, error) {
	switch v := params.(type) {
	case nil:
		return codec.Empty, nil
	case []byte:
		return v, nil
	default:
		return d.codec.Marshal(v)
	}
}

// settle removes p from the call table and completes it. Only the first
// caller wins; it reports whether this call did.
func (d *Dispatcher) settle(p *Pending, body []byte, err error, result string) bool {
	d.mu.Lock()
	if cur, ok := d.calls[p.id]; !ok || cur != p {
		d.mu.Unlock()
		return false
	}
	delete(d.calls, p.id)
	if result == "timeout" && p.orphan != nil && !d.closed {
		if len(d.orphans) < maxOrphans {
			d.orphans[p.id] = p.orphan
		} else {
			p.logger.Warn("dispatch.call.orphan_dropped", "kind", p.kind, "id", p.id)
		}
	}
	d.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.body, p.err = body, err
	if p.hook != nil {
		p.hook(body, err)
	}
	close(p.done)

	if p.span != nil {
		if err != nil {
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, result)
		} else {
			p.span.SetStatus(codes.Ok, "")
		}
		p.span.End()
	}
	d.metrics.recordSettled(p.kind, result, d.clock.Now().Sub(p.started))
	return true
}

func (d *Dispatcher) onResponse(id uint64, code api.Code, body []byte) {
	d.mu.Lock()
	p, ok := d.calls[id]
	orphan, late := d.orphans[id]
	if late {
		delete(d.orphans, id)
	}
	d.mu.Unlock()
	if !ok {
		if late && code == api.CodeOK {
			d.logger.Debug("dispatch.response.late", "id", id)
			orphan(body)
			return
		}
		d.logger.Debug("dispatch.response.unmatched", "id", id, "code", code)
		return
	}
	if code == api.CodeOK {
		d.settle(p, body, nil, "ok")
		return
	}
	remote := &api.RemoteError{Kind: p.kind, Code: code}
	var resp api.ErrorResponse
	if len(body) > 0 {
		if err := d.codec.Unmarshal(body, &resp); err == nil {
			remote.Reason = resp.Reason
			remote.Message = resp.Message
		} else {
			d.logger.Debug("dispatch.response.error_body_invalid", "id", id, "error", err)
		}
	}
	d.settle(p, nil, remote, code.String())
}
