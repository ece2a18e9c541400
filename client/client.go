package client

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/clock"
	"pkt.systems/leasewire/internal/codec"
	"pkt.systems/leasewire/internal/dispatch"
	"pkt.systems/leasewire/internal/lease"
	"pkt.systems/leasewire/internal/streams"
	"pkt.systems/leasewire/internal/transport"
	"pkt.systems/leasewire/internal/transport/wireconn"
	"pkt.systems/leasewire/internal/txstore"
)

// DefaultObjectTimeout bounds content object transfers, which are answered
// only after the whole stream went through.
const DefaultObjectTimeout = 5 * time.Minute

// InvokeFunc runs a named entry point requested by the agent.
type InvokeFunc func(api.Invoke) ([]byte, error)

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the base logger shared by every component of the channel.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the clock driving call and pending-lease timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithCodec overrides the params codec. Both peers must agree.
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) {
		if cd != nil {
			c.codec = cd
		}
	}
}

// WithCallTimeout sets the default timeout of every call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithObjectTimeout overrides DefaultObjectTimeout.
func WithObjectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.objectTimeout = d
		}
	}
}

// WithPendingTimeout bounds how long a queued lease waits for its grant.
// Zero waits until the context ends.
func WithPendingTimeout(d time.Duration) Option {
	return func(c *Client) { c.pendingTimeout = d }
}

// WithChunkSize sets the chunk size of outbound object streams.
func WithChunkSize(n int) Option {
	return func(c *Client) { c.chunkSize = n }
}

// WithInlineLimit sets the largest payload the cache and kv stores keep
// inside a page record.
func WithInlineLimit(n int64) Option {
	return func(c *Client) { c.inlineLimit = n }
}

// WithInvokeHandler installs the handler for inbound invoke calls. Without
// one they are answered with CodeNotImplemented.
func WithInvokeHandler(fn InvokeFunc) Option {
	return func(c *Client) { c.invoke = fn }
}

// Client is the worker end of one channel: dispatcher, stream multiplexer,
// lease manager, and the remote backing store, all scoped to the channel.
type Client struct {
	t              transport.Transport
	logger         pslog.Logger
	clock          clock.Clock
	codec          codec.Codec
	callTimeout    time.Duration
	objectTimeout  time.Duration
	pendingTimeout time.Duration
	chunkSize      int
	inlineLimit    int64
	invoke         InvokeFunc

	d       *dispatch.Dispatcher
	mux     *streams.Multiplexer
	leases  *lease.Manager
	backing *remoteBacking
}

// New wires a Client over t and starts delivery.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		t:             t,
		logger:        pslog.NoopLogger(),
		clock:         clock.Real{},
		codec:         codec.CBOR(),
		callTimeout:   dispatch.DefaultCallTimeout,
		objectTimeout: DefaultObjectTimeout,
		inlineLimit:   txstore.DefaultInlineLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.d = dispatch.New(t,
		dispatch.WithLogger(c.logger),
		dispatch.WithClock(c.clock),
		dispatch.WithCodec(c.codec),
		dispatch.WithDefaultTimeout(c.callTimeout),
	)
	c.mux = streams.New(c.d, t,
		streams.WithLogger(c.logger),
		streams.WithSide(streams.SideWorker),
		streams.WithChunkSize(c.chunkSize),
	)
	c.leases = lease.New(c.d,
		lease.WithLogger(c.logger),
		lease.WithClock(c.clock),
		lease.WithPendingTimeout(c.pendingTimeout),
	)
	c.backing = &remoteBacking{c: c}
	c.d.OnReset(c.mux.Reset)
	c.d.OnReset(c.leases.Reset)
	c.d.Listen(dispatch.EventRouter{Handler: c, Logger: c.logger})
	return c
}

// Dial connects to an agent listening on network/address.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Client, error) {
	probe := &Client{logger: pslog.NoopLogger()}
	for _, opt := range opts {
		opt(probe)
	}
	conn, err := wireconn.Dial(ctx, network, address, wireconn.Config{
		Options: []transport.Option{transport.WithLogger(probe.logger), transport.WithName(address)},
	})
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Leases returns the lease manager of the channel.
func (c *Client) Leases() *LeaseManager { return c.leases }

// Streams returns the stream multiplexer of the channel.
func (c *Client) Streams() *streams.Multiplexer { return c.mux }

// Dispatcher returns the call dispatcher of the channel.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.d }

// Backing returns the remote page and object store.
func (c *Client) Backing() txstore.Backing { return c.backing }

// LeaseAcquirer adapts the lease manager for transactional stores.
func (c *Client) LeaseAcquirer() txstore.LeaseAcquirer { return txstore.Leases(c.leases) }

// StoreOptions returns the txstore options derived from the client settings.
func (c *Client) StoreOptions() []StoreOption {
	return []StoreOption{
		txstore.WithLogger(c.logger),
		txstore.WithInlineLimit(c.inlineLimit),
	}
}

// Acquire obtains a lease on resourceID.
func (c *Client) Acquire(ctx context.Context, resourceID string, exclusive bool) (*Lease, error) {
	return c.leases.Acquire(ctx, resourceID, exclusive)
}

// With runs fn while holding a lease on resourceID.
func (c *Client) With(ctx context.Context, resourceID string, exclusive bool, fn func(context.Context, *Lease) error) error {
	return c.leases.With(ctx, resourceID, exclusive, fn)
}

// Close resets the channel. Outstanding calls, pending leases, and open
// streams fail with api.ErrTransportReset.
func (c *Client) Close() error {
	return c.d.Close()
}

// WaitIdle blocks until no stream holds the channel keep-alive, when the
// transport exposes it.
func (c *Client) WaitIdle(ctx context.Context) error {
	ka, ok := c.t.(transport.KeepAlive)
	if !ok {
		return nil
	}
	return ka.WaitIdle(ctx)
}

// HandleStreamPush implements api.EventHandler.
func (c *Client) HandleStreamPush(p api.StreamPush) error {
	return c.mux.HandleStreamPush(p)
}

// HandleResourceNotification implements api.EventHandler.
func (c *Client) HandleResourceNotification(n api.ResourceNotification) error {
	return c.leases.HandleResourceNotification(n)
}

// HandleInvoke implements api.EventHandler.
func (c *Client) HandleInvoke(inv api.Invoke) ([]byte, error) {
	if c.invoke == nil {
		return nil, api.ErrUnknownKind{Kind: api.KindInvoke}
	}
	return c.invoke(inv)
}
