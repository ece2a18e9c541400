package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glycerine/idem"
	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/svcfields"
)

// FrameConn reads and writes whole frames. ReadFrame is only called from one
// goroutine, and so is WriteFrame.
type FrameConn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Option customises a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for channel lifecycle events.
func WithLogger(l pslog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithName labels log entries, e.g. "worker" or "agent".
func WithName(name string) Option {
	return func(c *Conn) { c.name = name }
}

// Conn implements Transport over a FrameConn. Outbound frames are queued and
// written by a dedicated goroutine so handlers never block on the peer.
type Conn struct {
	fc     FrameConn
	logger pslog.Logger
	name   string
	halt   *idem.Halter

	startOnce sync.Once
	closeOnce sync.Once
	handlers  Handlers

	qmu    sync.Mutex
	queue  []Frame
	wake   chan struct{}
	err    error
	closed bool

	rmu  sync.Mutex
	refs int64
	idle []chan struct{}
}

// New wraps fc. Delivery starts with SetHandlers.
func New(fc FrameConn, opts ...Option) *Conn {
	c := &Conn{
		fc:     fc,
		logger: pslog.NoopLogger(),
		halt:   idem.NewHalter(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithSubsystem(c.logger, "transport", c.name)
	return c
}

// SetHandlers installs h and starts the reader and writer goroutines.
func (c *Conn) SetHandlers(h Handlers) {
	c.startOnce.Do(func() {
		c.handlers = h
		go c.readLoop()
		go c.writeLoop()
	})
}

// Call enqueues an outbound call frame.
func (c *Conn) Call(id uint64, kind api.CallKind, params []byte) error {
	return c.enqueue(Frame{Type: FrameCall, ID: id, Kind: kind, Body: params})
}

// Acknowledge enqueues a response frame for an inbound call.
func (c *Conn) Acknowledge(id uint64, code api.Code, body []byte) error {
	return c.enqueue(Frame{Type: FrameResponse, ID: id, Code: code, Body: body})
}

func (c *Conn) enqueue(f Frame) error {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return api.ErrTransportReset
	}
	c.queue = append(c.queue, f)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.halt.ReqStop.Chan:
			return
		}
		c.qmu.Lock()
		batch := c.queue
		c.queue = nil
		c.qmu.Unlock()
		for _, f := range batch {
			if err := c.fc.WriteFrame(f); err != nil {
				c.shutdown(fmt.Errorf("transport: write: %w", err))
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	defer c.halt.Done.Close()
	for {
		f, err := c.fc.ReadFrame()
		if err != nil {
			c.shutdown(fmt.Errorf("transport: read: %w", err))
			return
		}
		switch f.Type {
		case FrameCall:
			if c.handlers.Incoming != nil {
				c.handlers.Incoming(f.ID, f.Kind, f.Body)
			} else {
				_ = c.Acknowledge(f.ID, api.CodeNotImplemented, nil)
			}
		case FrameResponse:
			if c.handlers.Response != nil {
				c.handlers.Response(f.ID, f.Code, f.Body)
			}
		default:
			c.logger.Warn("transport.frame.unknown_type", "type", int(f.Type), "id", f.ID)
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.qmu.Lock()
		c.closed = true
		c.err = err
		dropped := len(c.queue)
		c.queue = nil
		c.qmu.Unlock()
		c.halt.ReqStop.Close()
		_ = c.fc.Close()
		if dropped > 0 {
			c.logger.Debug("transport.close.dropped_frames", "count", dropped)
		}
		c.logger.Debug("transport.closed", "error", err)
		if c.handlers.Closed != nil {
			c.handlers.Closed(err)
		}
	})
}

// Close tears down the channel. Pending outbound frames are dropped.
func (c *Conn) Close() error {
	c.shutdown(errClosedLocally)
	return nil
}

var errClosedLocally = errors.New("transport: closed")

// Done is closed once the channel has shut down.
func (c *Conn) Done() <-chan struct{} { return c.halt.ReqStop.Chan }

// Err returns the error that closed the channel, if any.
func (c *Conn) Err() error {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return c.err
}

// Ref increments the keep-alive count.
func (c *Conn) Ref() {
	c.rmu.Lock()
	c.refs++
	c.rmu.Unlock()
}

// Unref decrements the keep-alive count and wakes idle waiters at zero.
func (c *Conn) Unref() {
	c.rmu.Lock()
	c.refs--
	if c.refs < 0 {
		c.logger.Error("transport.refs.negative", "refs", c.refs)
		c.refs = 0
	}
	var waiters []chan struct{}
	if c.refs == 0 {
		waiters = c.idle
		c.idle = nil
	}
	c.rmu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Refs returns the current keep-alive count.
func (c *Conn) Refs() int64 {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.refs
}

// WaitIdle blocks until the keep-alive count is zero or ctx ends.
func (c *Conn) WaitIdle(ctx context.Context) error {
	c.rmu.Lock()
	if c.refs == 0 {
		c.rmu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.idle = append(c.idle, ch)
	c.rmu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ Transport = (*Conn)(nil)
	_ KeepAlive = (*Conn)(nil)
)
