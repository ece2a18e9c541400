// Package streams multiplexes byte streams over one channel. Each stream is
// a sequence of streamPush chunks closed by an EOS or error chunk.
package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/svcfields"
)

// DefaultChunkSize is the payload size of outbound chunks.
const DefaultChunkSize = 64 << 10

var (
	// ErrStreamClosed is returned by operations on a stream that reached a
	// terminal state locally.
	ErrStreamClosed = errors.New("streams: stream closed")
	// ErrStreamExists is returned when an inbound id is already registered.
	ErrStreamExists = errors.New("streams: stream id already registered")
	// ErrRemoteAborted is surfaced to readers when the producer sent an error chunk.
	ErrRemoteAborted = errors.New("streams: producer aborted stream")
)

// Caller issues calls on the channel. *dispatch.Dispatcher satisfies it.
type Caller interface {
	Call(ctx context.Context, kind api.CallKind, params any, out any, timeout time.Duration) error
}

// RefCounter is the channel keep-alive hook. *transport.Conn satisfies it.
type RefCounter interface {
	Ref()
	Unref()
}

// Side selects the id parity so both peers can allocate without colliding.
type Side uint32

const (
	// SideWorker allocates odd ids.
	SideWorker Side = 1
	// SideAgent allocates even ids.
	SideAgent Side = 2
)

// Option customises a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(m *Multiplexer) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(m *Multiplexer) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithSide selects the id parity. The default is SideWorker.
func WithSide(s Side) Option {
	return func(m *Multiplexer) { m.side = s }
}

// WithPushTimeout bounds each chunk push call. Zero uses the caller default.
func WithPushTimeout(d time.Duration) Option {
	return func(m *Multiplexer) { m.pushTimeout = d }
}

// Multiplexer owns the stream table of one channel.
type Multiplexer struct {
	caller      Caller
	refs        RefCounter
	logger      pslog.Logger
	chunkSize   int
	side        Side
	pushTimeout time.Duration
	metrics     *streamMetrics

	mu       sync.Mutex
	next     uint32
	inbound  map[uint32]*Stream
	outbound map[uint32]*Outbound
	closed   bool
	closeErr error
}

// New constructs a Multiplexer pushing chunks through caller and holding
// keep-alive refs on refs.
func New(caller Caller, refs RefCounter, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		caller:    caller,
		refs:      refs,
		logger:    pslog.NoopLogger(),
		chunkSize: DefaultChunkSize,
		side:      SideWorker,
		inbound:   make(map[uint32]*Stream),
		outbound:  make(map[uint32]*Outbound),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = svcfields.WithSubsystem(m.logger, "streams")
	m.metrics = newStreamMetrics(m.logger, m)
	return m
}

func (m *Multiplexer) allocateLocked() uint32 {
	for {
		if m.next == 0 || m.next > ^uint32(0)-2 {
			m.next = uint32(m.side)
		} else {
			m.next += 2
		}
		id := m.next
		_, in := m.inbound[id]
		_, out := m.outbound[id]
		if !in && !out {
			return id
		}
	}
}

// Active returns the number of inbound streams that have not reached a
// terminal state.
func (m *Multiplexer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbound)
}

// Reset aborts every stream with err. Later Accept and Reserve calls fail.
func (m *Multiplexer) Reset(err error) {
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
	inbound := make([]*Stream, 0, len(m.inbound))
	for _, s := range m.inbound {
		inbound = append(inbound, s)
	}
	for id, o := range m.outbound {
		o.markTerminal()
		delete(m.outbound, id)
	}
	m.mu.Unlock()
	for _, s := range inbound {
		s.terminate(stateFailed, err, "reset")
	}
	if len(inbound) > 0 {
		m.logger.Debug("streams.reset", "aborted", len(inbound), "error", err)
	}
}

func (m *Multiplexer) push(ctx context.Context, p api.StreamPush) error {
	if err := m.caller.Call(ctx, api.KindStreamPush, p, nil, m.pushTimeout); err != nil {
		return fmt.Errorf("streams: push stream %d: %w", p.StreamID, err)
	}
	return nil
}

// HandleStreamPush routes an inbound chunk. It never fails: chunks for
// unknown or finished ids are dropped.
func (m *Multiplexer) HandleStreamPush(p api.StreamPush) error {
	m.Push(p)
	return nil
}

// Push routes an inbound chunk to its sink.
func (m *Multiplexer) Push(p api.StreamPush) {
	m.mu.Lock()
	s, ok := m.inbound[p.StreamID]
	m.mu.Unlock()
	if !ok {
		m.logger.Trace("streams.push.unknown_id", "stream", p.StreamID, "eos", p.EOS, "error", p.Error)
		return
	}
	switch {
	case p.Error:
		s.terminate(stateFailed, ErrRemoteAborted, "remote_error")
	case p.EOS:
		if len(p.Data) > 0 {
			s.append(p.Data)
		}
		s.terminate(stateEOF, nil, "eos")
	default:
		s.append(p.Data)
	}
}
