package streams

import (
	"context"
	"errors"
	"io"
	"sync"

	"pkt.systems/leasewire/api"
)

// Outbound is the sending half of a stream.
type Outbound struct {
	id uint32
	m  *Multiplexer

	// sendMu orders pushes so a terminal chunk is always the last one.
	sendMu   sync.Mutex
	mu       sync.Mutex
	terminal bool
}

// ID returns the stream id the peer routes chunks by.
func (o *Outbound) ID() uint32 { return o.id }

func (o *Outbound) markTerminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminal {
		return false
	}
	o.terminal = true
	return true
}

func (o *Outbound) isTerminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminal
}

// pushChunk sends p unless the stream already ended. An EOS chunk marks the
// stream terminal. It reports whether p went out.
func (o *Outbound) pushChunk(ctx context.Context, p api.StreamPush) (bool, error) {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	if p.EOS {
		if !o.markTerminal() {
			return false, nil
		}
	} else if o.isTerminal() {
		return false, nil
	}
	return true, o.m.push(ctx, p)
}

// Open allocates an outbound stream id.
func (m *Multiplexer) Open() (*Outbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.closeErr
	}
	o := &Outbound{id: m.allocateLocked(), m: m}
	m.outbound[o.id] = o
	return o, nil
}

// Target returns an outbound handle for an id the peer reserved.
func (m *Multiplexer) Target(id uint32) (*Outbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.closeErr
	}
	if _, taken := m.outbound[id]; taken {
		return nil, ErrStreamExists
	}
	o := &Outbound{id: id, m: m}
	m.outbound[id] = o
	return o, nil
}

func (m *Multiplexer) forget(o *Outbound) {
	m.mu.Lock()
	if cur, ok := m.outbound[o.id]; ok && cur == o {
		delete(m.outbound, o.id)
	}
	m.mu.Unlock()
}

// Send drains src into the stream: data chunks, then one empty EOS chunk. A
// read error sends one error chunk instead and is returned. No chunk follows
// a terminal chunk. The channel keep-alive is held for the duration.
func (m *Multiplexer) Send(ctx context.Context, o *Outbound, src io.Reader) (int64, error) {
	if o.isTerminal() {
		return 0, ErrStreamClosed
	}
	m.refs.Ref()
	defer m.refs.Unref()
	defer m.forget(o)

	buf := make([]byte, m.chunkSize)
	var sent int64
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ok, err := o.pushChunk(ctx, api.StreamPush{StreamID: o.id, Data: chunk})
			if err != nil {
				o.markTerminal()
				m.metrics.recordOutbound(ctx, sent, err)
				return sent, err
			}
			if !ok {
				m.metrics.recordOutbound(ctx, sent, ErrStreamClosed)
				return sent, ErrStreamClosed
			}
			sent += int64(n)
		}
		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			ok, err := o.pushChunk(ctx, api.StreamPush{StreamID: o.id, EOS: true})
			if !ok {
				return sent, ErrStreamClosed
			}
			m.metrics.recordOutbound(ctx, sent, err)
			return sent, err
		default:
			if _, err := o.pushChunk(ctx, api.StreamPush{StreamID: o.id, EOS: true, Error: true}); err != nil {
				m.logger.Debug("streams.send.error_chunk_failed", "stream", o.id, "error", err)
			}
			m.metrics.recordOutbound(ctx, sent, readErr)
			return sent, readErr
		}
	}
}

// Abort sends a terminal error chunk unless the stream already ended.
func (m *Multiplexer) Abort(ctx context.Context, o *Outbound) error {
	defer m.forget(o)
	_, err := o.pushChunk(ctx, api.StreamPush{StreamID: o.id, EOS: true, Error: true})
	return err
}
