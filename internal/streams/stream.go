package streams

import (
	"io"
	"sync"

	"github.com/glycerine/idem"
)

type streamState uint8

const (
	stateOpen streamState = iota
	stateEOF
	stateFailed
	stateClosed
)

// Stream is the receiving half of a stream. Chunks are buffered without
// bound until read; a slow reader accumulates data.
type Stream struct {
	id   uint32
	m    *Multiplexer
	done *idem.IdemCloseChan

	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	state    streamState
	err      error
	released bool
	received int64
}

// ID returns the stream id the peer pushes to.
func (s *Stream) ID() uint32 { return s.id }

// Done is closed once the stream reaches a terminal state.
func (s *Stream) Done() <-chan struct{} { return s.done.Chan }

// Accept registers an inbound sink for id. The peer may push to it as soon
// as Accept returns.
func (m *Multiplexer) Accept(id uint32) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.closeErr
	}
	if _, taken := m.inbound[id]; taken {
		return nil, ErrStreamExists
	}
	return m.acceptLocked(id), nil
}

// Reserve allocates a fresh id and accepts it, for streams the local side
// asks the peer to push.
func (m *Multiplexer) Reserve() (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.closeErr
	}
	return m.acceptLocked(m.allocateLocked()), nil
}

func (m *Multiplexer) acceptLocked(id uint32) *Stream {
	s := &Stream{id: id, m: m, done: idem.NewIdemCloseChan()}
	s.cond = sync.NewCond(&s.mu)
	m.inbound[id] = s
	m.refs.Ref()
	return s
}

func (s *Stream) append(data []byte) {
	s.mu.Lock()
	if s.state == stateOpen && len(data) > 0 {
		s.chunks = append(s.chunks, data)
		s.received += int64(len(data))
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// terminate moves the stream to a terminal state once, removes it from the
// table, and drops its keep-alive ref exactly once.
func (s *Stream) terminate(state streamState, err error, reason string) {
	s.mu.Lock()
	if s.state == stateOpen {
		s.state = state
		s.err = err
	} else if state == stateClosed {
		s.state = state
	}
	if state == stateClosed {
		s.chunks = nil
	}
	release := !s.released
	s.released = true
	received := s.received
	s.cond.Broadcast()
	s.mu.Unlock()
	if !release {
		return
	}

	m := s.m
	m.mu.Lock()
	if cur, ok := m.inbound[s.id]; ok && cur == s {
		delete(m.inbound, s.id)
	}
	m.mu.Unlock()
	m.refs.Unref()
	s.done.Close()
	m.metrics.recordInbound(received, reason)
	m.logger.Trace("streams.inbound.terminal", "stream", s.id, "reason", reason, "bytes", received)
}

// Read implements io.Reader. It returns io.EOF after the EOS chunk and the
// producer error after an error chunk.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) == 0 && s.state == stateOpen {
		s.cond.Wait()
	}
	if len(s.chunks) > 0 && s.state != stateClosed {
		n := copy(p, s.chunks[0])
		if n == len(s.chunks[0]) {
			s.chunks[0] = nil
			s.chunks = s.chunks[1:]
		} else {
			s.chunks[0] = s.chunks[0][n:]
		}
		return n, nil
	}
	switch s.state {
	case stateEOF:
		return 0, io.EOF
	case stateFailed:
		return 0, s.err
	default:
		return 0, ErrStreamClosed
	}
}

// Close forces the stream terminal locally and discards buffered data.
func (s *Stream) Close() error {
	s.terminate(stateClosed, ErrStreamClosed, "closed")
	return nil
}

// Abort forces the stream terminal with err; readers observe err.
func (s *Stream) Abort(err error) {
	if err == nil {
		err = ErrStreamClosed
	}
	s.terminate(stateFailed, err, "aborted")
}

// Err returns the terminal error, nil for a clean EOS or while open.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drain consumes s to completion, discarding data, and closes it.
func Drain(s *Stream) (int64, error) {
	n, err := io.Copy(io.Discard, s)
	_ = s.Close()
	return n, err
}

var _ io.ReadCloser = (*Stream)(nil)
