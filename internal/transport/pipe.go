package transport

import (
	"io"

	"github.com/glycerine/idem"
)

// pipeBuffer bounds each in-memory direction. Writers block on a full buffer,
// which only stalls the Conn writer goroutine.
const pipeBuffer = 256

type pipeEnd struct {
	in     <-chan Frame
	out    chan<- Frame
	closed *idem.IdemCloseChan
}

// Pipe returns two connected in-memory transports. Closing either end resets
// both, the same way a dropped socket would.
func Pipe(optsA, optsB []Option) (*Conn, *Conn) {
	ab := make(chan Frame, pipeBuffer)
	ba := make(chan Frame, pipeBuffer)
	closed := idem.NewIdemCloseChan()
	a := &pipeEnd{in: ba, out: ab, closed: closed}
	b := &pipeEnd{in: ab, out: ba, closed: closed}
	return New(a, optsA...), New(b, optsB...)
}

func (p *pipeEnd) ReadFrame() (Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed.Chan:
		return Frame{}, io.EOF
	}
}

func (p *pipeEnd) WriteFrame(f Frame) error {
	if p.closed.IsClosed() {
		return io.ErrClosedPipe
	}
	select {
	case p.out <- f:
		return nil
	case <-p.closed.Chan:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) Close() error {
	p.closed.Close()
	return nil
}
