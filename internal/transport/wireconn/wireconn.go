// Package wireconn carries transport frames over a net.Conn as
// length-prefixed CBOR records.
package wireconn

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"pkt.systems/leasewire/internal/codec"
	"pkt.systems/leasewire/internal/transport"
)

// DefaultMaxFrame bounds a single frame on the wire.
const DefaultMaxFrame = 16 << 20

type frameConn struct {
	nc       net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	codec    codec.Codec
	maxFrame uint32
	hdr      [4]byte
	closeMu  sync.Once
}

// Config tunes a wire connection.
type Config struct {
	// MaxFrame bounds decoded frame size. Zero selects DefaultMaxFrame.
	MaxFrame uint32
	// Options are forwarded to transport.New.
	Options []transport.Option
}

// New wraps nc in a transport.Conn.
func New(nc net.Conn, cfg Config) *transport.Conn {
	maxFrame := cfg.MaxFrame
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	fc := &frameConn{
		nc:       nc,
		r:        bufio.NewReader(nc),
		w:        bufio.NewWriter(nc),
		codec:    codec.CBOR(),
		maxFrame: maxFrame,
	}
	return transport.New(fc, cfg.Options...)
}

// Dial connects to an agent listening on network/address.
func Dial(ctx context.Context, network, address string, cfg Config) (*transport.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("wireconn: dial %s %s: %w", network, address, err)
	}
	return New(nc, cfg), nil
}

func (c *frameConn) ReadFrame() (transport.Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return transport.Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > c.maxFrame {
		return transport.Frame{}, fmt.Errorf("wireconn: frame of %d bytes exceeds limit %d", n, c.maxFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return transport.Frame{}, err
	}
	var f transport.Frame
	if err := c.codec.Unmarshal(buf, &f); err != nil {
		return transport.Frame{}, fmt.Errorf("wireconn: decode frame: %w", err)
	}
	return f, nil
}

func (c *frameConn) WriteFrame(f transport.Frame) error {
	payload, err := c.codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("wireconn: encode frame: %w", err)
	}
	if uint64(len(payload)) > uint64(c.maxFrame) {
		return fmt.Errorf("wireconn: frame of %d bytes exceeds limit %d", len(payload), c.maxFrame)
	}
	binary.BigEndian.PutUint32(c.hdr[:], uint32(len(payload)))
	if _, err := c.w.Write(c.hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *frameConn) Close() error {
	var err error
	c.closeMu.Do(func() { err = c.nc.Close() })
	return err
}
