// Package transport defines the duplex channel contract shared by the
// dispatcher, the stream multiplexer, and the agent, plus a frame engine that
// implements it over any FrameConn.
package transport

import (
	"context"

	"pkt.systems/leasewire/api"
)

// FrameType distinguishes calls from responses on the wire.
type FrameType uint8

const (
	// FrameCall carries an outbound call or inbound event.
	FrameCall FrameType = 1
	// FrameResponse answers a call by id.
	FrameResponse FrameType = 2
)

// Frame is one message on the channel.
type Frame struct {
	Type FrameType    `cbor:"t"`
	ID   uint64       `cbor:"i"`
	Kind api.CallKind `cbor:"k,omitempty"`
	Code api.Code     `cbor:"c,omitempty"`
	Body []byte       `cbor:"b,omitempty"`
}

// IncomingFunc receives inbound calls. Every inbound call must be answered
// with Acknowledge.
type IncomingFunc func(id uint64, kind api.CallKind, params []byte)

// ResponseFunc receives responses to calls sent with Call.
type ResponseFunc func(id uint64, code api.Code, body []byte)

// Handlers are invoked sequentially, in delivery order, on the transport's
// reader goroutine. They must not block on further inbound frames.
type Handlers struct {
	Incoming IncomingFunc
	Response ResponseFunc
	// Closed runs once when the channel resets or closes.
	Closed func(err error)
}

// Transport is the opaque duplex channel.
type Transport interface {
	// SetHandlers installs handlers and starts delivery. It may be called once.
	SetHandlers(h Handlers)
	// Call enqueues an outbound call. It fails with api.ErrTransportReset
	// once the channel is closed.
	Call(id uint64, kind api.CallKind, params []byte) error
	// Acknowledge answers an inbound call.
	Acknowledge(id uint64, code api.Code, body []byte) error
	// Ref and Unref maintain the keep-alive count.
	Ref()
	Unref()
	Close() error
}

// KeepAlive is implemented by transports that expose their keep-alive count.
type KeepAlive interface {
	Refs() int64
	WaitIdle(ctx context.Context) error
}
