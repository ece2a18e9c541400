package dispatch

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/codec"
)

// Incoming handles inbound calls. ServeCall runs on the transport reader
// goroutine; it must reply exactly once, either before returning or later
// from another goroutine.
type Incoming interface {
	ServeCall(req *Request)
}

// IncomingFunc adapts a function to Incoming.
type IncomingFunc func(req *Request)

// ServeCall calls f(req).
func (f IncomingFunc) ServeCall(req *Request) { f(req) }

// Request is one inbound call awaiting its acknowledgement.
type Request struct {
	ID     uint64
	Kind   api.CallKind
	Params []byte

	d    *Dispatcher
	once sync.Once
}

// Codec returns the codec of the channel the request arrived on.
func (r *Request) Codec() codec.Codec { return r.d.codec }

// Logger returns the dispatcher logger.
func (r *Request) Logger() pslog.Logger { return r.d.logger }

// Decode unmarshals the params into v.
func (r *Request) Decode(v any) error {
	return codec.Decode(r.d.codec, r.Params, v)
}

// Reply acknowledges the request with code and a raw body. Only the first
// reply is sent.
func (r *Request) Reply(code api.Code, body []byte) {
	r.once.Do(func() {
		if err := r.d.t.Acknowledge(r.ID, code, body); err != nil {
			r.d.logger.Debug("dispatch.reply.failed", "kind", r.Kind, "id", r.ID, "code", code, "error", err)
		}
	})
}

// ReplyValue acknowledges with CodeOK and v encoded as the body.
func (r *Request) ReplyValue(v any) {
	if v == nil {
		r.Reply(api.CodeOK, codec.Empty)
		return
	}
	body, err := r.d.codec.Marshal(v)
	if err != nil {
		r.ReplyError(err)
		return
	}
	r.Reply(api.CodeOK, body)
}

// ReplyError acknowledges with the code that describes err.
func (r *Request) ReplyError(err error) {
	resp := ErrorResponseFor(err)
	body, encErr := r.d.codec.Marshal(resp)
	if encErr != nil {
		body = nil
	}
	r.Reply(resp.Code, body)
}

// ErrorResponseFor maps err onto a canonical code and reason.
func ErrorResponseFor(err error) api.ErrorResponse {
	resp := api.ErrorResponse{Code: api.CodeInternalError, Message: err.Error()}
	var (
		unknown    api.ErrUnknownKind
		validation *api.ValidationError
		conflict   *api.ConflictError
		remote     *api.RemoteError
	)
	switch {
	case errors.As(err, &unknown):
		resp.Code = api.CodeNotImplemented
	case errors.As(err, &validation):
		resp.Code = api.CodeClientError
		resp.Reason = "validation"
	case errors.As(err, &conflict):
		resp.Code = api.CodeClientError
		resp.Reason = string(conflict.Reason)
	case errors.As(err, &remote):
		resp.Code = remote.Code
		resp.Reason = remote.Reason
	case errors.Is(err, api.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		resp.Code = api.CodeTimeout
	case errors.Is(err, api.ErrTransportReset):
		resp.Code = api.CodeConnectionReset
	}
	return resp
}

func (d *Dispatcher) onIncoming(id uint64, kind api.CallKind, params []byte) {
	req := &Request{ID: id, Kind: kind, Params: params, d: d}
	d.mu.Lock()
	h := d.incoming
	d.mu.Unlock()
	if h == nil {
		req.Reply(api.CodeNotImplemented, nil)
		return
	}
	h.ServeCall(req)
}

// EventRouter decodes inbound calls into api.Event values and dispatches them
// to an api.EventHandler. Kinds outside the event set are answered with
// CodeNotImplemented and malformed params with CodeClientError.
type EventRouter struct {
	Handler api.EventHandler
	Logger  pslog.Logger
}

// ServeCall implements Incoming.
func (r EventRouter) ServeCall(req *Request) {
	logger := r.Logger
	if logger == nil {
		logger = req.Logger()
	}
	ev, err := api.DecodeEvent(req.Kind, req.Params, req.Codec())
	if err != nil {
		var unknown api.ErrUnknownKind
		if errors.As(err, &unknown) {
			logger.Debug("dispatch.incoming.unknown_kind", "kind", req.Kind, "id", req.ID)
			req.Reply(api.CodeNotImplemented, nil)
			return
		}
		logger.Warn("dispatch.incoming.malformed", "kind", req.Kind, "id", req.ID, "error", err)
		req.ReplyError(&api.ValidationError{Op: string(req.Kind), Reason: err.Error()})
		return
	}
	body, err := api.Dispatch(ev, r.Handler)
	if err != nil {
		logger.Debug("dispatch.incoming.handler_failed", "kind", req.Kind, "id", req.ID, "error", err)
		req.ReplyError(err)
		return
	}
	if body == nil {
		body = codec.Empty
	}
	req.Reply(api.CodeOK, body)
}
