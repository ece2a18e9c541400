package api

import "fmt"

// Unmarshaler decodes params bytes into a value. internal/codec satisfies it.
type Unmarshaler interface {
	Unmarshal(data []byte, v any) error
}

// Event is the closed set of inbound message kinds a worker handles. The
// unexported marker keeps the set sealed to this package.
type Event interface {
	Kind() CallKind
	isEvent()
}

// StreamPush carries one chunk of a multiplexed stream. A chunk with EOS set
// is terminal; Error implies EOS.
type StreamPush struct {
	// StreamID identifies the stream the chunk belongs to.
	StreamID uint32 `cbor:"stream_id" json:"stream_id"`
	// EOS marks the last chunk of the stream.
	EOS bool `cbor:"eos,omitempty" json:"eos,omitempty"`
	// Error marks the stream as failed by the producer.
	Error bool `cbor:"error,omitempty" json:"error,omitempty"`
	// Data is the chunk payload.
	Data []byte `cbor:"data,omitempty" json:"data,omitempty"`
}

// ResourceNotification informs a waiter that its queued lease was granted.
type ResourceNotification struct {
	// Token is the token returned with the original "not granted" answer.
	Token string `cbor:"token" json:"token"`
}

// Invoke asks the worker to run a named entry point.
type Invoke struct {
	// Name selects the entry point.
	Name string `cbor:"name" json:"name"`
	// Payload is passed to the entry point unchanged.
	Payload []byte `cbor:"payload,omitempty" json:"payload,omitempty"`
}

func (StreamPush) Kind() CallKind           { return KindStreamPush }
func (ResourceNotification) Kind() CallKind { return KindResourceNotification }
func (Invoke) Kind() CallKind               { return KindInvoke }

func (StreamPush) isEvent()           {}
func (ResourceNotification) isEvent() {}
func (Invoke) isEvent()               {}

// EventHandler handles every Event kind. Adding a kind to Event adds a method
// here, so implementations stop compiling until they handle it.
type EventHandler interface {
	HandleStreamPush(StreamPush) error
	HandleResourceNotification(ResourceNotification) error
	HandleInvoke(Invoke) ([]byte, error)
}

// ErrUnknownKind is returned by DecodeEvent for kinds outside the Event set.
type ErrUnknownKind struct {
	Kind CallKind
}

func (e ErrUnknownKind) Error() string {
	return fmt.Sprintf("api: unknown inbound kind %q", string(e.Kind))
}

// DecodeEvent decodes params of an inbound message into its Event.
func DecodeEvent(kind CallKind, params []byte, dec Unmarshaler) (Event, error) {
	switch kind {
	case KindStreamPush:
		var ev StreamPush
		if err := decodeParams(dec, params, &ev); err != nil {
			return nil, fmt.Errorf("api: decode %s: %w", kind, err)
		}
		if ev.Error {
			ev.EOS = true
		}
		return ev, nil
	case KindResourceNotification:
		var ev ResourceNotification
		if err := decodeParams(dec, params, &ev); err != nil {
			return nil, fmt.Errorf("api: decode %s: %w", kind, err)
		}
		return ev, nil
	case KindInvoke:
		var ev Invoke
		if err := decodeParams(dec, params, &ev); err != nil {
			return nil, fmt.Errorf("api: decode %s: %w", kind, err)
		}
		return ev, nil
	default:
		return nil, ErrUnknownKind{Kind: kind}
	}
}

func decodeParams(dec Unmarshaler, params []byte, v any) error {
	if len(params) == 0 {
		return nil
	}
	return dec.Unmarshal(params, v)
}

// Dispatch routes ev to the matching handler method. The returned body is
// only meaningful for Invoke.
func Dispatch(ev Event, h EventHandler) ([]byte, error) {
	switch e := ev.(type) {
	case StreamPush:
		return nil, h.HandleStreamPush(e)
	case ResourceNotification:
		return nil, h.HandleResourceNotification(e)
	case Invoke:
		return h.HandleInvoke(e)
	default:
		return nil, ErrUnknownKind{Kind: ev.Kind()}
	}
}
