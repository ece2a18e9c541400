// Package codec encodes call params and response bodies exchanged over the
// channel.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec marshals typed messages. Implementations must be deterministic so
// both peers agree on bytes.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	// ContentTypeCBOR identifies the CBOR codec.
	ContentTypeCBOR = "application/cbor"
	// ContentTypeJSON identifies the JSON codec.
	ContentTypeJSON = "application/json"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var defaultCBOR = mustCBOR()

func mustCBOR() Codec {
	c, err := NewCBOR()
	if err != nil {
		panic(err)
	}
	return c
}

// NewCBOR returns a canonical CBOR codec.
func NewCBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor dec mode: %w", err)
	}
	return cborCodec{enc: em, dec: dm}, nil
}

// CBOR returns the shared canonical CBOR codec.
func CBOR() Codec { return defaultCBOR }

func (c cborCodec) ContentType() string             { return ContentTypeCBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)   { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(b []byte, v any) error { return c.dec.Unmarshal(b, v) }

type jsonCodec struct{}

// JSON returns a JSON codec, used by the CLI and for debugging captures.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string             { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// ByContentType resolves a codec by name. Empty selects CBOR.
func ByContentType(name string) (Codec, error) {
	switch name {
	case "", ContentTypeCBOR, "cbor":
		return CBOR(), nil
	case ContentTypeJSON, "json":
		return JSON(), nil
	default:
		return nil, fmt.Errorf("codec: unsupported content type %q", name)
	}
}

// Empty is the zero-length body used for acknowledgements.
var Empty = []byte{}

// Decode unmarshals b into v, treating an empty body as the zero value.
func Decode(c Codec, b []byte, v any) error {
	if len(b) == 0 || v == nil {
		return nil
	}
	return c.Unmarshal(b, v)
}
