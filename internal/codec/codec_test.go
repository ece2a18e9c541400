package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string `cbor:"name" json:"name"`
	Count int    `cbor:"count" json:"count"`
	Data  []byte `cbor:"data,omitempty" json:"data,omitempty"`
}

func TestCodecsRoundTripStruct(t *testing.T) {
	t.Parallel()
	for _, c := range []Codec{CBOR(), JSON()} {
		in := sample{Name: "page", Count: 3, Data: []byte{1, 2, 3}}
		b, err := c.Marshal(in)
		if err != nil {
			t.Fatalf("%s marshal: %v", c.ContentType(), err)
		}
		var out sample
		if err := c.Unmarshal(b, &out); err != nil {
			t.Fatalf("%s unmarshal: %v", c.ContentType(), err)
		}
		if out.Name != in.Name || out.Count != in.Count || !bytes.Equal(out.Data, in.Data) {
			t.Fatalf("%s mismatch: %+v", c.ContentType(), out)
		}
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	t.Parallel()
	m := map[string]int{"b": 2, "a": 1, "c": 3}
	first, err := CBOR().Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := CBOR().Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding changed between runs")
		}
	}
}

func TestByContentType(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":                 ContentTypeCBOR,
		"cbor":             ContentTypeCBOR,
		"json":             ContentTypeJSON,
		"application/json": ContentTypeJSON,
	}
	for name, want := range cases {
		c, err := ByContentType(name)
		if err != nil {
			t.Fatalf("ByContentType(%q): %v", name, err)
		}
		if c.ContentType() != want {
			t.Fatalf("ByContentType(%q) = %s, want %s", name, c.ContentType(), want)
		}
	}
	if _, err := ByContentType("xml"); err == nil {
		t.Fatalf("expected error for xml")
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	t.Parallel()
	out := sample{Name: "keep"}
	if err := Decode(CBOR(), nil, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != "keep" {
		t.Fatalf("empty body must not touch target")
	}
}
