package wireconn

import (
	"bytes"
	"net"
	"testing"
	"time"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/transport"
)

func TestFramesCrossNetConn(t *testing.T) {
	t.Parallel()

	left, right := net.Pipe()
	a := New(left, Config{})
	b := New(right, Config{})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	got := make(chan []byte, 1)
	a.SetHandlers(transport.Handlers{
		Response: func(id uint64, code api.Code, body []byte) {
			if id == 42 && code == api.CodeOK {
				got <- body
			}
		},
	})
	b.SetHandlers(transport.Handlers{
		Incoming: func(id uint64, kind api.CallKind, params []byte) {
			_ = b.Acknowledge(id, api.CodeOK, bytes.ToUpper(params))
		},
	})

	if err := a.Call(42, api.KindPageRead, []byte("payload")); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case body := <-got:
		if string(body) != "PAYLOAD" {
			t.Fatalf("unexpected body %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response over net.Pipe")
	}
}

func TestOversizedFrameResetsChannel(t *testing.T) {
	t.Parallel()

	left, right := net.Pipe()
	a := New(left, Config{MaxFrame: 1 << 20})
	b := New(right, Config{MaxFrame: 64})
	closed := make(chan error, 1)
	a.SetHandlers(transport.Handlers{})
	b.SetHandlers(transport.Handlers{Closed: func(err error) { closed <- err }})

	if err := a.Call(1, api.KindPageWrite, make([]byte, 512)); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("expected a frame limit error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame did not reset the reader")
	}
}
