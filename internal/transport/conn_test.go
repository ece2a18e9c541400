package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/transport"
)

func TestPipeDeliversCallsAndResponses(t *testing.T) {
	t.Parallel()

	a, b := transport.Pipe(nil, nil)
	t.Cleanup(func() { _ = a.Close() })

	responses := make(chan transport.Frame, 1)
	a.SetHandlers(transport.Handlers{
		Response: func(id uint64, code api.Code, body []byte) {
			responses <- transport.Frame{ID: id, Code: code, Body: body}
		},
	})
	b.SetHandlers(transport.Handlers{
		Incoming: func(id uint64, kind api.CallKind, params []byte) {
			if kind != api.KindResourcePut {
				_ = b.Acknowledge(id, api.CodeNotImplemented, nil)
				return
			}
			_ = b.Acknowledge(id, api.CodeOK, append([]byte("echo:"), params...))
		},
	})

	if err := a.Call(9, api.KindResourcePut, []byte("hi")); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case f := <-responses:
		if f.ID != 9 || f.Code != api.CodeOK || string(f.Body) != "echo:hi" {
			t.Fatalf("unexpected response %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestPipeUnhandledCallIsNotImplemented(t *testing.T) {
	t.Parallel()

	a, b := transport.Pipe(nil, nil)
	t.Cleanup(func() { _ = a.Close() })
	codes := make(chan api.Code, 1)
	a.SetHandlers(transport.Handlers{
		Response: func(_ uint64, code api.Code, _ []byte) { codes <- code },
	})
	b.SetHandlers(transport.Handlers{})
	if err := a.Call(1, api.KindInvoke, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case code := <-codes:
		if code != api.CodeNotImplemented {
			t.Fatalf("expected not implemented, got %s", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

func TestCloseResetsBothEnds(t *testing.T) {
	t.Parallel()

	a, b := transport.Pipe(nil, nil)
	closedB := make(chan error, 1)
	a.SetHandlers(transport.Handlers{})
	b.SetHandlers(transport.Handlers{Closed: func(err error) { closedB <- err }})

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-closedB:
		if err == nil {
			t.Fatal("expected close error on peer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer not closed")
	}
	if err := a.Call(1, api.KindResourcePut, nil); !errors.Is(err, api.ErrTransportReset) {
		t.Fatalf("expected transport reset, got %v", err)
	}
	<-b.Done()
	if err := b.Acknowledge(1, api.CodeOK, nil); !errors.Is(err, api.ErrTransportReset) {
		t.Fatalf("expected transport reset on peer, got %v", err)
	}
}

func TestRefCountingAndWaitIdle(t *testing.T) {
	t.Parallel()

	a, _ := transport.Pipe(nil, nil)
	t.Cleanup(func() { _ = a.Close() })
	a.Ref()
	a.Ref()
	if a.Refs() != 2 {
		t.Fatalf("expected 2 refs, got %d", a.Refs())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while refs held, got %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.WaitIdle(context.Background()) }()
	a.Unref()
	a.Unref()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait idle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not return at zero refs")
	}
}
