package dispatch

import (
	"errors"
	"testing"
	"time"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/codec"
)

type notifyHandler struct {
	tokens chan string
}

func (h notifyHandler) HandleStreamPush(api.StreamPush) error { return nil }

func (h notifyHandler) HandleResourceNotification(n api.ResourceNotification) error {
	h.tokens <- n.Token
	return nil
}

func (h notifyHandler) HandleInvoke(api.Invoke) ([]byte, error) {
	return nil, api.ErrUnknownKind{Kind: api.KindInvoke}
}

func TestEventRouterCodes(t *testing.T) {
	t.Parallel()
	h := notifyHandler{tokens: make(chan string, 1)}
	_, peer := newTestPair(t, EventRouter{Handler: h})

	params, _ := codec.CBOR().Marshal(api.ResourceNotification{Token: "abc"})
	cases := []struct {
		kind   api.CallKind
		params []byte
		want   api.Code
	}{
		{api.KindResourceNotification, params, api.CodeOK},
		{api.KindPageRead, nil, api.CodeNotImplemented},
		{api.KindStreamPush, []byte{0xff}, api.CodeClientError},
		{api.KindInvoke, nil, api.CodeNotImplemented},
	}
	for i, tc := range cases {
		if err := peer.conn.Call(uint64(i+1), tc.kind, tc.params); err != nil {
			t.Fatalf("peer call: %v", err)
		}
		select {
		case resp := <-peer.responses:
			if resp.ID != uint64(i+1) || resp.Code != tc.want {
				t.Fatalf("%s: got id=%d code=%s, want %s", tc.kind, resp.ID, resp.Code, tc.want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: no acknowledgement", tc.kind)
		}
	}
	if got := <-h.tokens; got != "abc" {
		t.Fatalf("unexpected token %q", got)
	}
}

func TestErrorResponseFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		code api.Code
	}{
		{&api.ValidationError{Reason: "bad"}, api.CodeClientError},
		{&api.ConflictError{Reason: api.ConflictNotFound}, api.CodeClientError},
		{api.ErrCallTimeout, api.CodeTimeout},
		{api.ErrTransportReset, api.CodeConnectionReset},
		{errors.New("boom"), api.CodeInternalError},
	}
	for _, tc := range cases {
		if got := ErrorResponseFor(tc.err).Code; got != tc.code {
			t.Fatalf("%v: got %s, want %s", tc.err, got, tc.code)
		}
	}
	if got := ErrorResponseFor(&api.ConflictError{Reason: api.ConflictNotFound}).Reason; got != "not_found" {
		t.Fatalf("unexpected reason %q", got)
	}
}
