package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/clock"
	"pkt.systems/leasewire/internal/codec"
	"pkt.systems/leasewire/internal/dispatch"
	"pkt.systems/leasewire/internal/transport"
)

type resourcePut struct {
	id  uint64
	req api.ResourcePutRequest
}

// authority is a scripted lock authority on the far end of a pipe.
type authority struct {
	conn   *transport.Conn
	calls  chan resourcePut
	nextID uint64
}

type events struct{ m *Manager }

func (e events) HandleStreamPush(api.StreamPush) error { return nil }
func (e events) HandleResourceNotification(n api.ResourceNotification) error {
	return e.m.HandleResourceNotification(n)
}
func (e events) HandleInvoke(api.Invoke) ([]byte, error) {
	return nil, api.ErrUnknownKind{Kind: api.KindInvoke}
}

func newHarness(t *testing.T, opts ...Option) (*Manager, *authority) {
	t.Helper()
	local, remote := transport.Pipe(nil, nil)
	a := &authority{conn: remote, calls: make(chan resourcePut, 64)}
	remote.SetHandlers(transport.Handlers{
		Incoming: func(id uint64, kind api.CallKind, params []byte) {
			var req api.ResourcePutRequest
			_ = codec.Decode(codec.CBOR(), params, &req)
			a.calls <- resourcePut{id: id, req: req}
		},
	})
	d := dispatch.New(local)
	m := New(d, opts...)
	d.OnReset(m.Reset)
	d.Listen(dispatch.EventRouter{Handler: events{m}})
	t.Cleanup(func() { _ = d.Close() })
	return m, a
}

func (a *authority) expect(t *testing.T, action api.LeaseAction) resourcePut {
	t.Helper()
	select {
	case c := <-a.calls:
		if c.req.Action != action {
			t.Fatalf("expected %s, got %s (%+v)", action, c.req.Action, c.req)
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("authority saw no %s", action)
		return resourcePut{}
	}
}

func (a *authority) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case c := <-a.calls:
		t.Fatalf("unexpected call %+v", c.req)
	case <-time.After(within):
	}
}

func (a *authority) answer(t *testing.T, c resourcePut, granted bool, token string) {
	t.Helper()
	body, _ := codec.CBOR().Marshal(api.ResourcePutResponse{Granted: granted, Token: token})
	if err := a.conn.Acknowledge(c.id, api.CodeOK, body); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
}

func (a *authority) notify(t *testing.T, token string) {
	t.Helper()
	a.nextID++
	params, _ := codec.CBOR().Marshal(api.ResourceNotification{Token: token})
	if err := a.conn.Call(a.nextID, api.KindResourceNotification, params); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

type acquireResult struct {
	lease *Lease
	err   error
}

func acquireAsync(ctx context.Context, m *Manager, resource string, exclusive bool) chan acquireResult {
	ch := make(chan acquireResult, 1)
	go func() {
		l, err := m.Acquire(ctx, resource, exclusive)
		ch <- acquireResult{l, err}
	}()
	return ch
}

func TestAcquireGrantedAndReleaseOnce(t *testing.T) {
	t.Parallel()
	m, a := newHarness(t)

	res := acquireAsync(context.Background(), m, "[KV]v1/ns", true)
	c := a.expect(t, api.ActionAcquireExclusive)
	if c.req.Token != "" || c.req.ResourceID != "[KV]v1/ns" {
		t.Fatalf("unexpected acquire %+v", c.req)
	}
	a.answer(t, c, true, "tok-1")
	r := <-res
	if r.err != nil {
		t.Fatalf("acquire: %v", r.err)
	}
	if r.lease.State() != StateGranted || r.lease.Token() != "tok-1" || m.Held() != 1 {
		t.Fatalf("unexpected lease state %s token %s", r.lease.State(), r.lease.Token())
	}

	done := make(chan error, 1)
	go func() { done <- r.lease.Release(context.Background()) }()
	rel := a.expect(t, api.ActionRelease)
	if rel.req.Token != "tok-1" {
		t.Fatalf("release carried token %q", rel.req.Token)
	}
	a.answer(t, rel, false, "")
	if err := <-done; err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := r.lease.Release(context.Background()); err != nil {
		t.Fatalf("second release: %v", err)
	}
	a.none(t, 50*time.Millisecond)
	if r.lease.State() != StateReleased || m.Held() != 0 {
		t.Fatalf("expected released lease")
	}
	if !IsReleased(r.lease.Check()) {
		t.Fatalf("released lease must fail Check")
	}
}

func TestAcquireBlocksUntilNotified(t *testing.T) {
	t.Parallel()
	m, a := newHarness(t)

	res := acquireAsync(context.Background(), m, "[CachePage]v1/x", false)
	c := a.expect(t, api.ActionAcquireShared)
	a.answer(t, c, false, "queued-1")

	select {
	case r := <-res:
		t.Fatalf("acquire returned before notification: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	if m.Pending() != 1 {
		t.Fatalf("expected one wait entry, got %d", m.Pending())
	}
	a.notify(t, "queued-1")
	r := <-res
	if r.err != nil || r.lease.State() != StateGranted || r.lease.Token() != "queued-1" {
		t.Fatalf("unexpected result %+v", r)
	}
	if m.Pending() != 0 {
		t.Fatalf("wait entry not removed")
	}
}

func TestNotificationRightAfterPendingAnswerIsNotLost(t *testing.T) {
	t.Parallel()
	m, a := newHarness(t)
	for i := 0; i < 50; i++ {
		res := acquireAsync(context.Background(), m, "r", true)
		c := a.expect(t, api.ActionAcquireExclusive)
		a.answer(t, c, false, "burst")
		a.notify(t, "burst")
		select {
		case r := <-res:
			if r.err != nil {
				t.Fatalf("acquire: %v", r.err)
			}
			go func() { _ = r.lease.Release(context.Background()) }()
			a.answer(t, a.expect(t, api.ActionRelease), false, "")
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d lost its wakeup", i)
		}
	}
}

func TestUnknownAndDuplicateNotificationsAreNoops(t *testing.T) {
	t.Parallel()
	m, a := newHarness(t)
	if err := m.HandleResourceNotification(api.ResourceNotification{Token: "nobody"}); err != nil {
		t.Fatalf("unknown token: %v", err)
	}
	res := acquireAsync(context.Background(), m, "r", true)
	a.answer(t, a.expect(t, api.ActionAcquireExclusive), false, "dup")
	a.notify(t, "dup")
	a.notify(t, "dup")
	r := <-res
	if r.err != nil {
		t.Fatalf("acquire: %v", r.err)
	}
	if err := m.HandleResourceNotification(api.ResourceNotification{Token: "dup"}); err != nil {
		t.Fatalf("resolved token: %v", err)
	}
}

func TestPendingTimeoutCancelsQueuedRequest(t *testing.T) {
	t.Parallel()
	manual := clock.NewManual(time.Unix(0, 0))
	m, a := newHarness(t, WithClock(manual), WithPendingTimeout(time.Second))

	res := acquireAsync(context.Background(), m, "r", true)
	a.answer(t, a.expect(t, api.ActionAcquireExclusive), false, "slow")
	deadline := time.Now().Add(2 * time.Second)
	for manual.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending wait never armed its timer")
		}
		time.Sleep(time.Millisecond)
	}
	manual.Advance(time.Second)

	cancel := a.expect(t, api.ActionRelease)
	if cancel.req.Token != "slow" {
		t.Fatalf("cancel-acquire carried %q", cancel.req.Token)
	}
	a.answer(t, cancel, false, "")
	r := <-res
	if !api.IsTimeout(r.err) {
		t.Fatalf("expected timeout, got %v", r.err)
	}
	if m.Pending() != 0 {
		t.Fatalf("timed out wait still registered")
	}
	// A grant that arrives after the timeout is ignored.
	a.notify(t, "slow")
}

func TestGrantAfterCallTimeoutIsReleased(t *testing.T) {
	t.Parallel()
	m, a := newHarness(t, WithCallTimeout(50*time.Millisecond))

	res := acquireAsync(context.Background(), m, "r", true)
	acq := a.expect(t, api.ActionAcquireExclusive)
	r := <-res
	if !api.IsTimeout(r.err) {
		t.Fatalf("expected call timeout, got %v", r.err)
	}

	a.answer(t, acq, true, "late")
	rel := a.expect(t, api.ActionRelease)
	if rel.req.Token != "late" || rel.req.ResourceID != "r" {
		t.Fatalf("unexpected release %+v", rel.req)
	}
	a.answer(t, rel, false, "")
	if m.Held() != 0 || m.Pending() != 0 {
		t.Fatalf("late grant leaked: held=%d pending=%d", m.Held(), m.Pending())
	}
}

func TestContextCancelWhilePending(t *testing.T) {
	t.Parallel()
	m, a := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	res := acquireAsync(ctx, m, "r", false)
	a.answer(t, a.expect(t, api.ActionAcquireShared), false, "ctx")
	for m.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	rel := a.expect(t, api.ActionRelease)
	if rel.req.Token != "ctx" {
		t.Fatalf("unexpected cancel token %q", rel.req.Token)
	}
	a.answer(t, rel, false, "")
	if r := <-res; !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", r.err)
	}
}

func TestWithReleasesOnErrorAndPanic(t *testing.T) {
	t.Parallel()
	m, a := newHarness(t)
	boom := errors.New("mutation failed")

	go func() {
		c := <-a.calls
		body, _ := codec.CBOR().Marshal(api.ResourcePutResponse{Granted: true, Token: "w1"})
		_ = a.conn.Acknowledge(c.id, api.CodeOK, body)
		rel := <-a.calls
		if rel.req.Action != api.ActionRelease || rel.req.Token != "w1" {
			t.Errorf("expected release of w1, got %+v", rel.req)
		}
		_ = a.conn.Acknowledge(rel.id, api.CodeOK, nil)
	}()
	err := m.With(context.Background(), "r", true, func(context.Context, *Lease) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}

	go func() {
		c := <-a.calls
		body, _ := codec.CBOR().Marshal(api.ResourcePutResponse{Granted: true, Token: "w2"})
		_ = a.conn.Acknowledge(c.id, api.CodeOK, body)
		rel := <-a.calls
		if rel.req.Action != api.ActionRelease || rel.req.Token != "w2" {
			t.Errorf("expected release of w2, got %+v", rel.req)
		}
		_ = a.conn.Acknowledge(rel.id, api.CodeOK, nil)
	}()
	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Fatalf("expected re-raised panic, got %v", r)
			}
		}()
		_ = m.With(context.Background(), "r", true, func(context.Context, *Lease) error { panic("kaboom") })
	}()
	if m.Held() != 0 {
		t.Fatalf("lease leaked after panic")
	}
}

func TestResetFailsPendingWaits(t *testing.T) {
	t.Parallel()
	m, a := newHarness(t)
	res := acquireAsync(context.Background(), m, "r", true)
	a.answer(t, a.expect(t, api.ActionAcquireExclusive), false, "lost")
	for m.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	_ = a.conn.Close()
	select {
	case r := <-res:
		if !api.IsReset(r.err) {
			t.Fatalf("expected reset, got %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending wait not failed by reset")
	}
	if _, err := m.Acquire(context.Background(), "r", true); !api.IsReset(err) {
		t.Fatalf("acquire after reset should fail, got %v", err)
	}
}

func TestAcquireValidatesResource(t *testing.T) {
	t.Parallel()
	m, _ := newHarness(t)
	if _, err := m.Acquire(context.Background(), "", true); !api.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
