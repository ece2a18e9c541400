package streams

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/leasewire/api"
)

type refCounter struct{ n atomic.Int64 }

func (r *refCounter) Ref()   { r.n.Add(1) }
func (r *refCounter) Unref() { r.n.Add(-1) }

type recordingCaller struct {
	mu     sync.Mutex
	pushes []api.StreamPush
	failAt int
}

func (c *recordingCaller) Call(_ context.Context, kind api.CallKind, params any, _ any, _ time.Duration) error {
	if kind != api.KindStreamPush {
		return errors.New("unexpected kind")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt > 0 && len(c.pushes)+1 == c.failAt {
		return api.ErrTransportReset
	}
	c.pushes = append(c.pushes, params.(api.StreamPush))
	return nil
}

func (c *recordingCaller) snapshot() []api.StreamPush {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.StreamPush(nil), c.pushes...)
}

type failingReader struct {
	data []byte
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("disk on fire")
}

// gatedReader returns first, then blocks its next read until gate closes.
type gatedReader struct {
	first   []byte
	second  []byte
	blocked chan struct{}
	gate    chan struct{}
	step    int
}

func (r *gatedReader) Read(p []byte) (int, error) {
	r.step++
	switch r.step {
	case 1:
		return copy(p, r.first), nil
	case 2:
		close(r.blocked)
		<-r.gate
		return copy(p, r.second), nil
	default:
		return 0, io.EOF
	}
}

func TestAbortDuringSendIsLastChunk(t *testing.T) {
	t.Parallel()
	caller := &recordingCaller{}
	refs := &refCounter{}
	m := New(caller, refs, WithChunkSize(4))
	out, err := m.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	src := &gatedReader{
		first:   []byte("abcd"),
		second:  []byte("efgh"),
		blocked: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := m.Send(context.Background(), out, src)
		done <- result{n, err}
	}()
	<-src.blocked
	if err := m.Abort(context.Background(), out); err != nil {
		t.Fatalf("abort: %v", err)
	}
	close(src.gate)
	res := <-done
	if !errors.Is(res.err, ErrStreamClosed) || res.n != 4 {
		t.Fatalf("expected closed stream after 4 bytes, got n=%d err=%v", res.n, res.err)
	}
	pushes := caller.snapshot()
	if len(pushes) != 2 {
		t.Fatalf("expected data chunk then error chunk, got %+v", pushes)
	}
	if pushes[0].EOS || string(pushes[0].Data) != "abcd" {
		t.Fatalf("unexpected first chunk %+v", pushes[0])
	}
	if last := pushes[1]; !last.EOS || !last.Error {
		t.Fatalf("expected terminal error chunk last, got %+v", last)
	}
	if refs.n.Load() != 0 {
		t.Fatalf("send leaked a keep-alive ref")
	}
}

func TestSendChunksThenEOS(t *testing.T) {
	t.Parallel()
	caller := &recordingCaller{}
	refs := &refCounter{}
	m := New(caller, refs, WithChunkSize(4))

	out, err := m.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out.ID()%2 != 1 {
		t.Fatalf("worker ids must be odd, got %d", out.ID())
	}
	n, err := m.Send(context.Background(), out, strings.NewReader("abcdefghij"))
	if err != nil || n != 10 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	pushes := caller.snapshot()
	if len(pushes) != 4 {
		t.Fatalf("expected 3 data chunks and EOS, got %d", len(pushes))
	}
	var got []byte
	for _, p := range pushes[:3] {
		if p.EOS || p.Error || p.StreamID != out.ID() {
			t.Fatalf("unexpected data chunk %+v", p)
		}
		got = append(got, p.Data...)
	}
	if string(got) != "abcdefghij" {
		t.Fatalf("reassembled %q", got)
	}
	last := pushes[3]
	if !last.EOS || last.Error || len(last.Data) != 0 {
		t.Fatalf("expected empty EOS chunk, got %+v", last)
	}
	if refs.n.Load() != 0 {
		t.Fatalf("send leaked a keep-alive ref")
	}
	if _, err := m.Send(context.Background(), out, strings.NewReader("more")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected closed stream, got %v", err)
	}
	if len(caller.snapshot()) != 4 {
		t.Fatalf("chunk sent after EOS")
	}
}

func TestSendReadErrorSendsErrorChunk(t *testing.T) {
	t.Parallel()
	caller := &recordingCaller{}
	m := New(caller, &refCounter{}, WithChunkSize(8))
	out, _ := m.Open()
	_, err := m.Send(context.Background(), out, &failingReader{data: []byte("xy")})
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("expected read error, got %v", err)
	}
	pushes := caller.snapshot()
	last := pushes[len(pushes)-1]
	if !last.Error || !last.EOS {
		t.Fatalf("expected error chunk, got %+v", last)
	}
	for _, p := range pushes[:len(pushes)-1] {
		if p.EOS || p.Error {
			t.Fatalf("terminal chunk before the end: %+v", p)
		}
	}
}

func TestSendPushFailureStops(t *testing.T) {
	t.Parallel()
	caller := &recordingCaller{failAt: 2}
	m := New(caller, &refCounter{}, WithChunkSize(1))
	out, _ := m.Open()
	if _, err := m.Send(context.Background(), out, strings.NewReader("abc")); !api.IsReset(err) {
		t.Fatalf("expected reset, got %v", err)
	}
	if len(caller.snapshot()) != 1 {
		t.Fatalf("pushes continued after a failure")
	}
}

func TestInboundStreamReadsUntilEOS(t *testing.T) {
	t.Parallel()
	refs := &refCounter{}
	m := New(&recordingCaller{}, refs)
	s, err := m.Accept(5)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.Accept(5); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected duplicate accept to fail, got %v", err)
	}
	if refs.n.Load() != 1 || m.Active() != 1 {
		t.Fatalf("accept must hold one ref")
	}
	m.Push(api.StreamPush{StreamID: 5, Data: []byte("hello ")})
	m.Push(api.StreamPush{StreamID: 5, Data: []byte("world")})
	m.Push(api.StreamPush{StreamID: 5, EOS: true})
	m.Push(api.StreamPush{StreamID: 5, Data: []byte("late")})

	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected data %q", data)
	}
	if refs.n.Load() != 0 || m.Active() != 0 {
		t.Fatalf("EOS must release the ref")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed after EOS")
	}
}

func TestInboundErrorChunkSurfacesToReader(t *testing.T) {
	t.Parallel()
	m := New(&recordingCaller{}, &refCounter{})
	s, _ := m.Reserve()
	m.Push(api.StreamPush{StreamID: s.ID(), Data: []byte("partial")})
	m.Push(api.StreamPush{StreamID: s.ID(), Error: true, EOS: true})
	_, err := io.ReadAll(s)
	if !errors.Is(err, ErrRemoteAborted) {
		t.Fatalf("expected producer abort, got %v", err)
	}
}

func TestReadBlocksUntilData(t *testing.T) {
	t.Parallel()
	m := New(&recordingCaller{}, &refCounter{})
	s, _ := m.Accept(9)
	result := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(s)
		result <- data
	}()
	time.Sleep(10 * time.Millisecond)
	m.Push(api.StreamPush{StreamID: 9, Data: []byte("x")})
	m.Push(api.StreamPush{StreamID: 9, EOS: true})
	select {
	case data := <-result:
		if !bytes.Equal(data, []byte("x")) {
			t.Fatalf("unexpected %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never woke up")
	}
}

func TestUnknownStreamIgnored(t *testing.T) {
	t.Parallel()
	m := New(&recordingCaller{}, &refCounter{})
	if err := m.HandleStreamPush(api.StreamPush{StreamID: 77, Data: []byte("x")}); err != nil {
		t.Fatalf("unknown id must be ignored, got %v", err)
	}
}

func TestRandomLifecyclesReturnRefsToZero(t *testing.T) {
	t.Parallel()
	refs := &refCounter{}
	m := New(&recordingCaller{}, refs)
	rng := rand.New(rand.NewSource(42))

	streams := make([]*Stream, 0, 200)
	for i := 0; i < 200; i++ {
		s, err := m.Reserve()
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		streams = append(streams, s)
	}
	rng.Shuffle(len(streams), func(i, j int) { streams[i], streams[j] = streams[j], streams[i] })
	for _, s := range streams {
		if rng.Intn(2) == 0 {
			m.Push(api.StreamPush{StreamID: s.ID(), Data: []byte("chunk")})
		}
		switch rng.Intn(4) {
		case 0:
			m.Push(api.StreamPush{StreamID: s.ID(), EOS: true})
		case 1:
			m.Push(api.StreamPush{StreamID: s.ID(), Error: true, EOS: true})
		case 2:
			s.Abort(errors.New("consumer gave up"))
		default:
			_ = s.Close()
		}
		// Repeated terminal transitions must not release twice.
		_ = s.Close()
		m.Push(api.StreamPush{StreamID: s.ID(), EOS: true})
	}
	if got := refs.n.Load(); got != 0 {
		t.Fatalf("expected zero refs, got %d", got)
	}
	if m.Active() != 0 {
		t.Fatalf("expected no active streams, got %d", m.Active())
	}
}

func TestResetAbortsStreams(t *testing.T) {
	t.Parallel()
	refs := &refCounter{}
	m := New(&recordingCaller{}, refs)
	s, _ := m.Reserve()
	m.Reset(api.ErrTransportReset)
	if _, err := io.ReadAll(s); !api.IsReset(err) {
		t.Fatalf("expected reset error, got %v", err)
	}
	if refs.n.Load() != 0 {
		t.Fatalf("reset leaked refs")
	}
	if _, err := m.Reserve(); !api.IsReset(err) {
		t.Fatalf("reserve after reset should fail, got %v", err)
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()
	m := New(&recordingCaller{}, &refCounter{})
	s, _ := m.Accept(3)
	m.Push(api.StreamPush{StreamID: 3, Data: []byte("12345")})
	m.Push(api.StreamPush{StreamID: 3, EOS: true})
	n, err := Drain(s)
	if err != nil || n != 5 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
}

func TestAgentSideUsesEvenIDs(t *testing.T) {
	t.Parallel()
	m := New(&recordingCaller{}, &refCounter{}, WithSide(SideAgent))
	for i := 0; i < 3; i++ {
		o, err := m.Open()
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if o.ID()%2 != 0 {
			t.Fatalf("agent ids must be even, got %d", o.ID())
		}
	}
}
