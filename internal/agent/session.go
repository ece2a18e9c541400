package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/dispatch"
	"pkt.systems/leasewire/internal/streams"
)

var errSessionClosed = errors.New("agent: session closed")

// session serves one worker channel.
type session struct {
	id     uint64
	a      *Agent
	conn   Conn
	d      *dispatch.Dispatcher
	mux    *streams.Multiplexer
	logger pslog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu orders an acquire answer ahead of any notification for the
	// same token.
	sendMu sync.Mutex

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func (a *Agent) newSession(conn Conn) *session {
	id := a.nextSession.Add(1)
	logger := a.logger.With("session", id)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = pslog.ContextWithLogger(ctx, logger)
	d := dispatch.New(conn,
		dispatch.WithLogger(logger),
		dispatch.WithClock(a.clock),
		dispatch.WithCodec(a.codec),
	)
	s := &session{
		id:     id,
		a:      a,
		conn:   conn,
		d:      d,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.mux = streams.New(d, conn,
		streams.WithLogger(logger),
		streams.WithSide(streams.SideAgent),
		streams.WithChunkSize(a.chunkSize),
		streams.WithPushTimeout(a.callTimeout),
	)
	d.OnReset(s.mux.Reset)
	return s
}

// close stops new work, cancels running storage calls, and waits for them.
func (s *session) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	s.d.Reset(errSessionClosed)
	s.wg.Wait()
}

// ServeCall implements dispatch.Incoming. It runs on the channel reader.
func (s *session) ServeCall(req *dispatch.Request) {
	s.a.metrics.recordRequest(req.Kind)
	switch req.Kind {
	case api.KindResourcePut:
		s.resourcePut(req)
	case api.KindObjectWrite:
		s.objectWrite(req)
	case api.KindPageRead:
		s.async(req, s.pageRead)
	case api.KindPageWrite:
		s.async(req, s.pageWrite)
	case api.KindPageCreate:
		s.async(req, s.pageCreate)
	case api.KindPageDelete:
		s.async(req, s.pageDelete)
	case api.KindPageList:
		s.async(req, s.pageList)
	case api.KindObjectRead:
		s.async(req, s.objectRead)
	case api.KindObjectDelete:
		s.async(req, s.objectDelete)
	default:
		dispatch.EventRouter{Handler: s, Logger: s.logger}.ServeCall(req)
	}
}

// HandleStreamPush routes chunks of worker streams.
func (s *session) HandleStreamPush(p api.StreamPush) error {
	return s.mux.HandleStreamPush(p)
}

// HandleResourceNotification is never sent to the agent.
func (s *session) HandleResourceNotification(api.ResourceNotification) error {
	return api.ErrUnknownKind{Kind: api.KindResourceNotification}
}

// HandleInvoke is never sent to the agent.
func (s *session) HandleInvoke(api.Invoke) ([]byte, error) {
	return nil, api.ErrUnknownKind{Kind: api.KindInvoke}
}

func (s *session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// async runs fn off the reader so slow storage never stalls the channel.
func (s *session) async(req *dispatch.Request, fn func(context.Context, *dispatch.Request) (any, error)) {
	if !s.begin() {
		req.ReplyError(api.ErrTransportReset)
		return
	}
	go func() {
		defer s.wg.Done()
		out, err := fn(s.ctx, req)
		if err != nil {
			s.logger.Debug("agent.request.failed", "kind", req.Kind, "id", req.ID, "error", err)
			req.ReplyError(err)
			return
		}
		req.ReplyValue(out)
	}()
}

func decodeInto(req *dispatch.Request, v any) error {
	if err := req.Decode(v); err != nil {
		return &api.ValidationError{Op: string(req.Kind), Reason: err.Error()}
	}
	return nil
}

func (s *session) resourcePut(req *dispatch.Request) {
	var p api.ResourcePutRequest
	if err := decodeInto(req, &p); err != nil {
		req.ReplyError(err)
		return
	}
	if p.ResourceID == "" {
		req.ReplyError(&api.ValidationError{Op: "resourcePut", Reason: "resource id required"})
		return
	}
	switch p.Action {
	case api.ActionAcquireShared, api.ActionAcquireExclusive:
		exclusive := p.Action == api.ActionAcquireExclusive
		s.sendMu.Lock()
		token, granted := s.a.locks.Acquire(s, p.ResourceID, exclusive)
		req.ReplyValue(api.ResourcePutResponse{Granted: granted, Token: token})
		s.sendMu.Unlock()
		s.a.metrics.recordAcquire(exclusive, granted)
		s.logger.Trace("agent.lease.acquire", "resource", p.ResourceID, "exclusive", exclusive, "granted", granted, "token", token)
	case api.ActionRelease:
		if p.Token == "" {
			req.ReplyError(&api.ValidationError{Op: "resourcePut", Reason: "token required for release"})
			return
		}
		grants := s.a.locks.Release(s, p.Token)
		req.ReplyValue(api.ResourcePutResponse{Token: p.Token})
		s.logger.Trace("agent.lease.release", "resource", p.ResourceID, "token", p.Token, "promoted", len(grants))
		s.a.notify(grants)
	default:
		req.ReplyError(&api.ValidationError{Op: "resourcePut", Reason: fmt.Sprintf("unknown action %s", p.Action)})
	}
}

// notify tells the worker its queued request was granted.
func (s *session) notify(resourceID, token string) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err := s.d.Start(s.ctx, api.KindResourceNotification, api.ResourceNotification{Token: token}, s.a.callTimeout, func(_ []byte, err error) {
		if err != nil {
			s.logger.Debug("agent.notify.unacknowledged", "resource", resourceID, "token", token, "error", err)
		}
	})
	if err != nil {
		// The session teardown releases the token.
		s.logger.Debug("agent.notify.send_failed", "resource", resourceID, "token", token, "error", err)
	}
}

func (s *session) pageRead(ctx context.Context, req *dispatch.Request) (any, error) {
	var ref api.PageRef
	if err := decodeInto(req, &ref); err != nil {
		return nil, err
	}
	records, found, err := s.a.pages.ReadPage(ctx, ref)
	if err != nil {
		return nil, err
	}
	return api.PageReadResponse{Found: found, Records: records}, nil
}

func (s *session) pageWrite(ctx context.Context, req *dispatch.Request) (any, error) {
	var p api.PageWriteRequest
	if err := decodeInto(req, &p); err != nil {
		return nil, err
	}
	if err := s.a.pages.WritePage(ctx, p.PageRef, p.Records); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *session) pageCreate(ctx context.Context, req *dispatch.Request) (any, error) {
	var ref api.PageRef
	if err := decodeInto(req, &ref); err != nil {
		return nil, err
	}
	created, err := s.a.pages.CreatePage(ctx, ref)
	if err != nil {
		return nil, err
	}
	return api.PageCreateResponse{Created: created}, nil
}

func (s *session) pageDelete(ctx context.Context, req *dispatch.Request) (any, error) {
	var ref api.PageRef
	if err := decodeInto(req, &ref); err != nil {
		return nil, err
	}
	deleted, err := s.a.pages.DeletePage(ctx, ref)
	if err != nil {
		return nil, err
	}
	return api.PageDeleteResponse{Deleted: deleted}, nil
}

func (s *session) pageList(ctx context.Context, req *dispatch.Request) (any, error) {
	var p api.PageListRequest
	if err := decodeInto(req, &p); err != nil {
		return nil, err
	}
	pages, err := s.a.pages.ListPages(ctx, p.Namespace, p.Prefix)
	if err != nil {
		return nil, err
	}
	return api.PageListResponse{Pages: pages}, nil
}

func (s *session) objectDelete(ctx context.Context, req *dispatch.Request) (any, error) {
	var p api.ObjectRequest
	if err := decodeInto(req, &p); err != nil {
		return nil, err
	}
	found, err := s.a.pages.DeleteObject(ctx, p.PageRef, p.ObjectID)
	if err != nil {
		return nil, err
	}
	return api.ObjectResponse{Found: found}, nil
}

// objectWrite accepts the worker stream before returning so chunks that
// follow the call on the channel find their sink.
func (s *session) objectWrite(req *dispatch.Request) {
	var p api.ObjectRequest
	if err := decodeInto(req, &p); err != nil {
		req.ReplyError(err)
		return
	}
	if p.StreamID == 0 {
		req.ReplyError(&api.ValidationError{Op: "objectWrite", Reason: "stream id required"})
		return
	}
	stream, err := s.mux.Accept(p.StreamID)
	if err != nil {
		req.ReplyError(err)
		return
	}
	s.async(req, func(ctx context.Context, _ *dispatch.Request) (any, error) {
		n, err := s.a.pages.WriteObject(ctx, p.PageRef, p.ObjectID, stream)
		if err != nil {
			stream.Abort(err)
			return nil, err
		}
		// The backend stops at EOF; Close covers backends that did not.
		_ = stream.Close()
		s.a.metrics.recordObjectBytes("write", n)
		return api.ObjectResponse{Size: n, Found: true}, nil
	})
}

// objectRead pushes the object into the stream id the worker reserved, then
// acknowledges with the size.
func (s *session) objectRead(ctx context.Context, req *dispatch.Request) (any, error) {
	var p api.ObjectRequest
	if err := decodeInto(req, &p); err != nil {
		return nil, err
	}
	if p.StreamID == 0 {
		return nil, &api.ValidationError{Op: "objectRead", Reason: "stream id required"}
	}
	rc, err := s.a.pages.ReadObject(ctx, p.PageRef, p.ObjectID)
	if err != nil {
		if api.IsConflict(err, api.ConflictNotFound) {
			return api.ObjectResponse{Found: false}, nil
		}
		return nil, err
	}
	defer rc.Close()
	out, err := s.mux.Target(p.StreamID)
	if err != nil {
		return nil, err
	}
	n, err := s.mux.Send(ctx, out, rc)
	if err != nil {
		return nil, fmt.Errorf("agent: push object %q: %w", p.ObjectID, err)
	}
	s.a.metrics.recordObjectBytes("read", n)
	return api.ObjectResponse{Size: n, Found: true}, nil
}
