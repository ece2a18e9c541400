package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/txstore"
)

// Cache is one named cache.
type Cache struct {
	s    *Storage
	name string
	page string
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// OperationKind selects the mutation of an Operation.
type OperationKind int

const (
	// OpPut stores Response for Request.
	OpPut OperationKind = iota
	// OpDelete removes entries matching Request under Options.
	OpDelete
)

// Operation is one element of a Batch.
type Operation struct {
	Kind     OperationKind
	Request  *http.Request
	Response *http.Response
	Options  MatchOptions
}

func metaFor(resp *http.Response) Meta {
	text := http.StatusText(resp.StatusCode)
	if len(resp.Status) > 4 {
		text = resp.Status[4:]
	}
	return Meta{Status: resp.StatusCode, StatusText: text, Header: canonicalHeader(resp.Header)}
}

func toOp(op Operation) (txstore.Op[Key, Meta], error) {
	if op.Request == nil {
		return nil, &api.ValidationError{Op: "cache.batch", Reason: "request required"}
	}
	switch op.Kind {
	case OpPut:
		if op.Response == nil {
			return nil, &api.ValidationError{Op: "cache.put", Reason: "response required"}
		}
		return txstore.Put[Key, Meta]{Key: KeyFor(op.Request), Value: metaFor(op.Response), Body: op.Response.Body}, nil
	case OpDelete:
		return txstore.Delete[Key, Meta]{Key: KeyFor(op.Request), Options: op.Options}, nil
	default:
		return nil, &api.ValidationError{Op: "cache.batch", Reason: fmt.Sprintf("unknown operation kind %d", op.Kind)}
	}
}

func closeBodies(ops []Operation) {
	for _, op := range ops {
		if op.Kind == OpPut && op.Response != nil && op.Response.Body != nil {
			_ = op.Response.Body.Close()
		}
	}
}

// Batch applies ops atomically. Response bodies are consumed and closed.
func (c *Cache) Batch(ctx context.Context, ops []Operation) error {
	defer closeBodies(ops)
	converted := make([]txstore.Op[Key, Meta], 0, len(ops))
	for _, op := range ops {
		o, err := toOp(op)
		if err != nil {
			return err
		}
		converted = append(converted, o)
	}
	_, err := c.s.store.Batch(ctx, c.page, converted)
	return err
}

// Put stores resp for req, replacing entries req matches.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	return c.Batch(ctx, []Operation{{Kind: OpPut, Request: req, Response: resp}})
}

// Delete removes entries matching req and reports whether any existed.
func (c *Cache) Delete(ctx context.Context, req *http.Request, opts MatchOptions) (bool, error) {
	if req == nil {
		return false, &api.ValidationError{Op: "cache.delete", Reason: "request required"}
	}
	res, err := c.s.store.Batch(ctx, c.page, []txstore.Op[Key, Meta]{
		txstore.Delete[Key, Meta]{Key: KeyFor(req), Options: opts},
	})
	if err != nil {
		return false, err
	}
	return res.Removed > 0, nil
}

// Add fetches req and stores the response unless an entry already matches.
func (c *Cache) Add(ctx context.Context, req *http.Request) error {
	return c.AddAll(ctx, []*http.Request{req})
}

// AddAll fetches every request without a matching entry and stores the
// responses in one batch. Fetches run under the exclusive lease, so
// concurrent adds of the same request fetch it once.
func (c *Cache) AddAll(ctx context.Context, reqs []*http.Request) error {
	for _, req := range reqs {
		if req == nil {
			return &api.ValidationError{Op: "cache.add", Reason: "request required"}
		}
		key := KeyFor(req)
		if err := validateRequestURL("cache.add", key.URL); err != nil {
			return err
		}
		if key.Method != http.MethodGet {
			return &api.ValidationError{Op: "cache.add", Reason: fmt.Sprintf("request method %s is not GET", key.Method)}
		}
	}
	var bodies []io.Closer
	defer func() {
		for _, b := range bodies {
			_ = b.Close()
		}
	}()
	_, err := c.s.store.Update(ctx, c.page, func(snap *txstore.Snapshot[Key, Meta]) ([]txstore.Op[Key, Meta], error) {
		var ops []txstore.Op[Key, Meta]
		for _, req := range reqs {
			key := KeyFor(req)
			if len(snap.Match(key, MatchOptions{})) > 0 {
				continue
			}
			resp, err := c.s.fetcher.Do(req.WithContext(ctx))
			if err != nil {
				return nil, fmt.Errorf("cache: fetch %s: %w", key.URL, err)
			}
			bodies = append(bodies, resp.Body)
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return nil, &api.ValidationError{Op: "cache.add", Reason: fmt.Sprintf("fetch %s answered %d", key.URL, resp.StatusCode)}
			}
			c.s.logger.Debug("cache.add.fetched", "cache", c.name, "url", key.URL, "status", resp.StatusCode)
			ops = append(ops, txstore.Put[Key, Meta]{Key: key, Value: metaFor(resp), Body: resp.Body})
		}
		return ops, nil
	})
	return err
}

// Match returns the first response matching req, or nil.
func (c *Cache) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error) {
	if req == nil {
		return nil, &api.ValidationError{Op: "cache.match", Reason: "request required"}
	}
	resps, err := c.match(ctx, req, opts, 1)
	if err != nil || len(resps) == 0 {
		return nil, err
	}
	return resps[0], nil
}

// MatchAll returns every response matching req, or every stored response
// when req is nil.
func (c *Cache) MatchAll(ctx context.Context, req *http.Request, opts MatchOptions) ([]*http.Response, error) {
	return c.match(ctx, req, opts, -1)
}

func (c *Cache) match(ctx context.Context, req *http.Request, opts MatchOptions, limit int) ([]*http.Response, error) {
	var out []*http.Response
	err := c.s.store.Query(ctx, c.page, func(snap *txstore.Snapshot[Key, Meta]) error {
		entries := selectEntries(snap, req, opts)
		if limit >= 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		for _, e := range entries {
			body, err := snap.Load(ctx, e)
			if err != nil {
				if api.IsConflict(err, api.ConflictNotFound) {
					c.s.logger.Warn("cache.match.body_missing", "cache", c.name, "url", e.Key.URL)
					continue
				}
				return err
			}
			out = append(out, responseFor(e, body))
		}
		return nil
	})
	return out, err
}

// Keys returns the requests of entries matching req, or of every entry when
// req is nil.
func (c *Cache) Keys(ctx context.Context, req *http.Request, opts MatchOptions) ([]*http.Request, error) {
	var out []*http.Request
	err := c.s.store.Query(ctx, c.page, func(snap *txstore.Snapshot[Key, Meta]) error {
		for _, e := range selectEntries(snap, req, opts) {
			r, err := requestFor(e.Key)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func selectEntries(snap *txstore.Snapshot[Key, Meta], req *http.Request, opts MatchOptions) []txstore.Entry[Key, Meta] {
	if req == nil {
		return snap.Entries()
	}
	return snap.Match(KeyFor(req), opts)
}

func requestFor(k Key) (*http.Request, error) {
	r, err := http.NewRequest(k.Method, k.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: stored request %s: %w", k.URL, err)
	}
	r.Header = canonicalHeader(k.Header)
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	return r, nil
}

func responseFor(e txstore.Entry[Key, Meta], body []byte) *http.Response {
	header := canonicalHeader(e.Value.Header)
	if header == nil {
		header = make(http.Header)
	}
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Value.Status, e.Value.StatusText),
		StatusCode:    e.Value.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if r, err := requestFor(e.Key); err == nil {
		resp.Request = r
	}
	return resp
}
