// Package txstore implements the lease-guarded transactional store shared by
// the cache and kv packages. Every operation re-reads the full page after
// acquiring its lease; nothing is cached between operations.
package txstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/codec"
	"pkt.systems/leasewire/internal/correlation"
	"pkt.systems/leasewire/internal/svcfields"
	"pkt.systems/leasewire/internal/uuidv7"
)

// DefaultInlineLimit is the largest payload stored inside the page record.
const DefaultInlineLimit = 16 << 10

// Backing is the remote page and object store.
type Backing interface {
	ReadPage(ctx context.Context, ref api.PageRef) ([]api.Record, bool, error)
	WritePage(ctx context.Context, ref api.PageRef, records []api.Record) error
	CreatePage(ctx context.Context, ref api.PageRef) (bool, error)
	DeletePage(ctx context.Context, ref api.PageRef) (bool, error)
	ListPages(ctx context.Context, namespace, prefix string) ([]string, error)
	WriteObject(ctx context.Context, ref api.PageRef, objectID string, r io.Reader) (int64, error)
	ReadObject(ctx context.Context, ref api.PageRef, objectID string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, ref api.PageRef, objectID string) (bool, error)
}

// Schema describes how one store compares and validates its entries. Keys
// and values are encoded with the store codec.
type Schema[K, V any] struct {
	// Name labels logs and errors, e.g. "cache".
	Name string
	// Match reports whether stored entry e answers query under opts. A put
	// replaces every entry its key matches with zero options.
	Match func(e Entry[K, V], query K, opts MatchOptions) bool
	// Validate rejects malformed operations. Nil accepts everything.
	Validate func(op Op[K, V]) error
}

// Option customises a Store.
type Option func(*options)

type options struct {
	logger      pslog.Logger
	codec       codec.Codec
	inlineLimit int64
	newObjectID func() string
}

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCodec overrides the CBOR codec used for keys and values.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithInlineLimit sets the largest payload kept inline. Larger payloads go
// to a content object. Negative sends every payload to a content object.
func WithInlineLimit(n int64) Option {
	return func(o *options) { o.inlineLimit = n }
}

// Store is a keyed store over the pages of one namespace.
type Store[K, V any] struct {
	namespace   string
	schema      Schema[K, V]
	leases      LeaseAcquirer
	backing     Backing
	codec       codec.Codec
	inlineLimit int64
	newObjectID func() string
	logger      pslog.Logger
	tracer      trace.Tracer
	metrics     *storeMetrics
}

// New constructs a Store for namespace.
func New[K, V any](namespace string, schema Schema[K, V], leases LeaseAcquirer, backing Backing, opts ...Option) (*Store[K, V], error) {
	if namespace == "" {
		return nil, errors.New("txstore: namespace required")
	}
	if schema.Match == nil {
		return nil, errors.New("txstore: schema match function required")
	}
	if leases == nil || backing == nil {
		return nil, errors.New("txstore: lease acquirer and backing required")
	}
	if schema.Name == "" {
		schema.Name = namespace
	}
	o := options{
		logger:      pslog.NoopLogger(),
		codec:       codec.CBOR(),
		inlineLimit: DefaultInlineLimit,
		newObjectID: uuidv7.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := svcfields.WithSubsystem(o.logger, "txstore").With("store", schema.Name)
	return &Store[K, V]{
		namespace:   namespace,
		schema:      schema,
		leases:      leases,
		backing:     backing,
		codec:       o.codec,
		inlineLimit: o.inlineLimit,
		newObjectID: o.newObjectID,
		logger:      logger,
		tracer:      otel.Tracer("pkt.systems/leasewire/txstore"),
		metrics:     newStoreMetrics(logger),
	}, nil
}

// Namespace returns the namespace the store's pages live in.
func (s *Store[K, V]) Namespace() string { return s.namespace }

func (s *Store[K, V]) ref(page string) api.PageRef {
	return api.PageRef{Namespace: s.namespace, Page: page}
}

func (s *Store[K, V]) loggerFor(ctx context.Context, page string) pslog.Logger {
	return correlation.Logger(ctx, s.logger.With("page", page))
}

// Batch applies ops atomically under an exclusive lease on page.
func (s *Store[K, V]) Batch(ctx context.Context, page string, ops []Op[K, V]) (Result, error) {
	return s.Update(ctx, page, func(*Snapshot[K, V]) ([]Op[K, V], error) { return ops, nil })
}

// Update computes ops from the current snapshot and applies them, all under
// one exclusive lease. The lease is released before any error is returned,
// including errors from fn.
func (s *Store[K, V]) Update(ctx context.Context, page string, fn func(*Snapshot[K, V]) ([]Op[K, V], error)) (Result, error) {
	var res Result
	err := s.run(ctx, "update", page, true, func(ctx context.Context, logger pslog.Logger) error {
		snap := s.load(ctx, page, logger)
		ops, err := fn(snap)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}
		p, err := s.apply(snap.entries, ops)
		if err != nil {
			return err
		}
		if err := s.commit(ctx, page, p, logger); err != nil {
			return err
		}
		res = Result{Added: len(p.puts), Removed: len(p.removed)}
		logger.Debug("txstore.update.committed", "ops", len(ops), "added", res.Added, "removed", res.Removed, "entries", len(p.next))
		return nil
	})
	return res, err
}

// Query runs fn against the current snapshot under a shared lease.
func (s *Store[K, V]) Query(ctx context.Context, page string, fn func(*Snapshot[K, V]) error) error {
	return s.run(ctx, "query", page, false, func(ctx context.Context, logger pslog.Logger) error {
		return fn(s.load(ctx, page, logger))
	})
}

// Exists reports whether page has been created.
func (s *Store[K, V]) Exists(ctx context.Context, page string) (bool, error) {
	pages, err := s.backing.ListPages(ctx, s.namespace, page)
	if err != nil {
		return false, err
	}
	for _, p := range pages {
		if p == page {
			return true, nil
		}
	}
	return false, nil
}

// Create creates an empty page and reports whether it did not exist.
func (s *Store[K, V]) Create(ctx context.Context, page string) (bool, error) {
	if page == "" {
		return false, &api.ValidationError{Op: s.schema.Name + ".create", Reason: "page required"}
	}
	return s.backing.CreatePage(ctx, s.ref(page))
}

// Drop deletes page and its content objects under an exclusive lease.
func (s *Store[K, V]) Drop(ctx context.Context, page string) (bool, error) {
	var deleted bool
	err := s.run(ctx, "drop", page, true, func(ctx context.Context, _ pslog.Logger) error {
		var err error
		deleted, err = s.backing.DeletePage(ctx, s.ref(page))
		return err
	})
	return deleted, err
}

// List returns the page names starting with prefix in ascending order.
func (s *Store[K, V]) List(ctx context.Context, prefix string) ([]string, error) {
	return s.backing.ListPages(ctx, s.namespace, prefix)
}

// run holds a lease on page for the duration of fn. The lease is released
// on every exit path; a panic in fn is re-raised after the release.
func (s *Store[K, V]) run(ctx context.Context, op, page string, exclusive bool, fn func(context.Context, pslog.Logger) error) (err error) {
	if page == "" {
		return &api.ValidationError{Op: s.schema.Name + "." + op, Reason: "page required"}
	}
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "txstore."+op, trace.WithAttributes(
		attribute.String("leasewire.txstore.namespace", s.namespace),
		attribute.String("leasewire.txstore.page", page),
		attribute.Bool("leasewire.txstore.exclusive", exclusive),
	))
	logger := s.loggerFor(ctx, page)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.recordOp(ctx, s.schema.Name, op, time.Since(begin), err)
	}()

	l, err := s.leases.AcquireLease(ctx, page, exclusive)
	if err != nil {
		return fmt.Errorf("txstore: lease %s: %w", page, err)
	}
	defer func() {
		r := recover()
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil {
			logger.Warn("txstore.lease.release_failed", "op", op, "error", relErr)
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx, logger)
}

// load reads the page. A missing or unreadable page is an empty snapshot;
// undecodable records are skipped.
func (s *Store[K, V]) load(ctx context.Context, page string, logger pslog.Logger) *Snapshot[K, V] {
	snap := &Snapshot[K, V]{s: s, ref: s.ref(page)}
	records, found, err := s.backing.ReadPage(ctx, snap.ref)
	if err != nil {
		logger.Warn("txstore.snapshot.read_failed", "error", err)
		return snap
	}
	if !found {
		return snap
	}
	for i, rec := range records {
		e, err := s.decode(rec)
		if err != nil {
			logger.Warn("txstore.snapshot.record_skipped", "index", i, "error", err)
			continue
		}
		snap.entries = append(snap.entries, e)
	}
	return snap
}

func (s *Store[K, V]) decode(rec api.Record) (*Entry[K, V], error) {
	e := &Entry[K, V]{Size: rec.Size, objectID: rec.ObjectID, body: rec.Body}
	if err := codec.Decode(s.codec, rec.Key, &e.Key); err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if err := codec.Decode(s.codec, rec.Meta, &e.Value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return e, nil
}

func (s *Store[K, V]) encode(e *Entry[K, V]) (api.Record, error) {
	key, err := s.codec.Marshal(e.Key)
	if err != nil {
		return api.Record{}, fmt.Errorf("txstore: encode key: %w", err)
	}
	meta, err := s.codec.Marshal(e.Value)
	if err != nil {
		return api.Record{}, fmt.Errorf("txstore: encode value: %w", err)
	}
	return api.Record{Key: key, Meta: meta, Body: e.body, ObjectID: e.objectID, Size: e.Size}, nil
}

// commit writes new payloads, then the page, then drops orphaned objects.
func (s *Store[K, V]) commit(ctx context.Context, page string, p *plan[K, V], logger pslog.Logger) error {
	ref := s.ref(page)
	var written []string
	cleanup := func() {
		for _, id := range written {
			if _, err := s.backing.DeleteObject(context.WithoutCancel(ctx), ref, id); err != nil {
				logger.Warn("txstore.commit.cleanup_failed", "object", id, "error", err)
			}
		}
	}
	for _, put := range p.puts {
		if err := s.stage(ctx, ref, put, &written); err != nil {
			cleanup()
			return err
		}
	}
	records := make([]api.Record, 0, len(p.next))
	for _, e := range p.next {
		rec, err := s.encode(e)
		if err != nil {
			cleanup()
			return err
		}
		records = append(records, rec)
	}
	if err := s.backing.WritePage(ctx, ref, records); err != nil {
		cleanup()
		return fmt.Errorf("txstore: write page %s: %w", page, err)
	}
	for _, e := range p.removed {
		if e.Inline() {
			continue
		}
		if _, err := s.backing.DeleteObject(ctx, ref, e.objectID); err != nil {
			logger.Warn("txstore.commit.orphan_delete_failed", "object", e.objectID, "error", err)
		}
	}
	return nil
}

// stage fills in the payload of a put: inline when it fits, otherwise as a
// new content object.
func (s *Store[K, V]) stage(ctx context.Context, ref api.PageRef, put stagedPut[K, V], written *[]string) error {
	e := put.entry
	if put.body == nil {
		e.body, e.Size = nil, 0
		return nil
	}
	if s.inlineLimit >= 0 {
		head := make([]byte, s.inlineLimit+1)
		n, err := io.ReadFull(put.body, head)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			e.body, e.Size = head[:n:n], int64(n)
			return nil
		case err != nil:
			return fmt.Errorf("txstore: read payload: %w", err)
		}
		put.body = io.MultiReader(bytes.NewReader(head[:n]), put.body)
	}
	id := s.newObjectID()
	size, err := s.backing.WriteObject(ctx, ref, id, put.body)
	if err != nil {
		return fmt.Errorf("txstore: write object: %w", err)
	}
	*written = append(*written, id)
	e.objectID, e.body, e.Size = id, nil, size
	return nil
}
