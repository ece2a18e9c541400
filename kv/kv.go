// Package kv is a key-value store kept by the agent. Each kv namespace is
// one page with its own lease; keys compare by exact string equality.
package kv

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/clock"
	"pkt.systems/leasewire/internal/svcfields"
	"pkt.systems/leasewire/internal/txstore"
	"pkt.systems/leasewire/namespaces"
)

const (
	// Namespace holds every kv page on the agent.
	Namespace = "kv"
	// PagePrefix prefixes the kv namespace to form its page and lease id.
	PagePrefix = "[KV]v1/"
)

// Meta is stored next to every value.
type Meta struct {
	UpdatedAt int64 `cbor:"updated_at" json:"updated_at"`
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock stamping UpdatedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// StoreOption customises the underlying transactional store.
type StoreOption = txstore.Option

// WithInlineLimit sets the largest body kept inside the page record. Larger
// bodies are stored as content objects.
func WithInlineLimit(n int64) Option {
	return WithStoreOptions(txstore.WithInlineLimit(n))
}

// WithStoreOptions forwards options to the underlying transactional store.
func WithStoreOptions(opts ...StoreOption) Option {
	return func(s *Service) { s.storeOpts = append(s.storeOpts, opts...) }
}

// Service opens kv namespaces.
type Service struct {
	store     *txstore.Store[string, Meta]
	logger    pslog.Logger
	clock     clock.Clock
	storeOpts []txstore.Option
}

func matchKey(e txstore.Entry[string, Meta], query string, _ txstore.MatchOptions) bool {
	return e.Key == query
}

func validateOp(op txstore.Op[string, Meta]) error {
	var key string
	switch o := op.(type) {
	case txstore.Put[string, Meta]:
		key = o.Key
	case txstore.Delete[string, Meta]:
		key = o.Key
	}
	if key == "" {
		return &api.ValidationError{Op: "kv", Reason: "key required"}
	}
	return nil
}

// PageFor returns the page and lease id of kv namespace ns.
func PageFor(ns string) string { return PagePrefix + ns }

// NewService builds a Service over a lease authority and a backing store.
func NewService(leases txstore.LeaseAcquirer, backing txstore.Backing, opts ...Option) (*Service, error) {
	s := &Service{logger: pslog.NoopLogger(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(s.logger, "kv")
	schema := txstore.Schema[string, Meta]{Name: "kv", Match: matchKey, Validate: validateOp}
	storeOpts := append([]txstore.Option{txstore.WithLogger(s.logger)}, s.storeOpts...)
	store, err := txstore.New(Namespace, schema, leases, backing, storeOpts...)
	if err != nil {
		return nil, err
	}
	s.store = store
	return s, nil
}

func checkName(op, ns string) error {
	if err := namespaces.ValidateName(ns); err != nil {
		return &api.ValidationError{Op: op, Reason: err.Error()}
	}
	return nil
}

// Open returns kv namespace ns. Pages are created by the first write.
func (s *Service) Open(ns string) (*Namespace, error) {
	if err := checkName("kv.open", ns); err != nil {
		return nil, err
	}
	return &Namespace{s: s, name: ns, page: PageFor(ns)}, nil
}

// Namespaces lists kv namespaces holding data, ascending.
func (s *Service) Namespaces(ctx context.Context) ([]string, error) {
	pages, err := s.store.List(ctx, PagePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, strings.TrimPrefix(p, PagePrefix))
	}
	return out, nil
}

// Drop deletes kv namespace ns with every key in it.
func (s *Service) Drop(ctx context.Context, ns string) (bool, error) {
	if err := checkName("kv.drop", ns); err != nil {
		return false, err
	}
	return s.store.Drop(ctx, PageFor(ns))
}

// Namespace is one kv namespace.
type Namespace struct {
	s    *Service
	name string
	page string
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// Op is one element of a Batch. Delete ignores Value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

func (n *Namespace) now() int64 { return n.s.clock.Now().UnixNano() }

func (n *Namespace) toOp(op Op, stamp int64) txstore.Op[string, Meta] {
	if op.Delete {
		return txstore.Delete[string, Meta]{Key: op.Key}
	}
	return txstore.Put[string, Meta]{Key: op.Key, Value: Meta{UpdatedAt: stamp}, Body: bytes.NewReader(op.Value)}
}

// Get returns the value of key under a shared lease.
func (n *Namespace) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := n.s.store.Query(ctx, n.page, func(snap *txstore.Snapshot[string, Meta]) error {
		matches := snap.Match(key, txstore.MatchOptions{})
		if len(matches) == 0 {
			return nil
		}
		var err error
		value, err = snap.Load(ctx, matches[0])
		found = err == nil
		return err
	})
	return value, found, err
}

// Put stores value under key.
func (n *Namespace) Put(ctx context.Context, key string, value []byte) error {
	return n.Batch(ctx, []Op{{Key: key, Value: value}})
}

// Delete removes key and reports whether it existed.
func (n *Namespace) Delete(ctx context.Context, key string) (bool, error) {
	res, err := n.s.store.Batch(ctx, n.page, []txstore.Op[string, Meta]{txstore.Delete[string, Meta]{Key: key}})
	if err != nil {
		return false, err
	}
	return res.Removed > 0, nil
}

// List returns keys starting with prefix in ascending order.
func (n *Namespace) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := n.s.store.Query(ctx, n.page, func(snap *txstore.Snapshot[string, Meta]) error {
		for _, e := range snap.Entries() {
			if strings.HasPrefix(e.Key, prefix) {
				keys = append(keys, e.Key)
			}
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// Batch applies ops atomically.
func (n *Namespace) Batch(ctx context.Context, ops []Op) error {
	stamp := n.now()
	converted := make([]txstore.Op[string, Meta], 0, len(ops))
	for _, op := range ops {
		converted = append(converted, n.toOp(op, stamp))
	}
	_, err := n.s.store.Batch(ctx, n.page, converted)
	return err
}

// UpdateFunc computes the next value of a key from its current one. keep
// false deletes the key.
type UpdateFunc func(current []byte, found bool) (next []byte, keep bool, err error)

// Update runs an atomic read-modify-write of key under an exclusive lease.
func (n *Namespace) Update(ctx context.Context, key string, fn UpdateFunc) error {
	_, err := n.s.store.Update(ctx, n.page, func(snap *txstore.Snapshot[string, Meta]) ([]txstore.Op[string, Meta], error) {
		var (
			current []byte
			found   bool
		)
		if matches := snap.Match(key, txstore.MatchOptions{}); len(matches) > 0 {
			var err error
			if current, err = snap.Load(ctx, matches[0]); err != nil {
				return nil, err
			}
			found = true
		}
		next, keep, err := fn(current, found)
		if err != nil {
			return nil, err
		}
		if !keep {
			if !found {
				return nil, nil
			}
			return []txstore.Op[string, Meta]{txstore.Delete[string, Meta]{Key: key}}, nil
		}
		return []txstore.Op[string, Meta]{n.toOp(Op{Key: key, Value: next}, n.now())}, nil
	})
	return err
}

// UpdatedAt returns when key was last written.
func (n *Namespace) UpdatedAt(ctx context.Context, key string) (time.Time, bool, error) {
	var (
		at    time.Time
		found bool
	)
	err := n.s.store.Query(ctx, n.page, func(snap *txstore.Snapshot[string, Meta]) error {
		if matches := snap.Match(key, txstore.MatchOptions{}); len(matches) > 0 {
			at, found = time.Unix(0, matches[0].Value.UpdatedAt), true
		}
		return nil
	})
	return at, found, err
}
