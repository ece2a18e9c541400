// Package cache is an HTTP response cache kept by the agent. Each named
// cache is one page guarded by its own lease: writers hold it exclusively
// for a whole batch, readers share it.
package cache

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/svcfields"
	"pkt.systems/leasewire/internal/txstore"
	"pkt.systems/leasewire/namespaces"
)

const (
	// Namespace holds every cache page on the agent.
	Namespace = "caches"
	// PagePrefix prefixes the cache name to form its page and lease id.
	PagePrefix = "[CachePage]v1/"
)

// Fetcher performs the upstream request of Add. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises a Storage.
type Option func(*Storage)

// WithFetcher overrides http.DefaultClient for Add and AddAll.
func WithFetcher(f Fetcher) Option {
	return func(s *Storage) {
		if f != nil {
			s.fetcher = f
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.logger = l
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
	return func(s *Storage) { s.storeOpts = append(s.storeOpts, opts...) }
}

// Storage is the set of named caches.
type Storage struct {
	store     *txstore.Store[Key, Meta]
	fetcher   Fetcher
	logger    pslog.Logger
	storeOpts []txstore.Option
}

// PageFor returns the page and lease id of cache name.
func PageFor(name string) string { return PagePrefix + name }

// NewStorage builds a Storage over a lease authority and a backing store.
func NewStorage(leases txstore.LeaseAcquirer, backing txstore.Backing, opts ...Option) (*Storage, error) {
	s := &Storage{fetcher: http.DefaultClient, logger: pslog.NoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(s.logger, "cache")
	schema := txstore.Schema[Key, Meta]{Name: "cache", Match: matchEntry, Validate: validateOp}
	storeOpts := append([]txstore.Option{txstore.WithLogger(s.logger)}, s.storeOpts...)
	store, err := txstore.New(Namespace, schema, leases, backing, storeOpts...)
	if err != nil {
		return nil, err
	}
	s.store = store
	return s, nil
}

func checkName(op, name string) error {
	if err := namespaces.ValidateName(name); err != nil {
		return &api.ValidationError{Op: op, Reason: err.Error()}
	}
	return nil
}

// Open returns cache name, creating it when missing.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := checkName("cache.open", name); err != nil {
		return nil, err
	}
	created, err := s.store.Create(ctx, PageFor(name))
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Debug("cache.created", "name", name)
	}
	return &Cache{s: s, name: name, page: PageFor(name)}, nil
}

// Has reports whether cache name exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkName("cache.has", name); err != nil {
		return false, err
	}
	return s.store.Exists(ctx, PageFor(name))
}

// Delete removes cache name and everything stored in it.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkName("cache.delete", name); err != nil {
		return false, err
	}
	return s.store.Drop(ctx, PageFor(name))
}

// Keys lists cache names in ascending order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	pages, err := s.store.List(ctx, PagePrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pages))
	for _, p := range pages {
		names = append(names, strings.TrimPrefix(p, PagePrefix))
	}
	return names, nil
}

// Match searches every cache in Keys order and returns the first response
// matching req, or nil.
func (s *Storage) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &Cache{s: s, name: name, page: PageFor(name)}
		resp, err := c.Match(ctx, req, opts)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}
