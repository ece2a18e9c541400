// Package memory provides an in-memory storage.Backend for tests and local dev.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/leasewire/internal/uuidv7"
)

// Store implements storage.Backend in-memory.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*bucket
}

type bucket struct {
	objs       map[string]*objectEntry
	sortedKeys []string
	keysDirty  bool
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{namespaces: make(map[string]*bucket)}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error { return nil }

func (s *Store) bucketLocked(namespace string, create bool) *bucket {
	b := s.namespaces[namespace]
	if b == nil && create {
		b = &bucket{objs: make(map[string]*objectEntry)}
		s.namespaces[namespace] = b
	}
	return b
}

// GetObject returns a reader over a copy of the stored payload.
func (s *Store) GetObject(_ context.Context, namespace, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	entry, ok := b.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	payload := append([]byte(nil), entry.payload...)
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		},
	}, nil
}

// PutObject stores body under key, enforcing CAS or create-only semantics.
func (s *Store) PutObject(_ context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(namespace, true)
	entry, exists := b.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return nil, storage.ErrExists
	}
	now := time.Now().UTC()
	etag := uuidv7.NewString()
	b.objs[key] = &objectEntry{
		payload:     payload,
		etag:        etag,
		contentType: opts.ContentType,
		updated:     now,
	}
	if !exists {
		b.keysDirty = true
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes key, respecting the expected ETag when present.
func (s *Store) DeleteObject(_ context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(namespace, false)
	var entry *objectEntry
	if b != nil {
		entry = b.objs[key]
	}
	if entry == nil {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(b.objs, key)
	b.keysDirty = true
	if len(b.objs) == 0 {
		delete(s.namespaces, namespace)
	}
	return nil
}

// ListObjects enumerates keys in ascending order.
func (s *Store) ListObjects(_ context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := &storage.ListResult{}
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return result, nil
	}
	if b.keysDirty {
		b.sortedKeys = b.sortedKeys[:0]
		for key := range b.objs {
			b.sortedKeys = append(b.sortedKeys, key)
		}
		sort.Strings(b.sortedKeys)
		b.keysDirty = false
	}
	keys := b.sortedKeys
	start := 0
	if opts.StartAfter != "" {
		start = sort.SearchStrings(keys, opts.StartAfter)
		if start < len(keys) && keys[start] == opts.StartAfter {
			start++
		}
	}
	if opts.Prefix != "" && opts.Prefix > opts.StartAfter {
		if idx := sort.SearchStrings(keys, opts.Prefix); idx > start {
			start = idx
		}
	}
	for idx := start; idx < len(keys); idx++ {
		key := keys[idx]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		entry := b.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		})
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			if idx+1 < len(keys) && strings.HasPrefix(keys[idx+1], opts.Prefix) {
				result.Truncated = true
				result.NextStartAfter = key
			}
			break
		}
	}
	return result, nil
}

// ListNamespaces reports every namespace holding at least one object.
func (s *Store) ListNamespaces(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}
