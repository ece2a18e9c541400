package txstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"pkt.systems/leasewire/api"
)

// Entry is one decoded record of a page.
type Entry[K, V any] struct {
	Key   K
	Value V
	// Size is the payload size in bytes.
	Size int64

	objectID string
	body     []byte
}

// Inline reports whether the payload is stored in the page itself.
func (e Entry[K, V]) Inline() bool { return e.objectID == "" }

// Snapshot is the full content of one page, read under a lease. It is only
// valid inside the callback that received it.
type Snapshot[K, V any] struct {
	s       *Store[K, V]
	ref     api.PageRef
	entries []*Entry[K, V]
}

// Page returns the page the snapshot was read from.
func (sn *Snapshot[K, V]) Page() string { return sn.ref.Page }

// Len returns the number of entries.
func (sn *Snapshot[K, V]) Len() int { return len(sn.entries) }

// Entries returns the entries in stored order.
func (sn *Snapshot[K, V]) Entries() []Entry[K, V] {
	out := make([]Entry[K, V], 0, len(sn.entries))
	for _, e := range sn.entries {
		out = append(out, *e)
	}
	return out
}

// Match returns the entries answering query under opts, in stored order.
func (sn *Snapshot[K, V]) Match(query K, opts MatchOptions) []Entry[K, V] {
	var out []Entry[K, V]
	for _, e := range sn.entries {
		if sn.s.schema.Match(*e, query, opts) {
			out = append(out, *e)
		}
	}
	return out
}

// Open returns a reader over the payload of e.
func (sn *Snapshot[K, V]) Open(ctx context.Context, e Entry[K, V]) (io.ReadCloser, error) {
	if e.Inline() {
		return io.NopCloser(bytes.NewReader(e.body)), nil
	}
	rc, err := sn.s.backing.ReadObject(ctx, sn.ref, e.objectID)
	if err != nil {
		return nil, fmt.Errorf("txstore: open object %s: %w", e.objectID, err)
	}
	return rc, nil
}

// Load reads the whole payload of e.
func (sn *Snapshot[K, V]) Load(ctx context.Context, e Entry[K, V]) ([]byte, error) {
	if e.Inline() {
		return bytes.Clone(e.body), nil
	}
	rc, err := sn.Open(ctx, e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := bytes.NewBuffer(make([]byte, 0, max(e.Size, 0)))
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, fmt.Errorf("txstore: read object %s: %w", e.objectID, err)
	}
	return buf.Bytes(), nil
}
