package txstore

import (
	"fmt"
	"io"

	"pkt.systems/leasewire/api"
)

// Op is one mutation of a batch. The set is closed: Put and Delete.
type Op[K, V any] interface {
	opKey() K
	opName() string
}

// Put inserts an entry, replacing every stored entry its key matches.
type Put[K, V any] struct {
	Key   K
	Value V
	// Body is the payload. Nil stores an empty payload.
	Body io.Reader
}

// Delete removes every stored entry matching Key under Options.
type Delete[K, V any] struct {
	Key     K
	Options MatchOptions
}

func (p Put[K, V]) opKey() K        { return p.Key }
func (Put[K, V]) opName() string    { return "put" }
func (d Delete[K, V]) opKey() K     { return d.Key }
func (Delete[K, V]) opName() string { return "delete" }

// MatchOptions relax key equality for queries and deletes.
type MatchOptions struct {
	IgnoreSearch bool `cbor:"ignore_search,omitempty" json:"ignore_search,omitempty"`
	IgnoreMethod bool `cbor:"ignore_method,omitempty" json:"ignore_method,omitempty"`
	IgnoreVary   bool `cbor:"ignore_vary,omitempty" json:"ignore_vary,omitempty"`
}

// Result summarises a committed batch.
type Result struct {
	Added   int
	Removed int
}

type stagedPut[K, V any] struct {
	entry *Entry[K, V]
	body  io.Reader
}

type plan[K, V any] struct {
	next    []*Entry[K, V]
	removed []*Entry[K, V]
	puts    []stagedPut[K, V]
}

// apply runs ops against entries without touching the backing store.
func (s *Store[K, V]) apply(entries []*Entry[K, V], ops []Op[K, V]) (*plan[K, V], error) {
	p := &plan[K, V]{next: append([]*Entry[K, V](nil), entries...)}
	var added, deleted []*Entry[K, V]
	for i, op := range ops {
		if op == nil {
			return nil, &api.ValidationError{Op: s.schema.Name, Reason: fmt.Sprintf("operation %d is nil", i)}
		}
		if s.schema.Validate != nil {
			if err := s.schema.Validate(op); err != nil {
				return nil, asValidation(s.schema.Name, op.opName(), err)
			}
		}
		switch o := op.(type) {
		case Put[K, V]:
			for _, e := range added {
				if s.schema.Match(*e, o.Key, MatchOptions{}) {
					return nil, &api.ValidationError{Op: s.schema.Name + ".put", Reason: fmt.Sprintf("operation %d duplicates an entry added in the same batch", i)}
				}
			}
			for _, e := range deleted {
				if s.schema.Match(*e, o.Key, MatchOptions{}) {
					return nil, &api.ValidationError{Op: s.schema.Name + ".put", Reason: fmt.Sprintf("operation %d conflicts with a delete in the same batch", i)}
				}
			}
			p.next = s.removeMatching(p, o.Key, MatchOptions{}, nil)
			e := &Entry[K, V]{Key: o.Key, Value: o.Value}
			p.next = append(p.next, e)
			p.puts = append(p.puts, stagedPut[K, V]{entry: e, body: o.Body})
			added = append(added, e)
		case Delete[K, V]:
			for _, e := range added {
				if s.schema.Match(*e, o.Key, o.Options) {
					return nil, &api.ValidationError{Op: s.schema.Name + ".delete", Reason: fmt.Sprintf("operation %d conflicts with a put in the same batch", i)}
				}
			}
			p.next = s.removeMatching(p, o.Key, o.Options, &deleted)
		default:
			return nil, &api.ValidationError{Op: s.schema.Name, Reason: fmt.Sprintf("operation %d has unknown type %T", i, op)}
		}
	}
	return p, nil
}

func (s *Store[K, V]) removeMatching(p *plan[K, V], key K, opts MatchOptions, track *[]*Entry[K, V]) []*Entry[K, V] {
	kept := p.next[:0]
	for _, e := range p.next {
		if s.schema.Match(*e, key, opts) {
			p.removed = append(p.removed, e)
			if track != nil {
				*track = append(*track, e)
			}
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func asValidation(store, op string, err error) error {
	if api.IsValidation(err) {
		return err
	}
	return &api.ValidationError{Op: store + "." + op, Reason: err.Error()}
}
