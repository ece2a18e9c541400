// Package storage defines the durable object store behind the agent. Pages
// and content objects are both stored as objects within a namespace.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants used for stored blobs.
const (
	ContentTypeCBOR        = "application/cbor"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeZstd        = "application/zstd"
)

var (
	// ErrNotFound indicates the requested object is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent change.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrExists indicates an IfNotExists write found an existing object.
	ErrExists = errors.New("storage: already exists")
)

// ObjectInfo captures metadata exposed by backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// GetObjectResult pairs a reader with its metadata. Callers close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions controls conditional semantics for PutObject.
type PutObjectOptions struct {
	// ExpectedETag enables CAS semantics. When empty, no CAS is enforced.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics. Ignored when
	// ExpectedETag is set.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// Backend defines the storage contract expected by the agent.
type Backend interface {
	// GetObject fetches the bytes stored at key. Callers must close the reader.
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	// PutObject writes a blob to key, applying conditional semantics when
	// opts.ExpectedETag or opts.IfNotExists are set.
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes the object at key.
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	// ListObjects enumerates objects in ascending lexical key order.
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

// NamespaceLister reports all namespaces stored in the backend, when supported.
type NamespaceLister interface {
	ListNamespaces(ctx context.Context) ([]string, error)
}

// ListAll pages through ListObjects until every object under prefix is seen.
func ListAll(ctx context.Context, b Backend, namespace, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	opts := ListOptions{Prefix: prefix, Limit: 1000}
	for {
		res, err := b.ListObjects(ctx, namespace, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		if !res.Truncated || res.NextStartAfter == "" {
			return out, nil
		}
		opts.StartAfter = res.NextStartAfter
	}
}

// ReadAll reads an entire object.
func ReadAll(ctx context.Context, b Backend, namespace, key string) ([]byte, *ObjectInfo, error) {
	res, err := b.GetObject(ctx, namespace, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, err
	}
	return data, res.Info, nil
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
