package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/codec"
	"pkt.systems/leasewire/internal/storage"
	"pkt.systems/leasewire/namespaces"
)

const (
	pagePrefix   = "pages/"
	objectPrefix = "objects/"
)

// ObjectPrefix is the key prefix of content objects; storage wrappers use it
// to select what to compress.
const ObjectPrefix = objectPrefix

type pageDoc struct {
	Records []api.Record `cbor:"records"`
}

// PageStore lays pages and their content objects out on a storage backend.
// Pages are CBOR documents under "pages/"; content objects live under
// "objects/<page>/".
type PageStore struct {
	backend        storage.Backend
	codec          codec.Codec
	maxPageBytes   int64
	maxObjectBytes int64
}

// NewPageStore builds a PageStore. Zero limits disable the quota.
func NewPageStore(backend storage.Backend, maxPageBytes, maxObjectBytes int64) *PageStore {
	return &PageStore{
		backend:        backend,
		codec:          codec.CBOR(),
		maxPageBytes:   maxPageBytes,
		maxObjectBytes: maxObjectBytes,
	}
}

func validateRef(op string, ref api.PageRef) (string, error) {
	ns, err := namespaces.Normalize(ref.Namespace)
	if err != nil {
		return "", &api.ValidationError{Op: op, Reason: err.Error()}
	}
	if ref.Page == "" {
		return "", &api.ValidationError{Op: op, Reason: "page required"}
	}
	return ns, nil
}

func pageKey(page string) string { return pagePrefix + url.PathEscape(page) }

func objectDir(page string) string { return objectPrefix + url.PathEscape(page) + "/" }

func objectKey(page, objectID string) string { return objectDir(page) + url.PathEscape(objectID) }

// ReadPage returns the records of a page and whether it exists.
func (p *PageStore) ReadPage(ctx context.Context, ref api.PageRef) ([]api.Record, bool, error) {
	ns, err := validateRef("pageRead", ref)
	if err != nil {
		return nil, false, err
	}
	data, _, err := storage.ReadAll(ctx, p.backend, ns, pageKey(ref.Page))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("agent: read page %q: %w", ref.Page, err)
	}
	var doc pageDoc
	if err := p.codec.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("agent: decode page %q: %w", ref.Page, err)
	}
	return doc.Records, true, nil
}

// WritePage replaces every record of a page, creating it when missing.
func (p *PageStore) WritePage(ctx context.Context, ref api.PageRef, records []api.Record) error {
	ns, err := validateRef("pageWrite", ref)
	if err != nil {
		return err
	}
	data, err := p.codec.Marshal(pageDoc{Records: records})
	if err != nil {
		return fmt.Errorf("agent: encode page %q: %w", ref.Page, err)
	}
	if p.maxPageBytes > 0 && int64(len(data)) > p.maxPageBytes {
		return &api.ConflictError{
			Reason: api.ConflictQuotaExceeded,
			Detail: fmt.Sprintf("page %q is %d bytes, limit %d", ref.Page, len(data), p.maxPageBytes),
		}
	}
	_, err = p.backend.PutObject(ctx, ns, pageKey(ref.Page), bytes.NewReader(data), storage.PutObjectOptions{ContentType: storage.ContentTypeCBOR})
	if err != nil {
		return fmt.Errorf("agent: write page %q: %w", ref.Page, err)
	}
	return nil
}

// CreatePage creates an empty page and reports false when it already existed.
func (p *PageStore) CreatePage(ctx context.Context, ref api.PageRef) (bool, error) {
	ns, err := validateRef("pageCreate", ref)
	if err != nil {
		return false, err
	}
	data, err := p.codec.Marshal(pageDoc{})
	if err != nil {
		return false, err
	}
	_, err = p.backend.PutObject(ctx, ns, pageKey(ref.Page), bytes.NewReader(data), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeCBOR})
	switch {
	case errors.Is(err, storage.ErrExists):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("agent: create page %q: %w", ref.Page, err)
	}
	return true, nil
}

// DeletePage removes a page and every content object filed under it.
func (p *PageStore) DeletePage(ctx context.Context, ref api.PageRef) (bool, error) {
	ns, err := validateRef("pageDelete", ref)
	if err != nil {
		return false, err
	}
	objects, err := storage.ListAll(ctx, p.backend, ns, objectDir(ref.Page))
	if err != nil {
		return false, fmt.Errorf("agent: list objects of %q: %w", ref.Page, err)
	}
	for _, obj := range objects {
		if err := p.backend.DeleteObject(ctx, ns, obj.Key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			return false, fmt.Errorf("agent: delete object %q: %w", obj.Key, err)
		}
	}
	err = p.backend.DeleteObject(ctx, ns, pageKey(ref.Page), storage.DeleteObjectOptions{})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("agent: delete page %q: %w", ref.Page, err)
	}
	return true, nil
}

// ListPages returns page names of namespace starting with prefix, ascending.
func (p *PageStore) ListPages(ctx context.Context, namespace, prefix string) ([]string, error) {
	ns, err := namespaces.Normalize(namespace)
	if err != nil {
		return nil, &api.ValidationError{Op: "pageList", Reason: err.Error()}
	}
	objects, err := storage.ListAll(ctx, p.backend, ns, pagePrefix+url.PathEscape(prefix))
	if err != nil {
		return nil, fmt.Errorf("agent: list pages: %w", err)
	}
	pages := make([]string, 0, len(objects))
	for _, obj := range objects {
		name, err := url.PathUnescape(strings.TrimPrefix(obj.Key, pagePrefix))
		if err != nil {
			continue
		}
		pages = append(pages, name)
	}
	return pages, nil
}

// WriteObject stores a content object read from r.
func (p *PageStore) WriteObject(ctx context.Context, ref api.PageRef, objectID string, r io.Reader) (int64, error) {
	ns, err := validateRef("objectWrite", ref)
	if err != nil {
		return 0, err
	}
	if objectID == "" {
		return 0, &api.ValidationError{Op: "objectWrite", Reason: "object id required"}
	}
	src := &countingReader{r: r}
	body := io.Reader(src)
	if p.maxObjectBytes > 0 {
		body = &quotaReader{r: src, limit: p.maxObjectBytes}
	}
	_, err = p.backend.PutObject(ctx, ns, objectKey(ref.Page, objectID), body, storage.PutObjectOptions{ContentType: storage.ContentTypeOctetStream})
	if err != nil {
		var conflict *api.ConflictError
		if errors.As(err, &conflict) {
			return src.n, conflict
		}
		return src.n, fmt.Errorf("agent: write object %q: %w", objectID, err)
	}
	return src.n, nil
}

// ReadObject opens a content object. Missing objects report
// ConflictNotFound.
func (p *PageStore) ReadObject(ctx context.Context, ref api.PageRef, objectID string) (io.ReadCloser, error) {
	ns, err := validateRef("objectRead", ref)
	if err != nil {
		return nil, err
	}
	res, err := p.backend.GetObject(ctx, ns, objectKey(ref.Page, objectID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &api.ConflictError{Reason: api.ConflictNotFound, Detail: "object " + objectID, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("agent: read object %q: %w", objectID, err)
	}
	return res.Reader, nil
}

// DeleteObject removes a content object and reports whether it existed.
func (p *PageStore) DeleteObject(ctx context.Context, ref api.PageRef, objectID string) (bool, error) {
	ns, err := validateRef("objectDelete", ref)
	if err != nil {
		return false, err
	}
	err = p.backend.DeleteObject(ctx, ns, objectKey(ref.Page, objectID), storage.DeleteObjectOptions{})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("agent: delete object %q: %w", objectID, err)
	}
	return true, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type quotaReader struct {
	r     io.Reader
	read  int64
	limit int64
}

func (q *quotaReader) Read(p []byte) (int, error) {
	n, err := q.r.Read(p)
	q.read += int64(n)
	if q.read > q.limit {
		return n, &api.ConflictError{
			Reason: api.ConflictQuotaExceeded,
			Detail: fmt.Sprintf("object exceeds %d bytes", q.limit),
		}
	}
	return n, err
}
