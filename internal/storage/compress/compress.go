// Package compress stores selected objects zstd-compressed and inflates them
// transparently on read.
package compress

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	"pkt.systems/leasewire/internal/storage"
)

// Config selects which keys are compressed.
type Config struct {
	// Prefixes lists key prefixes to compress. Empty compresses every key.
	Prefixes []string
	// Level is the zstd encoder level. Zero selects zstd.SpeedDefault.
	Level zstd.EncoderLevel
}

type backend struct {
	storage.Backend
	cfg Config
}

// Wrap returns a backend that compresses matching objects in inner.
// NamespaceLister is preserved when inner implements it.
func Wrap(inner storage.Backend, cfg Config) storage.Backend {
	if cfg.Level == 0 {
		cfg.Level = zstd.SpeedDefault
	}
	b := &backend{Backend: inner, cfg: cfg}
	if lister, ok := inner.(storage.NamespaceLister); ok {
		return &listingBackend{backend: b, NamespaceLister: lister}
	}
	return b
}

type listingBackend struct {
	*backend
	storage.NamespaceLister
}

func (b *backend) matches(key string) bool {
	if len(b.cfg.Prefixes) == 0 {
		return true
	}
	for _, p := range b.cfg.Prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// PutObject compresses body when key matches. The stored size reported in
// the returned info is the compressed size.
func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if !b.matches(key) {
		return b.Backend.PutObject(ctx, namespace, key, body, opts)
	}
	pr, pw := io.Pipe()
	enc, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(b.cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("compress: new encoder: %w", err)
	}
	go func() {
		_, err := io.Copy(enc, body)
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	opts.ContentType = storage.ContentTypeZstd
	info, err := b.Backend.PutObject(ctx, namespace, key, pr, opts)
	// Unblocks the encoder goroutine when the inner store stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	return info, err
}

// GetObject inflates objects stored with the zstd content type.
func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	res, err := b.Backend.GetObject(ctx, namespace, key)
	if err != nil || res.Info == nil || res.Info.ContentType != storage.ContentTypeZstd {
		return res, err
	}
	dec, err := zstd.NewReader(res.Reader)
	if err != nil {
		res.Reader.Close()
		return storage.GetObjectResult{}, fmt.Errorf("compress: new decoder: %w", err)
	}
	info := *res.Info
	info.ContentType = storage.ContentTypeOctetStream
	info.Size = -1
	return storage.GetObjectResult{Reader: &decodingReader{dec: dec, src: res.Reader}, Info: &info}, nil
}

type decodingReader struct {
	dec *zstd.Decoder
	src io.Closer
}

func (d *decodingReader) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decodingReader) Close() error {
	d.dec.Close()
	return d.src.Close()
}
