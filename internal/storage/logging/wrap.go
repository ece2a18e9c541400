// Package logging decorates a storage.Backend with otel spans and debug logs.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/leasewire/internal/correlation"
	"pkt.systems/leasewire/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging. NamespaceLister is preserved
// when inner implements it.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	b := &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/leasewire/storage"),
		sys:    sys,
	}
	if lister, ok := inner.(storage.NamespaceLister); ok {
		return &listingBackend{backend: b, lister: lister}
	}
	return b
}

func (b *backend) start(ctx context.Context, op, namespace, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "leasewire.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("leasewire.storage.operation", op),
		attribute.String("leasewire.storage.namespace", namespace),
		attribute.String("leasewire.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With(correlation.LogKey, corr)
		span.SetAttributes(attribute.String("leasewire.correlation_id", corr))
	}
	logger = logger.With("namespace", namespace, "key", key)
	logger.Trace("storage." + op + ".begin")
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".success", "elapsed", elapsed)
		}
		span.SetAttributes(attribute.Int64("leasewire.storage.duration_ms", elapsed.Milliseconds()))
		span.End()
	}
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, span, _, finish := b.start(ctx, "get_object", namespace, key)
	res, err := b.inner.GetObject(ctx, namespace, key)
	if err == nil && res.Info != nil {
		span.SetAttributes(attribute.Int64("leasewire.storage.size", res.Info.Size))
	}
	finish(err)
	return res, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, _, finish := b.start(ctx, "put_object", namespace, key)
	span.SetAttributes(
		attribute.Bool("leasewire.storage.if_not_exists", opts.IfNotExists),
		attribute.Bool("leasewire.storage.cas", opts.ExpectedETag != ""),
	)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	if err == nil && info != nil {
		span.SetAttributes(attribute.Int64("leasewire.storage.size", info.Size))
	}
	finish(err)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, _, _, finish := b.start(ctx, "delete_object", namespace, key)
	err := b.inner.DeleteObject(ctx, namespace, key, opts)
	finish(err)
	return err
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, _, finish := b.start(ctx, "list_objects", namespace, opts.Prefix)
	res, err := b.inner.ListObjects(ctx, namespace, opts)
	if err == nil && res != nil {
		span.SetAttributes(
			attribute.Int("leasewire.storage.count", len(res.Objects)),
			attribute.Bool("leasewire.storage.truncated", res.Truncated),
		)
	}
	finish(err)
	return res, err
}

func (b *backend) Close() error {
	b.logger.Debug("storage.close")
	return b.inner.Close()
}

type listingBackend struct {
	*backend
	lister storage.NamespaceLister
}

func (b *listingBackend) ListNamespaces(ctx context.Context) ([]string, error) {
	ctx, _, _, finish := b.start(ctx, "list_namespaces", "", "")
	out, err := b.lister.ListNamespaces(ctx)
	finish(err)
	return out, err
}
