package client

import (
	"context"

	"pkt.systems/leasewire/internal/correlation"
)

// MaxCorrelationIDLength bounds the length of caller supplied correlation
// identifiers.
const MaxCorrelationIDLength = correlation.MaxIDLength

// NormalizeCorrelationID trims and validates an identifier.
func NormalizeCorrelationID(id string) (string, bool) {
	return correlation.Normalize(id)
}

// WithCorrelationID annotates ctx with a correlation identifier. Lease and
// store log lines emitted for calls made with ctx carry it as "cid".
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.With(ctx, id)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}

// GenerateCorrelationID creates a new correlation identifier.
func GenerateCorrelationID() string {
	return correlation.New()
}
