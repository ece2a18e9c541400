// Package correlation threads a caller chosen identifier through the
// contexts of lease, call and store operations so their log lines and spans
// can be joined.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/internal/uuidv7"
)

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

// LogKey is the structured log field carrying the identifier.
const LogKey = "cid"

type idKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	id, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, idKey{}, id)
}

// ID returns the identifier carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(idKey{}).(string)
	return id
}

// Logger annotates logger with the identifier carried by ctx.
func Logger(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if id := ID(ctx); id != "" {
		return logger.With(LogKey, id)
	}
	return logger
}

// Normalize trims id and accepts it when it is printable ASCII no longer
// than MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	if strings.IndexFunc(id, func(r rune) bool { return r < 0x20 || r > 0x7e }) >= 0 {
		return "", false
	}
	return id, true
}

// New returns a fresh time-ordered identifier.
func New() string { return uuidv7.NewString() }
