// Package svcfields holds the log field conventions shared by every
// leasewire component.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags log entries with the dotted path of the emitting
// component, e.g. "agent.locks" or "transport.127.0.0.1:5555".
const SubsystemKey = pslog.TrustedString("sys")

// WithSubsystem tags logger with the subsystem path built from parts. Empty
// parts are skipped; a nil logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	if b.Len() == 0 {
		return logger
	}
	return logger.With(SubsystemKey, b.String())
}
