package api

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportReset reports that the channel closed or reset. Every
	// outstanding call, pending lease wait, and held lease is lost with it.
	ErrTransportReset = errors.New("leasewire: transport reset")
	// ErrCallTimeout reports that no response arrived before the deadline.
	ErrCallTimeout = errors.New("leasewire: call timeout")
)

// RemoteError reports a call answered with a non-OK canonical code.
type RemoteError struct {
	Kind    CallKind
	Code    Code
	Reason  string
	Message string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Kind, e.Code, e.Reason, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, msg)
}

// Is maps remote timeout and reset codes onto the local sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrCallTimeout:
		return e.Code == CodeTimeout
	case ErrTransportReset:
		return e.Code == CodeConnectionReset
	}
	return false
}

// ValidationError reports a request rejected locally before it reached the
// remote store.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Op == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Op, e.Reason)
}

// ConflictReason discriminates remote state conflicts.
type ConflictReason string

const (
	// ConflictInvalidState reports remote state that does not permit the operation.
	ConflictInvalidState ConflictReason = "invalid_state"
	// ConflictQuotaExceeded reports that the remote store refused the write size.
	ConflictQuotaExceeded ConflictReason = "quota_exceeded"
	// ConflictNotFound reports a missing resource.
	ConflictNotFound ConflictReason = "not_found"
)

// ConflictError reports remote resource state conflicts.
type ConflictError struct {
	Reason ConflictReason
	Detail string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("conflict: %s: %s", e.Reason, e.Detail)
	}
	return "conflict: " + string(e.Reason)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ConflictFromRemote maps a remote client error carrying a known reason onto
// a ConflictError. Other errors are returned unchanged.
func ConflictFromRemote(err error) error {
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeClientError {
		return err
	}
	switch ConflictReason(remote.Reason) {
	case ConflictInvalidState, ConflictQuotaExceeded, ConflictNotFound:
		return &ConflictError{Reason: ConflictReason(remote.Reason), Detail: remote.Message, Err: err}
	}
	return err
}

// IsTimeout reports whether err is a call timeout, local or remote.
func IsTimeout(err error) bool { return errors.Is(err, ErrCallTimeout) }

// IsReset reports whether err stems from a transport reset.
func IsReset(err error) bool { return errors.Is(err, ErrTransportReset) }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err carries a ConflictError with the given
// reason. An empty reason matches any conflict.
func IsConflict(err error, reason ConflictReason) bool {
	var c *ConflictError
	if !errors.As(err, &c) {
		return false
	}
	return reason == "" || c.Reason == reason
}
