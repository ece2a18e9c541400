package lease

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"
)

// State is the lifecycle of a Lease. It only moves forward.
type State int

const (
	// StatePending means the authority queued the request.
	StatePending State = iota
	// StateGranted means the lease is held.
	StateGranted
	// StateReleased means the lease was given back.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateGranted:
		return "granted"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// ErrReleased is returned when a released lease is used.
var ErrReleased = errors.New("lease: released")

// Lease is a granted shared or exclusive lease.
type Lease struct {
	m          *Manager
	resourceID string
	exclusive  bool
	token      string
	logger     pslog.Logger

	mu    sync.Mutex
	state State
}

// ResourceID returns the leased resource.
func (l *Lease) ResourceID() string { return l.resourceID }

// Exclusive reports whether the lease excludes every other holder.
func (l *Lease) Exclusive() bool { return l.exclusive }

// Token returns the authority-assigned token.
func (l *Lease) Token() string { return l.token }

// State returns the current lifecycle state.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lease) grant() {
	l.mu.Lock()
	if l.state == StatePending {
		l.state = StateGranted
	}
	l.mu.Unlock()
}

// Release gives the lease back. It is idempotent: only the first call sends
// a RELEASE. Failures are logged and returned but never retried, and the
// lease stays released.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateReleased {
		l.mu.Unlock()
		return nil
	}
	wasGranted := l.state == StateGranted
	l.state = StateReleased
	l.mu.Unlock()
	if wasGranted {
		l.m.held.Add(-1)
	}
	err := l.m.sendRelease(ctx, l.resourceID, l.token, l.logger)
	if err == nil {
		l.logger.Debug("lease.release.success", "token", l.token)
	}
	return err
}

// Check returns ErrReleased once the lease has been released.
func (l *Lease) Check() error {
	if l.State() == StateReleased {
		return ErrReleased
	}
	return nil
}
