package txstore

import (
	"context"

	"pkt.systems/leasewire/internal/lease"
)

// Lease is a held lease.
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseAcquirer obtains leases on page resources.
type LeaseAcquirer interface {
	AcquireLease(ctx context.Context, resourceID string, exclusive bool) (Lease, error)
}

// LeaseFunc adapts a function to LeaseAcquirer.
type LeaseFunc func(ctx context.Context, resourceID string, exclusive bool) (Lease, error)

// AcquireLease calls f.
func (f LeaseFunc) AcquireLease(ctx context.Context, resourceID string, exclusive bool) (Lease, error) {
	return f(ctx, resourceID, exclusive)
}

// Leases adapts a lease manager.
func Leases(m *lease.Manager) LeaseAcquirer {
	return LeaseFunc(func(ctx context.Context, resourceID string, exclusive bool) (Lease, error) {
		l, err := m.Acquire(ctx, resourceID, exclusive)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
}
