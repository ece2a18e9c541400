package client

import (
	"pkt.systems/leasewire/internal/lease"
	"pkt.systems/leasewire/internal/txstore"
)

// Lease is a shared or exclusive lease granted by the agent.
type Lease = lease.Lease

// LeaseState is the lifecycle stage of a Lease.
type LeaseState = lease.State

// LeaseManager tracks the leases of one channel.
type LeaseManager = lease.Manager

// StoreOption customises the transactional store behind caches and kv.
type StoreOption = txstore.Option

// Lease states.
const (
	LeasePending  = lease.StatePending
	LeaseGranted  = lease.StateGranted
	LeaseReleased = lease.StateReleased
)

// ErrLeaseReleased is returned when a released lease is used.
var ErrLeaseReleased = lease.ErrReleased
