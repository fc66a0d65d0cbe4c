// Package lease provides advisory, time-bounded mutual exclusion keyed by
// string. A holder must release its lease explicitly; an unreleased lease
// lapses on its own once its TTL has passed, so a crashed holder blocks
// others for at most one TTL.
package lease

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is the lease duration used when none is configured.
const DefaultTTL = 5 * time.Minute

var (
	// ErrLeaseHeld is returned by Acquire while another owner holds the key.
	ErrLeaseHeld = errors.New("lease: held by another owner")

	// ErrLeaseLost is returned by Release when the lease expired and was
	// taken over, or is already gone.
	ErrLeaseLost = errors.New("lease: no longer held")
)

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is a granted lock on Key until ExpiresAt.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time

	release func(ctx context.Context) error
}

// Valid reports whether the lease is still unexpired at now.
func (l *Lease) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Release gives the lease up. Releasing a lease that has already been taken
// over by another owner returns ErrLeaseLost and leaves the new owner's
// lease untouched.
func (l *Lease) Release(ctx context.Context) error {
	return l.release(ctx)
}
