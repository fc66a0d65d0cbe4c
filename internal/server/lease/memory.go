package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memLease struct {
	owner   string
	expires time.Time
}

// Memory is an in-process Locker for single-node setups and tests.
type Memory struct {
	mu     sync.Mutex
	leases map[string]memLease
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: make(map[string]memLease), now: time.Now}
}

// NewMemoryWithClock is NewMemory with a custom time source.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := NewMemory()
	m.now = now
	return m
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expires) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}

	l := &Lease{Key: key, Owner: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	m.leases[key] = memLease{owner: l.Owner, expires: l.ExpiresAt}
	l.release = func(context.Context) error { return m.release(l) }
	return l, nil
}

func (m *Memory) release(l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[l.Key]
	if !ok || cur.owner != l.Owner {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.Key)
	}
	delete(m.leases, l.Key)
	return nil
}
