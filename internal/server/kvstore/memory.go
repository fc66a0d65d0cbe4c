package kvstore

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/syncstore/internal/common"
)

type memEntry struct {
	mu    sync.Mutex
	value []byte
	token uint64 // 0 while the key is absent

	refs int // callers holding the slot; guarded by Memory.mu
}

// Memory is an in-process Store. Each key owns its own critical section, so
// operations on different keys never contend; the outer lock only guards
// the lookup of a key's slot. A slot lives while it holds a value or a
// caller is using it.
//
// Tokens are drawn from one counter shared by all keys, so a key that is
// deleted and re-created never repeats an earlier token.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*memEntry
	seq   atomic.Uint64
}

// NewMemory creates an empty, isolated in-memory store.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*memEntry)}
}

// acquire returns the slot for key with its reference taken. With create
// unset it returns nil instead of adding a slot for an absent key.
func (m *Memory) acquire(key string, create bool) *memEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.slots[key]
	if !ok {
		if !create {
			return nil
		}
		e = &memEntry{}
		m.slots[key] = e
	}
	e.refs++
	return e
}

// release drops a reference taken by acquire. It must be called after e.mu
// is unlocked.
func (m *Memory) release(key string, e *memEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 && e.token == 0 {
		delete(m.slots, key)
	}
}

func (m *Memory) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := m.acquire(key, false)
	if e == nil {
		return nil, nil
	}
	defer m.release(key, e)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.token == 0 {
		return nil, nil
	}
	// Copy so callers cannot modify stored data.
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return &Entry{Value: value, Token: formatToken(e.token)}, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := m.acquire(key, true)
	defer m.release(key, e)
	e.mu.Lock()
	defer e.mu.Unlock()

	m.store(e, value)
	return nil
}

func (m *Memory) CAS(ctx context.Context, key string, value []byte, token CasToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := m.acquire(key, true)
	defer m.release(key, e)
	e.mu.Lock()
	defer e.mu.Unlock()

	if formatToken(e.token) != token {
		return common.ErrCasMismatch
	}
	m.store(e, value)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := m.acquire(key, false)
	if e == nil {
		return nil
	}
	defer m.release(key, e)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.value = nil
	e.token = 0
	return nil
}

// Len returns the number of keys currently present.
func (m *Memory) Len() int {
	m.mu.Lock()
	slots := make([]*memEntry, 0, len(m.slots))
	for _, e := range m.slots {
		slots = append(slots, e)
	}
	m.mu.Unlock()

	n := 0
	for _, e := range slots {
		e.mu.Lock()
		if e.token != 0 {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// store must be called with e.mu held.
func (m *Memory) store(e *memEntry, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	e.value = stored
	e.token = m.seq.Add(1)
}

func formatToken(t uint64) CasToken {
	if t == 0 {
		return NoToken
	}
	return CasToken(strconv.FormatUint(t, 10))
}
