// Package storetest holds the behavioural suite every syncstore.Store
// backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh, empty store that reports commits to n.
type Factory func(t *testing.T, n syncstore.Notifier) syncstore.Store

// Recorder is a Notifier that keeps every change it sees.
type Recorder struct {
	mu      sync.Mutex
	changes []syncstore.Change
}

func (r *Recorder) Notify(_ context.Context, c syncstore.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

// Changes returns a copy of the recorded changes.
func (r *Recorder) Changes() []syncstore.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syncstore.Change(nil), r.changes...)
}

func payload(s string) syncstore.ItemUpdate { return syncstore.ItemUpdate{Payload: &s} }

func deleted() syncstore.ItemUpdate {
	d := true
	return syncstore.ItemUpdate{Deleted: &d}
}

func version(v int64) *int64 { return &v }

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyAccount", func(t *testing.T) { testEmptyAccount(t, newStore) })
	t.Run("EndToEnd", func(t *testing.T) { testEndToEnd(t, newStore) })
	t.Run("Monotonicity", func(t *testing.T) { testMonotonicity(t, newStore) })
	t.Run("IsolationAcrossCollections", func(t *testing.T) { testIsolation(t, newStore) })
	t.Run("IsolationAcrossUsers", func(t *testing.T) { testUsers(t, newStore) })
	t.Run("MergeSemantics", func(t *testing.T) { testMerge(t, newStore) })
	t.Run("ConditionalWrite", func(t *testing.T) { testConditional(t, newStore) })
	t.Run("DeleteUserData", func(t *testing.T) { testDeleteAll(t, newStore) })
	t.Run("Notifications", func(t *testing.T) { testNotifications(t, newStore) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrent(t, newStore) })
}

func testEmptyAccount(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, syncstore.Nop)

	info, err := s.GetCollections(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Version)
	assert.Empty(t, info.Collections)

	col, err := s.GetItems(ctx, "nobody", "notes")
	require.NoError(t, err)
	assert.Equal(t, int64(0), col.Version)
	assert.Empty(t, col.Items)
}

func testEndToEnd(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, syncstore.Nop)

	v, err := s.SetItems(ctx, "alice", "notes", map[string]syncstore.ItemUpdate{"n1": payload("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.SetItems(ctx, "alice", "notes", map[string]syncstore.ItemUpdate{"n2": payload("bye")}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	col, err := s.GetItems(ctx, "alice", "notes")
	require.NoError(t, err)
	assert.Equal(t, int64(2), col.Version)
	require.Len(t, col.Items, 2)
	assert.Equal(t, "hi", col.Items["n1"].Payload)
	assert.Equal(t, int64(1), col.Items["n1"].Version)
	assert.False(t, col.Items["n1"].Deleted)
	assert.Equal(t, "bye", col.Items["n2"].Payload)
	assert.Equal(t, int64(2), col.Items["n2"].Version)
	assert.Positive(t, col.Items["n2"].Timestamp)

	info, err := s.GetCollections(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)
	assert.Equal(t, map[string]int64{"notes": 2}, info.Collections)
}

func testMonotonicity(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, syncstore.Nop)

	var last int64
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("item%d", i%3)
		v, err := s.SetItems(ctx, "bob", "tabs", map[string]syncstore.ItemUpdate{id: payload(id)}, nil)
		require.NoError(t, err)
		assert.Greater(t, v, last)
		last = v

		col, err := s.GetItems(ctx, "bob", "tabs")
		require.NoError(t, err)
		assert.Equal(t, v, col.Version)
		assert.Equal(t, v, col.Items[id].Version)
	}
}

func testIsolation(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, syncstore.Nop)

	va, err := s.SetItems(ctx, "carol", "a", map[string]syncstore.ItemUpdate{"x": payload("1")}, nil)
	require.NoError(t, err)
	vb, err := s.SetItems(ctx, "carol", "b", map[string]syncstore.ItemUpdate{"y": payload("2")}, nil)
	require.NoError(t, err)
	assert.Greater(t, vb, va)

	info, err := s.GetCollections(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, vb, info.Version)
	assert.Equal(t, map[string]int64{"a": va, "b": vb}, info.Collections)

	col, err := s.GetItems(ctx, "carol", "a")
	require.NoError(t, err)
	assert.Equal(t, va, col.Version)
	assert.Len(t, col.Items, 1)
}

func testUsers(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, syncstore.Nop)

	_, err := s.SetItems(ctx, "dave", "notes", map[string]syncstore.ItemUpdate{"d": payload("dave")}, nil)
	require.NoError(t, err)
	v, err := s.SetItems(ctx, "erin", "notes", map[string]syncstore.ItemUpdate{"e": payload("erin")}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "versions are per account")

	col, err := s.GetItems(ctx, "erin", "notes")
	require.NoError(t, err)
	assert.NotContains(t, col.Items, "d")
}

func testMerge(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, syncstore.Nop)

	_, err := s.SetItems(ctx, "frank", "bookmarks", map[string]syncstore.ItemUpdate{
		"x": payload("A"),
		"y": payload("B"),
	}, nil)
	require.NoError(t, err)

	_, err = s.SetItems(ctx, "frank", "bookmarks", map[string]syncstore.ItemUpdate{"x": deleted()}, nil)
	require.NoError(t, err)

	col, err := s.GetItems(ctx, "frank", "bookmarks")
	require.NoError(t, err)
	assert.True(t, col.Items["x"].Deleted)
	assert.Equal(t, "", col.Items["x"].Payload)
	assert.Equal(t, "B", col.Items["y"].Payload)
	assert.Equal(t, int64(1), col.Items["y"].Version)

	_, err = s.SetItems(ctx, "frank", "bookmarks", map[string]syncstore.ItemUpdate{"y": {}}, nil)
	require.NoError(t, err)

	col, err = s.GetItems(ctx, "frank", "bookmarks")
	require.NoError(t, err)
	assert.Equal(t, "B", col.Items["y"].Payload, "unset payload is inherited")
	assert.Equal(t, int64(3), col.Items["y"].Version)
}

func testConditional(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, syncstore.Nop)

	v1, err := s.SetItems(ctx, "gina", "prefs", map[string]syncstore.ItemUpdate{"p": payload("1")}, version(0))
	require.NoError(t, err)

	v2, err := s.SetItems(ctx, "gina", "prefs", map[string]syncstore.ItemUpdate{"p": payload("2")}, version(v1))
	require.NoError(t, err)

	_, err = s.SetItems(ctx, "gina", "prefs", map[string]syncstore.ItemUpdate{"p": payload("stale")}, version(v1))
	assert.ErrorIs(t, err, common.ErrVersionMismatch)

	col, err := s.GetItems(ctx, "gina", "prefs")
	require.NoError(t, err)
	assert.Equal(t, v2, col.Version)
	assert.Equal(t, "2", col.Items["p"].Payload)

	// A larger expected version is not a mismatch.
	_, err = s.SetItems(ctx, "gina", "prefs", map[string]syncstore.ItemUpdate{"p": payload("3")}, version(v2+10))
	assert.NoError(t, err)
}

func testDeleteAll(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, syncstore.Nop)

	for _, c := range []string{"notes", "tabs"} {
		_, err := s.SetItems(ctx, "hank", c, map[string]syncstore.ItemUpdate{"i": payload(c)}, nil)
		require.NoError(t, err)
	}
	_, err := s.SetItems(ctx, "ivy", "notes", map[string]syncstore.ItemUpdate{"i": payload("ivy")}, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteUserData(ctx, "hank"))
	require.NoError(t, s.DeleteUserData(ctx, "never-existed"))

	info, err := s.GetCollections(ctx, "hank")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Version)
	assert.Empty(t, info.Collections)

	for _, c := range []string{"notes", "tabs"} {
		col, err := s.GetItems(ctx, "hank", c)
		require.NoError(t, err)
		assert.Equal(t, int64(0), col.Version)
		assert.Empty(t, col.Items)
	}

	col, err := s.GetItems(ctx, "ivy", "notes")
	require.NoError(t, err)
	assert.Equal(t, "ivy", col.Items["i"].Payload)

	v, err := s.SetItems(ctx, "hank", "notes", map[string]syncstore.ItemUpdate{"j": payload("again")}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "a reset account starts over")
}

func testNotifications(t *testing.T, newStore Factory) {
	ctx := context.Background()
	rec := &Recorder{}
	s := newStore(t, rec)

	v, err := s.SetItems(ctx, "jack", "notes", map[string]syncstore.ItemUpdate{"n": payload("x")}, nil)
	require.NoError(t, err)

	_, err = s.SetItems(ctx, "jack", "notes", map[string]syncstore.ItemUpdate{"n": payload("y")}, version(0))
	require.ErrorIs(t, err, common.ErrVersionMismatch)

	require.NoError(t, s.DeleteUserData(ctx, "jack"))

	assert.Equal(t, []syncstore.Change{
		{UserID: "jack", Collection: "notes", Version: v},
		{UserID: "jack"},
	}, rec.Changes())
}

func testConcurrent(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := syncstore.WithRetry(newStore(t, syncstore.Nop), 200)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", i)
			_, err := s.SetItems(ctx, "kate", "shared", map[string]syncstore.ItemUpdate{id: payload(id)}, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	col, err := s.GetItems(ctx, "kate", "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), col.Version)
	require.Len(t, col.Items, writers, "no lost updates")

	seen := map[int64]bool{}
	for id, it := range col.Items {
		assert.Equal(t, id, it.Payload)
		assert.False(t, seen[it.Version], "each writer committed its own version")
		seen[it.Version] = true
	}
}
