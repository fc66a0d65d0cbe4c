// Package kvsync implements syncstore.Store on top of a plain kvstore.Store.
//
// Every user has an info document under "store/<userid>" that records the
// committed version of each collection, and one document per collection
// under "store/<userid>/<collection>" holding a base/diff journal:
//
//	{"base": {"version": V0, "items": {...}},
//	 "diff": {"version": V1, "items": {...}, "timestamp": ms}}
//
// base.items is the collection as of base.version and diff.items is the
// patch that produces diff.version. A diff only counts once the info
// document names diff.version for the collection, so readers never see a
// half-applied write. A writer CASes the collection document first and the
// info document second. When the second CAS loses it restores the previous
// collection document and reports common.ErrWriteConflict.
//
// A diff that is never committed blocks other writers until it is older than
// the write timeout, after which it is treated as abandoned. Nothing fences a
// writer that stalls past the timeout and then resumes.
package kvsync

import (
	"time"

	"github.com/dmitrijs2005/syncstore/internal/logging"
	"github.com/dmitrijs2005/syncstore/internal/server/endpoints"
	"github.com/dmitrijs2005/syncstore/internal/server/kvstore"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
)

// DefaultWriteTimeout is the age after which an uncommitted diff is
// considered abandoned.
const DefaultWriteTimeout = time.Minute

// Store is the journal-backed sync store. It also serves the endpoint
// registry from the same key-value store.
type Store struct {
	*endpoints.Registry

	kv           kvstore.Store
	log          logging.Logger
	notifier     syncstore.Notifier
	writeTimeout time.Duration
	now          func() time.Time
}

var _ syncstore.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithNotifier(n syncstore.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{
		kv:           kv,
		log:          logging.Discard(),
		notifier:     syncstore.Nop,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.Registry = endpoints.NewRegistry(kv, endpoints.WithClock(s.now))
	return s
}

func infoKey(userID string) string { return "store/" + userID }

func collectionKey(userID, collection string) string {
	return "store/" + userID + "/" + collection
}
