package syncstore

import (
	"context"
)

// Item is a single versioned record of a collection.
type Item struct {
	ID        string `json:"id"`
	Payload   string `json:"payload"`
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Deleted   bool   `json:"deleted"`
}

// ItemUpdate is an incoming write for one item. Nil fields are inherited from
// the stored item, if any.
type ItemUpdate struct {
	ID      string  `json:"id"`
	Payload *string `json:"payload,omitempty"`
	Deleted *bool   `json:"deleted,omitempty"`
}

// Info is the per-user index of collection versions. Version is the
// high-water mark over all collections.
type Info struct {
	Version     int64            `json:"version"`
	Collections map[string]int64 `json:"collections"`
}

// Collection is a consistent snapshot of one collection.
type Collection struct {
	Version int64           `json:"version"`
	Items   map[string]Item `json:"items"`
}

// EmptyInfo is returned for users that have never written anything.
func EmptyInfo() *Info {
	return &Info{Collections: map[string]int64{}}
}

// EmptyCollection is returned for collections that do not exist.
func EmptyCollection() *Collection {
	return &Collection{Items: map[string]Item{}}
}

// Store is implemented by every sync backend.
type Store interface {
	// GetCollections returns the user's info document, version 0 if none.
	GetCollections(ctx context.Context, userID string) (*Info, error)

	// GetItems returns the committed state of a collection, version 0 and
	// no items if the collection is unknown.
	GetItems(ctx context.Context, userID, collection string) (*Collection, error)

	// SetItems merges items into the collection and commits them at a new
	// version, which is returned. When expected is non-nil and the
	// collection's version is greater, it fails with
	// common.ErrVersionMismatch without writing. A lost race fails with
	// common.ErrWriteConflict and may be retried.
	SetItems(ctx context.Context, userID, collection string, items map[string]ItemUpdate, expected *int64) (int64, error)

	// DeleteUserData removes every collection of the user.
	DeleteUserData(ctx context.Context, userID string) error
}
