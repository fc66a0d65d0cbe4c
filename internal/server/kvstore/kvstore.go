// Package kvstore provides a minimal key-value contract with check-and-set
// semantics, modelled on the memcache get/set/cas/delete API, plus its
// backends: an in-process map, a PostgreSQL table and an S3 bucket.
//
// All backends guarantee per-key linearizability: two concurrent CAS calls
// against the same key can never both succeed with the same prior token, and
// every successful Set or CAS publishes a token that was never handed out
// before for that key.
package kvstore

import "context"

// CasToken identifies one stored revision of a key. Tokens are opaque; they
// are only ever compared for equality by the backend that issued them.
type CasToken string

// NoToken is the "absent" sentinel: CAS with NoToken succeeds only when the
// key does not exist yet.
const NoToken CasToken = ""

// Entry is a stored value together with the token of its revision.
type Entry struct {
	Value []byte
	Token CasToken
}

// Store is the key-value contract consumed by the journal sync store and the
// endpoint registry.
type Store interface {
	// Get returns the current entry, or nil (and no error) if the key is absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set overwrites the key unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// CAS writes value only if the stored token equals token (or, for
	// NoToken, the key is absent). Otherwise it fails with
	// common.ErrCasMismatch.
	CAS(ctx context.Context, key string, value []byte, token CasToken) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
