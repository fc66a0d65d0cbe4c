// Package syncstore defines the versioned collection store consumed by the
// HTTP layer, together with the helpers shared by its backends.
//
// Each user owns a set of named collections. Every committed write to a
// collection allocates a new version from the user's account-wide counter, so
// collection versions and the account version only ever increase. Backends
// live in sub-packages:
//
//   - kvsync: base/diff journal documents over a kvstore.Store
//   - sqlsync: row locks inside a PostgreSQL transaction
//   - dynsync: DynamoDB tables serialized by a per-user lease
//
// All backends share one merge rule (MergeItem) and emit a Change through a
// Notifier after each committed write or account deletion.
package syncstore
