// Package common defines the sentinel errors shared by the storage engine,
// its backends and the HTTP layer. Callers should use errors.Is to match
// these values; backends wrap them with context via fmt.Errorf("%w").
package common

import "errors"

var (
	// Key-value backend errors.
	ErrCasMismatch = errors.New("cas mismatch")

	// Sync engine errors.
	ErrVersionMismatch  = errors.New("syncstore: version mismatch")
	ErrWriteConflict    = errors.New("syncstore: write conflict")
	ErrTooManyConflicts = errors.New("syncstore: too many conflicts")
	ErrDataCorruption   = errors.New("syncstore: data corruption detected")

	// Validation errors.
	ErrInvalidItem       = errors.New("syncstore: invalid item")
	ErrBatchTooLarge     = errors.New("syncstore: too many items in batch")
	ErrInvalidUserID     = errors.New("syncstore: invalid user id")
	ErrInvalidCollection = errors.New("syncstore: invalid collection name")

	// Endpoint registration errors.
	ErrUnknownEndpoint = errors.New("syncstore: unknown endpoint")
	ErrInvalidEndpoint = errors.New("syncstore: invalid endpoint url")

	// Auth errors. A token that does not verify against the server secret is
	// unknown rather than malformed.
	ErrUnknownToken = errors.New("unknown token")
	ErrTokenExpired = errors.New("token expired")
)
