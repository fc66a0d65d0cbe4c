package syncstore

import (
	"context"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/retryx"
)

type retrying struct {
	Store
	attempts int
}

// WithRetry wraps s so that SetItems is re-run on common.ErrWriteConflict,
// up to attempts calls in total. Each attempt re-reads the current state
// inside the backend. Exhaustion yields common.ErrTooManyConflicts.
func WithRetry(s Store, attempts int) Store {
	if attempts < 1 {
		attempts = retryx.DefaultAttempts
	}
	return &retrying{Store: s, attempts: attempts}
}

func (r *retrying) SetItems(ctx context.Context, userID, collection string, items map[string]ItemUpdate, expected *int64) (int64, error) {
	var version int64
	err := retryx.Do(ctx, r.attempts, common.ErrWriteConflict, func(ctx context.Context) error {
		v, err := r.Store.SetItems(ctx, userID, collection, items, expected)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}
