package syncstore

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/stretchr/testify/assert"
)

type flakyStore struct {
	Store
	failures int
	err      error
	calls    int
}

func (f *flakyStore) SetItems(context.Context, string, string, map[string]ItemUpdate, *int64) (int64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, f.err
	}
	return int64(f.calls), nil
}

func TestWithRetry_RetriesWriteConflict(t *testing.T) {
	f := &flakyStore{failures: 3, err: common.ErrWriteConflict}
	s := WithRetry(f, 10)

	v, err := s.SetItems(context.Background(), "u", "c", nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), v)
	assert.Equal(t, 4, f.calls)
}

func TestWithRetry_Exhausted(t *testing.T) {
	f := &flakyStore{failures: 100, err: common.ErrWriteConflict}
	s := WithRetry(f, 3)

	_, err := s.SetItems(context.Background(), "u", "c", nil, nil)
	assert.ErrorIs(t, err, common.ErrTooManyConflicts)
	assert.Equal(t, 3, f.calls)
}

func TestWithRetry_NeverRetriesOtherErrors(t *testing.T) {
	for _, e := range []error{common.ErrVersionMismatch, common.ErrDataCorruption, errors.New("boom")} {
		f := &flakyStore{failures: 100, err: e}
		s := WithRetry(f, 10)

		_, err := s.SetItems(context.Background(), "u", "c", nil, nil)
		assert.ErrorIs(t, err, e)
		assert.Equal(t, 1, f.calls)
	}
}

func TestWithRetry_DefaultAttempts(t *testing.T) {
	f := &flakyStore{failures: 100, err: common.ErrWriteConflict}
	s := WithRetry(f, 0)

	_, err := s.SetItems(context.Background(), "u", "c", nil, nil)
	assert.ErrorIs(t, err, common.ErrTooManyConflicts)
	assert.Equal(t, 10, f.calls)
}
