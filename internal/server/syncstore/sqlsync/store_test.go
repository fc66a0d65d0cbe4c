package sqlsync

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore/storetest"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	qLock       = `SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`
	qReadCols   = `SELECT collectionid, collection, version FROM collections\s+WHERE userid = \$1\s+FOR SHARE`
	qWriteCols  = `SELECT collectionid, collection, version FROM collections\s+WHERE userid = \$1\s+FOR UPDATE`
	qCreate     = `INSERT INTO collections \(userid, collection, version\)\s+VALUES \(\$1, \$2, 0\)\s+RETURNING collectionid`
	qItems      = `SELECT id, version, timestamp, payload, deleted FROM items\s+WHERE collectionid = \$1`
	qUpsert     = `(?s)INSERT INTO items .*ON CONFLICT \(collectionid, id\)`
	qBump       = `UPDATE collections SET version = \$1\s+WHERE collectionid = \$2`
	qDelItems   = `DELETE FROM items\s+WHERE collectionid IN`
	qDelCols    = `DELETE FROM collections WHERE userid = \$1`
	fixedMillis = int64(1_700_000_000_000)
)

var (
	collColumns = []string{"collectionid", "collection", "version"}
	itemColumns = []string{"id", "version", "timestamp", "payload", "deleted"}
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, *storetest.Recorder) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rec := &storetest.Recorder{}
	s := New(db, WithNotifier(rec), WithClock(func() time.Time { return time.UnixMilli(fixedMillis) }))
	return s, mock, rec
}

func payload(s string) syncstore.ItemUpdate { return syncstore.ItemUpdate{Payload: &s} }

func TestGetCollections(t *testing.T) {
	s, mock, _ := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qReadCols).WithArgs("alice").WillReturnRows(
		sqlmock.NewRows(collColumns).AddRow(int64(1), "notes", int64(2)).AddRow(int64(2), "tabs", int64(5)))
	mock.ExpectCommit()

	info, err := s.GetCollections(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, &syncstore.Info{Version: 5, Collections: map[string]int64{"notes": 2, "tabs": 5}}, info)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCollections_Empty(t *testing.T) {
	s, mock, _ := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qReadCols).WithArgs("nobody").WillReturnRows(sqlmock.NewRows(collColumns))
	mock.ExpectCommit()

	info, err := s.GetCollections(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Version)
	assert.Empty(t, info.Collections)
}

func TestGetItems(t *testing.T) {
	s, mock, _ := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qReadCols).WithArgs("alice").WillReturnRows(
		sqlmock.NewRows(collColumns).AddRow(int64(1), "notes", int64(2)).AddRow(int64(2), "tabs", int64(5)))
	mock.ExpectQuery(qItems).WithArgs(int64(1)).WillReturnRows(
		sqlmock.NewRows(itemColumns).
			AddRow("n1", int64(1), int64(10), "hi", false).
			AddRow("n2", int64(2), int64(20), "bye", false))
	mock.ExpectCommit()

	col, err := s.GetItems(context.Background(), "alice", "notes")
	require.NoError(t, err)
	assert.Equal(t, int64(2), col.Version)
	assert.Equal(t, map[string]syncstore.Item{
		"n1": {ID: "n1", Payload: "hi", Version: 1, Timestamp: 10},
		"n2": {ID: "n2", Payload: "bye", Version: 2, Timestamp: 20},
	}, col.Items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetItems_UnknownCollection(t *testing.T) {
	s, mock, _ := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qReadCols).WithArgs("alice").WillReturnRows(
		sqlmock.NewRows(collColumns).AddRow(int64(1), "notes", int64(2)))
	mock.ExpectCommit()

	col, err := s.GetItems(context.Background(), "alice", "bookmarks")
	require.NoError(t, err)
	assert.Equal(t, int64(0), col.Version)
	assert.Empty(t, col.Items)
}

func TestSetItems_CreatesCollection(t *testing.T) {
	s, mock, rec := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(qLock).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(qWriteCols).WithArgs("alice").WillReturnRows(
		sqlmock.NewRows(collColumns).AddRow(int64(1), "tabs", int64(3)))
	mock.ExpectQuery(qCreate).WithArgs("alice", "notes").WillReturnRows(
		sqlmock.NewRows([]string{"collectionid"}).AddRow(int64(7)))
	mock.ExpectExec(qUpsert).WithArgs(int64(7), "a", int64(4), fixedMillis, "hi", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qUpsert).WithArgs(int64(7), "b", int64(4), fixedMillis, "", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qBump).WithArgs(int64(4), int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	v, err := s.SetItems(context.Background(), "alice", "notes", map[string]syncstore.ItemUpdate{
		"b": {},
		"a": payload("hi"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
	assert.Equal(t, []syncstore.Change{{UserID: "alice", Collection: "notes", Version: 4}}, rec.Changes())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetItems_MergesExistingItems(t *testing.T) {
	s, mock, _ := newStoreWithMock(t)
	del := true

	mock.ExpectBegin()
	mock.ExpectExec(qLock).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(qWriteCols).WithArgs("alice").WillReturnRows(
		sqlmock.NewRows(collColumns).AddRow(int64(1), "notes", int64(2)))
	mock.ExpectQuery(qItems).WithArgs(int64(1)).WillReturnRows(
		sqlmock.NewRows(itemColumns).
			AddRow("x", int64(2), int64(100), "A", false).
			AddRow("y", int64(1), int64(50), "B", false))
	mock.ExpectExec(qUpsert).WithArgs(int64(1), "x", int64(3), fixedMillis, "", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qUpsert).WithArgs(int64(1), "y", int64(3), fixedMillis, "B", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qBump).WithArgs(int64(3), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	v, err := s.SetItems(context.Background(), "alice", "notes", map[string]syncstore.ItemUpdate{
		"x": {Deleted: &del},
		"y": {},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetItems_VersionMismatch(t *testing.T) {
	s, mock, rec := newStoreWithMock(t)
	expected := int64(3)

	mock.ExpectBegin()
	mock.ExpectExec(qLock).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(qWriteCols).WithArgs("alice").WillReturnRows(
		sqlmock.NewRows(collColumns).AddRow(int64(1), "notes", int64(5)))
	mock.ExpectRollback()

	_, err := s.SetItems(context.Background(), "alice", "notes", map[string]syncstore.ItemUpdate{"a": payload("x")}, &expected)
	assert.ErrorIs(t, err, common.ErrVersionMismatch)
	assert.Empty(t, rec.Changes())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetItems_ConflictsBecomeWriteConflict(t *testing.T) {
	tests := []struct {
		name  string
		setup func(mock sqlmock.Sqlmock)
	}{
		{
			name: "unique violation on create",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(qWriteCols).WithArgs("alice").WillReturnRows(sqlmock.NewRows(collColumns))
				mock.ExpectQuery(qCreate).WithArgs("alice", "notes").
					WillReturnError(&pgconn.PgError{Code: "23505"})
				mock.ExpectRollback()
			},
		},
		{
			name: "deadlock while locking",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(qWriteCols).WithArgs("alice").
					WillReturnError(&pgconn.PgError{Code: "40P01"})
				mock.ExpectRollback()
			},
		},
		{
			name: "serialization failure on commit",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(qWriteCols).WithArgs("alice").WillReturnRows(
					sqlmock.NewRows(collColumns).AddRow(int64(1), "notes", int64(1)))
				mock.ExpectQuery(qItems).WithArgs(int64(1)).WillReturnRows(sqlmock.NewRows(itemColumns))
				mock.ExpectExec(qUpsert).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(qBump).WithArgs(int64(2), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "40001"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock, rec := newStoreWithMock(t)
			mock.ExpectBegin()
			mock.ExpectExec(qLock).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
			tt.setup(mock)

			_, err := s.SetItems(context.Background(), "alice", "notes", map[string]syncstore.ItemUpdate{"a": payload("x")}, nil)
			assert.ErrorIs(t, err, common.ErrWriteConflict)
			assert.Empty(t, rec.Changes())
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSetItems_OtherErrorsPropagate(t *testing.T) {
	s, mock, _ := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(qLock).WithArgs("alice").WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	_, err := s.SetItems(context.Background(), "alice", "notes", map[string]syncstore.ItemUpdate{"a": payload("x")}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrWriteConflict)
	assert.ErrorContains(t, err, "connection refused")
}

func TestSetItems_BumpTouchesNoRow(t *testing.T) {
	s, mock, _ := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(qLock).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(qWriteCols).WithArgs("alice").WillReturnRows(
		sqlmock.NewRows(collColumns).AddRow(int64(1), "notes", int64(1)))
	mock.ExpectQuery(qItems).WithArgs(int64(1)).WillReturnRows(sqlmock.NewRows(itemColumns))
	mock.ExpectExec(qUpsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(qBump).WithArgs(int64(2), int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.SetItems(context.Background(), "alice", "notes", map[string]syncstore.ItemUpdate{"a": payload("x")}, nil)
	assert.ErrorContains(t, err, "unexpected rows affected: 0")
}

func TestSetItems_InvalidInputNeverReachesDB(t *testing.T) {
	s, mock, _ := newStoreWithMock(t)

	_, err := s.SetItems(context.Background(), "alice", "notes", nil, nil)
	assert.ErrorIs(t, err, common.ErrInvalidItem)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserData(t *testing.T) {
	s, mock, rec := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(qLock).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(qDelItems).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(qDelCols).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteUserData(context.Background(), "alice"))
	assert.Equal(t, []syncstore.Change{{UserID: "alice"}}, rec.Changes())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteUserData_NothingToDelete(t *testing.T) {
	s, mock, rec := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(qLock).WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(qDelItems).WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(qDelCols).WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteUserData(context.Background(), "bob"))
	assert.Empty(t, rec.Changes())
}

func TestDeleteUserData_RollsBackOnError(t *testing.T) {
	s, mock, rec := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(qLock).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(qDelItems).WithArgs("alice").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := s.DeleteUserData(context.Background(), "alice")
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Empty(t, rec.Changes())
	require.NoError(t, mock.ExpectationsWereMet())
}
