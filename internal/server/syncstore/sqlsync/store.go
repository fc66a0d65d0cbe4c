// Package sqlsync implements syncstore.Store on PostgreSQL.
//
// Reads take a shared lock on all of the user's collection rows and writes
// take an exclusive one, so writers of the same user run one after another
// while different users never block each other. The account version is the
// maximum of the user's collection versions.
package sqlsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/dbx"
	"github.com/dmitrijs2005/syncstore/internal/logging"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
)

type Store struct {
	db       *sql.DB
	log      logging.Logger
	notifier syncstore.Notifier
	now      func() time.Time
}

var _ syncstore.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithNotifier(n syncstore.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, log: logging.Discard(), notifier: syncstore.Nop, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

type collectionRow struct {
	id         int64
	collection string
	version    int64
}

func selectCollections(ctx context.Context, tx dbx.DBTX, query, userID string) ([]collectionRow, error) {
	rows, err := tx.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collectionRow
	for rows.Next() {
		var r collectionRow
		if err := rows.Scan(&r.id, &r.collection, &r.version); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func selectItems(ctx context.Context, tx dbx.DBTX, collectionID int64) (map[string]syncstore.Item, error) {
	rows, err := tx.QueryContext(ctx, selectAllItems, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]syncstore.Item{}
	for rows.Next() {
		var it syncstore.Item
		if err := rows.Scan(&it.ID, &it.Version, &it.Timestamp, &it.Payload, &it.Deleted); err != nil {
			return nil, err
		}
		out[it.ID] = it
	}
	return out, rows.Err()
}

// classify maps a failed transaction onto the engine's error taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrVersionMismatch):
		return err
	case dbx.IsConflict(err):
		return fmt.Errorf("%w: %s: %v", common.ErrWriteConflict, op, err)
	default:
		return fmt.Errorf("%s: db error: %w", op, err)
	}
}

// Reads lock with FOR SHARE, which PostgreSQL refuses inside a READ ONLY
// transaction, so read transactions use the default options.
var readTx *sql.TxOptions

func (s *Store) GetCollections(ctx context.Context, userID string) (*syncstore.Info, error) {
	if err := syncstore.ValidateNames(userID, ""); err != nil {
		return nil, err
	}

	info := syncstore.EmptyInfo()
	err := dbx.WithTx(ctx, s.db, readTx, func(ctx context.Context, tx dbx.DBTX) error {
		rows, err := selectCollections(ctx, tx, selectCollectionsForRead, userID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			info.Collections[r.collection] = r.version
			info.Version = max(info.Version, r.version)
		}
		return nil
	})
	if err != nil {
		return nil, classify("get collections", err)
	}
	return info, nil
}

func (s *Store) GetItems(ctx context.Context, userID, collection string) (*syncstore.Collection, error) {
	if err := syncstore.ValidateNames(userID, collection); err != nil {
		return nil, err
	}

	out := syncstore.EmptyCollection()
	err := dbx.WithTx(ctx, s.db, readTx, func(ctx context.Context, tx dbx.DBTX) error {
		rows, err := selectCollections(ctx, tx, selectCollectionsForRead, userID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.collection != collection {
				continue
			}
			items, err := selectItems(ctx, tx, r.id)
			if err != nil {
				return err
			}
			out.Version = r.version
			out.Items = items
		}
		return nil
	})
	if err != nil {
		return nil, classify("get items", err)
	}
	return out, nil
}

func (s *Store) SetItems(ctx context.Context, userID, collection string, items map[string]syncstore.ItemUpdate, expected *int64) (int64, error) {
	if err := syncstore.ValidateNames(userID, collection); err != nil {
		return 0, err
	}
	if err := syncstore.ValidateItems(items); err != nil {
		return 0, err
	}

	var newVersion int64
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, lockUser, userID); err != nil {
			return err
		}
		rows, err := selectCollections(ctx, tx, selectCollectionsForWrite, userID)
		if err != nil {
			return err
		}

		var (
			current    *collectionRow
			maxVersion int64
		)
		for i := range rows {
			maxVersion = max(maxVersion, rows[i].version)
			if rows[i].collection == collection {
				current = &rows[i]
			}
		}
		newVersion = maxVersion + 1

		var colVersion int64
		if current != nil {
			colVersion = current.version
		}
		if expected != nil && *expected < colVersion {
			return fmt.Errorf("%w: collection %q is at %d, expected %d", common.ErrVersionMismatch, collection, colVersion, *expected)
		}

		old := map[string]syncstore.Item{}
		if current == nil {
			current = &collectionRow{collection: collection}
			if err := tx.QueryRowContext(ctx, createCollection, userID, collection).Scan(&current.id); err != nil {
				return err
			}
		} else {
			old, err = selectItems(ctx, tx, current.id)
			if err != nil {
				return err
			}
		}

		ts := s.now().UnixMilli()
		merged := syncstore.MergeAll(items, old, newVersion, ts)
		for _, id := range slices.Sorted(maps.Keys(merged)) {
			it := merged[id]
			if _, err := tx.ExecContext(ctx, upsertItem,
				current.id, id, it.Version, it.Timestamp, it.Payload, it.Deleted); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, updateCollectionVersion, newVersion, current.id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected error: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("unexpected rows affected: %d", n)
		}
		return nil
	})
	if err != nil {
		return 0, classify("set items", err)
	}

	s.log.Debug(ctx, "collection committed", "user", userID, "collection", collection,
		"version", newVersion, "items", len(items))
	s.notifier.Notify(ctx, syncstore.Change{UserID: userID, Collection: collection, Version: newVersion})
	return newVersion, nil
}

func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	if err := syncstore.ValidateNames(userID, ""); err != nil {
		return err
	}

	var deleted int64
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, lockUser, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deleteUserItems, userID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, deleteUserCollections, userID)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return classify("delete user data", err)
	}
	if deleted == 0 {
		return nil
	}

	s.log.Info(ctx, "user data deleted", "user", userID, "collections", deleted)
	s.notifier.Notify(ctx, syncstore.Change{UserID: userID})
	return nil
}
