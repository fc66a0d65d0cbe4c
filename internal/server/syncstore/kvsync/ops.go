package kvsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/retryx"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
	"go.uber.org/multierr"
)

// errStaleSnapshot means the info document moved while a read was between
// its two gets. The read is simply repeated.
var errStaleSnapshot = errors.New("kvsync: info document changed during read")

func (s *Store) GetCollections(ctx context.Context, userID string) (*syncstore.Info, error) {
	if err := syncstore.ValidateNames(userID, ""); err != nil {
		return nil, err
	}
	info, err := s.loadInfo(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &syncstore.Info{Version: info.doc.Version, Collections: info.doc.Collections}, nil
}

func (s *Store) GetItems(ctx context.Context, userID, collection string) (*syncstore.Collection, error) {
	if err := syncstore.ValidateNames(userID, collection); err != nil {
		return nil, err
	}

	var out *syncstore.Collection
	err := retryx.Do(ctx, retryx.DefaultAttempts, errStaleSnapshot, func(ctx context.Context) error {
		c, err := s.snapshot(ctx, userID, collection)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Store) snapshot(ctx context.Context, userID, collection string) (*syncstore.Collection, error) {
	info, err := s.loadInfo(ctx, userID)
	if err != nil {
		return nil, err
	}
	version := info.doc.Collections[collection]
	if version == 0 {
		return syncstore.EmptyCollection(), nil
	}

	col, err := s.loadCollection(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	if col.entry != nil {
		switch version {
		case col.doc.Diff.Version:
			return &syncstore.Collection{Version: version, Items: syncstore.ApplyDiff(col.doc.Base.Items, col.doc.Diff.Items)}, nil
		case col.doc.Base.Version:
			// A newer diff is in flight or abandoned.
			return &syncstore.Collection{Version: version, Items: syncstore.ApplyDiff(col.doc.Base.Items, nil)}, nil
		}
	}

	moved, err := s.infoMoved(ctx, userID, info)
	if err != nil {
		return nil, err
	}
	if moved {
		return nil, errStaleSnapshot
	}
	if col.entry == nil {
		return nil, s.corruption(ctx, userID, collection, "collection document missing")
	}
	return nil, s.corruption(ctx, userID, collection, fmt.Sprintf(
		"info names version %d, document holds base %d diff %d", version, col.doc.Base.Version, col.doc.Diff.Version))
}

// infoMoved reports whether the info document was rewritten or deleted since
// info was loaded.
func (s *Store) infoMoved(ctx context.Context, userID string, info *loadedInfo) (bool, error) {
	cur, err := s.kv.Get(ctx, infoKey(userID))
	if err != nil {
		return false, err
	}
	if cur == nil || info.entry == nil {
		return cur != info.entry, nil
	}
	return cur.Token != info.entry.Token, nil
}

func (s *Store) SetItems(ctx context.Context, userID, collection string, items map[string]syncstore.ItemUpdate, expected *int64) (int64, error) {
	if err := syncstore.ValidateNames(userID, collection); err != nil {
		return 0, err
	}
	if err := syncstore.ValidateItems(items); err != nil {
		return 0, err
	}

	info, err := s.loadInfo(ctx, userID)
	if err != nil {
		return 0, err
	}
	colVersion := info.doc.Collections[collection]
	newVersion := info.doc.Version + 1

	if expected != nil && *expected < colVersion {
		return 0, fmt.Errorf("%w: collection %q is at %d, expected %d", common.ErrVersionMismatch, collection, colVersion, *expected)
	}

	col, err := s.loadCollection(ctx, userID, collection)
	if err != nil {
		return 0, err
	}

	now := s.now()
	ts := now.UnixMilli()

	var oldItems map[string]syncstore.Item
	switch {
	case col.doc.Diff.Version == colVersion:
		oldItems = syncstore.ApplyDiff(col.doc.Base.Items, col.doc.Diff.Items)
	case col.doc.Base.Version == colVersion:
		age := now.Sub(time.UnixMilli(col.doc.Diff.Timestamp))
		if age <= s.writeTimeout {
			s.log.Debug(ctx, "write in progress", "user", userID, "collection", collection,
				"pending_version", col.doc.Diff.Version, "age", age)
			return 0, fmt.Errorf("%w: version %d of %q is being written", common.ErrWriteConflict, col.doc.Diff.Version, collection)
		}
		s.log.Warn(ctx, "discarding abandoned write", "user", userID, "collection", collection,
			"pending_version", col.doc.Diff.Version, "age", age)
		oldItems = syncstore.ApplyDiff(col.doc.Base.Items, nil)
	case colVersion == 0:
		// Leftover document of a collection the info document no longer
		// names, e.g. after DeleteUserData raced a writer.
		oldItems = map[string]syncstore.Item{}
	default:
		moved, err := s.infoMoved(ctx, userID, info)
		if err != nil {
			return 0, err
		}
		if moved {
			return 0, fmt.Errorf("%w: info document changed", common.ErrWriteConflict)
		}
		if col.entry == nil {
			return 0, s.corruption(ctx, userID, collection, "collection document missing")
		}
		return 0, s.corruption(ctx, userID, collection, fmt.Sprintf(
			"info names version %d, document holds base %d diff %d", colVersion, col.doc.Base.Version, col.doc.Diff.Version))
	}

	next := collectionDoc{
		Base: baseDoc{Version: colVersion, Items: oldItems},
		Diff: diffDoc{
			Version:   newVersion,
			Items:     syncstore.MergeAll(items, oldItems, newVersion, ts),
			Timestamp: ts,
		},
	}
	b, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("marshal collection document: %w", err)
	}

	cKey := collectionKey(userID, collection)
	if err := s.kv.CAS(ctx, cKey, b, col.token()); err != nil {
		if errors.Is(err, common.ErrCasMismatch) {
			return 0, fmt.Errorf("%w: collection %q changed", common.ErrWriteConflict, collection)
		}
		return 0, err
	}

	info.doc.Version = newVersion
	info.doc.Collections[collection] = newVersion
	ib, err := json.Marshal(info.doc)
	if err != nil {
		return 0, fmt.Errorf("marshal info document: %w", err)
	}

	if err := s.kv.CAS(ctx, infoKey(userID), ib, info.token()); err != nil {
		// Only a definite loss is rolled back. After any other error the
		// CAS may have been applied, and the write timeout reclaims the
		// diff if it was not.
		if !errors.Is(err, common.ErrCasMismatch) {
			return 0, err
		}
		if rerr := s.rollback(ctx, cKey, col); rerr != nil {
			s.log.Error(ctx, "rollback failed", "user", userID, "collection", collection, "error", rerr)
			return 0, fmt.Errorf("rollback %s: %w", cKey, rerr)
		}
		return 0, fmt.Errorf("%w: info document of %s changed", common.ErrWriteConflict, userID)
	}

	s.log.Debug(ctx, "collection committed", "user", userID, "collection", collection,
		"version", newVersion, "items", len(items))
	s.notifier.Notify(ctx, syncstore.Change{UserID: userID, Collection: collection, Version: newVersion})
	return newVersion, nil
}

// rollback restores the collection document that was overwritten by a write
// whose commit lost. Concurrent writers back off while our diff is young, so
// an unconditional write is safe here.
func (s *Store) rollback(ctx context.Context, key string, prev *loadedCollection) error {
	if prev.entry == nil {
		return s.kv.Delete(ctx, key)
	}
	return s.kv.Set(ctx, key, prev.entry.Value)
}

// DeleteUserData deletes the info document and then each collection it
// named. A writer that recreates a collection between the two steps leaves a
// stray document behind, which the next write to that collection overwrites.
func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	if err := syncstore.ValidateNames(userID, ""); err != nil {
		return err
	}

	info, err := s.loadInfo(ctx, userID)
	if err != nil {
		return err
	}
	if info.entry == nil {
		return nil
	}

	if err := s.kv.Delete(ctx, infoKey(userID)); err != nil {
		return err
	}

	var errs error
	for collection := range info.doc.Collections {
		errs = multierr.Append(errs, s.kv.Delete(ctx, collectionKey(userID, collection)))
	}
	if errs != nil {
		s.log.Warn(ctx, "collection cleanup incomplete", "user", userID, "error", errs)
	}

	s.log.Info(ctx, "user data deleted", "user", userID, "collections", len(info.doc.Collections))
	s.notifier.Notify(ctx, syncstore.Change{UserID: userID})
	return errs
}
