package kvsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/server/kvstore"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
)

type infoDoc struct {
	Version     int64            `json:"version"`
	Collections map[string]int64 `json:"collections"`
}

type baseDoc struct {
	Version int64                     `json:"version"`
	Items   map[string]syncstore.Item `json:"items"`
}

type diffDoc struct {
	Version   int64                     `json:"version"`
	Items     map[string]syncstore.Item `json:"items"`
	Timestamp int64                     `json:"timestamp"`
}

type collectionDoc struct {
	Base baseDoc `json:"base"`
	Diff diffDoc `json:"diff"`
}

// loaded pairs a decoded document with the raw entry it came from. entry is
// nil when the key was absent.
type loadedInfo struct {
	doc   infoDoc
	entry *kvstore.Entry
}

type loadedCollection struct {
	doc   collectionDoc
	entry *kvstore.Entry
}

func (l *loadedInfo) token() kvstore.CasToken {
	if l.entry == nil {
		return kvstore.NoToken
	}
	return l.entry.Token
}

func (l *loadedCollection) token() kvstore.CasToken {
	if l.entry == nil {
		return kvstore.NoToken
	}
	return l.entry.Token
}

func (s *Store) loadInfo(ctx context.Context, userID string) (*loadedInfo, error) {
	e, err := s.kv.Get(ctx, infoKey(userID))
	if err != nil {
		return nil, err
	}
	l := &loadedInfo{entry: e, doc: infoDoc{Collections: map[string]int64{}}}
	if e == nil {
		return l, nil
	}
	if err := json.Unmarshal(e.Value, &l.doc); err != nil {
		return nil, s.corruption(ctx, userID, "", fmt.Sprintf("decode info document: %v", err))
	}
	if l.doc.Collections == nil {
		l.doc.Collections = map[string]int64{}
	}
	return l, nil
}

func (s *Store) loadCollection(ctx context.Context, userID, collection string) (*loadedCollection, error) {
	e, err := s.kv.Get(ctx, collectionKey(userID, collection))
	if err != nil {
		return nil, err
	}
	l := &loadedCollection{entry: e}
	if e == nil {
		l.doc = collectionDoc{
			Base: baseDoc{Items: map[string]syncstore.Item{}},
			Diff: diffDoc{Items: map[string]syncstore.Item{}},
		}
		return l, nil
	}
	if err := json.Unmarshal(e.Value, &l.doc); err != nil {
		return nil, s.corruption(ctx, userID, collection, fmt.Sprintf("decode collection document: %v", err))
	}
	return l, nil
}

// corruption logs an invariant violation and returns it as an error.
func (s *Store) corruption(ctx context.Context, userID, collection, detail string) error {
	s.log.Error(ctx, "data corruption detected",
		"user", userID, "collection", collection, "detail", detail)
	return fmt.Errorf("%w: user %s collection %q: %s", common.ErrDataCorruption, userID, collection, detail)
}
