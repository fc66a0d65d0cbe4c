package syncstore

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dmitrijs2005/syncstore/internal/common"
)

const (
	// MaxItemsPerBatch bounds the number of items in a single write.
	MaxItemsPerBatch = 100
	// MaxIDLength bounds item ids, in bytes.
	MaxIDLength = 64
	// MaxPayloadBytes bounds a single item payload.
	MaxPayloadBytes = 256 * 1024
	// MaxNameLength bounds user ids and collection names.
	MaxNameLength = 128
)

// MergeItem builds the stored form of an update. Fields set on upd win;
// unset fields come from old when it exists. A deleted or missing payload is
// stored as "".
func MergeItem(id string, upd ItemUpdate, old *Item, version, timestamp int64) Item {
	var it Item
	if old != nil {
		it.Payload = old.Payload
		it.Deleted = old.Deleted
	}
	if upd.Payload != nil {
		it.Payload = *upd.Payload
	}
	if upd.Deleted != nil {
		it.Deleted = *upd.Deleted
	}
	if it.Deleted {
		it.Payload = ""
	}

	it.ID = id
	it.Version = version
	it.Timestamp = timestamp
	return it
}

// MergeAll merges every update against the matching entry of old.
func MergeAll(items map[string]ItemUpdate, old map[string]Item, version, timestamp int64) map[string]Item {
	out := make(map[string]Item, len(items))
	for id, upd := range items {
		var prev *Item
		if o, ok := old[id]; ok {
			prev = &o
		}
		out[id] = MergeItem(id, upd, prev, version, timestamp)
	}
	return out
}

// ApplyDiff returns a new map holding base overlaid with diff.
func ApplyDiff(base, diff map[string]Item) map[string]Item {
	out := make(map[string]Item, len(base)+len(diff))
	maps.Copy(out, base)
	maps.Copy(out, diff)
	return out
}

// Select filters a collection read. A nil ids slice selects every id; a nil
// newer keeps every version. The result is ordered by id.
func Select(items map[string]Item, ids []string, newer *int64) []Item {
	var want map[string]struct{}
	if ids != nil {
		want = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
	}

	out := make([]Item, 0, len(items))
	for id, it := range items {
		if want != nil {
			if _, ok := want[id]; !ok {
				continue
			}
		}
		if newer != nil && it.Version <= *newer {
			continue
		}
		it.ID = id
		out = append(out, it)
	}
	slices.SortFunc(out, func(a, b Item) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// ValidateNames checks a user id and, when non-empty, a collection name.
// Both become part of storage keys, so '/' is rejected.
func ValidateNames(userID, collection string) error {
	if err := validateName(userID); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidUserID, err)
	}
	if collection == "" {
		return nil
	}
	if err := validateName(collection); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidCollection, err)
	}
	return nil
}

func validateName(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("empty")
	case len(s) > MaxNameLength:
		return fmt.Errorf("longer than %d bytes", MaxNameLength)
	case strings.ContainsAny(s, "/\x00"):
		return fmt.Errorf("%q contains a reserved character", s)
	}
	return nil
}

// ValidateItems checks an incoming batch before any backend work is done.
func ValidateItems(items map[string]ItemUpdate) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", common.ErrInvalidItem)
	}
	if len(items) > MaxItemsPerBatch {
		return fmt.Errorf("%w: %d items, limit %d", common.ErrBatchTooLarge, len(items), MaxItemsPerBatch)
	}
	for id, upd := range items {
		if id == "" {
			return fmt.Errorf("%w: empty id", common.ErrInvalidItem)
		}
		if len(id) > MaxIDLength {
			return fmt.Errorf("%w: id %.16q... longer than %d bytes", common.ErrInvalidItem, id, MaxIDLength)
		}
		if upd.ID != "" && upd.ID != id {
			return fmt.Errorf("%w: id %q filed under %q", common.ErrInvalidItem, upd.ID, id)
		}
		if upd.Payload != nil && len(*upd.Payload) > MaxPayloadBytes {
			return fmt.Errorf("%w: payload of %q exceeds %d bytes", common.ErrInvalidItem, id, MaxPayloadBytes)
		}
	}
	return nil
}
