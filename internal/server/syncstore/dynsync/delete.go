package dynsync

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dmitrijs2005/syncstore/internal/server/lease"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
)

const (
	// batchWriteLimit is the BatchWriteItem request cap.
	batchWriteLimit = 25
	// maxUnprocessedRounds bounds resubmission of throttled deletes.
	maxUnprocessedRounds = 10
)

// DeleteUserData deletes the user's items and then the collection rows, all
// under the user's lease. Collection rows are kept until every item is gone,
// so a failure part way leaves the account readable and the call can be
// repeated.
func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	if err := syncstore.ValidateNames(userID, ""); err != nil {
		return err
	}

	var deleted int
	err := s.withLease(ctx, userID, func(*lease.Lease) error {
		rows, err := s.queryCollections(ctx, userID)
		if err != nil {
			return err
		}

		var itemKeys []map[string]types.AttributeValue
		for _, r := range rows {
			items, err := s.queryItems(ctx, userID, r.Collection)
			if err != nil {
				return err
			}
			for _, it := range items {
				itemKeys = append(itemKeys, map[string]types.AttributeValue{
					"pk": &types.AttributeValueMemberS{Value: it.PK},
					"id": &types.AttributeValueMemberS{Value: it.ID},
				})
			}
		}
		if err := s.deleteKeys(ctx, s.config.ItemsTable, itemKeys); err != nil {
			return err
		}

		colKeys := make([]map[string]types.AttributeValue, 0, len(rows))
		for _, r := range rows {
			colKeys = append(colKeys, map[string]types.AttributeValue{
				"userid":     &types.AttributeValueMemberS{Value: r.UserID},
				"collection": &types.AttributeValueMemberS{Value: r.Collection},
			})
		}
		if err := s.deleteKeys(ctx, s.config.CollectionsTable, colKeys); err != nil {
			return err
		}
		deleted = len(rows)
		return nil
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nil
	}

	s.log.Info(ctx, "user data deleted", "user", userID, "collections", deleted)
	s.notifier.Notify(ctx, syncstore.Change{UserID: userID})
	return nil
}

func (s *Store) deleteKeys(ctx context.Context, table string, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))

		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}

		pending := map[string][]types.WriteRequest{table: reqs}
		for round := 0; len(pending) > 0; round++ {
			if round == maxUnprocessedRounds {
				return fmt.Errorf("batch delete from %s: %d requests left unprocessed", table, len(pending[table]))
			}
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("batch delete from %s: %w", table, err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}
