// Package dynsync implements syncstore.Store on DynamoDB.
//
// One table holds a row per collection carrying its version, another holds
// the items, partitioned by "<userid>/<collection>". Writers of a user are
// serialized by a lease on "lock/<userid>"; inside the lease a write reads
// the user's collection rows, merges the batch and commits the collection
// row together with every item in one TransactWriteItems call.
package dynsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/logging"
	"github.com/dmitrijs2005/syncstore/internal/retryx"
	"github.com/dmitrijs2005/syncstore/internal/server/lease"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
)

// API is the subset of *dynamodb.Client used by Store.
type API interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

type collectionRow struct {
	UserID     string `dynamodbav:"userid"`
	Collection string `dynamodbav:"collection"`
	Version    int64  `dynamodbav:"version"`
}

type itemRow struct {
	PK         string `dynamodbav:"pk"`
	ID         string `dynamodbav:"id"`
	UserID     string `dynamodbav:"userid"`
	Collection string `dynamodbav:"collection"`
	Version    int64  `dynamodbav:"version"`
	Timestamp  int64  `dynamodbav:"timestamp"`
	Payload    string `dynamodbav:"payload"`
	Deleted    bool   `dynamodbav:"deleted"`
}

func (r itemRow) item() syncstore.Item {
	return syncstore.Item{ID: r.ID, Payload: r.Payload, Version: r.Version, Timestamp: r.Timestamp, Deleted: r.Deleted}
}

func itemsPK(userID, collection string) string { return userID + "/" + collection }

func lockKey(userID string) string { return "lock/" + userID }

// errStaleSnapshot means a write committed between reading a collection row
// and reading its items.
var errStaleSnapshot = errors.New("dynsync: collection changed during read")

type Store struct {
	client   API
	locker   lease.Locker
	config   Config
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

func New(client API, locker lease.Locker, config Config, opts ...Option) *Store {
	config.validate()
	s := &Store{
		client:   client,
		locker:   locker,
		config:   config,
		log:      logging.Discard(),
		notifier: syncstore.Nop,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) queryCollections(ctx context.Context, userID string) ([]collectionRow, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.CollectionsTable),
		KeyConditionExpression: aws.String("userid = :userid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":userid": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: aws.Bool(true),
	})

	var out []collectionRow
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query collections: %w", err)
		}
		var rows []collectionRow
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, fmt.Errorf("unmarshal collections: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *Store) queryItems(ctx context.Context, userID, collection string) ([]itemRow, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.ItemsTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: itemsPK(userID, collection)},
		},
		ConsistentRead: aws.Bool(true),
	})

	var out []itemRow
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query items: %w", err)
		}
		var rows []itemRow
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *Store) GetCollections(ctx context.Context, userID string) (*syncstore.Info, error) {
	if err := syncstore.ValidateNames(userID, ""); err != nil {
		return nil, err
	}
	rows, err := s.queryCollections(ctx, userID)
	if err != nil {
		return nil, err
	}

	info := syncstore.EmptyInfo()
	for _, r := range rows {
		info.Collections[r.Collection] = r.Version
		info.Version = max(info.Version, r.Version)
	}
	return info, nil
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

// snapshot reads the collection row before the items. An item newer than
// the row means a write landed in between and the read is repeated.
func (s *Store) snapshot(ctx context.Context, userID, collection string) (*syncstore.Collection, error) {
	rows, err := s.queryCollections(ctx, userID)
	if err != nil {
		return nil, err
	}
	var version int64
	for _, r := range rows {
		if r.Collection == collection {
			version = r.Version
		}
	}
	if version == 0 {
		return syncstore.EmptyCollection(), nil
	}

	items, err := s.queryItems(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	out := &syncstore.Collection{Version: version, Items: make(map[string]syncstore.Item, len(items))}
	for _, r := range items {
		if r.Version > version {
			return nil, errStaleSnapshot
		}
		out.Items[r.ID] = r.item()
	}
	return out, nil
}

// withLease runs fn while holding the user's lease. A lease held by someone
// else is reported as common.ErrWriteConflict.
func (s *Store) withLease(ctx context.Context, userID string, fn func(l *lease.Lease) error) error {
	l, err := s.locker.Acquire(ctx, lockKey(userID), s.config.LockTTL)
	if err != nil {
		if errors.Is(err, lease.ErrLeaseHeld) {
			return fmt.Errorf("%w: %v", common.ErrWriteConflict, err)
		}
		return err
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			s.log.Warn(ctx, "lease release failed", "user", userID, "error", err)
		}
	}()
	return fn(l)
}

func (s *Store) SetItems(ctx context.Context, userID, collection string, items map[string]syncstore.ItemUpdate, expected *int64) (int64, error) {
	if err := syncstore.ValidateNames(userID, collection); err != nil {
		return 0, err
	}
	if err := syncstore.ValidateItems(items); err != nil {
		return 0, err
	}
	if len(items) > MaxItemsPerWrite {
		return 0, fmt.Errorf("%w: %d items, limit %d", common.ErrBatchTooLarge, len(items), MaxItemsPerWrite)
	}

	var newVersion int64
	err := s.withLease(ctx, userID, func(l *lease.Lease) error {
		rows, err := s.queryCollections(ctx, userID)
		if err != nil {
			return err
		}
		var colVersion, maxVersion int64
		for _, r := range rows {
			maxVersion = max(maxVersion, r.Version)
			if r.Collection == collection {
				colVersion = r.Version
			}
		}
		newVersion = maxVersion + 1

		if expected != nil && *expected < colVersion {
			return fmt.Errorf("%w: collection %q is at %d, expected %d", common.ErrVersionMismatch, collection, colVersion, *expected)
		}

		old := map[string]syncstore.Item{}
		if colVersion > 0 {
			existing, err := s.queryItems(ctx, userID, collection)
			if err != nil {
				return err
			}
			for _, r := range existing {
				old[r.ID] = r.item()
			}
		}

		now := s.now()
		writes, err := s.batch(userID, collection, newVersion, syncstore.MergeAll(items, old, newVersion, now.UnixMilli()))
		if err != nil {
			return err
		}

		// Past its expiry the lease may already belong to another writer.
		if !l.Valid(s.now()) {
			return fmt.Errorf("%w: lease on %s expired before commit", common.ErrWriteConflict, userID)
		}

		_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
		if err != nil {
			var txErr *types.TransactionCanceledException
			if errors.As(err, &txErr) {
				return fmt.Errorf("%w: %v", common.ErrWriteConflict, err)
			}
			return fmt.Errorf("transact write: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug(ctx, "collection committed", "user", userID, "collection", collection,
		"version", newVersion, "items", len(items))
	s.notifier.Notify(ctx, syncstore.Change{UserID: userID, Collection: collection, Version: newVersion})
	return newVersion, nil
}

func (s *Store) batch(userID, collection string, version int64, items map[string]syncstore.Item) ([]types.TransactWriteItem, error) {
	colItem, err := attributevalue.MarshalMap(collectionRow{UserID: userID, Collection: collection, Version: version})
	if err != nil {
		return nil, fmt.Errorf("marshal collection: %w", err)
	}

	writes := make([]types.TransactWriteItem, 0, len(items)+1)
	writes = append(writes, types.TransactWriteItem{
		Put: &types.Put{TableName: aws.String(s.config.CollectionsTable), Item: colItem},
	})
	for id, it := range items {
		av, err := attributevalue.MarshalMap(itemRow{
			PK:         itemsPK(userID, collection),
			ID:         id,
			UserID:     userID,
			Collection: collection,
			Version:    it.Version,
			Timestamp:  it.Timestamp,
			Payload:    it.Payload,
			Deleted:    it.Deleted,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal item %s: %w", id, err)
		}
		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.config.ItemsTable), Item: av},
		})
	}
	return writes, nil
}
