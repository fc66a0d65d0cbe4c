package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of *dynamodb.Client used by Dynamo.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// lockRow is one lease in the lock table. ttl is in unix seconds so the
// table's TTL feature can sweep lapsed leases.
type lockRow struct {
	PK    string `dynamodbav:"pk"`
	Owner string `dynamodbav:"owner"`
	TTL   int64  `dynamodbav:"ttl"`
}

// Dynamo keeps leases as rows of a DynamoDB table with hash key "pk".
// A row can be taken over once its ttl is in the past, whether or not
// DynamoDB has swept it yet.
type Dynamo struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{client: client, table: table, now: time.Now}
}

func (d *Dynamo) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := d.now()
	l := &Lease{Key: key, Owner: uuid.NewString(), ExpiresAt: now.Add(ttl)}

	item, err := attributevalue.MarshalMap(lockRow{PK: key, Owner: l.Owner, TTL: l.ExpiresAt.Unix()})
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
		}
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}

	l.release = func(ctx context.Context) error { return d.release(ctx, l) }
	return l, nil
}

func (d *Dynamo) release(ctx context.Context, l *Lease) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: l.Key},
		},
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: l.Owner},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, l.Key)
		}
		return fmt.Errorf("release lease %s: %w", l.Key, err)
	}
	return nil
}
