package dynsync

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type row = map[string]types.AttributeValue

// fakeDynamo keeps hash/range tables in memory and implements just enough of
// Query, TransactWriteItems and BatchWriteItem for Store.
type fakeDynamo struct {
	mu       sync.Mutex
	schema   map[string][2]string
	tables   map[string]map[string]map[string]row
	pageSize int

	transactErr     error
	transactCalls   []*dynamodb.TransactWriteItemsInput
	unprocessedOnce bool
	batchCalls      int

	// afterCollectionsQuery runs once, outside the lock, after the next
	// collections query.
	afterCollectionsQuery func()
}

func newFakeDynamo(cfg Config) *fakeDynamo {
	return &fakeDynamo{
		schema: map[string][2]string{
			cfg.CollectionsTable: {"userid", "collection"},
			cfg.ItemsTable:       {"pk", "id"},
		},
		tables: map[string]map[string]map[string]row{},
	}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) put(table string, item row) error {
	keys, ok := f.schema[table]
	if !ok {
		return fmt.Errorf("ResourceNotFoundException: %s", table)
	}
	h, r := str(item[keys[0]]), str(item[keys[1]])
	if f.tables[table] == nil {
		f.tables[table] = map[string]map[string]row{}
	}
	if f.tables[table][h] == nil {
		f.tables[table][h] = map[string]row{}
	}
	f.tables[table][h][r] = item
	return nil
}

func (f *fakeDynamo) del(table string, key row) {
	keys := f.schema[table]
	h, r := str(key[keys[0]]), str(key[keys[1]])
	delete(f.tables[table][h], r)
}

func (f *fakeDynamo) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, part := range f.tables[table] {
		n += len(part)
	}
	return n
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	table := aws.ToString(in.TableName)
	keys := f.schema[table]
	var hash string
	for _, v := range in.ExpressionAttributeValues {
		hash = str(v)
	}

	part := f.tables[table][hash]
	ranges := make([]string, 0, len(part))
	for r := range part {
		ranges = append(ranges, r)
	}
	slices.Sort(ranges)

	if in.ExclusiveStartKey != nil {
		after := str(in.ExclusiveStartKey[keys[1]])
		i, _ := slices.BinarySearch(ranges, after)
		for i < len(ranges) && ranges[i] <= after {
			i++
		}
		ranges = ranges[i:]
	}

	out := &dynamodb.QueryOutput{}
	for i, r := range ranges {
		if f.pageSize > 0 && i == f.pageSize {
			out.LastEvaluatedKey = row{
				keys[0]: &types.AttributeValueMemberS{Value: hash},
				keys[1]: &types.AttributeValueMemberS{Value: ranges[i-1]},
			}
			break
		}
		out.Items = append(out.Items, part[r])
	}
	out.Count = int32(len(out.Items))

	var hook func()
	if keys[0] == "userid" && f.afterCollectionsQuery != nil {
		hook, f.afterCollectionsQuery = f.afterCollectionsQuery, nil
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactCalls = append(f.transactCalls, in)

	if f.transactErr != nil {
		return nil, f.transactErr
	}
	if len(in.TransactItems) > 100 {
		return nil, fmt.Errorf("ValidationException: %d items", len(in.TransactItems))
	}
	for _, w := range in.TransactItems {
		if err := f.put(aws.ToString(w.Put.TableName), w.Put.Item); err != nil {
			return nil, err
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		if len(reqs) > 25 {
			return nil, fmt.Errorf("ValidationException: %d requests", len(reqs))
		}
		for i, req := range reqs {
			if f.unprocessedOnce && i == len(reqs)-1 {
				f.unprocessedOnce = false
				out.UnprocessedItems[table] = append(out.UnprocessedItems[table], req)
				continue
			}
			f.del(table, req.DeleteRequest.Key)
		}
	}
	if len(out.UnprocessedItems) == 0 {
		out.UnprocessedItems = nil
	}
	return out, nil
}
