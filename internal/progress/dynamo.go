package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client used by the fallback tier.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Compile-time check that DynamoStore implements Store.
var _ Store = (*DynamoStore)(nil)

// DynamoStore is the durable fallback tier. Records live in the job table
// under key progress:{jobId} with the same 1h TTL as the primary.
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoStore creates the fallback tier over the given table.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, now: time.Now}
}

// Put mirrors the record into the durable table.
func (s *DynamoStore) Put(ctx context.Context, jobID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"jobId":  &types.AttributeValueMemberS{Value: progressKey(jobID)},
			"record": &types.AttributeValueMemberS{Value: string(data)},
			"ttl":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", s.now().Add(KeyTTL).Unix())},
		},
	})
	if err != nil {
		return fmt.Errorf("put progress mirror: %w", err)
	}
	return nil
}

// Fetch reads the mirrored record.
func (s *DynamoStore) Fetch(ctx context.Context, jobID string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: progressKey(jobID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get progress mirror: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	attr, ok := out.Item["record"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	var rec Record
	if err := json.Unmarshal([]byte(attr.Value), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal progress record: %w", err)
	}
	if rec.UpdatedAt > 0 && time.UnixMilli(rec.UpdatedAt).Add(KeyTTL).Before(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return &rec, nil
}
