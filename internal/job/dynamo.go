package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/waveforge/convert-api/internal/job/id"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Compile-time check that DynamoStore implements Store.
var _ Store = (*DynamoStore)(nil)

// DynamoStore persists jobs in a DynamoDB table keyed by jobId. The table's
// TTL feature must be enabled on the "ttl" attribute; records expire 24h
// after creation.
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoStore creates a job store backed by the given table.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{
		client: client,
		table:  table,
		now:    time.Now,
	}
}

// CreateJob persists a new job in CREATED status with TTL stamped.
func (s *DynamoStore) CreateJob(ctx context.Context, in CreateInput) (*Job, error) {
	now := s.now()
	j := &Job{
		ID:        id.Generate(),
		Status:    StatusCreated,
		InputRef:  in.InputRef,
		Format:    in.Format,
		Quality:   in.Quality,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       now.Add(TTLDuration).Unix(),
	}

	item, err := attributevalue.MarshalMap(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		return nil, fmt.Errorf("put job: %w", err)
	}
	return j, nil
}

// GetJob retrieves a job by ID. Returns ErrJobNotFound when the item is
// absent or already past its TTL (DynamoDB expiry is lazy).
func (s *DynamoStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if out.Item == nil {
		return nil, ErrJobNotFound
	}

	var j Job
	if err := attributevalue.UnmarshalMap(out.Item, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if j.TTL != 0 && j.TTL < s.now().Unix() {
		return nil, ErrJobNotFound
	}
	return &j, nil
}

// UpdateStatus validates and applies a status transition. The write is
// conditional on the status observed in the preceding read, which is enough
// linearisation given the pipeline is the sole writer after creation.
func (s *DynamoStore) UpdateStatus(ctx context.Context, jobID string, status Status, outputRef *BlobRef, errMsg string) error {
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	expr := "SET #st = :st, updatedAt = :now"
	values := map[string]types.AttributeValue{
		":st":   &types.AttributeValueMemberS{Value: string(status)},
		":now":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", s.now().Unix())},
		":prev": &types.AttributeValueMemberS{Value: string(current.Status)},
	}
	if outputRef != nil {
		ref, merr := attributevalue.Marshal(outputRef)
		if merr != nil {
			return fmt.Errorf("marshal output ref: %w", merr)
		}
		expr += ", outputRef = :out"
		values[":out"] = ref
	}
	if errMsg != "" {
		expr += ", #er = :er"
		values[":er"] = &types.AttributeValueMemberS{Value: errMsg}
	}

	names := map[string]string{"#st": "status"}
	if errMsg != "" {
		names["#er"] = "error"
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       map[string]types.AttributeValue{"jobId": &types.AttributeValueMemberS{Value: jobID}},
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("#st = :prev"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return fmt.Errorf("%w: concurrent status change", ErrInvalidTransition)
		}
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// Scan returns up to limit jobs matching the filter. Used only by recovery
// sweeps, so a table scan with a filter expression is acceptable.
func (s *DynamoStore) Scan(ctx context.Context, filter ScanFilter, limit int) ([]*Job, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	}
	var exprParts []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}

	if filter.Status != "" {
		exprParts = append(exprParts, "#st = :st")
		names["#st"] = "status"
		values[":st"] = &types.AttributeValueMemberS{Value: string(filter.Status)}
	}
	if !filter.UpdatedBefore.IsZero() {
		exprParts = append(exprParts, "updatedAt < :before")
		values[":before"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", filter.UpdatedBefore.Unix())}
	}
	if len(exprParts) > 0 {
		expr := exprParts[0]
		for _, p := range exprParts[1:] {
			expr += " AND " + p
		}
		input.FilterExpression = aws.String(expr)
		if len(names) > 0 {
			input.ExpressionAttributeNames = names
		}
		input.ExpressionAttributeValues = values
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	out, err := s.client.Scan(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(out.Items))
	for _, item := range out.Items {
		var j Job
		if err := attributevalue.UnmarshalMap(item, &j); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
