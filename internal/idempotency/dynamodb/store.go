package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	idempotencyDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
)

const reserveAttempts = 3

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// item is the table layout. expires_at is epoch seconds so the table's native
// TTL can be pointed at it.
type item struct {
	PK        string `dynamodbav:"pk"`
	Scope     string `dynamodbav:"scope"`
	Key       string `dynamodbav:"idem_key"`
	Status    string `dynamodbav:"status"`
	Result    string `dynamodbav:"result,omitempty"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	CreatedAt int64  `dynamodbav:"created_at"`
}

type Store struct {
	client    API
	tableName string
}

// NewStore keeps idempotency records in a DynamoDB table keyed by pk.
func NewStore(client API, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
	}
}

func partitionKey(scope, key string) string {
	return scope + "#" + key
}

func (s *Store) keyAttr(scope, key string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		"pk": &dynamodbtypes.AttributeValueMemberS{Value: partitionKey(scope, key)},
	}
}

// Reserve puts an IN_PROGRESS item unless a live one already exists.
func (s *Store) Reserve(ctx context.Context, scope, key string, now, leaseUntil time.Time) (idempotency.Reservation, error) {
	av, err := attributevalue.MarshalMap(item{
		PK:        partitionKey(scope, key),
		Scope:     scope,
		Key:       key,
		Status:    string(idempotencyDatamodel.StatusInProgress),
		ExpiresAt: leaseUntil.Unix(),
		CreatedAt: now.Unix(),
	})
	if err != nil {
		return idempotency.Reservation{}, fmt.Errorf("failed to marshal idempotency item: %w", err)
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at <= :now"),
			ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
				":now": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		if err == nil {
			return idempotency.Reservation{New: true}, nil
		}
		var condErr *dynamodbtypes.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return idempotency.Reservation{}, fmt.Errorf("failed to put idempotency item: %w", err)
		}

		existing, err := s.get(ctx, scope, key)
		if err != nil {
			return idempotency.Reservation{}, err
		}
		if existing == nil {
			continue
		}
		if existing.Status == string(idempotencyDatamodel.StatusCompleted) {
			return idempotency.Reservation{Result: existing.Result}, nil
		}
		return idempotency.Reservation{}, idempotency.ErrInProgress
	}
	return idempotency.Reservation{}, idempotency.ErrInProgress
}

func (s *Store) get(ctx context.Context, scope, key string) (*item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.keyAttr(scope, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency item: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency item: %w", err)
	}
	return &it, nil
}

func (s *Store) Complete(ctx context.Context, scope, key, result string, expiresAt time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.keyAttr(scope, key),
		UpdateExpression:    aws.String("SET #status = :status, #result = :result, expires_at = :expires"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
			"#result": "result",
		},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":status":  &dynamodbtypes.AttributeValueMemberS{Value: string(idempotencyDatamodel.StatusCompleted)},
			":result":  &dynamodbtypes.AttributeValueMemberS{Value: result},
			":expires": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete idempotency item: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, scope, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.keyAttr(scope, key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete idempotency item: %w", err)
	}
	return nil
}
