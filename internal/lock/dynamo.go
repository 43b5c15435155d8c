package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-orderwindow/internal/aws"
)

type lockItem struct {
	LockKey   string `dynamodbav:"lock_key"` // PK
	Owner     string `dynamodbav:"owner"`
	ExpiresAt int64  `dynamodbav:"expires_at"` // epoch millis; table TTL attribute
}

// DynamoManager implements Manager with conditional writes on a locks table.
// An expired item can be taken over even before DynamoDB's TTL sweeper
// removes it.
type DynamoManager struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

func NewDynamoManager(client aws.DynamoDBAPI, tableName string) *DynamoManager {
	return &DynamoManager{client: client, tableName: tableName, nowFunc: time.Now}
}

func (m *DynamoManager) Acquire(ctx context.Context, key string, opts Options) (Lease, error) {
	owner := uuid.NewString()
	err := poll(ctx, opts.Wait, func() (bool, error) {
		now := m.nowFunc()
		item, err := attributevalue.MarshalMap(lockItem{
			LockKey:   key,
			Owner:     owner,
			ExpiresAt: now.Add(opts.TTL).UnixMilli(),
		})
		if err != nil {
			return false, fmt.Errorf("marshal lock: %w", err)
		}
		_, err = m.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           &m.tableName,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(lock_key) OR expires_at < :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			},
		})
		if err != nil {
			if aws.IsConditionFailed(err) {
				return false, nil
			}
			return false, fmt.Errorf("put lock: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &dynamoLease{m: m, key: key, owner: owner}, nil
}

type dynamoLease struct {
	m     *DynamoManager
	key   string
	owner string
}

func (l *dynamoLease) Release(ctx context.Context) error {
	_, err := l.m.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &l.m.tableName,
		Key: map[string]types.AttributeValue{
			"lock_key": &types.AttributeValueMemberS{Value: l.key},
		},
		ConditionExpression: awsString("#o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: l.owner},
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrNotHeld
		}
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
