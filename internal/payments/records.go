package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-orderwindow/internal/aws"
)

// Record links an order to the authorization that pays for it.
type Record struct {
	PaymentIntentID string    `dynamodbav:"payment_intent_id"` // PK
	RecordID        string    `dynamodbav:"record_id"`
	OrderID         string    `dynamodbav:"order_id"`
	Amount          int64     `dynamodbav:"amount"`
	CurrencyCode    string    `dynamodbav:"currency_code"`
	Provider        string    `dynamodbav:"provider"`
	Status          string    `dynamodbav:"status"`
	CreatedAt       time.Time `dynamodbav:"created_at"`
}

// RecordStore persists payment records.
type RecordStore struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewRecordStore returns a RecordStore on tableName.
func NewRecordStore(client aws.DynamoDBAPI, tableName string) *RecordStore {
	return &RecordStore{client: client, tableName: tableName, nowFunc: time.Now}
}

// Open writes the payment record for an order. Opening a record that already
// exists for the payment intent is a no-op.
func (s *RecordStore) Open(ctx context.Context, rec Record) (*Record, error) {
	if rec.RecordID == "" {
		rec.RecordID = "payrec_" + uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFunc()
	}
	if rec.Status == "" {
		rec.Status = "authorized"
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal payment record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(payment_intent_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return &rec, nil
		}
		return nil, fmt.Errorf("put payment record: %w", err)
	}
	return &rec, nil
}

func awsString(s string) *string { return &s }
