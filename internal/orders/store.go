package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-orderwindow/internal/aws"
)

var (
	// ErrStatusMismatch is returned when a conditional update finds the order
	// in another status or at another version.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrDuplicateOrder is returned when an order already exists for the
	// payment intent.
	ErrDuplicateOrder = errors.New("order already exists for payment intent")
	// ErrDanglingIndex is returned when the payment intent index names an
	// order that is not in the orders table.
	ErrDanglingIndex = errors.New("payment index points at a missing order")
)

// Store encapsulates operations on the orders table and its payment intent index.
type Store struct {
	client     aws.DynamoDBAPI
	tableName  string
	indexTable string
	nowFunc    func() time.Time
}

// NewStore creates a new orders Store. indexTable holds one item per payment
// intent pointing at its order.
func NewStore(client aws.DynamoDBAPI, tableName, indexTable string) *Store {
	return &Store{
		client:     client,
		tableName:  tableName,
		indexTable: indexTable,
		nowFunc:    time.Now,
	}
}

type paymentIndexItem struct {
	PaymentIntentID string    `dynamodbav:"payment_intent_id"` // PK
	OrderID         string    `dynamodbav:"order_id"`
	CreatedAt       time.Time `dynamodbav:"created_at"`
}

// Create atomically writes the order and its payment intent index entry.
// Returns ErrDuplicateOrder if the payment intent already has an order.
func (s *Store) Create(ctx context.Context, order *Order) error {
	now := s.nowFunc()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Version == 0 {
		order.Version = 1
	}
	if order.Metadata == nil {
		order.Metadata = map[string]interface{}{}
	}

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	indexMap, err := attributevalue.MarshalMap(paymentIndexItem{
		PaymentIntentID: order.PaymentIntentID,
		OrderID:         order.OrderID,
		CreatedAt:       order.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal payment index item: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           &s.indexTable,
				Item:                indexMap,
				ConditionExpression: awsString("attribute_not_exists(payment_intent_id)"),
			}},
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			}},
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// FindByPaymentIntent returns the order created for a payment intent, or
// (nil, nil) if there is none. An index entry without its order is
// ErrDanglingIndex.
func (s *Store) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.indexTable,
		Key: map[string]types.AttributeValue{
			"payment_intent_id": &types.AttributeValueMemberS{Value: paymentIntentID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get payment index: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var idx paymentIndexItem
	if err := attributevalue.UnmarshalMap(out.Item, &idx); err != nil {
		return nil, fmt.Errorf("unmarshal payment index: %w", err)
	}
	o, err := s.Get(ctx, idx.OrderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("order %s for %s: %w", idx.OrderID, paymentIntentID, ErrDanglingIndex)
	}
	return o, nil
}

// Commit applies m to a pending order at m.ExpectedVersion and returns the
// updated order. Metadata is only extended: added items are appended and
// updated_total/last_modified are set. Returns ErrStatusMismatch if the order
// left pending or moved to another version.
func (s *Store) Commit(ctx context.Context, m Mutation) (*Order, error) {
	now := s.nowFunc()
	sets := []string{
		"total = :total",
		"version = version + :one",
		"updated_at = :ua",
		"metadata.last_modified = :ua",
	}
	values := map[string]types.AttributeValue{
		":total":   &types.AttributeValueMemberN{Value: strconv.FormatInt(m.Total, 10)},
		":one":     &types.AttributeValueMemberN{Value: "1"},
		":ua":      &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
		":pending": &types.AttributeValueMemberS{Value: StatusPending},
		":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(m.ExpectedVersion, 10)},
	}

	if m.Items != nil {
		items, err := attributevalue.Marshal(m.Items)
		if err != nil {
			return nil, fmt.Errorf("marshal line items: %w", err)
		}
		values[":items"] = items
		sets = append(sets, "items = :items", "metadata.updated_total = :total")
	}
	if m.ShippingAddress != nil {
		addr, err := attributevalue.Marshal(m.ShippingAddress)
		if err != nil {
			return nil, fmt.Errorf("marshal shipping address: %w", err)
		}
		values[":addr"] = addr
		sets = append(sets, "shipping_address = :addr")
	}
	if len(m.Added) > 0 {
		added, err := attributevalue.Marshal(m.Added)
		if err != nil {
			return nil, fmt.Errorf("marshal added items: %w", err)
		}
		values[":added"] = added
		values[":empty"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
		sets = append(sets, "metadata.added_items = list_append(if_not_exists(metadata.added_items, :empty), :added)")
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: m.OrderID},
		},
		UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       awsString("#s = :pending AND version = :version"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// SetItems replaces the line items of a pending order at expectedVersion.
// Used to record stock allocations once they are known.
func (s *Store) SetItems(ctx context.Context, orderID string, expectedVersion int64, items []LineItem) (*Order, error) {
	av, err := attributevalue.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal line items: %w", err)
	}
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET items = :items, updated_at = :ua, version = version + :one"),
		ConditionExpression:      awsString("#s = :pending AND version = :version"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":items":   av,
			":ua":      &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
			":one":     &types.AttributeValueMemberN{Value: "1"},
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Attributes, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// UpdateStatus conditionally updates the order status from expected -> newStatus
// and bumps the version. Returns ErrStatusMismatch if the condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua, version = version + :one"),
		ConditionExpression:      awsString("#s = :expected"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
			":ua":       &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
			":one":      &types.AttributeValueMemberN{Value: "1"},
		},
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
