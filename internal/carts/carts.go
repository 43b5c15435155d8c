// Package carts reads the upstream cart a checkout was paid for.
package carts

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/aws"
)

type LineItem struct {
	VariantID string `dynamodbav:"variant_id"`
	Title     string `dynamodbav:"title"`
	UnitPrice int64  `dynamodbav:"unit_price"`
	Quantity  int64  `dynamodbav:"quantity"`
}

type Address struct {
	FirstName   string `dynamodbav:"first_name"`
	LastName    string `dynamodbav:"last_name"`
	Address1    string `dynamodbav:"address_1"`
	Address2    string `dynamodbav:"address_2,omitempty"`
	City        string `dynamodbav:"city"`
	Province    string `dynamodbav:"province,omitempty"`
	PostalCode  string `dynamodbav:"postal_code"`
	CountryCode string `dynamodbav:"country_code"`
	Phone       string `dynamodbav:"phone,omitempty"`
}

// ShippingMethod is the shipping option chosen at checkout. Data is the
// provider payload needed to fulfil it.
type ShippingMethod struct {
	ID               string                 `dynamodbav:"id"`
	Name             string                 `dynamodbav:"name"`
	ShippingOptionID string                 `dynamodbav:"shipping_option_id"`
	Amount           int64                  `dynamodbav:"amount"`
	Data             map[string]interface{} `dynamodbav:"data,omitempty"`
	StockLocationID  string                 `dynamodbav:"stock_location_id,omitempty"`
}

type Cart struct {
	CartID          string           `dynamodbav:"cart_id"` // PK
	Email           string           `dynamodbav:"email"`
	CurrencyCode    string           `dynamodbav:"currency_code"`
	SalesChannelID  string           `dynamodbav:"sales_channel_id"`
	Items           []LineItem       `dynamodbav:"items"`
	ShippingAddress Address          `dynamodbav:"shipping_address"`
	ShippingMethods []ShippingMethod `dynamodbav:"shipping_methods"`
	CreatedAt       time.Time        `dynamodbav:"created_at"`
}

// Subtotal is the sum of line totals.
func (c *Cart) Subtotal() int64 {
	var total int64
	for _, it := range c.Items {
		total += it.UnitPrice * it.Quantity
	}
	return total
}

// Total adds shipping to the subtotal.
func (c *Cart) Total() int64 {
	total := c.Subtotal()
	for _, sm := range c.ShippingMethods {
		total += sm.Amount
	}
	return total
}

// Store reads carts from DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// Get returns the cart or a CartNotFoundError.
func (s *Store) Get(ctx context.Context, cartID string) (*Cart, error) {
	if cartID == "" {
		return nil, &apperr.CartNotFoundError{}
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"cart_id": &types.AttributeValueMemberS{Value: cartID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, &apperr.CartNotFoundError{CartID: cartID}
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}
