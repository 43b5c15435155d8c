// Package catalog reads product variants and their prices.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/aws"
)

// Variant is a purchasable product variant. Prices are minor units keyed by
// lowercase currency code.
type Variant struct {
	VariantID string           `dynamodbav:"variant_id"` // PK
	ProductID string           `dynamodbav:"product_id"`
	Title     string           `dynamodbav:"title"`
	SKU       string           `dynamodbav:"sku,omitempty"`
	Prices    map[string]int64 `dynamodbav:"prices"`
}

// Price returns the unit price in currencyCode.
func (v *Variant) Price(currencyCode string) (int64, error) {
	p, ok := v.Prices[strings.ToLower(currencyCode)]
	if !ok {
		return 0, &apperr.PriceNotFoundError{VariantID: v.VariantID, CurrencyCode: currencyCode}
	}
	return p, nil
}

// Store reads variants from DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// Variant returns the variant or a VariantNotFoundError.
func (s *Store) Variant(ctx context.Context, variantID string) (*Variant, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"variant_id": &types.AttributeValueMemberS{Value: variantID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get variant: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, &apperr.VariantNotFoundError{VariantID: variantID}
	}
	var v Variant
	if err := attributevalue.UnmarshalMap(out.Item, &v); err != nil {
		return nil, fmt.Errorf("unmarshal variant: %w", err)
	}
	return &v, nil
}
