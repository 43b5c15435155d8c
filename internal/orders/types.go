package orders

import (
	"time"

	"github.com/imrishuroy/go-orderwindow/internal/inventory"
)

// Order statuses
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
)

// LineItem is one purchased variant. Allocations record the stock levels
// its units were taken from.
type LineItem struct {
	ID          string                 `dynamodbav:"id" json:"id"`
	VariantID   string                 `dynamodbav:"variant_id" json:"variant_id"`
	Title       string                 `dynamodbav:"title" json:"title"`
	UnitPrice   int64                  `dynamodbav:"unit_price" json:"unit_price"`
	Quantity    int64                  `dynamodbav:"quantity" json:"quantity"`
	Allocations []inventory.Allocation `dynamodbav:"allocations,omitempty" json:"-"`
}

// Total is unit price times quantity.
func (li LineItem) Total() int64 { return li.UnitPrice * li.Quantity }

type Address struct {
	FirstName   string `dynamodbav:"first_name" json:"first_name"`
	LastName    string `dynamodbav:"last_name" json:"last_name"`
	Address1    string `dynamodbav:"address_1" json:"address_1"`
	Address2    string `dynamodbav:"address_2,omitempty" json:"address_2,omitempty"`
	City        string `dynamodbav:"city" json:"city"`
	Province    string `dynamodbav:"province,omitempty" json:"province,omitempty"`
	PostalCode  string `dynamodbav:"postal_code" json:"postal_code"`
	CountryCode string `dynamodbav:"country_code" json:"country_code"`
	Phone       string `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
}

type ShippingMethod struct {
	ID               string                 `dynamodbav:"id" json:"id"`
	Name             string                 `dynamodbav:"name" json:"name"`
	ShippingOptionID string                 `dynamodbav:"shipping_option_id" json:"shipping_option_id"`
	Amount           int64                  `dynamodbav:"amount" json:"amount"`
	Data             map[string]interface{} `dynamodbav:"data" json:"-"`
	StockLocationID  string                 `dynamodbav:"stock_location_id,omitempty" json:"-"`
}

// AddedItem is the metadata trail entry written for every item added
// after placement.
type AddedItem struct {
	VariantID string                 `dynamodbav:"variant_id" json:"variant_id"`
	Quantity  int64                  `dynamodbav:"quantity" json:"quantity"`
	UnitPrice int64                  `dynamodbav:"unit_price" json:"unit_price"`
	AddedAt   time.Time              `dynamodbav:"added_at" json:"added_at"`
	Metadata  map[string]interface{} `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`
}

// Order represents the item stored in the Orders DynamoDB table. Amounts are
// minor units of CurrencyCode.
type Order struct {
	OrderID         string                 `dynamodbav:"order_id"` // PK
	Email           string                 `dynamodbav:"email"`
	Status          string                 `dynamodbav:"status"` // pending | completed | canceled
	CurrencyCode    string                 `dynamodbav:"currency_code"`
	Total           int64                  `dynamodbav:"total"`
	PaymentIntentID string                 `dynamodbav:"payment_intent_id"`
	CartID          string                 `dynamodbav:"cart_id"`
	SalesChannelID  string                 `dynamodbav:"sales_channel_id"`
	Items           []LineItem             `dynamodbav:"items"`
	ShippingAddress Address                `dynamodbav:"shipping_address"`
	ShippingMethods []ShippingMethod       `dynamodbav:"shipping_methods"`
	Metadata        map[string]interface{} `dynamodbav:"metadata"`
	Version         int64                  `dynamodbav:"version"`
	CreatedAt       time.Time              `dynamodbav:"created_at"`
	UpdatedAt       time.Time              `dynamodbav:"updated_at"`
}

// LineItemIndex returns the index of the line item for variantID, or -1.
func (o *Order) LineItemIndex(variantID string) int {
	for i, li := range o.Items {
		if li.VariantID == variantID {
			return i
		}
	}
	return -1
}

// StockLocationIDs lists the stock locations declared by the shipping methods.
func (o *Order) StockLocationIDs() []string {
	var ids []string
	for _, sm := range o.ShippingMethods {
		if sm.StockLocationID != "" {
			ids = append(ids, sm.StockLocationID)
		}
	}
	return ids
}

// Mutation is a versioned change to a pending order. Nil Items and
// ShippingAddress leave those fields untouched.
type Mutation struct {
	OrderID         string
	ExpectedVersion int64
	Items           []LineItem
	Total           int64
	ShippingAddress *Address
	Added           []AddedItem
}
