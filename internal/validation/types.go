package validation

// AddLineItemRequest is the payload for POST /orders/:id/line-items
type AddLineItemRequest struct {
	VariantID string                 `json:"variant_id" validate:"required"`    // variant to add
	Quantity  int64                  `json:"quantity" validate:"required,min=1"` // must be >= 1
	Metadata  map[string]interface{} `json:"metadata,omitempty"`                 // optional, kept on the added-items trail
}

// UpdateQuantityRequest is the payload for POST /orders/:id/line-items/quantity
type UpdateQuantityRequest struct {
	VariantID string `json:"variant_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"required,min=1"`
}

// AddressRequest is the payload for POST /orders/:id/shipping-address
type AddressRequest struct {
	FirstName   string `json:"first_name" validate:"required,max=100"`
	LastName    string `json:"last_name" validate:"max=100"`
	Address1    string `json:"address_1" validate:"required,max=200"`
	Address2    string `json:"address_2,omitempty" validate:"max=200"`
	City        string `json:"city" validate:"required,max=100"`
	Province    string `json:"province,omitempty" validate:"max=100"`
	PostalCode  string `json:"postal_code" validate:"required,max=20"`
	CountryCode string `json:"country_code" validate:"required,len=2,alpha"`
	Phone       string `json:"phone,omitempty" validate:"max=40"`
}

// CancelRequest is the optional payload for POST /orders/:id/cancel
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}
