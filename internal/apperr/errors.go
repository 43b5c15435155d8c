// Package apperr holds the typed error taxonomy shared by the order services.
// Every error that crosses a service boundary is one of these types so the HTTP
// layer and the worker can classify it with errors.As.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind groups errors by how callers must react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindState
	KindConflict
	KindPayment
	KindUpstream
	KindCritical
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	case KindPayment:
		return "payment"
	case KindUpstream:
		return "upstream"
	case KindCritical:
		return "critical"
	default:
		return "internal"
	}
}

// Classified is implemented by every error in this package.
type Classified interface {
	error
	Kind() Kind
	Code() string
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindInternal
}

// CodeOf returns the machine code of the first classified error in err's chain.
func CodeOf(err error) string {
	var c Classified
	if errors.As(err, &c) {
		return c.Code()
	}
	return "INTERNAL_ERROR"
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindPayment:
		return http.StatusPaymentRequired
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Permanent reports whether retrying the same request can never succeed.
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindUnauthorized, KindForbidden, KindNotFound, KindState, KindPayment, KindCritical:
		return true
	}
	return false
}

// InvalidInputError is a malformed request or an argument outside its domain.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}
func (e *InvalidInputError) Kind() Kind   { return KindInvalidInput }
func (e *InvalidInputError) Code() string { return "INVALID_INPUT" }

// TokenRequiredError means the modification token was missing from the header
// or was sent somewhere else.
type TokenRequiredError struct {
	Reason string
}

func (e *TokenRequiredError) Error() string { return "modification token required: " + e.Reason }
func (e *TokenRequiredError) Kind() Kind    { return KindUnauthorized }
func (e *TokenRequiredError) Code() string  { return "TOKEN_REQUIRED" }

// TokenExpiredError means the modification window has elapsed.
type TokenExpiredError struct {
	ExpiredAt time.Time
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("modification token expired at %s", e.ExpiredAt.UTC().Format(time.RFC3339))
}
func (e *TokenExpiredError) Kind() Kind   { return KindUnauthorized }
func (e *TokenExpiredError) Code() string { return "TOKEN_EXPIRED" }

// TokenInvalidError means the token is malformed or its signature does not verify.
type TokenInvalidError struct {
	Reason string
}

func (e *TokenInvalidError) Error() string { return "modification token invalid: " + e.Reason }
func (e *TokenInvalidError) Kind() Kind    { return KindUnauthorized }
func (e *TokenInvalidError) Code() string  { return "TOKEN_INVALID" }

// TokenMismatchError means a valid token was presented for another order.
type TokenMismatchError struct {
	TokenOrderID   string
	RequestOrderID string
}

func (e *TokenMismatchError) Error() string {
	return fmt.Sprintf("modification token is bound to order %s, not %s", e.TokenOrderID, e.RequestOrderID)
}
func (e *TokenMismatchError) Kind() Kind   { return KindForbidden }
func (e *TokenMismatchError) Code() string { return "TOKEN_MISMATCH" }

// OrderNotFoundError is returned when the order id does not resolve.
type OrderNotFoundError struct {
	OrderID string
}

func (e *OrderNotFoundError) Error() string { return "order not found: " + e.OrderID }
func (e *OrderNotFoundError) Kind() Kind    { return KindNotFound }
func (e *OrderNotFoundError) Code() string  { return "ORDER_NOT_FOUND" }

// InvalidOrderStateError means the order is no longer modifiable.
type InvalidOrderStateError struct {
	OrderID string
	Status  string
}

func (e *InvalidOrderStateError) Error() string {
	return fmt.Sprintf("order %s is %s, modifications require pending", e.OrderID, e.Status)
}
func (e *InvalidOrderStateError) Kind() Kind   { return KindState }
func (e *InvalidOrderStateError) Code() string { return "INVALID_ORDER_STATE" }

// InvalidPaymentStateError means the authorization can no longer be adjusted.
type InvalidPaymentStateError struct {
	PaymentIntentID string
	Status          string
}

func (e *InvalidPaymentStateError) Error() string {
	return fmt.Sprintf("payment authorization %s is %s, expected a held authorization", e.PaymentIntentID, e.Status)
}
func (e *InvalidPaymentStateError) Kind() Kind   { return KindState }
func (e *InvalidPaymentStateError) Code() string { return "INVALID_PAYMENT_STATE" }

// VariantNotFoundError is returned for unknown variants.
type VariantNotFoundError struct {
	VariantID string
}

func (e *VariantNotFoundError) Error() string { return "variant not found: " + e.VariantID }
func (e *VariantNotFoundError) Kind() Kind    { return KindInvalidInput }
func (e *VariantNotFoundError) Code() string  { return "VARIANT_NOT_FOUND" }

// PriceNotFoundError is returned when a variant has no price in the order currency.
type PriceNotFoundError struct {
	VariantID    string
	CurrencyCode string
}

func (e *PriceNotFoundError) Error() string {
	return fmt.Sprintf("no %s price for variant %s", e.CurrencyCode, e.VariantID)
}
func (e *PriceNotFoundError) Kind() Kind   { return KindInvalidInput }
func (e *PriceNotFoundError) Code() string { return "PRICE_NOT_FOUND" }

// LineItemNotFoundError is returned when a quantity update targets a variant not on the order.
type LineItemNotFoundError struct {
	OrderID   string
	VariantID string
}

func (e *LineItemNotFoundError) Error() string {
	return fmt.Sprintf("order %s has no line item for variant %s", e.OrderID, e.VariantID)
}
func (e *LineItemNotFoundError) Kind() Kind   { return KindInvalidInput }
func (e *LineItemNotFoundError) Code() string { return "LINE_ITEM_NOT_FOUND" }

// ShippingDataError is returned when a shipping method cannot be fulfilled downstream.
type ShippingDataError struct {
	ShippingMethodID string
	Reason           string
}

func (e *ShippingDataError) Error() string {
	return fmt.Sprintf("shipping method %s: %s", e.ShippingMethodID, e.Reason)
}
func (e *ShippingDataError) Kind() Kind   { return KindInvalidInput }
func (e *ShippingDataError) Code() string { return "SHIPPING_DATA_MISSING" }

// CartNotFoundError is returned when the payment event references an unknown cart.
type CartNotFoundError struct {
	CartID string
}

func (e *CartNotFoundError) Error() string {
	if e.CartID == "" {
		return "payment event carries no cart reference"
	}
	return "cart not found: " + e.CartID
}
func (e *CartNotFoundError) Kind() Kind   { return KindInvalidInput }
func (e *CartNotFoundError) Code() string { return "CART_NOT_FOUND" }

// InsufficientStockError is returned when a variant cannot cover the requested quantity.
type InsufficientStockError struct {
	VariantID string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: available %d, requested %d", e.VariantID, e.Available, e.Requested)
}
func (e *InsufficientStockError) Kind() Kind   { return KindConflict }
func (e *InsufficientStockError) Code() string { return "INSUFFICIENT_STOCK" }

// NoFulfillmentLocationError is returned when none of a variant's stock levels
// sits at a preferred or sales-channel location.
type NoFulfillmentLocationError struct {
	VariantID      string
	SalesChannelID string
}

func (e *NoFulfillmentLocationError) Error() string {
	return fmt.Sprintf("no valid fulfillment location for variant %s in sales channel %s", e.VariantID, e.SalesChannelID)
}
func (e *NoFulfillmentLocationError) Kind() Kind   { return KindConflict }
func (e *NoFulfillmentLocationError) Code() string { return "NO_FULFILLMENT_LOCATION" }

// ConcurrentModificationError is returned when another writer changed the
// resource between read and write.
type ConcurrentModificationError struct {
	Resource string
}

func (e *ConcurrentModificationError) Error() string {
	return "concurrent modification of " + e.Resource
}
func (e *ConcurrentModificationError) Kind() Kind   { return KindConflict }
func (e *ConcurrentModificationError) Code() string { return "CONCURRENT_MODIFICATION" }

// CardDeclinedError is a terminal decline from the gateway. UserMessage is
// always taken from the decline table and is safe to show.
type CardDeclinedError struct {
	Message     string
	GatewayCode string
	DeclineCode string
	UserMessage string
	Retryable   bool
}

func (e *CardDeclinedError) Error() string {
	return fmt.Sprintf("card declined (code=%s decline_code=%s): %s", e.GatewayCode, e.DeclineCode, e.Message)
}
func (e *CardDeclinedError) Kind() Kind   { return KindPayment }
func (e *CardDeclinedError) Code() string { return "CARD_DECLINED" }

// AuthMismatchError means money was authorized or voided at the gateway but the
// order record does not reflect it. It is never retried automatically.
type AuthMismatchError struct {
	OrderID         string
	PaymentIntentID string
	IntendedAmount  int64
	MismatchCode    string
	Cause           error
}

func (e *AuthMismatchError) Error() string {
	return fmt.Sprintf("authorization for order %s (payment %s, amount %d) not recorded: %v",
		e.OrderID, e.PaymentIntentID, e.IntendedAmount, e.Cause)
}
func (e *AuthMismatchError) Unwrap() error { return e.Cause }
func (e *AuthMismatchError) Kind() Kind    { return KindCritical }
func (e *AuthMismatchError) Code() string {
	if e.MismatchCode != "" {
		return e.MismatchCode
	}
	return "AUTH_MISMATCH_OVERSOLD"
}

// UpstreamError wraps a gateway failure that survived every retry.
type UpstreamError struct {
	Service string
	Cause   error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s unavailable: %v", e.Service, e.Cause) }
func (e *UpstreamError) Unwrap() error { return e.Cause }
func (e *UpstreamError) Kind() Kind    { return KindUpstream }
func (e *UpstreamError) Code() string  { return "UPSTREAM_UNAVAILABLE" }

// IdempotencyKeyInUseError means a request with the same Idempotency-Key is
// still being processed.
type IdempotencyKeyInUseError struct {
	Key string
}

func (e *IdempotencyKeyInUseError) Error() string {
	return "a request with idempotency key " + e.Key + " is in progress"
}
func (e *IdempotencyKeyInUseError) Kind() Kind   { return KindConflict }
func (e *IdempotencyKeyInUseError) Code() string { return "IDEMPOTENCY_KEY_IN_USE" }

// IdempotencyKeyReusedError means the key was already used with a different
// request body.
type IdempotencyKeyReusedError struct {
	Key string
}

func (e *IdempotencyKeyReusedError) Error() string {
	return "idempotency key " + e.Key + " was used with a different request"
}
func (e *IdempotencyKeyReusedError) Kind() Kind   { return KindState }
func (e *IdempotencyKeyReusedError) Code() string { return "IDEMPOTENCY_KEY_REUSED" }
