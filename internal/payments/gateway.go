// Package payments adjusts held card authorizations against the payment
// gateway and records the payment side of an order.
package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Authorization statuses as reported by the gateway.
const (
	StatusRequiresCapture = "requires_capture"
	StatusCanceled        = "canceled"
	StatusSucceeded       = "succeeded"
)

// Gateway error types.
const (
	ErrorTypeCard        = "card_error"
	ErrorTypeIdempotency = "idempotency_error"
	ErrorTypeAPI         = "api_error"
	ErrorTypeInvalid     = "invalid_request_error"
)

// Authorization is the gateway's view of a payment authorization.
type Authorization struct {
	ID               string
	Status           string
	Amount           int64
	AmountCapturable int64
	CurrencyCode     string
	Metadata         map[string]string
}

// Holdable reports whether the authorization is held and can still be adjusted.
func (a *Authorization) Holdable() bool {
	return a != nil && a.Status == StatusRequiresCapture
}

// Gateway is the card-authorization provider.
type Gateway interface {
	GetAuthorization(ctx context.Context, id string) (*Authorization, error)
	IncrementAuthorization(ctx context.Context, id string, amount int64, idempotencyKey string) (*Authorization, error)
	CancelAuthorization(ctx context.Context, id string, idempotencyKey string) (*Authorization, error)
}

// GatewayError is a failure reported by, or on the way to, the gateway.
// Message is the raw gateway text and must never reach a customer.
type GatewayError struct {
	HTTPStatus  int
	Type        string
	Code        string
	DeclineCode string
	Message     string
	Err         error
}

func (e *GatewayError) Error() string {
	if e.Type == "" && e.Err != nil {
		return fmt.Sprintf("payment gateway transport: %v", e.Err)
	}
	return fmt.Sprintf("payment gateway error (status=%d type=%s code=%s)", e.HTTPStatus, e.Type, e.Code)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether err is transient: connection failures, timeouts,
// resets and 5xx/429 responses. Card declines are never retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ge *GatewayError
	if errors.As(err, &ge) {
		switch {
		case ge.Type == ErrorTypeCard || ge.Type == ErrorTypeIdempotency:
			return false
		case ge.HTTPStatus >= http.StatusInternalServerError, ge.HTTPStatus == http.StatusTooManyRequests:
			return true
		case ge.Err != nil:
			return transportFailure(ge.Err)
		default:
			return false
		}
	}
	return transportFailure(err)
}

func transportFailure(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
