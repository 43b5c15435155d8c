package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeGateway implements Gateway on Stripe PaymentIntents. Network retries
// inside the Stripe client are disabled; Adjuster owns the retry policy.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway returns a gateway authenticated with secretKey.
func NewStripeGateway(secretKey string) *StripeGateway {
	cfg := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
	api := client.New(secretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	})
	return &StripeGateway{api: api}
}

func (g *StripeGateway) GetAuthorization(ctx context.Context, id string) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, fromStripe(err)
	}
	return toAuthorization(pi), nil
}

func (g *StripeGateway) IncrementAuthorization(ctx context.Context, id string, amount int64, idempotencyKey string) (*Authorization, error) {
	params := &stripe.PaymentIntentIncrementAuthorizationParams{
		Amount: stripe.Int64(amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	pi, err := g.api.PaymentIntents.IncrementAuthorization(id, params)
	if err != nil {
		return nil, fromStripe(err)
	}
	return toAuthorization(pi), nil
}

func (g *StripeGateway) CancelAuthorization(ctx context.Context, id string, idempotencyKey string) (*Authorization, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String("requested_by_customer"),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	pi, err := g.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, fromStripe(err)
	}
	return toAuthorization(pi), nil
}

func toAuthorization(pi *stripe.PaymentIntent) *Authorization {
	return &Authorization{
		ID:               pi.ID,
		Status:           string(pi.Status),
		Amount:           pi.Amount,
		AmountCapturable: pi.AmountCapturable,
		CurrencyCode:     strings.ToLower(string(pi.Currency)),
		Metadata:         pi.Metadata,
	}
}

func fromStripe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &GatewayError{
			HTTPStatus:  se.HTTPStatusCode,
			Type:        string(se.Type),
			Code:        string(se.Code),
			DeclineCode: string(se.DeclineCode),
			Message:     se.Msg,
			Err:         err,
		}
	}
	return &GatewayError{Err: err}
}

// WebhookEvent is a verified gateway notification.
type WebhookEvent struct {
	ID            string
	Type          string
	Authorization *Authorization
}

// Webhook event types handled by the receiver.
const (
	EventAmountCapturableUpdated = "payment_intent.amount_capturable_updated"
	EventPaymentFailed           = "payment_intent.payment_failed"
)

// StripeWebhookVerifier checks the Stripe-Signature header against Secret.
type StripeWebhookVerifier struct {
	Secret string
}

// Verify authenticates payload and decodes the PaymentIntent it carries, if any.
func (v StripeWebhookVerifier) Verify(payload []byte, signature string) (*WebhookEvent, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, v.Secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}

	out := &WebhookEvent{ID: evt.ID, Type: string(evt.Type)}
	if strings.HasPrefix(out.Type, "payment_intent.") && evt.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Authorization = toAuthorization(&pi)
	}
	return out, nil
}
