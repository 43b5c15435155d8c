package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/checkout"
	"github.com/imrishuroy/go-orderwindow/internal/events"
	"github.com/imrishuroy/go-orderwindow/internal/payments"
)

// SignatureHeader carries the gateway's webhook signature.
const SignatureHeader = "Stripe-Signature"

const maxWebhookBody = 64 << 10

// WebhookVerifier authenticates gateway notifications.
type WebhookVerifier interface {
	Verify(payload []byte, signature string) (*payments.WebhookEvent, error)
}

// Dispatcher hands a verified authorization to order creation.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt events.PaymentAuthorizedPayload) error
}

// QueueDispatcher enqueues the event for the worker.
type QueueDispatcher struct {
	Publisher events.Publisher
}

func (d QueueDispatcher) Dispatch(ctx context.Context, evt events.PaymentAuthorizedPayload) error {
	return d.Publisher.Publish(ctx, events.PaymentAuthorized, evt)
}

// InlineDispatcher creates the order inside the webhook request.
type InlineDispatcher struct {
	Checkout *checkout.Service
}

func (d InlineDispatcher) Dispatch(ctx context.Context, evt events.PaymentAuthorizedPayload) error {
	_, err := d.Checkout.HandlePaymentAuthorized(ctx, evt)
	return err
}

type webhookHandler struct {
	verifier   WebhookVerifier
	dispatcher Dispatcher
	logger     *slog.Logger
}

func (h *webhookHandler) receive(c *gin.Context) {
	ctx := c.Request.Context()
	if h.verifier == nil {
		h.logger.ErrorContext(ctx, "webhook secret is not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_not_configured"})
		return
	}

	sig := c.GetHeader(SignatureHeader)
	if sig == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_signature"})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}
	evt, err := h.verifier.Verify(payload, sig)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	logger := h.logger.With("event_id", evt.ID, "event_type", evt.Type)
	switch evt.Type {
	case payments.EventAmountCapturableUpdated:
		if evt.Authorization == nil {
			logger.WarnContext(ctx, "authorization event without payment intent")
			break
		}
		if err := h.dispatcher.Dispatch(ctx, authorizedPayload(evt)); err != nil {
			// rejections are final; anything else asks the gateway to redeliver
			if apperr.Permanent(err) {
				logger.WarnContext(ctx, "payment authorization rejected", "code", apperr.CodeOf(err), "error", err)
				break
			}
			logger.ErrorContext(ctx, "dispatch payment authorization failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch_failed"})
			return
		}
		logger.InfoContext(ctx, "payment authorization dispatched", "payment_intent_id", evt.Authorization.ID)
	case payments.EventPaymentFailed:
		logger.InfoContext(ctx, "payment failed notification")
	default:
		logger.DebugContext(ctx, "ignoring webhook event")
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func authorizedPayload(evt *payments.WebhookEvent) events.PaymentAuthorizedPayload {
	auth := evt.Authorization
	amount := auth.AmountCapturable
	if amount == 0 {
		amount = auth.Amount
	}
	return events.PaymentAuthorizedPayload{
		GatewayEventID:  evt.ID,
		PaymentIntentID: auth.ID,
		CartID:          auth.Metadata["cart_id"],
		Amount:          amount,
		CurrencyCode:    auth.CurrencyCode,
	}
}
