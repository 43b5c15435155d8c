package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/checkout"
	orderevents "github.com/imrishuroy/go-orderwindow/internal/events"
)

// OrderPlacer creates orders from authorized payments.
type OrderPlacer interface {
	HandlePaymentAuthorized(ctx context.Context, evt orderevents.PaymentAuthorizedPayload) (*checkout.Placed, error)
}

// Processor handles SQS batches of payment.authorized events.
type Processor struct {
	placer OrderPlacer
	logger *slog.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(placer OrderPlacer, logger *slog.Logger) *Processor {
	return &Processor{placer: placer, logger: logger.With("component", "worker")}
}

// Handle processes each message and reports the ones that should be
// redelivered. Permanent failures are logged and acknowledged so they do not
// loop until the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		err := p.processMessage(ctx, rec)
		if err == nil {
			continue
		}
		if apperr.Permanent(err) {
			p.logger.WarnContext(ctx, "dropping message", "message_id", rec.MessageId, "code", apperr.CodeOf(err), "error", err)
			continue
		}
		p.logger.ErrorContext(ctx, "message failed, will retry", "message_id", rec.MessageId, "error", err)
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var env orderevents.Envelope
	if err := json.Unmarshal([]byte(rec.Body), &env); err != nil {
		return &apperr.InvalidInputError{Field: "body", Reason: fmt.Sprintf("invalid message body: %v", err)}
	}
	if env.Name != orderevents.PaymentAuthorized {
		p.logger.InfoContext(ctx, "ignoring event", "event", env.Name, "event_id", env.ID)
		return nil
	}

	var evt orderevents.PaymentAuthorizedPayload
	if err := env.Decode(&evt); err != nil {
		return &apperr.InvalidInputError{Field: "payload", Reason: err.Error()}
	}

	p.logger.InfoContext(ctx, "received payment authorization",
		"event_id", env.ID, "payment_intent_id", evt.PaymentIntentID, "cart_id", evt.CartID)

	placed, err := p.placer.HandlePaymentAuthorized(ctx, evt)
	if err != nil {
		return fmt.Errorf("place order for %s: %w", evt.PaymentIntentID, err)
	}
	if placed == nil || placed.Order == nil {
		return fmt.Errorf("place order for %s: no order returned", evt.PaymentIntentID)
	}
	if placed.Duplicate {
		p.logger.InfoContext(ctx, "order already exists", "order_id", placed.Order.OrderID, "payment_intent_id", evt.PaymentIntentID)
		return nil
	}
	p.logger.InfoContext(ctx, "order placed",
		"order_id", placed.Order.OrderID, "payment_intent_id", evt.PaymentIntentID, "backordered", len(placed.Backordered))
	return nil
}
