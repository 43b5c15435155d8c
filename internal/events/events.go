// Package events defines the domain events emitted by the order services and
// the publisher contract that carries them to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	PaymentAuthorized    = "payment.authorized"
	OrderPlaced          = "order.placed"
	OrderModified        = "order.modified"
	OrderCanceled        = "order.canceled"
	InventoryBackordered = "inventory.backordered"
)

// Publisher delivers a named event payload.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// Envelope is the wire form of every event.
type Envelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope with a fresh id.
func NewEnvelope(name string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: at.UTC(),
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// PaymentAuthorizedPayload is produced by the webhook receiver when the gateway
// reports a held authorization.
type PaymentAuthorizedPayload struct {
	GatewayEventID  string `json:"gateway_event_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	CartID          string `json:"cart_id,omitempty"`
	Amount          int64  `json:"amount"`
	CurrencyCode    string `json:"currency_code"`
}

// OrderPlacedPayload carries the modification token to notification consumers.
type OrderPlacedPayload struct {
	OrderID           string    `json:"order_id"`
	Email             string    `json:"email,omitempty"`
	ModificationToken string    `json:"modification_token"`
	ModifiableUntil   time.Time `json:"modifiable_until"`
}

// LogValue keeps the modification token out of logs; it is a bearer credential.
func (p OrderPlacedPayload) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("order_id", p.OrderID),
		slog.String("email", p.Email),
		slog.String("modification_token", redacted(p.ModificationToken)),
		slog.Time("modifiable_until", p.ModifiableUntil),
	)
}

func redacted(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// BackorderedPayload is emitted for every stock level driven below zero.
type BackorderedPayload struct {
	OrderID         string `json:"order_id"`
	VariantID       string `json:"variant_id"`
	InventoryItemID string `json:"inventory_item_id"`
	LocationID      string `json:"location_id"`
	Delta           int64  `json:"delta"`
	StockedQuantity int64  `json:"stocked_quantity"`
}

// OrderModifiedPayload describes one committed modification.
type OrderModifiedPayload struct {
	OrderID      string `json:"order_id"`
	Modification string `json:"modification"`
	VariantID    string `json:"variant_id,omitempty"`
	Quantity     int64  `json:"quantity,omitempty"`
	Total        int64  `json:"total"`
	CurrencyCode string `json:"currency_code"`
}

// OrderCanceledPayload is emitted once an order is canceled in its window.
type OrderCanceledPayload struct {
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Reason          string `json:"reason,omitempty"`
}

// LogPublisher writes events to a logger. Used when no queue is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, name string, payload any) error {
	p.Logger.InfoContext(ctx, "event published", "event", name, "payload", payload)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	Err    error
}

// Recorded is one event captured by a Recorder.
type Recorded struct {
	Name    string
	Payload any
}

func (r *Recorder) Publish(_ context.Context, name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, Recorded{Name: name, Payload: payload})
	return nil
}

// Named returns the recorded payloads with the given event name.
func (r *Recorder) Named(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e.Payload)
		}
	}
	return out
}
