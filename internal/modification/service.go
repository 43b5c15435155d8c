// Package modification applies customer changes to a pending order inside its
// modification window: adding items, changing quantities, updating the
// shipping address and canceling. Every change that moves money runs as a
// staged pipeline whose last step is the durable commit.
package modification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imrishuroy/go-orderwindow/internal/alerts"
	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/catalog"
	"github.com/imrishuroy/go-orderwindow/internal/events"
	"github.com/imrishuroy/go-orderwindow/internal/inventory"
	"github.com/imrishuroy/go-orderwindow/internal/lock"
	"github.com/imrishuroy/go-orderwindow/internal/orders"
	"github.com/imrishuroy/go-orderwindow/internal/payments"
	"github.com/imrishuroy/go-orderwindow/internal/token"
)

// Mismatch codes reported when the gateway and the order record disagree.
const (
	MismatchOversold = "AUTH_MISMATCH_OVERSOLD"
	MismatchVoided   = "AUTH_MISMATCH_VOIDED"
)

// OrderLock bounds the per-order lock held for the duration of one change.
var OrderLock = lock.Options{Wait: 5 * time.Second, TTL: 30 * time.Second}

var tracer = otel.Tracer("github.com/imrishuroy/go-orderwindow/internal/modification")

// Tokens validates modification tokens.
type Tokens interface {
	ValidateForOrder(tokenString, orderID string) (*token.Payload, error)
	Inspect(tokenString string) (*token.Payload, error)
}

// OrderStore reads and conditionally mutates orders.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	Commit(ctx context.Context, m orders.Mutation) (*orders.Order, error)
	UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error
}

// Catalog resolves variants.
type Catalog interface {
	Variant(ctx context.Context, variantID string) (*catalog.Variant, error)
}

// Inventory checks, reserves and releases stock.
type Inventory interface {
	CheckAvailability(ctx context.Context, variantID string, quantity int64) error
	Reserve(ctx context.Context, items []inventory.Item, preferredLocationIDs []string, salesChannelID string) ([]inventory.Adjustment, error)
	Release(ctx context.Context, allocs []inventory.Allocation) error
}

// Payments adjusts the order's held authorization.
type Payments interface {
	Authorization(ctx context.Context, id string) (*payments.Authorization, error)
	IncrementHold(ctx context.Context, paymentIntentID string, currentAmount, newAmount int64, seed payments.IdempotencySeed) (*payments.IncrementResult, error)
	VoidHold(ctx context.Context, paymentIntentID string, seed payments.IdempotencySeed) (*payments.Authorization, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Tokens    Tokens
	Orders    OrderStore
	Catalog   Catalog
	Inventory Inventory
	Payments  Payments
	Locks     lock.Manager
	Events    events.Publisher
	Alerts    alerts.Alerter
	Logger    *slog.Logger
}

// Service runs order modifications.
type Service struct {
	tokens    Tokens
	orders    OrderStore
	catalog   Catalog
	inventory Inventory
	payments  Payments
	locks     lock.Manager
	events    events.Publisher
	alerts    alerts.Alerter
	logger    *slog.Logger
	lockOpts  lock.Options
	nowFunc   func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		tokens:    d.Tokens,
		orders:    d.Orders,
		catalog:   d.Catalog,
		inventory: d.Inventory,
		payments:  d.Payments,
		locks:     d.Locks,
		events:    d.Events,
		alerts:    d.Alerts,
		logger:    d.Logger.With("component", "modification"),
		lockOpts:  OrderLock,
		nowFunc:   time.Now,
	}
}

// Result is the state after a successful modification.
type Result struct {
	Order                *orders.Order
	PaymentStatus        string
	HeldAmount           int64
	AuthorizationSkipped bool
}

// AddItemRequest adds Quantity units of a variant to the order.
type AddItemRequest struct {
	VariantID string
	Quantity  int64
	Metadata  map[string]interface{}
}

// QuantityRequest sets the quantity of the line item for VariantID.
type QuantityRequest struct {
	VariantID string
	Quantity  int64
}

// Window reports whether an order can still be modified.
type Window struct {
	OrderID   string
	Status    string
	CanModify bool
	Remaining time.Duration
	ExpiresAt time.Time
}

// AddLineItem runs the add-item pipeline under the order lock.
func (s *Service) AddLineItem(ctx context.Context, orderID, tokenString string, req AddItemRequest) (*Result, error) {
	if req.VariantID == "" {
		return nil, &apperr.InvalidInputError{Field: "variant_id", Reason: "required"}
	}
	if req.Quantity <= 0 {
		return nil, &apperr.InvalidInputError{Field: "quantity", Reason: "must be a positive integer"}
	}
	tok, err := s.tokens.ValidateForOrder(tokenString, orderID)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		v, err := s.validate(ctx, tok, orderID, req)
		if err != nil {
			return err
		}
		t, err := s.calculateTotals(ctx, v)
		if err != nil {
			return err
		}
		r, err := s.reserveInventory(ctx, t)
		if err != nil {
			return err
		}
		a, err := s.adjustAuthorization(ctx, r)
		if err != nil {
			s.undoReservation(ctx, r.allocations())
			return err
		}
		c, err := s.commit(ctx, a)
		if err != nil {
			return err
		}
		res = &Result{
			Order:                c.updated,
			PaymentStatus:        a.auth.Status,
			HeldAmount:           a.increment.NewAmount,
			AuthorizationSkipped: a.increment.Skipped,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.OrderModified, events.OrderModifiedPayload{
		OrderID:      orderID,
		Modification: "line_item_added",
		VariantID:    req.VariantID,
		Quantity:     req.Quantity,
		Total:        res.Order.Total,
		CurrencyCode: res.Order.CurrencyCode,
	})
	return res, nil
}

// WindowStatus reports the remaining modification window for an order. An
// expired token is not an error here; it yields CanModify false.
func (s *Service) WindowStatus(ctx context.Context, orderID, tokenString string) (*Window, error) {
	p, err := s.tokens.Inspect(tokenString)
	if err != nil {
		return nil, err
	}
	if p.OrderID != orderID {
		return nil, &apperr.TokenMismatchError{TokenOrderID: p.OrderID, RequestOrderID: orderID}
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &apperr.OrderNotFoundError{OrderID: orderID}
	}
	remaining := max(0, p.ExpiresAt.Sub(s.nowFunc()))
	return &Window{
		OrderID:   orderID,
		Status:    order.Status,
		CanModify: remaining > 0 && order.Status == orders.StatusPending,
		Remaining: remaining,
		ExpiresAt: p.ExpiresAt,
	}, nil
}

func (s *Service) withOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	err := lock.WithLock(ctx, s.locks, "order:"+orderID, s.lockOpts, fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		return &apperr.ConcurrentModificationError{Resource: "order " + orderID}
	}
	return err
}

// loadModifiable returns the order when it exists, is pending and belongs to
// the token's authorization.
func (s *Service) loadModifiable(ctx context.Context, tok *token.Payload, orderID string) (*orders.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &apperr.OrderNotFoundError{OrderID: orderID}
	}
	if order.PaymentIntentID != tok.PaymentIntentID {
		return nil, &apperr.TokenInvalidError{Reason: "payment binding does not match order"}
	}
	if order.Status != orders.StatusPending {
		return nil, &apperr.InvalidOrderStateError{OrderID: orderID, Status: order.Status}
	}
	return order, nil
}

func (s *Service) heldAuthorization(ctx context.Context, paymentIntentID string) (*payments.Authorization, error) {
	auth, err := s.payments.Authorization(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if !auth.Holdable() {
		return nil, &apperr.InvalidPaymentStateError{PaymentIntentID: paymentIntentID, Status: auth.Status}
	}
	return auth, nil
}

// heldAmount is what the gateway will let us capture right now.
func heldAmount(a *payments.Authorization) int64 {
	if a.AmountCapturable > 0 {
		return a.AmountCapturable
	}
	return a.Amount
}

func (s *Service) undoReservation(ctx context.Context, allocs []inventory.Allocation) {
	if err := s.inventory.Release(context.WithoutCancel(ctx), allocs); err != nil {
		s.logger.ErrorContext(ctx, "release reserved stock failed", "error", err, "allocations", allocs)
	}
}

// mismatch raises the operator alert and returns the error shown to callers.
func (s *Service) mismatch(ctx context.Context, code string, order *orders.Order, intended int64, cause error) error {
	s.alerts.Critical(context.WithoutCancel(ctx), alerts.Alert{
		Code:            code,
		OrderID:         order.OrderID,
		PaymentIntentID: order.PaymentIntentID,
		IntendedAmount:  intended,
		Err:             cause,
	})
	return &apperr.AuthMismatchError{
		OrderID:         order.OrderID,
		PaymentIntentID: order.PaymentIntentID,
		IntendedAmount:  intended,
		MismatchCode:    code,
		Cause:           cause,
	}
}

func (s *Service) publish(ctx context.Context, name string, payload any) {
	if err := s.events.Publish(ctx, name, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed", "event", name, "error", err)
	}
}

func commitError(orderID string, err error) error {
	if errors.Is(err, orders.ErrStatusMismatch) {
		return &apperr.ConcurrentModificationError{Resource: "order " + orderID}
	}
	return err
}

func startSpan(ctx context.Context, name, orderID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order.id", orderID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.CodeOf(err))
	}
	span.End()
}
