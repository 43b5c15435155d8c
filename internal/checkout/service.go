// Package checkout turns a payment authorization into a placed order: it
// loads the paid cart, creates the order, reserves stock, links the payment
// and issues the modification token.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/carts"
	"github.com/imrishuroy/go-orderwindow/internal/events"
	"github.com/imrishuroy/go-orderwindow/internal/inventory"
	"github.com/imrishuroy/go-orderwindow/internal/lock"
	"github.com/imrishuroy/go-orderwindow/internal/orders"
	"github.com/imrishuroy/go-orderwindow/internal/payments"
)

// PaymentLock serializes deliveries for one payment intent.
var PaymentLock = lock.Options{Wait: 30 * time.Second, TTL: 120 * time.Second}

// reserveAttempts bounds recomputation when stock moved under us.
const reserveAttempts = 3

var tracer = otel.Tracer("github.com/imrishuroy/go-orderwindow/internal/checkout")

type Carts interface {
	Get(ctx context.Context, cartID string) (*carts.Cart, error)
}

type OrderStore interface {
	Create(ctx context.Context, order *orders.Order) error
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*orders.Order, error)
	SetItems(ctx context.Context, orderID string, expectedVersion int64, items []orders.LineItem) (*orders.Order, error)
	UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error
}

type Inventory interface {
	Reserve(ctx context.Context, items []inventory.Item, preferredLocationIDs []string, salesChannelID string) ([]inventory.Adjustment, error)
	Release(ctx context.Context, allocs []inventory.Allocation) error
}

type PaymentRecords interface {
	Open(ctx context.Context, rec payments.Record) (*payments.Record, error)
}

type Payments interface {
	VoidHold(ctx context.Context, paymentIntentID string, seed payments.IdempotencySeed) (*payments.Authorization, error)
}

type Tokens interface {
	Generate(orderID, paymentIntentID string, orderCreatedAt time.Time) (string, error)
	Window() time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	Carts     Carts
	Orders    OrderStore
	Inventory Inventory
	Records   PaymentRecords
	Payments  Payments
	Tokens    Tokens
	Locks     lock.Manager
	Events    events.Publisher
	Logger    *slog.Logger
}

// Service places orders from payment-authorized notifications.
type Service struct {
	carts     Carts
	orders    OrderStore
	inventory Inventory
	records   PaymentRecords
	payments  Payments
	tokens    Tokens
	locks     lock.Manager
	events    events.Publisher
	logger    *slog.Logger
	lockOpts  lock.Options
	nowFunc   func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		carts:     d.Carts,
		orders:    d.Orders,
		inventory: d.Inventory,
		records:   d.Records,
		payments:  d.Payments,
		tokens:    d.Tokens,
		locks:     d.Locks,
		events:    d.Events,
		logger:    d.Logger.With("component", "checkout"),
		lockOpts:  PaymentLock,
		nowFunc:   time.Now,
	}
}

// Placed is the outcome of HandlePaymentAuthorized. Duplicate is set when the
// payment intent already had an order; nothing was written in that case.
type Placed struct {
	Order           *orders.Order
	Token           string
	ModifiableUntil time.Time
	Backordered     []inventory.Adjustment
	Duplicate       bool
}

// HandlePaymentAuthorized creates the order for a held authorization. Repeated
// deliveries for the same payment intent return the existing order.
func (s *Service) HandlePaymentAuthorized(ctx context.Context, evt events.PaymentAuthorizedPayload) (placed *Placed, err error) {
	if evt.PaymentIntentID == "" {
		return nil, &apperr.InvalidInputError{Field: "payment_intent_id", Reason: "required"}
	}
	ctx, span := tracer.Start(ctx, "checkout.place_order",
		trace.WithAttributes(attribute.String("payment_intent.id", evt.PaymentIntentID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.CodeOf(err))
		}
		span.End()
	}()

	err = lock.WithLock(ctx, s.locks, "payment:"+evt.PaymentIntentID, s.lockOpts, func(ctx context.Context) error {
		var err error
		placed, err = s.place(ctx, evt)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, &apperr.ConcurrentModificationError{Resource: "payment " + evt.PaymentIntentID}
	}
	if err != nil {
		return nil, err
	}
	return placed, nil
}

func (s *Service) place(ctx context.Context, evt events.PaymentAuthorizedPayload) (*Placed, error) {
	existing, err := s.orders.FindByPaymentIntent(ctx, evt.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("find order for payment intent: %w", err)
	}
	if existing != nil {
		s.logger.InfoContext(ctx, "order already placed for payment intent",
			"payment_intent_id", evt.PaymentIntentID, "order_id", existing.OrderID)
		return &Placed{Order: existing, Duplicate: true}, nil
	}

	if evt.CartID == "" {
		return nil, &apperr.CartNotFoundError{}
	}
	cart, err := s.carts.Get(ctx, evt.CartID)
	if err != nil {
		return nil, err
	}
	order, err := s.orderFromCart(cart, evt)
	if err != nil {
		return nil, err
	}

	if err := s.orders.Create(ctx, order); err != nil {
		if errors.Is(err, orders.ErrDuplicateOrder) {
			existing, ferr := s.orders.FindByPaymentIntent(ctx, evt.PaymentIntentID)
			if ferr != nil {
				return nil, fmt.Errorf("find order after duplicate create: %w", ferr)
			}
			if existing == nil {
				return nil, fmt.Errorf("find order after duplicate create: %w", orders.ErrDanglingIndex)
			}
			return &Placed{Order: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	s.logger.InfoContext(ctx, "order created",
		"order_id", order.OrderID, "payment_intent_id", order.PaymentIntentID, "total", order.Total)

	var undo compensations
	undo.add("void authorization", func(ctx context.Context) error {
		_, err := s.payments.VoidHold(ctx, order.PaymentIntentID, payments.IdempotencySeed{
			OrderID:   order.OrderID,
			Timestamp: order.CreatedAt,
		})
		return err
	})
	undo.add("cancel order", func(ctx context.Context) error {
		return s.orders.UpdateStatus(ctx, order.OrderID, orders.StatusPending, orders.StatusCanceled)
	})

	adjs, err := s.reserve(ctx, order)
	if err != nil {
		undo.run(ctx, s.logger)
		return nil, err
	}
	allocs := inventory.Allocations(adjs)
	undo.add("revert inventory", func(ctx context.Context) error {
		return s.inventory.Release(ctx, allocs)
	})

	updated, err := s.orders.SetItems(ctx, order.OrderID, order.Version, attachAllocations(order.Items, allocs))
	if err != nil {
		undo.run(ctx, s.logger)
		return nil, fmt.Errorf("record allocations: %w", err)
	}

	var backordered []inventory.Adjustment
	for _, adj := range adjs {
		if !adj.Backordered() {
			continue
		}
		backordered = append(backordered, adj)
		s.publish(ctx, events.InventoryBackordered, events.BackorderedPayload{
			OrderID:         order.OrderID,
			VariantID:       adj.VariantID,
			InventoryItemID: adj.InventoryItemID,
			LocationID:      adj.LocationID,
			Delta:           adj.Quantity(),
			StockedQuantity: adj.StockedQuantity,
		})
	}

	if _, err := s.records.Open(ctx, payments.Record{
		PaymentIntentID: order.PaymentIntentID,
		OrderID:         order.OrderID,
		Amount:          evt.Amount,
		CurrencyCode:    order.CurrencyCode,
		Provider:        "stripe",
	}); err != nil {
		s.logger.ErrorContext(ctx, "open payment record failed, continuing",
			"order_id", order.OrderID, "payment_intent_id", order.PaymentIntentID, "error", err)
	}

	tok, err := s.tokens.Generate(order.OrderID, order.PaymentIntentID, order.CreatedAt)
	if err != nil {
		undo.run(ctx, s.logger)
		return nil, fmt.Errorf("generate modification token: %w", err)
	}
	until := order.CreatedAt.Add(s.tokens.Window())

	s.publish(ctx, events.OrderPlaced, events.OrderPlacedPayload{
		OrderID:           order.OrderID,
		Email:             order.Email,
		ModificationToken: tok,
		ModifiableUntil:   until,
	})

	return &Placed{
		Order:           updated,
		Token:           tok,
		ModifiableUntil: until,
		Backordered:     backordered,
	}, nil
}

// orderFromCart translates the server-side cart into a pending order.
func (s *Service) orderFromCart(cart *carts.Cart, evt events.PaymentAuthorizedPayload) (*orders.Order, error) {
	if len(cart.Items) == 0 {
		return nil, &apperr.InvalidInputError{Field: "cart.items", Reason: "cart has no items"}
	}
	methods := make([]orders.ShippingMethod, 0, len(cart.ShippingMethods))
	for _, sm := range cart.ShippingMethods {
		if sm.ShippingOptionID == "" {
			return nil, &apperr.ShippingDataError{ShippingMethodID: sm.ID, Reason: "missing shipping option id"}
		}
		if len(sm.Data) == 0 {
			return nil, &apperr.ShippingDataError{ShippingMethodID: sm.ID, Reason: "missing provider data"}
		}
		methods = append(methods, orders.ShippingMethod{
			ID:               sm.ID,
			Name:             sm.Name,
			ShippingOptionID: sm.ShippingOptionID,
			Amount:           sm.Amount,
			Data:             sm.Data,
			StockLocationID:  sm.StockLocationID,
		})
	}

	items := make([]orders.LineItem, 0, len(cart.Items))
	for _, it := range cart.Items {
		items = append(items, orders.LineItem{
			ID:        "item_" + uuid.NewString(),
			VariantID: it.VariantID,
			Title:     it.Title,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}

	total := cart.Total()
	if evt.Amount != 0 && evt.Amount != total {
		s.logger.Warn("authorized amount differs from cart total",
			"payment_intent_id", evt.PaymentIntentID, "cart_id", cart.CartID,
			"authorized", evt.Amount, "cart_total", total)
	}

	a := cart.ShippingAddress
	return &orders.Order{
		OrderID:         "order_" + uuid.NewString(),
		Email:           cart.Email,
		Status:          orders.StatusPending,
		CurrencyCode:    cart.CurrencyCode,
		Total:           total,
		PaymentIntentID: evt.PaymentIntentID,
		CartID:          cart.CartID,
		SalesChannelID:  cart.SalesChannelID,
		Items:           items,
		ShippingAddress: orders.Address{
			FirstName:   a.FirstName,
			LastName:    a.LastName,
			Address1:    a.Address1,
			Address2:    a.Address2,
			City:        a.City,
			Province:    a.Province,
			PostalCode:  a.PostalCode,
			CountryCode: a.CountryCode,
			Phone:       a.Phone,
		},
		ShippingMethods: methods,
		Metadata:        map[string]interface{}{"gateway_event_id": evt.GatewayEventID},
		CreatedAt:       s.nowFunc(),
	}, nil
}

// reserve retries when another checkout moved the same levels between our
// read and our write. Any other failure is final.
func (s *Service) reserve(ctx context.Context, order *orders.Order) ([]inventory.Adjustment, error) {
	items := make([]inventory.Item, 0, len(order.Items))
	for _, li := range order.Items {
		items = append(items, inventory.Item{VariantID: li.VariantID, Quantity: li.Quantity})
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond

	return backoff.Retry(ctx, func() ([]inventory.Adjustment, error) {
		adjs, err := s.inventory.Reserve(ctx, items, order.StockLocationIDs(), order.SalesChannelID)
		var conflict *apperr.ConcurrentModificationError
		if err != nil && !errors.As(err, &conflict) {
			return nil, backoff.Permanent(err)
		}
		return adjs, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(reserveAttempts))
}

// attachAllocations returns a copy of items with each variant's allocations.
func attachAllocations(items []orders.LineItem, allocs []inventory.Allocation) []orders.LineItem {
	byVariant := map[string][]inventory.Allocation{}
	for _, a := range allocs {
		byVariant[a.VariantID] = append(byVariant[a.VariantID], a)
	}
	out := make([]orders.LineItem, len(items))
	for i, li := range items {
		out[i] = li
		if a, ok := byVariant[li.VariantID]; ok {
			out[i].Allocations = a
			delete(byVariant, li.VariantID)
		}
	}
	return out
}

func (s *Service) publish(ctx context.Context, name string, payload any) {
	if err := s.events.Publish(ctx, name, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed", "event", name, "error", err)
	}
}
