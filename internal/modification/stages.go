package modification

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-orderwindow/internal/catalog"
	"github.com/imrishuroy/go-orderwindow/internal/inventory"
	"github.com/imrishuroy/go-orderwindow/internal/orders"
	"github.com/imrishuroy/go-orderwindow/internal/payments"
	"github.com/imrishuroy/go-orderwindow/internal/token"
)

// Stage is a step of the money-moving pipeline.
type Stage int

const (
	StageValidating Stage = iota
	StageTotalsCalculated
	StageInventoryReserved
	StageAuthorizationAdjusted
	StageCommitted
)

func (s Stage) String() string {
	switch s {
	case StageValidating:
		return "validating"
	case StageTotalsCalculated:
		return "totals_calculated"
	case StageInventoryReserved:
		return "inventory_reserved"
	case StageAuthorizationAdjusted:
		return "authorization_adjusted"
	case StageCommitted:
		return "committed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageError is a failure while entering Stage. Err keeps its classification.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return e.Stage.String() + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// validated holds everything the preconditions loaded.
type validated struct {
	order     *orders.Order
	auth      *payments.Authorization
	variantID string
	quantity  int64
	variant   *catalog.Variant
	metadata  map[string]interface{}
}

// totals carries the money the change adds and how the committed line items
// are built from the reserved allocations.
type totals struct {
	validated
	unitPrice int64
	itemTotal int64
	newTotal  int64
	newHeld   int64
	lines     func(allocs []inventory.Allocation) []orders.LineItem
	added     []orders.AddedItem
}

type reserved struct {
	totals
	adjustments []inventory.Adjustment
}

func (r *reserved) allocations() []inventory.Allocation {
	return inventory.Allocations(r.adjustments)
}

type authorized struct {
	reserved
	increment *payments.IncrementResult
}

type committed struct {
	authorized
	updated *orders.Order
}

func (s *Service) validate(ctx context.Context, tok *token.Payload, orderID string, req AddItemRequest) (v *validated, err error) {
	ctx, span := startSpan(ctx, "modification.validate", orderID)
	defer func() { endSpan(span, err) }()

	order, err := s.loadModifiable(ctx, tok, orderID)
	if err != nil {
		return nil, stageErr(StageValidating, err)
	}
	auth, err := s.heldAuthorization(ctx, order.PaymentIntentID)
	if err != nil {
		return nil, stageErr(StageValidating, err)
	}
	variant, err := s.catalog.Variant(ctx, req.VariantID)
	if err != nil {
		return nil, stageErr(StageValidating, err)
	}
	if err := s.inventory.CheckAvailability(ctx, req.VariantID, req.Quantity); err != nil {
		return nil, stageErr(StageValidating, err)
	}
	return &validated{
		order:     order,
		auth:      auth,
		variantID: req.VariantID,
		quantity:  req.Quantity,
		variant:   variant,
		metadata:  req.Metadata,
	}, nil
}

func (s *Service) calculateTotals(ctx context.Context, v *validated) (t *totals, err error) {
	_, span := startSpan(ctx, "modification.calculate_totals", v.order.OrderID)
	defer func() { endSpan(span, err) }()

	unitPrice, err := v.variant.Price(v.order.CurrencyCode)
	if err != nil {
		return nil, stageErr(StageTotalsCalculated, err)
	}
	itemTotal := unitPrice * v.quantity
	now := s.nowFunc()

	t = &totals{
		validated: *v,
		unitPrice: unitPrice,
		itemTotal: itemTotal,
		newTotal:  v.order.Total + itemTotal,
		newHeld:   heldAmount(v.auth) + itemTotal,
		added: []orders.AddedItem{{
			VariantID: v.variantID,
			Quantity:  v.quantity,
			UnitPrice: unitPrice,
			AddedAt:   now,
			Metadata:  v.metadata,
		}},
	}
	t.lines = func(allocs []inventory.Allocation) []orders.LineItem {
		return addLine(v.order.Items, v.variant, unitPrice, v.quantity, allocs)
	}
	s.logger.DebugContext(ctx, "totals calculated",
		"order_id", v.order.OrderID, "item_total", itemTotal, "new_total", t.newTotal, "new_held", t.newHeld)
	return t, nil
}

func (s *Service) reserveInventory(ctx context.Context, t *totals) (r *reserved, err error) {
	ctx, span := startSpan(ctx, "modification.reserve_inventory", t.order.OrderID)
	defer func() { endSpan(span, err) }()

	adjs, err := s.inventory.Reserve(ctx,
		[]inventory.Item{{VariantID: t.variantID, Quantity: t.quantity}},
		t.order.StockLocationIDs(),
		t.order.SalesChannelID,
	)
	if err != nil {
		return nil, stageErr(StageInventoryReserved, err)
	}
	return &reserved{totals: *t, adjustments: adjs}, nil
}

func (s *Service) adjustAuthorization(ctx context.Context, r *reserved) (a *authorized, err error) {
	ctx, span := startSpan(ctx, "modification.adjust_authorization", r.order.OrderID)
	defer func() { endSpan(span, err) }()

	inc, err := s.payments.IncrementHold(ctx, r.order.PaymentIntentID, heldAmount(r.auth), r.newHeld, payments.IdempotencySeed{
		OrderID:   r.order.OrderID,
		VariantID: r.variantID,
		Quantity:  r.quantity,
		Timestamp: r.order.UpdatedAt,
	})
	if err != nil {
		return nil, stageErr(StageAuthorizationAdjusted, err)
	}
	return &authorized{reserved: *r, increment: inc}, nil
}

// commit is strictly last. Once the hold was raised a failed write cannot be
// retried here; it becomes an alerted mismatch.
func (s *Service) commit(ctx context.Context, a *authorized) (c *committed, err error) {
	ctx, span := startSpan(ctx, "modification.commit", a.order.OrderID)
	defer func() { endSpan(span, err) }()

	updated, err := s.orders.Commit(ctx, orders.Mutation{
		OrderID:         a.order.OrderID,
		ExpectedVersion: a.order.Version,
		Items:           a.lines(a.allocations()),
		Total:           a.newTotal,
		Added:           a.added,
	})
	if err != nil {
		s.undoReservation(ctx, a.allocations())
		if a.increment.Skipped {
			return nil, stageErr(StageCommitted, commitError(a.order.OrderID, err))
		}
		return nil, stageErr(StageCommitted, s.mismatch(ctx, MismatchOversold, a.order, a.increment.NewAmount, err))
	}
	return &committed{authorized: *a, updated: updated}, nil
}

// addLine merges into an existing line for the variant when the price is
// unchanged, otherwise appends a new line. items is not modified.
func addLine(items []orders.LineItem, variant *catalog.Variant, unitPrice, quantity int64, allocs []inventory.Allocation) []orders.LineItem {
	out := make([]orders.LineItem, len(items), len(items)+1)
	copy(out, items)
	for i := range out {
		if out[i].VariantID == variant.VariantID && out[i].UnitPrice == unitPrice {
			out[i].Quantity += quantity
			out[i].Allocations = append(append([]inventory.Allocation(nil), out[i].Allocations...), allocs...)
			return out
		}
	}
	return append(out, orders.LineItem{
		ID:          "item_" + uuid.NewString(),
		VariantID:   variant.VariantID,
		Title:       variant.Title,
		UnitPrice:   unitPrice,
		Quantity:    quantity,
		Allocations: allocs,
	})
}
