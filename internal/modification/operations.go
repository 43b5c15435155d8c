package modification

import (
	"context"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
	"github.com/imrishuroy/go-orderwindow/internal/events"
	"github.com/imrishuroy/go-orderwindow/internal/inventory"
	"github.com/imrishuroy/go-orderwindow/internal/orders"
	"github.com/imrishuroy/go-orderwindow/internal/payments"
)

// UpdateLineItemQuantity sets a line item's quantity. An increase reserves
// stock and raises the hold for the difference. A decrease never calls the
// gateway: the order is committed first and the trimmed stock released after.
func (s *Service) UpdateLineItemQuantity(ctx context.Context, orderID, tokenString string, req QuantityRequest) (*Result, error) {
	if req.VariantID == "" {
		return nil, &apperr.InvalidInputError{Field: "variant_id", Reason: "required"}
	}
	if req.Quantity < 1 {
		return nil, &apperr.InvalidInputError{Field: "quantity", Reason: "must be at least 1"}
	}
	tok, err := s.tokens.ValidateForOrder(tokenString, orderID)
	if err != nil {
		return nil, err
	}

	var (
		res   *Result
		delta int64
	)
	err = s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadModifiable(ctx, tok, orderID)
		if err != nil {
			return stageErr(StageValidating, err)
		}
		auth, err := s.heldAuthorization(ctx, order.PaymentIntentID)
		if err != nil {
			return stageErr(StageValidating, err)
		}
		idx := order.LineItemIndex(req.VariantID)
		if idx < 0 {
			return stageErr(StageValidating, &apperr.LineItemNotFoundError{OrderID: orderID, VariantID: req.VariantID})
		}
		line := order.Items[idx]
		delta = req.Quantity - line.Quantity

		switch {
		case delta == 0:
			res = &Result{Order: order, PaymentStatus: auth.Status, HeldAmount: heldAmount(auth), AuthorizationSkipped: true}
			return nil
		case delta < 0:
			res, err = s.decreaseQuantity(ctx, order, auth, idx, -delta)
			return err
		default:
			res, err = s.increaseQuantity(ctx, order, auth, idx, delta)
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	if delta != 0 {
		s.publish(ctx, events.OrderModified, events.OrderModifiedPayload{
			OrderID:      orderID,
			Modification: "line_item_quantity_updated",
			VariantID:    req.VariantID,
			Quantity:     req.Quantity,
			Total:        res.Order.Total,
			CurrencyCode: res.Order.CurrencyCode,
		})
	}
	return res, nil
}

func (s *Service) increaseQuantity(ctx context.Context, order *orders.Order, auth *payments.Authorization, idx int, delta int64) (*Result, error) {
	line := order.Items[idx]
	if err := s.inventory.CheckAvailability(ctx, line.VariantID, delta); err != nil {
		return nil, stageErr(StageValidating, err)
	}

	itemTotal := line.UnitPrice * delta
	t := &totals{
		validated: validated{
			order:     order,
			auth:      auth,
			variantID: line.VariantID,
			quantity:  delta,
		},
		unitPrice: line.UnitPrice,
		itemTotal: itemTotal,
		newTotal:  order.Total + itemTotal,
		newHeld:   heldAmount(auth) + itemTotal,
		lines: func(allocs []inventory.Allocation) []orders.LineItem {
			items := cloneItems(order.Items)
			items[idx].Quantity += delta
			items[idx].Allocations = append(items[idx].Allocations, allocs...)
			return items
		},
	}

	r, err := s.reserveInventory(ctx, t)
	if err != nil {
		return nil, err
	}
	a, err := s.adjustAuthorization(ctx, r)
	if err != nil {
		s.undoReservation(ctx, r.allocations())
		return nil, err
	}
	c, err := s.commit(ctx, a)
	if err != nil {
		return nil, err
	}
	return &Result{
		Order:                c.updated,
		PaymentStatus:        auth.Status,
		HeldAmount:           a.increment.NewAmount,
		AuthorizationSkipped: a.increment.Skipped,
	}, nil
}

func (s *Service) decreaseQuantity(ctx context.Context, order *orders.Order, auth *payments.Authorization, idx int, by int64) (*Result, error) {
	items := cloneItems(order.Items)
	kept, released := trimAllocations(items[idx].Allocations, by)
	items[idx].Quantity -= by
	items[idx].Allocations = kept

	updated, err := s.orders.Commit(ctx, orders.Mutation{
		OrderID:         order.OrderID,
		ExpectedVersion: order.Version,
		Items:           items,
		Total:           order.Total - items[idx].UnitPrice*by,
	})
	if err != nil {
		return nil, stageErr(StageCommitted, commitError(order.OrderID, err))
	}
	s.undoReservation(ctx, released)
	return &Result{
		Order:                updated,
		PaymentStatus:        auth.Status,
		HeldAmount:           heldAmount(auth),
		AuthorizationSkipped: true,
	}, nil
}

// UpdateShippingAddress replaces the order's shipping address. No stock or
// money moves.
func (s *Service) UpdateShippingAddress(ctx context.Context, orderID, tokenString string, addr orders.Address) (*Result, error) {
	tok, err := s.tokens.ValidateForOrder(tokenString, orderID)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadModifiable(ctx, tok, orderID)
		if err != nil {
			return stageErr(StageValidating, err)
		}
		auth, err := s.heldAuthorization(ctx, order.PaymentIntentID)
		if err != nil {
			return stageErr(StageValidating, err)
		}
		updated, err := s.orders.Commit(ctx, orders.Mutation{
			OrderID:         orderID,
			ExpectedVersion: order.Version,
			Total:           order.Total,
			ShippingAddress: &addr,
		})
		if err != nil {
			return stageErr(StageCommitted, commitError(orderID, err))
		}
		res = &Result{Order: updated, PaymentStatus: auth.Status, HeldAmount: heldAmount(auth), AuthorizationSkipped: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.OrderModified, events.OrderModifiedPayload{
		OrderID:      orderID,
		Modification: "shipping_address_updated",
		Total:        res.Order.Total,
		CurrencyCode: res.Order.CurrencyCode,
	})
	return res, nil
}

// CancelOrder voids the authorization, marks the order canceled and puts its
// stock back. A void that succeeded without the status change being recorded
// is an alerted mismatch.
func (s *Service) CancelOrder(ctx context.Context, orderID, tokenString, reason string) (*Result, error) {
	tok, err := s.tokens.ValidateForOrder(tokenString, orderID)
	if err != nil {
		return nil, err
	}

	var (
		res    *Result
		allocs []inventory.Allocation
	)
	err = s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := s.loadModifiable(ctx, tok, orderID)
		if err != nil {
			return stageErr(StageValidating, err)
		}
		auth, err := s.payments.Authorization(ctx, order.PaymentIntentID)
		if err != nil {
			return stageErr(StageValidating, err)
		}
		switch {
		case auth.Status == payments.StatusCanceled:
			s.logger.InfoContext(ctx, "authorization already voided", "order_id", orderID, "payment_intent_id", order.PaymentIntentID)
		case auth.Holdable():
			auth, err = s.payments.VoidHold(ctx, order.PaymentIntentID, payments.IdempotencySeed{
				OrderID:   orderID,
				Timestamp: order.CreatedAt,
			})
			if err != nil {
				return stageErr(StageAuthorizationAdjusted, err)
			}
		default:
			return stageErr(StageValidating, &apperr.InvalidPaymentStateError{PaymentIntentID: order.PaymentIntentID, Status: auth.Status})
		}

		if err := s.orders.UpdateStatus(ctx, orderID, orders.StatusPending, orders.StatusCanceled); err != nil {
			return stageErr(StageCommitted, s.mismatch(ctx, MismatchVoided, order, order.Total, err))
		}

		for _, li := range order.Items {
			allocs = append(allocs, li.Allocations...)
		}
		canceled := *order
		canceled.Status = orders.StatusCanceled
		canceled.Version++
		res = &Result{Order: &canceled, PaymentStatus: auth.Status}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.undoReservation(ctx, allocs)
	s.publish(ctx, events.OrderCanceled, events.OrderCanceledPayload{
		OrderID:         orderID,
		PaymentIntentID: res.Order.PaymentIntentID,
		Reason:          reason,
	})
	return res, nil
}

func cloneItems(items []orders.LineItem) []orders.LineItem {
	out := make([]orders.LineItem, len(items))
	for i, li := range items {
		out[i] = li
		out[i].Allocations = append([]inventory.Allocation(nil), li.Allocations...)
	}
	return out
}

// trimAllocations removes n units from the end of allocs, newest first.
func trimAllocations(allocs []inventory.Allocation, n int64) (kept, released []inventory.Allocation) {
	kept = append([]inventory.Allocation(nil), allocs...)
	for i := len(kept) - 1; i >= 0 && n > 0; i-- {
		take := min(kept[i].Quantity, n)
		rel := kept[i]
		rel.Quantity = take
		released = append(released, rel)
		kept[i].Quantity -= take
		n -= take
		if kept[i].Quantity == 0 {
			kept = kept[:i]
		}
	}
	return kept, released
}
