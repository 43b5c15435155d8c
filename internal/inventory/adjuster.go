package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
)

// Adjuster resolves fulfillment locations and computes stock decrements.
type Adjuster struct {
	ledger Ledger
	logger *slog.Logger
}

// NewAdjuster returns an Adjuster reading from ledger.
func NewAdjuster(ledger Ledger, logger *slog.Logger) *Adjuster {
	return &Adjuster{ledger: ledger, logger: logger.With("component", "inventory")}
}

// ComputeAdjustments returns one adjustment per distinct variant in items.
// Quantities requested more than once for a variant are summed. A level is
// chosen from preferredLocationIDs first, then from the sales channel's
// locations; there is no fallback beyond those.
func (a *Adjuster) ComputeAdjustments(ctx context.Context, items []Item, preferredLocationIDs []string, salesChannelID string) ([]Adjustment, error) {
	merged, err := mergeItems(items)
	if err != nil {
		return nil, err
	}

	variantIDs := make([]string, 0, len(merged))
	for _, it := range merged {
		variantIDs = append(variantIDs, it.VariantID)
	}
	itemIDs, err := a.ledger.InventoryItemsForVariants(ctx, variantIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve inventory items: %w", err)
	}

	inventoryItemIDs := make([]string, 0, len(itemIDs))
	for _, v := range variantIDs {
		if id, ok := itemIDs[v]; ok {
			inventoryItemIDs = append(inventoryItemIDs, id)
		}
	}
	levels, err := a.ledger.LevelsForItems(ctx, inventoryItemIDs)
	if err != nil {
		return nil, fmt.Errorf("load stock levels: %w", err)
	}

	var channelLocations []string
	if salesChannelID != "" {
		channelLocations, err = a.ledger.LocationsForSalesChannel(ctx, salesChannelID)
		if err != nil {
			return nil, fmt.Errorf("load sales channel locations: %w", err)
		}
	}

	out := make([]Adjustment, 0, len(merged))
	for _, it := range merged {
		itemID, ok := itemIDs[it.VariantID]
		if !ok || len(levels[itemID]) == 0 {
			return nil, &apperr.InsufficientStockError{VariantID: it.VariantID, Available: 0, Requested: it.Quantity}
		}
		lvl, ok := pickLevel(levels[itemID], preferredLocationIDs, channelLocations)
		if !ok {
			return nil, &apperr.NoFulfillmentLocationError{VariantID: it.VariantID, SalesChannelID: salesChannelID}
		}

		next := lvl.StockedQuantity - it.Quantity
		if next < 0 && !lvl.AllowBackorder {
			return nil, &apperr.InsufficientStockError{
				VariantID: it.VariantID,
				Available: max(0, lvl.StockedQuantity),
				Requested: it.Quantity,
			}
		}
		out = append(out, Adjustment{
			VariantID:               it.VariantID,
			InventoryItemID:         itemID,
			LocationID:              lvl.LocationID,
			StockedQuantity:         next,
			PreviousStockedQuantity: lvl.StockedQuantity,
			AvailableQuantity:       max(0, next),
		})
	}
	return out, nil
}

// CheckAvailability is the coarse pre-check used before pricing: the variant
// must be tracked and either backorderable or stocked for quantity across all
// of its levels.
func (a *Adjuster) CheckAvailability(ctx context.Context, variantID string, quantity int64) error {
	itemIDs, err := a.ledger.InventoryItemsForVariants(ctx, []string{variantID})
	if err != nil {
		return fmt.Errorf("resolve inventory item: %w", err)
	}
	itemID, ok := itemIDs[variantID]
	if !ok {
		return &apperr.InsufficientStockError{VariantID: variantID, Available: 0, Requested: quantity}
	}
	levels, err := a.ledger.LevelsForItems(ctx, []string{itemID})
	if err != nil {
		return fmt.Errorf("load stock levels: %w", err)
	}
	var available int64
	for _, l := range levels[itemID] {
		if l.AllowBackorder {
			return nil
		}
		available += max(0, l.StockedQuantity)
	}
	if available < quantity {
		return &apperr.InsufficientStockError{VariantID: variantID, Available: available, Requested: quantity}
	}
	return nil
}

// Reserve computes and applies adjustments in one step.
func (a *Adjuster) Reserve(ctx context.Context, items []Item, preferredLocationIDs []string, salesChannelID string) ([]Adjustment, error) {
	adjs, err := a.ComputeAdjustments(ctx, items, preferredLocationIDs, salesChannelID)
	if err != nil {
		return nil, err
	}
	if err := a.ledger.Apply(ctx, adjs); err != nil {
		if errors.Is(err, ErrLedgerConflict) {
			return nil, &apperr.ConcurrentModificationError{Resource: "inventory"}
		}
		return nil, fmt.Errorf("apply adjustments: %w", err)
	}
	for _, adj := range adjs {
		a.logger.InfoContext(ctx, "stock reserved",
			"variant_id", adj.VariantID, "location_id", adj.LocationID,
			"previous", adj.PreviousStockedQuantity, "stocked", adj.StockedQuantity)
	}
	return adjs, nil
}

// Release puts allocated units back.
func (a *Adjuster) Release(ctx context.Context, allocs []Allocation) error {
	if len(allocs) == 0 {
		return nil
	}
	if err := a.ledger.Restore(ctx, allocs); err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}
	return nil
}

func mergeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, &apperr.InvalidInputError{Field: "items", Reason: "at least one item is required"}
	}
	index := make(map[string]int, len(items))
	merged := make([]Item, 0, len(items))
	for _, it := range items {
		if it.VariantID == "" {
			return nil, &apperr.InvalidInputError{Field: "variant_id", Reason: "must not be empty"}
		}
		if it.Quantity <= 0 {
			return nil, &apperr.InvalidInputError{Field: "quantity", Reason: "must be a positive integer"}
		}
		if i, ok := index[it.VariantID]; ok {
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.VariantID] = len(merged)
		merged = append(merged, it)
	}
	return merged, nil
}

func pickLevel(levels []Level, preferred, channel []string) (Level, bool) {
	byLocation := make(map[string]Level, len(levels))
	for _, l := range levels {
		byLocation[l.LocationID] = l
	}
	for _, loc := range preferred {
		if l, ok := byLocation[loc]; ok {
			return l, true
		}
	}
	for _, loc := range channel {
		if l, ok := byLocation[loc]; ok {
			return l, true
		}
	}
	return Level{}, false
}
