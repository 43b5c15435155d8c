// Package inventory computes and applies per-location stock decrements.
package inventory

import "context"

// Item is one requested variant and quantity.
type Item struct {
	VariantID string
	Quantity  int64
}

// Level is the stock of one inventory item at one location.
type Level struct {
	InventoryItemID string
	LocationID      string
	StockedQuantity int64
	AllowBackorder  bool
}

// Adjustment is a computed, not yet applied, decrement of one level.
type Adjustment struct {
	VariantID               string
	InventoryItemID         string
	LocationID              string
	StockedQuantity         int64
	PreviousStockedQuantity int64
	AvailableQuantity       int64
}

// Quantity is the number of units the adjustment takes.
func (a Adjustment) Quantity() int64 { return a.PreviousStockedQuantity - a.StockedQuantity }

// Backordered reports whether the level lands below zero.
func (a Adjustment) Backordered() bool { return a.StockedQuantity < 0 }

// Allocation records where units were taken from so they can be restored.
type Allocation struct {
	VariantID       string `dynamodbav:"variant_id" json:"variant_id"`
	InventoryItemID string `dynamodbav:"inventory_item_id" json:"inventory_item_id"`
	LocationID      string `dynamodbav:"location_id" json:"location_id"`
	Quantity        int64  `dynamodbav:"quantity" json:"quantity"`
}

// Allocations converts applied adjustments into restorable allocations.
func Allocations(adjs []Adjustment) []Allocation {
	out := make([]Allocation, 0, len(adjs))
	for _, a := range adjs {
		out = append(out, Allocation{
			VariantID:       a.VariantID,
			InventoryItemID: a.InventoryItemID,
			LocationID:      a.LocationID,
			Quantity:        a.Quantity(),
		})
	}
	return out
}

// Ledger is the inventory store. Reads are batched; Apply is all-or-nothing and
// fails with ErrLedgerConflict if any level moved since it was read.
type Ledger interface {
	InventoryItemsForVariants(ctx context.Context, variantIDs []string) (map[string]string, error)
	LevelsForItems(ctx context.Context, inventoryItemIDs []string) (map[string][]Level, error)
	LocationsForSalesChannel(ctx context.Context, salesChannelID string) ([]string, error)
	Apply(ctx context.Context, adjs []Adjustment) error
	Restore(ctx context.Context, allocs []Allocation) error
}
