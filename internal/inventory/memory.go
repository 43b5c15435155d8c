package inventory

import (
	"context"
	"sync"
)

// MemoryLedger is an in-process Ledger. It honours the same conflict rule as
// DynamoLedger and counts read round trips.
type MemoryLedger struct {
	mu       sync.Mutex
	variants map[string]string
	levels   map[string]map[string]*Level
	channels map[string][]string

	Reads    int
	ApplyErr error
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		variants: map[string]string{},
		levels:   map[string]map[string]*Level{},
		channels: map[string][]string{},
	}
}

// Track maps variantID to inventoryItemID.
func (m *MemoryLedger) Track(variantID, inventoryItemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[variantID] = inventoryItemID
}

// Stock sets the level of an inventory item at a location.
func (m *MemoryLedger) Stock(inventoryItemID, locationID string, stocked int64, allowBackorder bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels[inventoryItemID] == nil {
		m.levels[inventoryItemID] = map[string]*Level{}
	}
	m.levels[inventoryItemID][locationID] = &Level{
		InventoryItemID: inventoryItemID,
		LocationID:      locationID,
		StockedQuantity: stocked,
		AllowBackorder:  allowBackorder,
	}
}

// Channel sets the stock locations of a sales channel.
func (m *MemoryLedger) Channel(salesChannelID string, locationIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[salesChannelID] = locationIDs
}

// Stocked returns the current stocked quantity of a level.
func (m *MemoryLedger) Stocked(inventoryItemID, locationID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.levels[inventoryItemID][locationID]; l != nil {
		return l.StockedQuantity
	}
	return 0
}

func (m *MemoryLedger) InventoryItemsForVariants(ctx context.Context, variantIDs []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	out := map[string]string{}
	for _, v := range variantIDs {
		if id, ok := m.variants[v]; ok {
			out[v] = id
		}
	}
	return out, nil
}

func (m *MemoryLedger) LevelsForItems(ctx context.Context, inventoryItemIDs []string) (map[string][]Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	out := map[string][]Level{}
	for _, id := range inventoryItemIDs {
		for _, l := range m.levels[id] {
			out[id] = append(out[id], *l)
		}
	}
	return out, nil
}

func (m *MemoryLedger) LocationsForSalesChannel(ctx context.Context, salesChannelID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	return m.channels[salesChannelID], nil
}

func (m *MemoryLedger) Apply(ctx context.Context, adjs []Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ApplyErr != nil {
		return m.ApplyErr
	}
	for _, a := range adjs {
		l := m.levels[a.InventoryItemID][a.LocationID]
		if l == nil || l.StockedQuantity != a.PreviousStockedQuantity {
			return ErrLedgerConflict
		}
	}
	for _, a := range adjs {
		m.levels[a.InventoryItemID][a.LocationID].StockedQuantity = a.StockedQuantity
	}
	return nil
}

func (m *MemoryLedger) Restore(ctx context.Context, allocs []Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range allocs {
		if l := m.levels[a.InventoryItemID][a.LocationID]; l != nil {
			l.StockedQuantity += a.Quantity
		}
	}
	return nil
}
