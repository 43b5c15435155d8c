package inventory

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo stores items per table keyed by the value of keyAttr. It
// understands the level update expressions issued by DynamoLedger and can
// hold back keys from the first BatchGetItem call.
type mockDynamo struct {
	mu          sync.Mutex
	keyAttr     map[string]string
	tables      map[string]map[string]map[string]types.AttributeValue
	holdBack    int
	batchCalls  int
	transactLog [][]types.TransactWriteItem
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		keyAttr: map[string]string{"variants": "variant_id", "items": "inventory_item_id", "channels": "sales_channel_id"},
		tables:  map[string]map[string]map[string]types.AttributeValue{"variants": {}, "items": {}, "channels": {}},
	}
}

func (m *mockDynamo) key(table string, item map[string]types.AttributeValue) string {
	return item[m.keyAttr[table]].(*types.AttributeValueMemberS).Value
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	return nil, errors.New("not used")
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.tables[*params.TableName][m.key(*params.TableName, params.Key)]
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	return nil, errors.New("not used")
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	return nil, errors.New("not used")
}

func (m *mockDynamo) BatchGetItem(ctx context.Context, params *dyn.BatchGetItemInput, optFns ...func(*dyn.Options)) (*dyn.BatchGetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCalls++
	out := &dyn.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range params.RequestItems {
		keys := ka.Keys
		if m.holdBack > 0 && len(keys) > m.holdBack {
			out.UnprocessedKeys = map[string]types.KeysAndAttributes{table: {Keys: keys[len(keys)-m.holdBack:]}}
			keys = keys[:len(keys)-m.holdBack]
			m.holdBack = 0
		}
		for _, k := range keys {
			if item, ok := m.tables[table][m.key(table, k)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

var (
	setAssign = regexp.MustCompile(`^levels\.(#l\d+)\.stocked_quantity = (:n\d+)$`)
	setAdd    = regexp.MustCompile(`^levels\.(#l\d+)\.stocked_quantity = levels\.#l\d+\.stocked_quantity \+ (:q\d+)$`)
	condEq    = regexp.MustCompile(`^levels\.(#l\d+)\.stocked_quantity = (:p\d+)$`)
)

func levelOf(item map[string]types.AttributeValue, loc string) *types.AttributeValueMemberM {
	levels := item["levels"].(*types.AttributeValueMemberM)
	return levels.Value[loc].(*types.AttributeValueMemberM)
}

func numberOf(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactLog = append(m.transactLog, params.TransactItems)

	for _, it := range params.TransactItems {
		u := it.Update
		if u.ConditionExpression == nil {
			continue
		}
		item := m.tables[*u.TableName][m.key(*u.TableName, u.Key)]
		for _, c := range strings.Split(*u.ConditionExpression, " AND ") {
			g := condEq.FindStringSubmatch(c)
			if item == nil || numberOf(levelOf(item, u.ExpressionAttributeNames[g[1]]).Value["stocked_quantity"]) != numberOf(u.ExpressionAttributeValues[g[2]]) {
				return nil, &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{{Code: awsString("ConditionalCheckFailed")}}}
			}
		}
	}

	for _, it := range params.TransactItems {
		u := it.Update
		item := m.tables[*u.TableName][m.key(*u.TableName, u.Key)]
		for _, clause := range strings.Split(strings.TrimPrefix(*u.UpdateExpression, "SET "), ", ") {
			if g := setAssign.FindStringSubmatch(clause); g != nil {
				levelOf(item, u.ExpressionAttributeNames[g[1]]).Value["stocked_quantity"] = u.ExpressionAttributeValues[g[2]]
			} else if g := setAdd.FindStringSubmatch(clause); g != nil {
				lvl := levelOf(item, u.ExpressionAttributeNames[g[1]])
				next := numberOf(lvl.Value["stocked_quantity"]) + numberOf(u.ExpressionAttributeValues[g[2]])
				lvl.Value["stocked_quantity"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)}
			}
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (m *mockDynamo) seedItem(id string, levels map[string]int64, backorder bool) {
	lv := map[string]types.AttributeValue{}
	for loc, q := range levels {
		lv[loc] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"stocked_quantity": &types.AttributeValueMemberN{Value: strconv.FormatInt(q, 10)},
			"allow_backorder":  &types.AttributeValueMemberBOOL{Value: backorder},
		}}
	}
	m.tables["items"][id] = map[string]types.AttributeValue{
		"inventory_item_id": &types.AttributeValueMemberS{Value: id},
		"levels":            &types.AttributeValueMemberM{Value: lv},
	}
}

func (m *mockDynamo) seedVariant(variantID, itemID string) {
	m.tables["variants"][variantID] = map[string]types.AttributeValue{
		"variant_id":        &types.AttributeValueMemberS{Value: variantID},
		"inventory_item_id": &types.AttributeValueMemberS{Value: itemID},
	}
}

func testTables() Tables {
	return Tables{Variants: "variants", Items: "items", SalesChannels: "channels"}
}

func TestDynamoLedger_Reads(t *testing.T) {
	mock := newMockDynamo()
	mock.seedVariant("var_a", "iitem_a")
	mock.seedVariant("var_b", "iitem_b")
	mock.seedItem("iitem_a", map[string]int64{"loc_2": 5, "loc_1": 7}, false)
	mock.tables["channels"]["sc_web"] = map[string]types.AttributeValue{
		"sales_channel_id":   &types.AttributeValueMemberS{Value: "sc_web"},
		"stock_location_ids": &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: "loc_1"}}},
	}
	mock.holdBack = 1
	l := NewDynamoLedger(mock, testTables())
	ctx := context.Background()

	items, err := l.InventoryItemsForVariants(ctx, []string{"var_a", "var_b", "var_a", "var_missing"})
	if err != nil {
		t.Fatalf("items for variants: %v", err)
	}
	if len(items) != 2 || items["var_a"] != "iitem_a" || items["var_b"] != "iitem_b" {
		t.Fatalf("unexpected mapping %v", items)
	}
	if mock.batchCalls != 2 {
		t.Fatalf("expected unprocessed keys to be retried once, got %d calls", mock.batchCalls)
	}

	levels, err := l.LevelsForItems(ctx, []string{"iitem_a"})
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	got := levels["iitem_a"]
	if len(got) != 2 || got[0].LocationID != "loc_1" || got[0].StockedQuantity != 7 || got[1].LocationID != "loc_2" {
		t.Fatalf("unexpected levels %+v", got)
	}

	locs, err := l.LocationsForSalesChannel(ctx, "sc_web")
	if err != nil || len(locs) != 1 || locs[0] != "loc_1" {
		t.Fatalf("unexpected channel locations %v err=%v", locs, err)
	}
	locs, err = l.LocationsForSalesChannel(ctx, "sc_unknown")
	if err != nil || locs != nil {
		t.Fatalf("expected no locations for unknown channel, got %v err=%v", locs, err)
	}
}

func TestDynamoLedger_ApplyIsConditional(t *testing.T) {
	mock := newMockDynamo()
	mock.seedItem("iitem_a", map[string]int64{"loc_1": 7}, false)
	l := NewDynamoLedger(mock, testTables())
	ctx := context.Background()

	adj := Adjustment{VariantID: "var_a", InventoryItemID: "iitem_a", LocationID: "loc_1", PreviousStockedQuantity: 7, StockedQuantity: 5}
	if err := l.Apply(ctx, []Adjustment{adj}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if q := numberOf(levelOf(mock.tables["items"]["iitem_a"], "loc_1").Value["stocked_quantity"]); q != 5 {
		t.Fatalf("expected 5, got %d", q)
	}

	// replaying the same adjustment reads a stale previous quantity
	if err := l.Apply(ctx, []Adjustment{adj}); !errors.Is(err, ErrLedgerConflict) {
		t.Fatalf("expected ErrLedgerConflict, got %v", err)
	}
}

func TestDynamoLedger_RestoreMergesLevels(t *testing.T) {
	mock := newMockDynamo()
	mock.seedItem("iitem_a", map[string]int64{"loc_1": 0, "loc_2": 1}, false)
	l := NewDynamoLedger(mock, testTables())

	err := l.Restore(context.Background(), []Allocation{
		{InventoryItemID: "iitem_a", LocationID: "loc_1", Quantity: 2},
		{InventoryItemID: "iitem_a", LocationID: "loc_2", Quantity: 1},
		{InventoryItemID: "iitem_a", LocationID: "loc_1", Quantity: 3},
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(mock.transactLog) != 1 || len(mock.transactLog[0]) != 1 {
		t.Fatalf("expected one transaction with one update, got %+v", mock.transactLog)
	}
	item := mock.tables["items"]["iitem_a"]
	if q := numberOf(levelOf(item, "loc_1").Value["stocked_quantity"]); q != 5 {
		t.Fatalf("loc_1: expected 5, got %d", q)
	}
	if q := numberOf(levelOf(item, "loc_2").Value["stocked_quantity"]); q != 2 {
		t.Fatalf("loc_2: expected 2, got %d", q)
	}
}
