package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-orderwindow/internal/aws"
)

// ErrLedgerConflict means a level changed between read and write.
var ErrLedgerConflict = errors.New("inventory level changed concurrently")

const (
	batchGetLimit    = 100
	transactLimit    = 100
	maxBatchAttempts = 5
)

// Tables names the DynamoDB tables backing the ledger.
type Tables struct {
	Variants      string // variant_id -> inventory_item_id
	Items         string // inventory_item_id -> levels by location
	SalesChannels string // sales_channel_id -> stock_location_ids
}

type variantRecord struct {
	VariantID       string `dynamodbav:"variant_id"` // PK
	InventoryItemID string `dynamodbav:"inventory_item_id"`
}

type levelRecord struct {
	StockedQuantity int64 `dynamodbav:"stocked_quantity"`
	AllowBackorder  bool  `dynamodbav:"allow_backorder"`
}

type itemRecord struct {
	InventoryItemID string                 `dynamodbav:"inventory_item_id"` // PK
	Levels          map[string]levelRecord `dynamodbav:"levels"`
}

type channelRecord struct {
	SalesChannelID   string   `dynamodbav:"sales_channel_id"` // PK
	StockLocationIDs []string `dynamodbav:"stock_location_ids"`
}

// DynamoLedger implements Ledger on three DynamoDB tables.
type DynamoLedger struct {
	client aws.DynamoDBAPI
	tables Tables
}

// NewDynamoLedger returns a ledger over tables.
func NewDynamoLedger(client aws.DynamoDBAPI, tables Tables) *DynamoLedger {
	return &DynamoLedger{client: client, tables: tables}
}

func (l *DynamoLedger) InventoryItemsForVariants(ctx context.Context, variantIDs []string) (map[string]string, error) {
	rows, err := l.batchGet(ctx, l.tables.Variants, "variant_id", variantIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		var rec variantRecord
		if err := attributevalue.UnmarshalMap(row, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal variant mapping: %w", err)
		}
		if rec.InventoryItemID != "" {
			out[rec.VariantID] = rec.InventoryItemID
		}
	}
	return out, nil
}

func (l *DynamoLedger) LevelsForItems(ctx context.Context, inventoryItemIDs []string) (map[string][]Level, error) {
	rows, err := l.batchGet(ctx, l.tables.Items, "inventory_item_id", inventoryItemIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Level, len(rows))
	for _, row := range rows {
		var rec itemRecord
		if err := attributevalue.UnmarshalMap(row, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal inventory item: %w", err)
		}
		levels := make([]Level, 0, len(rec.Levels))
		for loc, lv := range rec.Levels {
			levels = append(levels, Level{
				InventoryItemID: rec.InventoryItemID,
				LocationID:      loc,
				StockedQuantity: lv.StockedQuantity,
				AllowBackorder:  lv.AllowBackorder,
			})
		}
		sort.Slice(levels, func(i, j int) bool { return levels[i].LocationID < levels[j].LocationID })
		out[rec.InventoryItemID] = levels
	}
	return out, nil
}

func (l *DynamoLedger) LocationsForSalesChannel(ctx context.Context, salesChannelID string) ([]string, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &l.tables.SalesChannels,
		Key: map[string]types.AttributeValue{
			"sales_channel_id": &types.AttributeValueMemberS{Value: salesChannelID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get sales channel: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec channelRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal sales channel: %w", err)
	}
	return rec.StockLocationIDs, nil
}

// Apply writes every adjustment in one transaction, each conditioned on the
// level still holding its previous stocked quantity.
func (l *DynamoLedger) Apply(ctx context.Context, adjs []Adjustment) error {
	if len(adjs) == 0 {
		return nil
	}
	groups := groupByItem(len(adjs), func(i int) string { return adjs[i].InventoryItemID })
	if len(groups) > transactLimit {
		return fmt.Errorf("apply adjustments: %d inventory items exceeds transaction limit", len(groups))
	}

	tx := make([]types.TransactWriteItem, 0, len(groups))
	for _, g := range groups {
		names := map[string]string{}
		values := map[string]types.AttributeValue{}
		sets := make([]string, 0, len(g.idx))
		conds := make([]string, 0, len(g.idx))
		for n, i := range g.idx {
			a := adjs[i]
			loc := "#l" + strconv.Itoa(n)
			names[loc] = a.LocationID
			values[":n"+strconv.Itoa(n)] = &types.AttributeValueMemberN{Value: strconv.FormatInt(a.StockedQuantity, 10)}
			values[":p"+strconv.Itoa(n)] = &types.AttributeValueMemberN{Value: strconv.FormatInt(a.PreviousStockedQuantity, 10)}
			sets = append(sets, fmt.Sprintf("levels.%s.stocked_quantity = :n%d", loc, n))
			conds = append(conds, fmt.Sprintf("levels.%s.stocked_quantity = :p%d", loc, n))
		}
		tx = append(tx, types.TransactWriteItem{Update: &types.Update{
			TableName: &l.tables.Items,
			Key: map[string]types.AttributeValue{
				"inventory_item_id": &types.AttributeValueMemberS{Value: g.itemID},
			},
			UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
			ConditionExpression:       awsString(strings.Join(conds, " AND ")),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}})
	}

	if _, err := l.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: tx}); err != nil {
		if aws.IsConditionFailed(err) {
			return ErrLedgerConflict
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Restore adds allocated quantities back to their levels.
func (l *DynamoLedger) Restore(ctx context.Context, allocs []Allocation) error {
	allocs = mergeAllocations(allocs)
	if len(allocs) == 0 {
		return nil
	}
	groups := groupByItem(len(allocs), func(i int) string { return allocs[i].InventoryItemID })

	tx := make([]types.TransactWriteItem, 0, len(groups))
	for _, g := range groups {
		names := map[string]string{}
		values := map[string]types.AttributeValue{}
		sets := make([]string, 0, len(g.idx))
		for n, i := range g.idx {
			loc := "#l" + strconv.Itoa(n)
			names[loc] = allocs[i].LocationID
			values[":q"+strconv.Itoa(n)] = &types.AttributeValueMemberN{Value: strconv.FormatInt(allocs[i].Quantity, 10)}
			sets = append(sets, fmt.Sprintf("levels.%s.stocked_quantity = levels.%s.stocked_quantity + :q%d", loc, loc, n))
		}
		tx = append(tx, types.TransactWriteItem{Update: &types.Update{
			TableName: &l.tables.Items,
			Key: map[string]types.AttributeValue{
				"inventory_item_id": &types.AttributeValueMemberS{Value: g.itemID},
			},
			UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}})
	}
	for start := 0; start < len(tx); start += transactLimit {
		end := min(start+transactLimit, len(tx))
		if _, err := l.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: tx[start:end]}); err != nil {
			return fmt.Errorf("transact write: %w", err)
		}
	}
	return nil
}

// batchGet reads keys from table in chunks, following UnprocessedKeys.
func (l *DynamoLedger) batchGet(ctx context.Context, table, keyName string, ids []string) ([]map[string]types.AttributeValue, error) {
	ids = dedupe(ids)
	var rows []map[string]types.AttributeValue
	for start := 0; start < len(ids); start += batchGetLimit {
		end := min(start+batchGetLimit, len(ids))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, map[string]types.AttributeValue{keyName: &types.AttributeValueMemberS{Value: id}})
		}
		request := map[string]types.KeysAndAttributes{table: {Keys: keys}}
		for attempt := 0; len(request) > 0; attempt++ {
			if attempt == maxBatchAttempts {
				return nil, fmt.Errorf("batch get %s: unprocessed keys after %d attempts", table, attempt)
			}
			out, err := l.client.BatchGetItem(ctx, &dyn.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, fmt.Errorf("batch get %s: %w", table, err)
			}
			rows = append(rows, out.Responses[table]...)
			request = out.UnprocessedKeys
		}
	}
	return rows, nil
}

type itemGroup struct {
	itemID string
	idx    []int
}

// groupByItem groups entries by inventory item; a transaction may touch
// each DynamoDB item only once.
func groupByItem(n int, key func(i int) string) []itemGroup {
	pos := map[string]int{}
	var groups []itemGroup
	for i := 0; i < n; i++ {
		itemID := key(i)
		p, ok := pos[itemID]
		if !ok {
			p = len(groups)
			pos[itemID] = p
			groups = append(groups, itemGroup{itemID: itemID})
		}
		groups[p].idx = append(groups[p].idx, i)
	}
	return groups
}

// mergeAllocations sums quantities per level and drops empty ones.
func mergeAllocations(allocs []Allocation) []Allocation {
	type levelKey struct{ item, loc string }
	pos := map[levelKey]int{}
	var out []Allocation
	for _, a := range allocs {
		k := levelKey{a.InventoryItemID, a.LocationID}
		if p, ok := pos[k]; ok {
			out[p].Quantity += a.Quantity
			continue
		}
		pos[k] = len(out)
		out = append(out, a)
	}
	kept := out[:0]
	for _, a := range out {
		if a.Quantity > 0 {
			kept = append(kept, a)
		}
	}
	return kept
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func awsString(s string) *string { return &s }
