package lock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDynamo evaluates the lock table's two condition expressions.
type mockDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := params.Item["lock_key"].(*types.AttributeValueMemberS).Value
	if cur, ok := m.items[k]; ok {
		exp, _ := strconv.ParseInt(cur["expires_at"].(*types.AttributeValueMemberN).Value, 10, 64)
		now, _ := strconv.ParseInt(params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
		if exp >= now {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.items[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := params.Key["lock_key"].(*types.AttributeValueMemberS).Value
	cur, ok := m.items[k]
	want := params.ExpressionAttributeValues[":owner"].(*types.AttributeValueMemberS).Value
	if !ok || cur["owner"].(*types.AttributeValueMemberS).Value != want {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(m.items, k)
	return &dyn.DeleteItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	return nil, errors.New("not used")
}
func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	return nil, errors.New("not used")
}
func (m *mockDynamo) BatchGetItem(ctx context.Context, params *dyn.BatchGetItemInput, optFns ...func(*dyn.Options)) (*dyn.BatchGetItemOutput, error) {
	return nil, errors.New("not used")
}
func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not used")
}

func managers(t *testing.T) map[string]Manager {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Manager{
		"memory": NewMemoryManager(),
		"redis":  NewRedisManager(rdb, "lock:"),
		"dynamo": NewDynamoManager(newMockDynamo(), "locks"),
	}
}

func TestManagers_MutualExclusion(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			opts := Options{Wait: 2 * time.Second, TTL: 5 * time.Second}

			var inside, maxInside, runs int32
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := WithLock(ctx, m, "payment:pi_1", opts, func(ctx context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							cur := atomic.LoadInt32(&maxInside)
							if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
								break
							}
						}
						time.Sleep(10 * time.Millisecond)
						atomic.AddInt32(&inside, -1)
						atomic.AddInt32(&runs, 1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside)
			assert.Equal(t, int32(5), runs)
		})
	}
}

func TestManagers_WaitTimeout(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lease, err := m.Acquire(ctx, "order:o1", Options{Wait: time.Second, TTL: time.Minute})
			require.NoError(t, err)

			_, err = m.Acquire(ctx, "order:o1", Options{Wait: 120 * time.Millisecond, TTL: time.Minute})
			assert.ErrorIs(t, err, ErrNotAcquired)

			other, err := m.Acquire(ctx, "order:o2", Options{Wait: 0, TTL: time.Minute})
			require.NoError(t, err, "keys are independent")
			require.NoError(t, other.Release(ctx))

			require.NoError(t, lease.Release(ctx))
			again, err := m.Acquire(ctx, "order:o1", Options{Wait: 0, TTL: time.Minute})
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestMemoryManager_ExpiredLeaseIsTakenOver(t *testing.T) {
	m := NewMemoryManager()
	now := time.Unix(1700000000, 0)
	m.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "k", Options{TTL: 120 * time.Second})
	require.NoError(t, err)

	now = now.Add(121 * time.Second)
	fresh, err := m.Acquire(ctx, "k", Options{TTL: 120 * time.Second})
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld, "a crashed holder cannot release the new lease")
	assert.NoError(t, fresh.Release(ctx))
}

func TestDynamoManager_ExpiredLeaseIsTakenOver(t *testing.T) {
	m := NewDynamoManager(newMockDynamo(), "locks")
	now := time.Unix(1700000000, 0)
	m.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "k", Options{TTL: 120 * time.Second})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "k", Options{TTL: 120 * time.Second})
	assert.ErrorIs(t, err, ErrNotAcquired)

	now = now.Add(121 * time.Second)
	fresh, err := m.Acquire(ctx, "k", Options{TTL: 120 * time.Second})
	require.NoError(t, err)
	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.NoError(t, fresh.Release(ctx))
}

func TestRedisManager_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	m := NewRedisManager(rdb, "lock:")
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "k", Options{TTL: 120 * time.Second})
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:k"))

	mr.FastForward(121 * time.Second)
	fresh, err := m.Acquire(ctx, "k", Options{TTL: 120 * time.Second})
	require.NoError(t, err)
	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("lock:k"))
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithLock(ctx, m, "k", Options{TTL: time.Minute}, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	lease, err := m.Acquire(ctx, "k", Options{TTL: time.Minute})
	require.NoError(t, err, "lock must be free after a failed run")
	require.NoError(t, lease.Release(ctx))
}
