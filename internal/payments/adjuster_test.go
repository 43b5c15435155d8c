package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
)

// scriptedGateway returns the queued errors in order, then succeeds.
type scriptedGateway struct {
	mu          sync.Mutex
	auth        Authorization
	incErrs     []error
	cancelErrs  []error
	incCalls    int
	cancelCalls int
	getCalls    int
	keys        []string
}

func (g *scriptedGateway) GetAuthorization(ctx context.Context, id string) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	a := g.auth
	return &a, nil
}

func (g *scriptedGateway) IncrementAuthorization(ctx context.Context, id string, amount int64, key string) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.incCalls++
	g.keys = append(g.keys, key)
	if len(g.incErrs) > 0 {
		err := g.incErrs[0]
		g.incErrs = g.incErrs[1:]
		return nil, err
	}
	g.auth.Amount = amount
	g.auth.AmountCapturable = amount
	a := g.auth
	return &a, nil
}

func (g *scriptedGateway) CancelAuthorization(ctx context.Context, id string, key string) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	if len(g.cancelErrs) > 0 {
		err := g.cancelErrs[0]
		g.cancelErrs = g.cancelErrs[1:]
		return nil, err
	}
	g.auth.Status = StatusCanceled
	a := g.auth
	return &a, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastPolicy(retries uint) RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, Multiplier: 2, MaxRetries: retries}
}

func seed() IdempotencySeed {
	return IdempotencySeed{OrderID: "order_1", VariantID: "var_1", Quantity: 1, Timestamp: time.Unix(1700000000, 0)}
}

func TestIncrementHold_SkipsWhenNotIncreasing(t *testing.T) {
	gw := &scriptedGateway{auth: Authorization{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000}}
	a := NewAdjuster(gw, fastPolicy(3), quietLogger())

	properties := gopter.NewProperties(nil)
	properties.Property("new <= current never calls the gateway", prop.ForAll(
		func(current, delta int64) bool {
			res, err := a.IncrementHold(context.Background(), "pi_1", current, current-delta, seed())
			return err == nil && res.Skipped && res.NewAmount == current && gw.incCalls == 0
		},
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
	))
	properties.TestingRun(t)
}

func TestIncrementHold_Success(t *testing.T) {
	gw := &scriptedGateway{auth: Authorization{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000}}
	a := NewAdjuster(gw, fastPolicy(3), quietLogger())

	res, err := a.IncrementHold(context.Background(), "pi_1", 1000, 1500, seed())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(1000), res.PreviousAmount)
	assert.Equal(t, int64(1500), res.NewAmount)
	assert.Equal(t, seed().Key("increment"), res.IdempotencyKey)
	assert.Equal(t, 1, gw.incCalls)
}

func TestIncrementHold_DeclineIsNeverRetried(t *testing.T) {
	gw := &scriptedGateway{
		auth: Authorization{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000},
		incErrs: []error{&GatewayError{
			HTTPStatus: 402, Type: ErrorTypeCard, Code: "card_declined", DeclineCode: "insufficient_funds",
		}},
	}
	a := NewAdjuster(gw, fastPolicy(10), quietLogger())

	_, err := a.IncrementHold(context.Background(), "pi_1", 1000, 1500, seed())
	var declined *apperr.CardDeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "Insufficient funds.", declined.UserMessage)
	assert.True(t, declined.Retryable)
	assert.Equal(t, 1, gw.incCalls)
}

func TestIncrementHold_RetriesTransientWithExponentialDelay(t *testing.T) {
	for _, status := range []int{503, 429} {
		gw := &scriptedGateway{
			auth: Authorization{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000},
			incErrs: []error{
				&GatewayError{HTTPStatus: status, Type: ErrorTypeAPI},
				&GatewayError{HTTPStatus: status, Type: ErrorTypeAPI},
				&GatewayError{HTTPStatus: status, Type: ErrorTypeAPI},
				&GatewayError{HTTPStatus: status, Type: ErrorTypeAPI},
			},
		}
		a := NewAdjuster(gw, fastPolicy(3), quietLogger())
		var delays []time.Duration
		a.notify = func(_ error, next time.Duration) { delays = append(delays, next) }

		_, err := a.IncrementHold(context.Background(), "pi_1", 1000, 1500, seed())
		var upstream *apperr.UpstreamError
		require.ErrorAs(t, err, &upstream, "status %d", status)
		assert.Equal(t, 4, gw.incCalls, "status %d: one call plus three retries", status)
		assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
		for _, k := range gw.keys {
			assert.Equal(t, gw.keys[0], k, "retries reuse the idempotency key")
		}
	}
}

func TestIncrementHold_RecoversAfterTransientFailure(t *testing.T) {
	gw := &scriptedGateway{
		auth: Authorization{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000},
		incErrs: []error{
			&GatewayError{Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}},
			&GatewayError{Err: syscall.ECONNRESET},
		},
	}
	a := NewAdjuster(gw, fastPolicy(3), quietLogger())

	res, err := a.IncrementHold(context.Background(), "pi_1", 1000, 1200, seed())
	require.NoError(t, err)
	assert.Equal(t, int64(1200), res.NewAmount)
	assert.Equal(t, 3, gw.incCalls)
}

func TestIncrementHold_IdempotencyCollisionReturnsGatewayState(t *testing.T) {
	gw := &scriptedGateway{
		auth:    Authorization{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1500},
		incErrs: []error{&GatewayError{HTTPStatus: 409, Type: ErrorTypeIdempotency}},
	}
	a := NewAdjuster(gw, fastPolicy(3), quietLogger())

	res, err := a.IncrementHold(context.Background(), "pi_1", 1000, 1500, seed())
	require.NoError(t, err)
	assert.Equal(t, int64(1500), res.NewAmount)
	assert.Equal(t, 1, gw.incCalls)
	assert.Equal(t, 1, gw.getCalls)
}

func TestIncrementHold_IdempotencyCollisionBelowTarget(t *testing.T) {
	gw := &scriptedGateway{
		auth:    Authorization{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000},
		incErrs: []error{&GatewayError{HTTPStatus: 409, Type: ErrorTypeIdempotency}},
	}
	a := NewAdjuster(gw, fastPolicy(3), quietLogger())

	res, err := a.IncrementHold(context.Background(), "pi_1", 1000, 1500, seed())
	assert.Nil(t, res)
	var upstream *apperr.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 1, gw.incCalls)
	assert.Equal(t, 1, gw.getCalls)
}

func TestIncrementHold_SkippedReportsHeldAmount(t *testing.T) {
	gw := &scriptedGateway{auth: Authorization{ID: "pi_1", Status: StatusRequiresCapture, Amount: 1000}}
	a := NewAdjuster(gw, fastPolicy(3), quietLogger())

	res, err := a.IncrementHold(context.Background(), "pi_1", 1000, 800, seed())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int64(1000), res.PreviousAmount)
	assert.Equal(t, int64(1000), res.NewAmount)
	assert.Zero(t, gw.incCalls)
}

func TestVoidHold_AlreadyCanceled(t *testing.T) {
	gw := &scriptedGateway{
		auth:       Authorization{ID: "pi_1", Status: StatusCanceled, Amount: 1000},
		cancelErrs: []error{&GatewayError{HTTPStatus: 400, Type: ErrorTypeInvalid, Code: "payment_intent_unexpected_state"}},
	}
	a := NewAdjuster(gw, fastPolicy(3), quietLogger())

	auth, err := a.VoidHold(context.Background(), "pi_1", seed())
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, auth.Status)
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"card decline", &GatewayError{HTTPStatus: 402, Type: ErrorTypeCard}, false},
		{"card decline with 500", &GatewayError{HTTPStatus: 500, Type: ErrorTypeCard}, false},
		{"server error", &GatewayError{HTTPStatus: 500, Type: ErrorTypeAPI}, true},
		{"bad gateway", &GatewayError{HTTPStatus: 502}, true},
		{"rate limited", &GatewayError{HTTPStatus: 429}, true},
		{"bad request", &GatewayError{HTTPStatus: 400, Type: ErrorTypeInvalid}, false},
		{"idempotency", &GatewayError{HTTPStatus: 409, Type: ErrorTypeIdempotency}, false},
		{"connection reset", &GatewayError{Err: syscall.ECONNRESET}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"context canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestIdempotencySeed_Key(t *testing.T) {
	s := seed()
	assert.Equal(t, s.Key("increment"), s.Key("increment"))
	assert.NotEqual(t, s.Key("increment"), s.Key("cancel"))

	other := s
	other.Quantity = 2
	assert.NotEqual(t, s.Key("increment"), other.Key("increment"))
}
