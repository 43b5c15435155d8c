package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
)

// RetryPolicy controls retries of transient gateway failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxRetries      uint
}

// DefaultRetryPolicy is 200ms doubling, at most 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 200 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      3,
	}
}

// IdempotencySeed identifies one logical adjustment request.
type IdempotencySeed struct {
	OrderID   string
	VariantID string
	Quantity  int64
	Timestamp time.Time
}

// Key derives the gateway idempotency key for operation op.
func (s IdempotencySeed) Key(op string) string {
	h := sha256.New()
	for _, part := range []string{
		op,
		s.OrderID,
		s.VariantID,
		strconv.FormatInt(s.Quantity, 10),
		strconv.FormatInt(s.Timestamp.UnixMilli(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return op + "_" + hex.EncodeToString(h.Sum(nil))[:40]
}

// IncrementResult is the outcome of IncrementHold. NewAmount is the amount
// held at the gateway afterwards; for a skipped call that is the current amount.
type IncrementResult struct {
	PreviousAmount int64
	NewAmount      int64
	Skipped        bool
	IdempotencyKey string
}

// Adjuster increases or voids held authorizations.
type Adjuster struct {
	gateway Gateway
	policy  RetryPolicy
	logger  *slog.Logger
	notify  func(err error, next time.Duration)
}

// NewAdjuster returns an Adjuster using policy for transient failures.
func NewAdjuster(gateway Gateway, policy RetryPolicy, logger *slog.Logger) *Adjuster {
	return &Adjuster{
		gateway: gateway,
		policy:  policy,
		logger:  logger.With("component", "payments"),
	}
}

// Authorization returns the current gateway state of an authorization.
func (a *Adjuster) Authorization(ctx context.Context, id string) (*Authorization, error) {
	auth, err := a.withRetry(ctx, "get_authorization", func() (*Authorization, error) {
		return a.gateway.GetAuthorization(ctx, id)
	})
	if err != nil {
		return nil, &apperr.UpstreamError{Service: "payment gateway", Cause: err}
	}
	return auth, nil
}

// IncrementHold raises the held amount to newAmount. A newAmount at or below
// currentAmount never reaches the gateway and reports currentAmount as held. A
// duplicate submission of the same seed resolves to the gateway's current
// state when that state already covers newAmount.
func (a *Adjuster) IncrementHold(ctx context.Context, paymentIntentID string, currentAmount, newAmount int64, seed IdempotencySeed) (*IncrementResult, error) {
	if newAmount <= currentAmount {
		return &IncrementResult{PreviousAmount: currentAmount, NewAmount: currentAmount, Skipped: true}, nil
	}

	key := seed.Key("increment")
	auth, err := a.withRetry(ctx, "increment_authorization", func() (*Authorization, error) {
		return a.gateway.IncrementAuthorization(ctx, paymentIntentID, newAmount, key)
	})
	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) {
			switch ge.Type {
			case ErrorTypeCard:
				decline := DeclineError(ge)
				a.logger.WarnContext(ctx, "authorization increment declined",
					"payment_intent_id", paymentIntentID, "decline_code", decline.DeclineCode)
				return nil, decline
			case ErrorTypeIdempotency:
				return a.resolveDuplicate(ctx, paymentIntentID, currentAmount, newAmount, key)
			}
		}
		return nil, &apperr.UpstreamError{Service: "payment gateway", Cause: err}
	}

	a.logger.InfoContext(ctx, "authorization incremented",
		"payment_intent_id", paymentIntentID, "previous_amount", currentAmount, "new_amount", auth.Amount)
	return &IncrementResult{
		PreviousAmount: currentAmount,
		NewAmount:      auth.Amount,
		IdempotencyKey: key,
	}, nil
}

func (a *Adjuster) resolveDuplicate(ctx context.Context, paymentIntentID string, currentAmount, newAmount int64, key string) (*IncrementResult, error) {
	auth, err := a.Authorization(ctx, paymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("resolve duplicate increment: %w", err)
	}
	// key spent, hold still short of the target
	if auth.Amount < newAmount {
		return nil, &apperr.UpstreamError{
			Service: "payment gateway",
			Cause: fmt.Errorf("duplicate increment %s left %s holding %d, want %d",
				key, paymentIntentID, auth.Amount, newAmount),
		}
	}
	a.logger.InfoContext(ctx, "duplicate increment resolved from gateway state",
		"payment_intent_id", paymentIntentID, "amount", auth.Amount)
	return &IncrementResult{
		PreviousAmount: currentAmount,
		NewAmount:      auth.Amount,
		IdempotencyKey: key,
	}, nil
}

// VoidHold cancels the authorization. Voiding an already canceled
// authorization succeeds.
func (a *Adjuster) VoidHold(ctx context.Context, paymentIntentID string, seed IdempotencySeed) (*Authorization, error) {
	key := seed.Key("cancel")
	auth, err := a.withRetry(ctx, "cancel_authorization", func() (*Authorization, error) {
		return a.gateway.CancelAuthorization(ctx, paymentIntentID, key)
	})
	if err == nil {
		return auth, nil
	}

	var ge *GatewayError
	if errors.As(err, &ge) && (ge.Type == ErrorTypeIdempotency || ge.Type == ErrorTypeInvalid) {
		current, gerr := a.Authorization(ctx, paymentIntentID)
		if gerr == nil && current.Status == StatusCanceled {
			return current, nil
		}
	}
	if errors.As(err, &ge) && ge.Type == ErrorTypeCard {
		return nil, DeclineError(ge)
	}
	return nil, &apperr.UpstreamError{Service: "payment gateway", Cause: err}
}

func (a *Adjuster) withRetry(ctx context.Context, op string, call func() (*Authorization, error)) (*Authorization, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.policy.InitialInterval
	b.Multiplier = a.policy.Multiplier
	b.RandomizationFactor = 0

	return backoff.Retry(ctx, func() (*Authorization, error) {
		auth, err := call()
		if err == nil {
			return auth, nil
		}
		if !Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(a.policy.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.WarnContext(ctx, "retrying gateway call", "op", op, "error", err, "backoff", next)
			if a.notify != nil {
				a.notify(err, next)
			}
		}),
	)
}
