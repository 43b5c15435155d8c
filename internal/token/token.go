// Package token issues and validates modification tokens: signed credentials
// binding a customer session to one order and one payment authorization for
// the duration of the order's modification window.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/imrishuroy/go-orderwindow/internal/apperr"
)

// MinSecretBytes is the minimum signing secret length accepted in production.
const MinSecretBytes = 32

const issuer = "orderwindow/modification"

// Claims is the JWT body of a modification token. exp is whole seconds
// rounded up; ExpiresAtMillis is the exact end of the window.
type Claims struct {
	jwt.RegisteredClaims
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	ExpiresAtMillis int64  `json:"exp_ms"`
}

// Payload is the validated content of a token.
type Payload struct {
	OrderID         string
	PaymentIntentID string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// Config configures a Service.
type Config struct {
	Secret     []byte
	Window     time.Duration
	Production bool
}

// Service generates and validates modification tokens.
type Service struct {
	secret  []byte
	window  time.Duration
	nowFunc func() time.Time
}

// NewService builds a Service. In production a missing or short secret is a
// hard error. Outside production a random per-process secret is generated
// instead, so tokens do not survive a restart.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("modification window must be positive, got %s", cfg.Window)
	}

	secret := cfg.Secret
	if len(secret) < MinSecretBytes {
		if cfg.Production {
			return nil, fmt.Errorf("modification token secret must be at least %d bytes in production, got %d", MinSecretBytes, len(secret))
		}
		secret = make([]byte, MinSecretBytes)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate fallback secret: %w", err)
		}
		logger.Warn("modification token secret unset or too short, using a random per-process secret",
			"configured_bytes", len(cfg.Secret))
	}

	return &Service{
		secret:  secret,
		window:  cfg.Window,
		nowFunc: time.Now,
	}, nil
}

// Window returns the configured modification window.
func (s *Service) Window() time.Duration { return s.window }

// Generate issues a token for the order. Expiry is anchored to the order's
// creation time, not to the time of issue.
func (s *Service) Generate(orderID, paymentIntentID string, orderCreatedAt time.Time) (string, error) {
	if orderID == "" {
		return "", &apperr.InvalidInputError{Field: "order_id", Reason: "required"}
	}
	if paymentIntentID == "" {
		return "", &apperr.InvalidInputError{Field: "payment_intent_id", Reason: "required"}
	}
	if orderCreatedAt.IsZero() {
		return "", &apperr.InvalidInputError{Field: "order_created_at", Reason: "missing"}
	}
	now := s.nowFunc()
	if orderCreatedAt.After(now) {
		return "", &apperr.InvalidInputError{Field: "order_created_at", Reason: "in the future"}
	}

	expiry := ceil(orderCreatedAt.Add(s.window), time.Millisecond)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   orderID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(ceil(expiry, time.Second)),
		},
		OrderID:         orderID,
		PaymentIntentID: paymentIntentID,
		ExpiresAtMillis: expiry.UnixMilli(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign modification token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, structure and expiry.
func (s *Service) Validate(tokenString string) (*Payload, error) {
	if tokenString == "" {
		return nil, &apperr.TokenRequiredError{Reason: "empty token"}
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.nowFunc),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && claims.ExpiresAt != nil {
			return nil, &apperr.TokenExpiredError{ExpiredAt: expiryOf(claims)}
		}
		return nil, &apperr.TokenInvalidError{Reason: err.Error()}
	}
	p, err := payloadOf(claims)
	if err != nil {
		return nil, err
	}
	// exp only has second precision
	if !s.nowFunc().Before(p.ExpiresAt) {
		return nil, &apperr.TokenExpiredError{ExpiredAt: p.ExpiresAt}
	}
	return p, nil
}

// ValidateForOrder validates the token and checks it is bound to orderID.
func (s *Service) ValidateForOrder(tokenString, orderID string) (*Payload, error) {
	p, err := s.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if p.OrderID != orderID {
		return nil, &apperr.TokenMismatchError{TokenOrderID: p.OrderID, RequestOrderID: orderID}
	}
	return p, nil
}

// Inspect verifies the signature and binding claims but not expiry. It is
// used to report on a window that may already be closed.
func (s *Service) Inspect(tokenString string) (*Payload, error) {
	if tokenString == "" {
		return nil, &apperr.TokenRequiredError{Reason: "empty token"}
	}
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(tokenString, claims, s.keyFunc); err != nil {
		return nil, &apperr.TokenInvalidError{Reason: err.Error()}
	}
	if claims.ExpiresAt == nil {
		return nil, &apperr.TokenInvalidError{Reason: "missing expiry"}
	}
	return payloadOf(claims)
}

// RemainingTime returns the time left in the token's window, never negative.
func (s *Service) RemainingTime(tokenString string) (time.Duration, error) {
	p, err := s.Inspect(tokenString)
	if err != nil {
		return 0, err
	}
	return max(0, p.ExpiresAt.Sub(s.nowFunc())), nil
}

func (s *Service) keyFunc(*jwt.Token) (any, error) {
	return s.secret, nil
}

func payloadOf(c *Claims) (*Payload, error) {
	if c.OrderID == "" || c.PaymentIntentID == "" {
		return nil, &apperr.TokenInvalidError{Reason: "missing order or payment binding"}
	}
	if c.ExpiresAtMillis <= 0 {
		return nil, &apperr.TokenInvalidError{Reason: "missing exact expiry"}
	}
	p := &Payload{
		OrderID:         c.OrderID,
		PaymentIntentID: c.PaymentIntentID,
		ExpiresAt:       expiryOf(c),
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	return p, nil
}

// expiryOf prefers the millisecond expiry over the rounded exp claim.
func expiryOf(c *Claims) time.Time {
	if c.ExpiresAtMillis > 0 {
		return time.UnixMilli(c.ExpiresAtMillis).UTC()
	}
	return c.ExpiresAt.Time
}

// ceil rounds t up to a multiple of d.
func ceil(t time.Time, d time.Duration) time.Time {
	if r := t.Truncate(d); !r.Equal(t) {
		return r.Add(d)
	}
	return t
}
