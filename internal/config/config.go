// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Lock backends
const (
	LockDynamoDB = "dynamodb"
	LockRedis    = "redis"
	LockMemory   = "memory"
)

// Webhook dispatch modes
const (
	DispatchQueue  = "queue"
	DispatchInline = "inline"
)

// Tables holds DynamoDB table names.
type Tables struct {
	Orders            string
	OrderPaymentIndex string
	Carts             string
	Variants          string
	InventoryVariants string
	InventoryItems    string
	SalesChannels     string
	PaymentRecords    string
	Locks             string
	Idempotency       string
}

// Config is the full service configuration.
type Config struct {
	Production          bool
	RunLocal            bool
	TokenSecret         string
	ModificationWindow  time.Duration
	Tables              Tables
	PaymentEventsQueue  string
	OrderEventsQueue    string
	StripeSecretKey     string
	StripeWebhookSecret string
	LockBackend         string
	RedisAddr           string
	AlertNamespace      string
	RateLimitRPS        float64
	RateLimitBurst      int
	WebhookDispatch     string
	IdempotencyTTL      time.Duration
}

// Load reads the configuration. In production the Stripe keys and the event
// queues are required.
func Load() (*Config, error) {
	cfg := &Config{
		Production:          os.Getenv("APP_ENV") == "production",
		RunLocal:            os.Getenv("RUN_LOCAL") == "true",
		TokenSecret:         os.Getenv("MODIFICATION_TOKEN_SECRET"),
		PaymentEventsQueue:  os.Getenv("PAYMENT_EVENTS_QUEUE_URL"),
		OrderEventsQueue:    os.Getenv("ORDER_EVENTS_QUEUE_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		LockBackend:         getenv("LOCK_BACKEND", LockDynamoDB),
		RedisAddr:           getenv("REDIS_ADDR", "localhost:6379"),
		AlertNamespace:      getenv("ALERT_NAMESPACE", "OrderWindow"),
		WebhookDispatch:     getenv("WEBHOOK_DISPATCH", DispatchQueue),
		IdempotencyTTL:      48 * time.Hour,
		Tables: Tables{
			Orders:            getenv("ORDERS_TABLE", "orders"),
			OrderPaymentIndex: getenv("ORDER_PAYMENT_INDEX_TABLE", "order-payment-index"),
			Carts:             getenv("CARTS_TABLE", "carts"),
			Variants:          getenv("VARIANTS_TABLE", "variants"),
			InventoryVariants: getenv("INVENTORY_VARIANTS_TABLE", "inventory-variants"),
			InventoryItems:    getenv("INVENTORY_ITEMS_TABLE", "inventory-items"),
			SalesChannels:     getenv("SALES_CHANNELS_TABLE", "sales-channels"),
			PaymentRecords:    getenv("PAYMENT_RECORDS_TABLE", "payment-records"),
			Locks:             getenv("LOCKS_TABLE", "locks"),
			Idempotency:       getenv("IDEMPOTENCY_TABLE", "idempotency"),
		},
	}

	var err error
	if cfg.ModificationWindow, err = durationEnv("MODIFICATION_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = floatEnv("RATE_LIMIT_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = intEnv("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}

	switch cfg.LockBackend {
	case LockDynamoDB, LockRedis, LockMemory:
	default:
		return nil, fmt.Errorf("LOCK_BACKEND: unknown backend %q", cfg.LockBackend)
	}
	if cfg.Production && cfg.LockBackend == LockMemory {
		return nil, fmt.Errorf("LOCK_BACKEND: memory locks cannot serialize separate processes in production")
	}
	switch cfg.WebhookDispatch {
	case DispatchQueue, DispatchInline:
	default:
		return nil, fmt.Errorf("WEBHOOK_DISPATCH: unknown mode %q", cfg.WebhookDispatch)
	}
	if cfg.Production {
		if cfg.StripeSecretKey == "" {
			return nil, fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if cfg.StripeWebhookSecret == "" {
			return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if cfg.WebhookDispatch == DispatchQueue && cfg.PaymentEventsQueue == "" {
			return nil, fmt.Errorf("PAYMENT_EVENTS_QUEUE_URL is required in production when WEBHOOK_DISPATCH=queue")
		}
		if cfg.OrderEventsQueue == "" {
			return nil, fmt.Errorf("ORDER_EVENTS_QUEUE_URL is required in production")
		}
	}
	return cfg, nil
}

// NewLogger returns a JSON logger under Lambda and a text logger locally.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.RunLocal {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
