package config

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("MODIFICATION_WINDOW", "")
	t.Setenv("LOCK_BACKEND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ModificationWindow != time.Hour {
		t.Fatalf("expected 1h window, got %s", cfg.ModificationWindow)
	}
	if cfg.LockBackend != LockDynamoDB || cfg.WebhookDispatch != DispatchQueue {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Tables.Orders != "orders" || cfg.Tables.OrderPaymentIndex != "order-payment-index" {
		t.Fatalf("unexpected table defaults %+v", cfg.Tables)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MODIFICATION_WINDOW", "30m")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("ORDERS_TABLE", "orders-dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ModificationWindow != 30*time.Minute || cfg.LockBackend != LockRedis || cfg.RateLimitRPS != 2.5 || cfg.Tables.Orders != "orders-dev" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"bad window":          {"MODIFICATION_WINDOW": "soon"},
		"negative window":     {"MODIFICATION_WINDOW": "-1h"},
		"unknown lock":        {"LOCK_BACKEND": "zookeeper"},
		"memory in prod":      {"APP_ENV": "production", "LOCK_BACKEND": "memory", "STRIPE_SECRET_KEY": "sk", "STRIPE_WEBHOOK_SECRET": "wh"},
		"prod without stripe": {"APP_ENV": "production"},
		"bad dispatch":        {"WEBHOOK_DISPATCH": "carrier-pigeon"},
		"bad burst":           {"RATE_LIMIT_BURST": "lots"},
		"prod without payment queue": {
			"APP_ENV": "production", "STRIPE_SECRET_KEY": "sk", "STRIPE_WEBHOOK_SECRET": "wh",
			"ORDER_EVENTS_QUEUE_URL": "https://sqs/orders",
		},
		"prod without order queue": {
			"APP_ENV": "production", "STRIPE_SECRET_KEY": "sk", "STRIPE_WEBHOOK_SECRET": "wh",
			"PAYMENT_EVENTS_QUEUE_URL": "https://sqs/payments",
		},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoad_ProductionQueues(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STRIPE_SECRET_KEY", "sk")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "wh")
	t.Setenv("ORDER_EVENTS_QUEUE_URL", "https://sqs/orders")
	t.Setenv("PAYMENT_EVENTS_QUEUE_URL", "")

	// inline dispatch never touches the payment queue
	t.Setenv("WEBHOOK_DISPATCH", DispatchInline)
	if _, err := Load(); err != nil {
		t.Fatalf("inline dispatch without payment queue: %v", err)
	}

	t.Setenv("WEBHOOK_DISPATCH", DispatchQueue)
	if _, err := Load(); err == nil {
		t.Fatal("expected queue dispatch without PAYMENT_EVENTS_QUEUE_URL to fail")
	}

	t.Setenv("PAYMENT_EVENTS_QUEUE_URL", "https://sqs/payments")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PaymentEventsQueue != "https://sqs/payments" || cfg.OrderEventsQueue != "https://sqs/orders" {
		t.Fatalf("queues not loaded: %+v", cfg)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&Config{}, &buf).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	NewLogger(&Config{RunLocal: true}, &buf).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}
