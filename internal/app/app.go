// Package app builds the service graph shared by the API and the worker from
// a loaded configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-orderwindow/internal/alerts"
	"github.com/imrishuroy/go-orderwindow/internal/aws"
	"github.com/imrishuroy/go-orderwindow/internal/carts"
	"github.com/imrishuroy/go-orderwindow/internal/catalog"
	"github.com/imrishuroy/go-orderwindow/internal/checkout"
	"github.com/imrishuroy/go-orderwindow/internal/config"
	"github.com/imrishuroy/go-orderwindow/internal/events"
	"github.com/imrishuroy/go-orderwindow/internal/idempotency"
	"github.com/imrishuroy/go-orderwindow/internal/inventory"
	"github.com/imrishuroy/go-orderwindow/internal/lock"
	"github.com/imrishuroy/go-orderwindow/internal/modification"
	"github.com/imrishuroy/go-orderwindow/internal/orders"
	"github.com/imrishuroy/go-orderwindow/internal/payments"
	"github.com/imrishuroy/go-orderwindow/internal/token"
)

// App holds the constructed services.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Modifications *modification.Service
	Checkout      *checkout.Service
	Idempotency   *idempotency.Store
	// PaymentEvents carries payment.authorized from the webhook to the worker.
	PaymentEvents events.Publisher

	closers []func() error
}

// Close releases connections opened by New.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// New wires stores, gateways and services against the AWS clients.
func New(ctx context.Context, cfg *config.Config, clients *aws.AWSClients, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	tokens, err := token.NewService(token.Config{
		Secret:     []byte(cfg.TokenSecret),
		Window:     cfg.ModificationWindow,
		Production: cfg.Production,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}

	locks, err := a.lockManager(ctx, cfg, clients)
	if err != nil {
		return nil, err
	}

	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set; gateway calls will fail")
	}
	gateway := payments.NewAdjuster(payments.NewStripeGateway(cfg.StripeSecretKey), payments.DefaultRetryPolicy(), logger)

	orderStore := orders.NewStore(clients.DynamoDB, cfg.Tables.Orders, cfg.Tables.OrderPaymentIndex)
	ledger := inventory.NewAdjuster(inventory.NewDynamoLedger(clients.DynamoDB, inventory.Tables{
		Variants:      cfg.Tables.InventoryVariants,
		Items:         cfg.Tables.InventoryItems,
		SalesChannels: cfg.Tables.SalesChannels,
	}), logger)
	orderEvents := publisher(clients, cfg.OrderEventsQueue, logger)

	a.Modifications = modification.NewService(modification.Deps{
		Tokens:    tokens,
		Orders:    orderStore,
		Catalog:   catalog.NewStore(clients.DynamoDB, cfg.Tables.Variants),
		Inventory: ledger,
		Payments:  gateway,
		Locks:     locks,
		Events:    orderEvents,
		Alerts:    alerts.NewCloudWatchAlerter(clients.CloudWatch, cfg.AlertNamespace, logger),
		Logger:    logger,
	})
	a.Checkout = checkout.NewService(checkout.Deps{
		Carts:     carts.NewStore(clients.DynamoDB, cfg.Tables.Carts),
		Orders:    orderStore,
		Inventory: ledger,
		Records:   payments.NewRecordStore(clients.DynamoDB, cfg.Tables.PaymentRecords),
		Payments:  gateway,
		Tokens:    tokens,
		Locks:     locks,
		Events:    orderEvents,
		Logger:    logger,
	})
	a.Idempotency = idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.IdempotencyTTL)
	a.PaymentEvents = publisher(clients, cfg.PaymentEventsQueue, logger)
	return a, nil
}

func (a *App) lockManager(ctx context.Context, cfg *config.Config, clients *aws.AWSClients) (lock.Manager, error) {
	switch cfg.LockBackend {
	case config.LockRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, rdb.Close)
		return lock.NewRedisManager(rdb, "orderwindow:lock:"), nil
	case config.LockMemory:
		a.Logger.Warn("using in-process locks; concurrent instances are not serialized")
		return lock.NewMemoryManager(), nil
	default:
		return lock.NewDynamoManager(clients.DynamoDB, cfg.Tables.Locks), nil
	}
}

func publisher(clients *aws.AWSClients, queueURL string, logger *slog.Logger) events.Publisher {
	if queueURL == "" {
		return events.LogPublisher{Logger: logger.With("component", "events")}
	}
	return aws.NewPublisher(clients.SQS, queueURL)
}
