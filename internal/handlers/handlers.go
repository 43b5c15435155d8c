// Package handlers exposes the order modification endpoints and the payment
// webhook receiver over gin.
package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-orderwindow/internal/validation"
)

// HandlerConfig groups dependencies for the routes.
type HandlerConfig struct {
	Modifications Modifier
	Idempotency   IdempotencyStore // nil disables Idempotency-Key replay
	Webhooks      WebhookVerifier  // nil answers 500 on the webhook route
	Dispatcher    Dispatcher
	RateLimiter   *RateLimiter // nil disables rate limiting
	Logger        *slog.Logger
}

// RegisterOrdersRoutes registers the modification endpoints.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &ordersHandler{
		svc:    cfg.Modifications,
		v:      validation.New(),
		logger: cfg.Logger.With("component", "orders_handler"),
	}

	g := r.Group("/orders/:id")
	if cfg.RateLimiter != nil {
		g.Use(cfg.RateLimiter.Middleware())
	}
	g.POST("/line-items", idempotent(cfg.Idempotency, opAddLineItem, h.logger), h.addLineItem)
	g.POST("/line-items/quantity", idempotent(cfg.Idempotency, opUpdateQuantity, h.logger), h.updateQuantity)
	g.POST("/shipping-address", idempotent(cfg.Idempotency, opUpdateAddress, h.logger), h.updateShippingAddress)
	g.POST("/cancel", idempotent(cfg.Idempotency, opCancel, h.logger), h.cancel)
	g.GET("/modification-window", h.window)
}

// RegisterWebhookRoutes registers the payment gateway receiver.
func RegisterWebhookRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &webhookHandler{
		verifier:   cfg.Webhooks,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger.With("component", "webhook_handler"),
	}

	g := r.Group("/webhooks")
	if cfg.RateLimiter != nil {
		g.Use(cfg.RateLimiter.Middleware())
	}
	g.POST("/payment", h.receive)
}
