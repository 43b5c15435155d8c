package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-orderwindow/internal/app"
	"github.com/imrishuroy/go-orderwindow/internal/aws"
	"github.com/imrishuroy/go-orderwindow/internal/config"
	"github.com/imrishuroy/go-orderwindow/internal/handlers"
	"github.com/imrishuroy/go-orderwindow/internal/payments"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterOrdersRoutes(r, cfg)
	handlers.RegisterWebhookRoutes(r, cfg)

	return r
}

func handlerConfig(a *app.App) handlers.HandlerConfig {
	cfg := handlers.HandlerConfig{
		Modifications: a.Modifications,
		Idempotency:   a.Idempotency,
		RateLimiter:   handlers.NewRateLimiter(a.Config.RateLimitRPS, a.Config.RateLimitBurst),
		Logger:        a.Logger,
	}
	if a.Config.StripeWebhookSecret != "" {
		cfg.Webhooks = payments.StripeWebhookVerifier{Secret: a.Config.StripeWebhookSecret}
	}
	if a.Config.WebhookDispatch == config.DispatchInline {
		cfg.Dispatcher = handlers.InlineDispatcher{Checkout: a.Checkout}
	} else {
		cfg.Dispatcher = handlers.QueueDispatcher{Publisher: a.PaymentEvents}
	}
	return cfg
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(cfg, os.Stdout)

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	a, err := app.New(ctx, cfg, clients, logger)
	if err != nil {
		log.Fatalf("failed to build services: %v", err)
	}
	defer a.Close()

	r := setupRouter(handlerConfig(a))

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		addr := ":8080"
		logger.Info("running local server", "addr", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
