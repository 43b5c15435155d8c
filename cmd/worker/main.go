package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-orderwindow/internal/app"
	"github.com/imrishuroy/go-orderwindow/internal/aws"
	"github.com/imrishuroy/go-orderwindow/internal/config"
)

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

	p := NewProcessor(a.Checkout, logger)

	// If RUN_LOCAL=true, process a single event from LOCAL_SQS_BODY and exit.
	if cfg.RunLocal {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			log.Fatalf("LOCAL_SQS_BODY must hold a payment.authorized envelope")
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: testBody},
			},
		}
		resp, err := p.Handle(ctx, event)
		if err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		if len(resp.BatchItemFailures) > 0 {
			log.Fatalf("local message failed")
		}
		return
	}

	lambda.Start(p.Handle)
}
