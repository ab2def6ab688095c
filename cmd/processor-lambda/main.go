package main

import (
	"log"

	"commerce-pipeline/internal/app"
	"commerce-pipeline/internal/config"

	"github.com/aws/aws-lambda-go/lambda"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	c, err := app.NewContainer(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	defer c.Close()

	// Direct payloads and SQS envelopes arrive on the same handler.
	lambda.Start(c.Coordinator.HandleLambda)
}
