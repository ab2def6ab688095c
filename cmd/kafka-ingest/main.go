package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commerce-pipeline/internal/app"
	"commerce-pipeline/internal/config"
	"commerce-pipeline/internal/record"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
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
	logger := c.Logger.With(zap.String("topic", cfg.KafkaTopic))

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBrokers,
		"group.id":           cfg.KafkaGroup,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		logger.Fatal("create consumer", zap.Error(err))
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Warn("close consumer", zap.Error(err))
		}
	}()

	if err := consumer.SubscribeTopics([]string{cfg.KafkaTopic}, nil); err != nil {
		logger.Fatal("subscribe", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("consuming", zap.String("brokers", cfg.KafkaBrokers), zap.String("group", cfg.KafkaGroup))
	for ctx.Err() == nil {
		ev := consumer.Poll(100)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			if !handleMessage(ctx, c, logger, e) {
				if err := consumer.Seek(e.TopicPartition, 0); err != nil {
					logger.Error("rewind partition", zap.Error(err), zap.String("partition", e.TopicPartition.String()))
				}
				select {
				case <-ctx.Done():
				case <-time.After(retryBackoff):
				}
				continue
			}
			if _, err := consumer.CommitMessage(e); err != nil {
				logger.Warn("commit offset", zap.Error(err), zap.String("partition", e.TopicPartition.String()))
			}
		case kafka.Error:
			logger.Error("kafka error", zap.Error(e), zap.Bool("fatal", e.IsFatal()))
			if e.IsFatal() {
				cancel()
			}
		}
	}
	logger.Info("consumer stopped")
}

const retryBackoff = 5 * time.Second

// handleMessage processes one message value as a payload. It reports
// whether the offset may be committed: malformed messages are dropped,
// store failures are not.
func handleMessage(ctx context.Context, c *app.Container, logger *zap.Logger, msg *kafka.Message) bool {
	report, err := c.Coordinator.ProcessPayload(ctx, msg.Value)
	switch {
	case errors.Is(err, record.ErrMalformed):
		logger.Warn("dropping malformed message",
			zap.String("partition", msg.TopicPartition.String()),
			zap.Error(err),
		)
	case err != nil:
		logger.Error("batch failed, will retry",
			zap.String("partition", msg.TopicPartition.String()),
			zap.Error(err),
		)
		return false
	default:
		logger.Debug("batch processed",
			zap.String("batch_id", report.BatchID),
			zap.Int("processed", report.Processed()),
			zap.Int("failures", len(report.Failures)),
		)
	}
	return true
}
