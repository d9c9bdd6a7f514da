package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/leaguehq/regsync/internal/config"
	"github.com/leaguehq/regsync/internal/reconcile"
	"github.com/leaguehq/regsync/pkg/models"
)

// OrderProcessor reconciles one completed payment order.
type OrderProcessor interface {
	ProcessOrder(ctx context.Context, order models.PaymentOrder) (*reconcile.Result, error)
}

// OrderConsumer reads completed-order events from Kafka and feeds
// them through the reconciliation engine. Processing is idempotent,
// so at-least-once delivery is safe.
type OrderConsumer struct {
	reader    *kafka.Reader
	processor OrderProcessor
	logger    *zap.Logger
}

// NewOrderConsumer builds a group consumer for the orders topic.
func NewOrderConsumer(cfg config.KafkaConfig, processor OrderProcessor, logger *zap.Logger) *OrderConsumer {
	log := logger.Named("order-consumer")
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.OrdersTopic,
		GroupID:     cfg.ConsumerGroup,
		StartOffset: kafka.LastOffset,
		MaxBytes:    1048576,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error(fmt.Sprintf(msg, args...))
		}),
	})
	return &OrderConsumer{
		reader:    reader,
		processor: processor,
		logger:    log,
	}
}

// Run consumes until ctx is cancelled. Read errors back off and
// retry; malformed or failed messages are logged and skipped rather
// than stalling the partition.
func (c *OrderConsumer) Run(ctx context.Context) error {
	c.logger.Info("consuming completed-order events",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group", c.reader.Config().GroupID))

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.logger.Error("failed to read message", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *OrderConsumer) handle(ctx context.Context, msg kafka.Message) {
	var order models.PaymentOrder
	if err := json.Unmarshal(msg.Value, &order); err != nil {
		c.logger.Error("malformed order event, skipping",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
			zap.String("key", string(msg.Key)))
		return
	}

	result, err := c.processor.ProcessOrder(ctx, order)
	if err != nil {
		// The order stays unmarked on failure; a replay or the HTTP
		// surface can retry it later.
		c.logger.Error("order reconciliation failed",
			zap.Error(err),
			zap.String("order_id", order.OrderID),
			zap.Int64("offset", msg.Offset))
		return
	}
	if result.Duplicate {
		c.logger.Debug("duplicate order event ignored", zap.String("order_id", order.OrderID))
		return
	}
	c.logger.Info("order event reconciled",
		zap.String("order_id", order.OrderID),
		zap.Int("successful", result.Outcome.Successful),
		zap.Int("partial", result.Outcome.Partial))
}

// Close releases the underlying reader.
func (c *OrderConsumer) Close() error {
	return c.reader.Close()
}
