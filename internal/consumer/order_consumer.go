package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	Topic   = "order-committed"
	GroupID = "reservation-service"

	maxAttempts  = 3
	retryBackoff = 200 * time.Millisecond
	fetchBackoff = time.Second
)

var errMalformedEvent = errors.New("malformed order event")

type eventItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// OrderCommittedEvent is published by the order creator once the purchased
// units have been taken out of the ledger.
type OrderCommittedEvent struct {
	OrderID  string      `json:"order_id"`
	HolderID string      `json:"holder_id"`
	Items    []eventItem `json:"items"`
}

// Releaser drops a holder's holds on purchased products
type Releaser interface {
	ReleaseProducts(ctx context.Context, holderID string, productIDs []int64) ([]domain.Result, error)
}

// messageReader is the part of *kafka.Reader the consumer drives
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	releaser     Releaser
	reader       messageReader
	logger       *zap.Logger
	fetchBackoff time.Duration
}

func NewConsumer(releaser Releaser, logger *zap.Logger, brokers ...string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    Topic,
		GroupID:  GroupID,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{releaser: releaser, reader: reader, logger: logger, fetchBackoff: fetchBackoff}
}

// Run consumes until ctx is done. A failed fetch is retried after a pause.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.processMessage(ctx); err != nil {
			c.logger.Warn("error reading message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.fetchBackoff):
			}
		}
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Warn("error closing kafka reader", zap.Error(err))
	}
}

// processMessage handles one message. It returns only fetch errors; a
// message that cannot be applied is logged and committed.
func (c *Consumer) processMessage(ctx context.Context) error {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	msgCtx, span := startMessageSpan(ctx, m)
	if err := c.handleWithRetry(msgCtx, m.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// the reaper reclaims whatever is left behind
		c.logger.Error("dropping order event",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err))
	}
	span.End()

	if err := c.reader.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("error committing offset", zap.Int64("offset", m.Offset), zap.Error(err))
	}
	return nil
}

func (c *Consumer) handleWithRetry(ctx context.Context, payload []byte) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = c.handleMessage(ctx, payload)
		if err == nil || !errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}

// handleMessage applies one order-committed payload
func (c *Consumer) handleMessage(ctx context.Context, payload []byte) error {
	var event OrderCommittedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if event.HolderID == "" {
		return fmt.Errorf("%w: order %q has no holder_id", errMalformedEvent, event.OrderID)
	}
	if len(event.Items) == 0 {
		c.logger.Debug("order without items, nothing to release", zap.String("order_id", event.OrderID))
		return nil
	}

	productIDs := make([]int64, len(event.Items))
	for i, item := range event.Items {
		productIDs[i] = item.ProductID
	}

	results, err := c.releaser.ReleaseProducts(ctx, event.HolderID, productIDs)
	if err != nil {
		return err
	}

	c.logger.Info("released holds for committed order",
		zap.String("order_id", event.OrderID),
		zap.String("holder_id", event.HolderID),
		zap.Int("products", len(results)))
	return nil
}

// startMessageSpan continues the producer's trace carried in the headers
func startMessageSpan(ctx context.Context, m kafka.Message) (context.Context, trace.Span) {
	carrier := propagation.MapCarrier{}
	for _, header := range m.Headers {
		carrier[header.Key] = string(header.Value)
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	return otel.Tracer("github.com/fjod/go_cart/reservation-service/internal/consumer").Start(ctx, "consume "+m.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", m.Topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		))
}
