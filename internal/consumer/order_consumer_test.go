package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/fjod/go_cart/reservation-service/internal/engine"
	"github.com/fjod/go_cart/reservation-service/internal/ledger"
	"github.com/fjod/go_cart/reservation-service/internal/store"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

type ReleaserMock struct {
	errs  []error
	calls int

	holderID   string
	productIDs []int64
}

func (m *ReleaserMock) ReleaseProducts(_ context.Context, holderID string, productIDs []int64) ([]domain.Result, error) {
	m.calls++
	m.holderID, m.productIDs = holderID, productIDs
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return make([]domain.Result, len(productIDs)), nil
}

func newTestConsumer(r Releaser) *Consumer {
	return &Consumer{releaser: r, logger: zap.NewNop()}
}

// failingReader fails every fetch and counts the attempts
type failingReader struct {
	fetches atomic.Int32
}

func (r *failingReader) FetchMessage(context.Context) (kafkaGo.Message, error) {
	r.fetches.Add(1)
	return kafkaGo.Message{}, io.EOF
}

func (r *failingReader) CommitMessages(context.Context, ...kafkaGo.Message) error {
	return errors.New("nothing fetched")
}

func (r *failingReader) Close() error { return nil }

func TestRun_BacksOffOnFetchError(t *testing.T) {
	reader := &failingReader{}
	c := &Consumer{releaser: &ReleaserMock{}, reader: reader, logger: zap.NewNop(), fetchBackoff: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after ctx was cancelled")
	}
	assert.GreaterOrEqual(t, reader.fetches.Load(), int32(2))
	assert.LessOrEqual(t, reader.fetches.Load(), int32(4))
}

func TestHandleMessage_ReleasesPurchasedProducts(t *testing.T) {
	mock := &ReleaserMock{}
	payload := []byte(`{"order_id":"o-1","holder_id":"h1","items":[{"product_id":4,"quantity":2},{"product_id":9,"quantity":1}]}`)

	err := newTestConsumer(mock).handleMessage(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "h1", mock.holderID)
	assert.Equal(t, []int64{4, 9}, mock.productIDs)
}

func TestHandleMessage_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `order`},
		{"no holder", `{"order_id":"o-1","items":[{"product_id":1,"quantity":1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &ReleaserMock{}
			err := newTestConsumer(mock).handleMessage(context.Background(), []byte(tt.payload))
			assert.ErrorIs(t, err, errMalformedEvent)
			assert.Zero(t, mock.calls)
		})
	}
}

func TestHandleMessage_NoItems(t *testing.T) {
	mock := &ReleaserMock{}
	err := newTestConsumer(mock).handleMessage(context.Background(), []byte(`{"order_id":"o-1","holder_id":"h1","items":[]}`))
	require.NoError(t, err)
	assert.Zero(t, mock.calls)
}

func TestHandleWithRetry_RetriesStoreUnavailable(t *testing.T) {
	mock := &ReleaserMock{errs: []error{fmt.Errorf("release: %w", domain.ErrStoreUnavailable)}}
	payload := []byte(`{"order_id":"o-1","holder_id":"h1","items":[{"product_id":1,"quantity":1}]}`)

	err := newTestConsumer(mock).handleWithRetry(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.calls)
}

func TestHandleWithRetry_DoesNotRetryInvalid(t *testing.T) {
	mock := &ReleaserMock{errs: []error{domain.ErrInvalidRequest}}
	payload := []byte(`{"order_id":"o-1","holder_id":"h1","items":[{"product_id":0,"quantity":1}]}`)

	err := newTestConsumer(mock).handleWithRetry(context.Background(), payload)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, 1, mock.calls)
}

func setupKafka(t *testing.T) (string, func()) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	cleanup := func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers[0], cleanup
}

func TestConsumer_Integration(t *testing.T) {
	broker, cleanup := setupKafka(t)
	defer cleanup()

	e := engine.New(store.NewMemoryStore(), ledger.NewStaticLedgerFromStock(map[int64]int{1: 5, 2: 5}))
	ctx := context.Background()
	_, err := e.Reserve(ctx, 1, "buyer", 2)
	require.NoError(t, err)
	_, err = e.Reserve(ctx, 2, "buyer", 1)
	require.NoError(t, err)

	writer := &kafkaGo.Writer{
		Addr:                   kafkaGo.TCP(broker),
		Topic:                  Topic,
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	event, err := json.Marshal(OrderCommittedEvent{
		OrderID:  "o-42",
		HolderID: "buyer",
		Items:    []eventItem{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	// the topic may not exist yet on the first write
	require.Eventually(t, func() bool {
		return writer.WriteMessages(ctx, kafkaGo.Message{Key: []byte("o-42"), Value: event}) == nil
	}, 30*time.Second, 500*time.Millisecond)

	c := NewConsumer(e, zap.NewNop(), broker)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		c.Run(runCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
		c.Close()
	}()

	require.Eventually(t, func() bool {
		res, err := e.Check(ctx, 1, "buyer")
		return err == nil && res.Held == 0
	}, 60*time.Second, 200*time.Millisecond)

	res, err := e.Check(ctx, 2, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Held, "products outside the order keep their holds")
}

func TestStartMessageSpan_ContinuesProducerTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	m := kafkaGo.Message{
		Topic: Topic,
		Headers: []kafkaGo.Header{
			{Key: "traceparent", Value: []byte("00-" + traceID + "-00f067aa0ba902b7-01")},
		},
	}

	_, span := startMessageSpan(context.Background(), m)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, traceID, spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "consume "+Topic, spans[0].Name())
}
