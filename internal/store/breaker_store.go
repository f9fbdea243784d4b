package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerSettings configures BreakerStore.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing again
	OpenTimeout time.Duration
}

// BreakerStore wraps a HoldStore with circuit breakers so a dead backend
// fails requests immediately instead of letting each one wait out its timeout.
// Lock acquisition and data calls use separate breakers because data calls
// run nested inside a held lock.
type BreakerStore struct {
	inner HoldStore
	lock  *gobreaker.CircuitBreaker[struct{}]
	data  *gobreaker.CircuitBreaker[any]
}

func NewBreakerStore(inner HoldStore, cfg BreakerSettings, logger *zap.Logger) *BreakerStore {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}

	settings := func(name string, neutral ...error) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				for _, n := range neutral {
					if errors.Is(err, n) {
						return true
					}
				}
				return false
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("hold store circuit changed state",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}
	}

	return &BreakerStore{
		inner: inner,
		// waiting out a busy product lock is contention, not a backend fault
		lock: gobreaker.NewCircuitBreaker[struct{}](settings("hold-store-lock", context.Canceled, context.DeadlineExceeded)),
		data: gobreaker.NewCircuitBreaker[any](settings("hold-store-data", context.Canceled)),
	}
}

func unavailable(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func (b *BreakerStore) WithProductLock(ctx context.Context, productID int64, fn func(ctx context.Context) error) error {
	var fnErr error
	_, err := b.lock.Execute(func() (struct{}, error) {
		err := b.inner.WithProductLock(ctx, productID, func(ctx context.Context) error {
			fnErr = fn(ctx)
			return fnErr
		})
		if err != nil && errors.Is(err, fnErr) {
			// fn's own failures are counted by the data breaker
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return unavailable(err)
	}
	return fnErr
}

func (b *BreakerStore) GetHold(ctx context.Context, productID int64, holderID string) (domain.Hold, bool, error) {
	type got struct {
		hold domain.Hold
		ok   bool
	}
	v, err := b.data.Execute(func() (any, error) {
		h, ok, err := b.inner.GetHold(ctx, productID, holderID)
		return got{h, ok}, err
	})
	if err != nil {
		return domain.Hold{}, false, unavailable(err)
	}
	g := v.(got)
	return g.hold, g.ok, nil
}

func (b *BreakerStore) UpsertHold(ctx context.Context, hold domain.Hold) error {
	_, err := b.data.Execute(func() (any, error) {
		return nil, b.inner.UpsertHold(ctx, hold)
	})
	return unavailable(err)
}

func (b *BreakerStore) ListByProduct(ctx context.Context, productID int64) ([]domain.Hold, error) {
	return b.list(func() ([]domain.Hold, error) { return b.inner.ListByProduct(ctx, productID) })
}

func (b *BreakerStore) ListByHolder(ctx context.Context, holderID string) ([]domain.Hold, error) {
	return b.list(func() ([]domain.Hold, error) { return b.inner.ListByHolder(ctx, holderID) })
}

func (b *BreakerStore) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Hold, error) {
	return b.list(func() ([]domain.Hold, error) { return b.inner.ListStale(ctx, before, limit) })
}

func (b *BreakerStore) list(call func() ([]domain.Hold, error)) ([]domain.Hold, error) {
	v, err := b.data.Execute(func() (any, error) {
		return call()
	})
	if err != nil {
		return nil, unavailable(err)
	}
	holds, _ := v.([]domain.Hold)
	return holds, nil
}

func (b *BreakerStore) Close() error {
	return b.inner.Close()
}
