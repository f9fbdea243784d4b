// Package reaper expires holds whose owners went silent. It is the backstop
// for shoppers who leave without any cleanup hook firing.
package reaper

import (
	"context"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 100
)

// Expirer is the slice of the engine the reaper drives
type Expirer interface {
	StaleHolds(ctx context.Context, limit int) ([]domain.Hold, error)
	ExpireHold(ctx context.Context, hold domain.Hold) (bool, error)
}

type Reaper struct {
	expirer   Expirer
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

func New(expirer Expirer, interval time.Duration, batchSize int, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{expirer: expirer, interval: interval, batchSize: batchSize, logger: logger}
}

// Run sweeps on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", zap.Duration("interval", r.interval), zap.Int("batch_size", r.batchSize))
	for {
		select {
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Warn("sweep stopped early", zap.Int("expired", n), zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("expired stale holds", zap.Int("expired", n))
			}
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		}
	}
}

// Sweep expires stale holds batch by batch and returns how many it removed.
// A hold that fails to expire is logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		holds, err := r.expirer.StaleHolds(ctx, r.batchSize)
		if err != nil {
			return total, err
		}

		expired := 0
		for _, h := range holds {
			ok, err := r.expirer.ExpireHold(ctx, h)
			if err != nil {
				r.logger.Warn("failed to expire hold",
					zap.Int64("product_id", h.ProductID),
					zap.String("holder_id", h.HolderID),
					zap.Error(err))
				continue
			}
			if ok {
				expired++
				r.logger.Debug("hold expired",
					zap.Int64("product_id", h.ProductID),
					zap.String("holder_id", h.HolderID),
					zap.Int("quantity", h.Quantity))
			}
		}
		total += expired

		// a short batch is the last one; a batch with no progress would repeat forever
		if len(holds) < r.batchSize || expired == 0 {
			return total, ctx.Err()
		}
	}
}
