package store

import (
	"context"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
)

// HoldStore is the bookkeeping layer for holds, keyed by (productID, holderID).
// It applies no business rules; the engine decides what to write.
type HoldStore interface {
	// WithProductLock runs fn inside the critical section for productID.
	// Store calls made with the ctx handed to fn are part of that section.
	WithProductLock(ctx context.Context, productID int64, fn func(ctx context.Context) error) error

	// GetHold returns the hold for the pair and whether it exists
	GetHold(ctx context.Context, productID int64, holderID string) (domain.Hold, bool, error)

	// UpsertHold writes the hold, deleting it when Quantity is 0
	UpsertHold(ctx context.Context, hold domain.Hold) error

	// ListByProduct returns every hold recorded against productID
	ListByProduct(ctx context.Context, productID int64) ([]domain.Hold, error)

	// ListByHolder returns every hold owned by holderID
	ListByHolder(ctx context.Context, holderID string) ([]domain.Hold, error)

	// ListStale returns up to limit holds last touched before the given time,
	// oldest first
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Hold, error)

	// Close releases connections and background resources
	Close() error
}
