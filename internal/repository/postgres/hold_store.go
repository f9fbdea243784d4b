package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/fjod/go_cart/reservation-service/internal/store"
)

// WithProductLock runs fn in a transaction holding the advisory lock for
// productID. The lock is released when the transaction ends.
func (r *Repository) WithProductLock(ctx context.Context, productID int64, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.db, func(txCtx context.Context) error {
		if _, err := r.conn(txCtx).ExecContext(txCtx, `SELECT pg_advisory_xact_lock($1)`, productID); err != nil {
			return fmt.Errorf("acquire product lock: %w", err)
		}
		return fn(txCtx)
	})
}

func (r *Repository) GetHold(ctx context.Context, productID int64, holderID string) (domain.Hold, bool, error) {
	const query = `
SELECT quantity, touched_at
FROM holds
WHERE product_id = $1 AND holder_id = $2`

	h := domain.Hold{ProductID: productID, HolderID: holderID}
	err := r.conn(ctx).QueryRowContext(ctx, query, productID, holderID).Scan(&h.Quantity, &h.TouchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Hold{}, false, nil
	}
	if err != nil {
		return domain.Hold{}, false, fmt.Errorf("get hold: %w", err)
	}
	h.TouchedAt = h.TouchedAt.UTC()
	return h, true, nil
}

func (r *Repository) UpsertHold(ctx context.Context, hold domain.Hold) error {
	if hold.Quantity <= 0 {
		const stmt = `DELETE FROM holds WHERE product_id = $1 AND holder_id = $2`
		if _, err := r.conn(ctx).ExecContext(ctx, stmt, hold.ProductID, hold.HolderID); err != nil {
			return fmt.Errorf("delete hold: %w", err)
		}
		return nil
	}

	const stmt = `
INSERT INTO holds (product_id, holder_id, quantity, touched_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (product_id, holder_id)
DO UPDATE SET quantity = EXCLUDED.quantity, touched_at = EXCLUDED.touched_at`

	if _, err := r.conn(ctx).ExecContext(ctx, stmt, hold.ProductID, hold.HolderID, hold.Quantity, hold.TouchedAt); err != nil {
		return fmt.Errorf("upsert hold: %w", err)
	}
	return nil
}

func (r *Repository) ListByProduct(ctx context.Context, productID int64) ([]domain.Hold, error) {
	const query = `
SELECT product_id, holder_id, quantity, touched_at
FROM holds
WHERE product_id = $1
ORDER BY holder_id`

	return r.queryHolds(ctx, query, productID)
}

func (r *Repository) ListByHolder(ctx context.Context, holderID string) ([]domain.Hold, error) {
	const query = `
SELECT product_id, holder_id, quantity, touched_at
FROM holds
WHERE holder_id = $1
ORDER BY product_id`

	return r.queryHolds(ctx, query, holderID)
}

func (r *Repository) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Hold, error) {
	const query = `
SELECT product_id, holder_id, quantity, touched_at
FROM holds
WHERE touched_at < $1
ORDER BY touched_at
LIMIT $2`

	// LIMIT NULL means no limit
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	return r.queryHolds(ctx, query, before, lim)
}

func (r *Repository) queryHolds(ctx context.Context, query string, args ...any) ([]domain.Hold, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query holds: %w", err)
	}
	defer rows.Close()

	holds := []domain.Hold{}
	for rows.Next() {
		var h domain.Hold
		if err := rows.Scan(&h.ProductID, &h.HolderID, &h.Quantity, &h.TouchedAt); err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		h.TouchedAt = h.TouchedAt.UTC()
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return holds, nil
}

var _ store.HoldStore = (*Repository)(nil)
