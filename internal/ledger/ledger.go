// Package ledger reads product stock from the catalog. The reservation
// service never writes to it.
package ledger

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Ledger is the read-only source of total stock and product status
type Ledger interface {
	// Product returns domain.ErrProductNotFound when the id is unknown
	Product(ctx context.Context, productID int64) (domain.Product, error)
	Close() error
}

// StaticLedger serves products from memory. Used for local runs and tests.
type StaticLedger struct {
	mu       sync.RWMutex
	products map[int64]domain.Product
}

func NewStaticLedger(products ...domain.Product) *StaticLedger {
	l := &StaticLedger{products: make(map[int64]domain.Product, len(products))}
	for _, p := range products {
		l.products[p.ID] = p
	}
	return l
}

// NewStaticLedgerFromStock builds active products from an id -> quantity map
func NewStaticLedgerFromStock(stock map[int64]int) *StaticLedger {
	l := NewStaticLedger()
	for id, qty := range stock {
		l.products[id] = domain.Product{
			ID:         id,
			Name:       "product-" + strconv.FormatInt(id, 10),
			TotalStock: qty,
			Active:     true,
		}
	}
	return l
}

func (l *StaticLedger) Product(_ context.Context, productID int64) (domain.Product, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

// Set replaces a product. It stands in for the order creator committing
// stock in tests and local runs.
func (l *StaticLedger) Set(p domain.Product) {
	l.mu.Lock()
	l.products[p.ID] = p
	l.mu.Unlock()
}

func (l *StaticLedger) Close() error {
	return nil
}

// DefaultFlightTimeout bounds a shared backend read when no timeout is given
const DefaultFlightTimeout = 5 * time.Second

// Coalescing collapses concurrent reads of the same product into one backend
// call. Nothing is cached past the in-flight call, so a committed order is
// visible to the very next read.
type Coalescing struct {
	inner   Ledger
	timeout time.Duration
	sfg     singleflight.Group
}

// NewCoalescing wraps inner. Each shared read runs detached from the callers'
// cancellation and is bounded by timeout instead.
func NewCoalescing(inner Ledger, timeout time.Duration) *Coalescing {
	if timeout <= 0 {
		timeout = DefaultFlightTimeout
	}
	return &Coalescing{inner: inner, timeout: timeout}
}

// Product waits for the shared read or for its own ctx, whichever ends first.
// A caller giving up does not fail the others waiting on the same read.
func (c *Coalescing) Product(ctx context.Context, productID int64) (domain.Product, error) {
	key := strconv.FormatInt(productID, 10)
	ch := c.sfg.DoChan(key, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.inner.Product(flightCtx, productID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Product{}, res.Err
		}
		return res.Val.(domain.Product), nil
	case <-ctx.Done():
		return domain.Product{}, ctx.Err()
	}
}

func (c *Coalescing) Close() error {
	return c.inner.Close()
}
