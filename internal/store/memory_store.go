package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
)

// lockStripes bounds the number of product locks; products sharing a stripe
// are serialized together, which is safe because the engine never nests locks.
const lockStripes = 256

// MemoryStore implements HoldStore with in-memory storage
type MemoryStore struct {
	mu       sync.RWMutex
	holds    map[int64]map[string]domain.Hold // productID -> holderID -> hold
	byHolder map[string]map[int64]struct{}    // holderID -> productIDs

	stripes [lockStripes]chan struct{}
}

// NewMemoryStore creates a new in-memory hold store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		holds:    make(map[int64]map[string]domain.Hold),
		byHolder: make(map[string]map[int64]struct{}),
	}
	for i := range s.stripes {
		s.stripes[i] = make(chan struct{}, 1)
	}
	return s
}

func (s *MemoryStore) stripe(productID int64) chan struct{} {
	idx := productID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	return s.stripes[idx]
}

// WithProductLock serializes fn against every other call for the same product.
// Waiting for the lock gives up when ctx is done.
func (s *MemoryStore) WithProductLock(ctx context.Context, productID int64, fn func(ctx context.Context) error) error {
	sem := s.stripe(productID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	return fn(ctx)
}

// GetHold returns the hold for the pair
func (s *MemoryStore) GetHold(_ context.Context, productID int64, holderID string) (domain.Hold, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holds[productID][holderID]
	return h, ok, nil
}

// UpsertHold stores the hold or removes it at zero quantity
func (s *MemoryStore) UpsertHold(_ context.Context, hold domain.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hold.Quantity <= 0 {
		s.delete(hold.ProductID, hold.HolderID)
		return nil
	}

	byProduct, ok := s.holds[hold.ProductID]
	if !ok {
		byProduct = make(map[string]domain.Hold)
		s.holds[hold.ProductID] = byProduct
	}
	byProduct[hold.HolderID] = hold

	products, ok := s.byHolder[hold.HolderID]
	if !ok {
		products = make(map[int64]struct{})
		s.byHolder[hold.HolderID] = products
	}
	products[hold.ProductID] = struct{}{}
	return nil
}

// delete must be called with mu held
func (s *MemoryStore) delete(productID int64, holderID string) {
	if byProduct, ok := s.holds[productID]; ok {
		delete(byProduct, holderID)
		if len(byProduct) == 0 {
			delete(s.holds, productID)
		}
	}
	if products, ok := s.byHolder[holderID]; ok {
		delete(products, productID)
		if len(products) == 0 {
			delete(s.byHolder, holderID)
		}
	}
}

// ListByProduct returns all holds on a product
func (s *MemoryStore) ListByProduct(_ context.Context, productID int64) ([]domain.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Hold, 0, len(s.holds[productID]))
	for _, h := range s.holds[productID] {
		result = append(result, h)
	}
	return result, nil
}

// ListByHolder returns all holds owned by a holder
func (s *MemoryStore) ListByHolder(_ context.Context, holderID string) ([]domain.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Hold, 0, len(s.byHolder[holderID]))
	for productID := range s.byHolder[holderID] {
		result = append(result, s.holds[productID][holderID])
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

// ListStale returns the oldest holds touched before the cutoff
func (s *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]domain.Hold, error) {
	s.mu.RLock()
	var result []domain.Hold
	for _, byProduct := range s.holds {
		for _, h := range byProduct {
			if h.TouchedAt.Before(before) {
				result = append(result, h)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].TouchedAt.Before(result[j].TouchedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
