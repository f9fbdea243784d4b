// Package availability computes how much of a product's stock is free given
// the holds recorded against it. Everything here is pure; callers are
// responsible for running it inside the product's critical section.
package availability

import (
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
)

// Held sums the quantity of all holds.
func Held(holds []domain.Hold) int {
	total := 0
	for _, h := range holds {
		total += h.Quantity
	}
	return total
}

// Available is total stock minus every outstanding hold, floored at zero.
// The floor only matters when the ledger shrank beneath existing holds.
func Available(total int, holds []domain.Hold) int {
	available := total - Held(holds)
	if available < 0 {
		return 0
	}
	return available
}

// Cap is the largest hold holderID may have: total stock minus what every
// other holder holds. It is not floored; a negative cap means the holder can
// only shrink their hold.
func Cap(total int, holds []domain.Hold, holderID string) int {
	others := 0
	for _, h := range holds {
		if h.HolderID != holderID {
			others += h.Quantity
		}
	}
	return total - others
}

// Own returns holderID's hold among holds, or a zero-quantity hold.
func Own(holds []domain.Hold, holderID string) (domain.Hold, bool) {
	for _, h := range holds {
		if h.HolderID == holderID {
			return h, true
		}
	}
	return domain.Hold{}, false
}

// Split separates holds still inside their ttl from those past it.
// Holds owned by keep are never reported stale: the caller is acting on them.
func Split(holds []domain.Hold, keep string, ttl time.Duration, now time.Time) (live, stale []domain.Hold) {
	live = make([]domain.Hold, 0, len(holds))
	for _, h := range holds {
		if ttl > 0 && h.HolderID != keep && h.IsStale(now, ttl) {
			stale = append(stale, h)
			continue
		}
		live = append(live, h)
	}
	return live, stale
}
