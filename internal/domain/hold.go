package domain

import "time"

// Hold is one holder's claim on a quantity of a product's stock.
// There is at most one Hold per (ProductID, HolderID) pair.
type Hold struct {
	ProductID int64
	HolderID  string
	Quantity  int
	TouchedAt time.Time
}

// IsStale reports whether more than ttl has passed since the hold was last touched.
func (h Hold) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(h.TouchedAt) > ttl
}

// Reason explains why an operation did not succeed.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInsufficientStock Reason = "insufficient_stock"
	ReasonInactive          Reason = "inactive"
)

// Result is returned by every reservation operation. A denied reservation is
// reported here with Success=false, never as an error.
type Result struct {
	ProductID       int64
	Success         bool
	ActualAvailable int
	Held            int
	Reason          Reason
}
