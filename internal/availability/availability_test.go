package availability

import (
	"testing"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func holds() []domain.Hold {
	return []domain.Hold{
		{ProductID: 1, HolderID: "a", Quantity: 3},
		{ProductID: 1, HolderID: "b", Quantity: 4},
	}
}

func TestAvailable(t *testing.T) {
	assert.Equal(t, 3, Available(10, holds()))
	assert.Equal(t, 10, Available(10, nil))
}

func TestAvailable_FloorsAtZero(t *testing.T) {
	// ledger decremented before the committed holds were released
	assert.Equal(t, 0, Available(5, holds()))
}

func TestCap_ExcludesOwnHold(t *testing.T) {
	assert.Equal(t, 6, Cap(10, holds(), "b"))
	assert.Equal(t, 7, Cap(10, holds(), "a"))
	assert.Equal(t, 3, Cap(10, holds(), "c"))
}

func TestCap_CanBeNegative(t *testing.T) {
	assert.Equal(t, -1, Cap(3, holds(), "a"))
}

func TestCap_SingleUnitLeft(t *testing.T) {
	hs := []domain.Hold{{HolderID: "a", Quantity: 9}}
	assert.Equal(t, 1, Cap(10, hs, "b"))
}

func TestOwn(t *testing.T) {
	h, ok := Own(holds(), "b")
	assert.True(t, ok)
	assert.Equal(t, 4, h.Quantity)

	_, ok = Own(holds(), "z")
	assert.False(t, ok)
}

func TestSplit(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	hs := []domain.Hold{
		{HolderID: "fresh", Quantity: 1, TouchedAt: now.Add(-time.Minute)},
		{HolderID: "old", Quantity: 2, TouchedAt: now.Add(-time.Hour)},
		{HolderID: "me", Quantity: 3, TouchedAt: now.Add(-time.Hour)},
	}

	live, stale := Split(hs, "me", 30*time.Minute, now)

	assert.Len(t, live, 2)
	assert.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].HolderID)
}

func TestSplit_ZeroTTLKeepsEverything(t *testing.T) {
	now := time.Now()
	hs := []domain.Hold{{HolderID: "old", TouchedAt: now.Add(-24 * time.Hour)}}

	live, stale := Split(hs, "", 0, now)

	assert.Len(t, live, 1)
	assert.Empty(t, stale)
}
