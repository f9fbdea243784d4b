// Package engine enforces the reservation rules: no product is ever held
// beyond its total stock, and every holder can move their own hold freely up
// to what the other holders left.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/availability"
	"github.com/fjod/go_cart/reservation-service/internal/clock"
	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/fjod/go_cart/reservation-service/internal/ledger"
	"github.com/fjod/go_cart/reservation-service/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// MaxHolderIDLength bounds the opaque holder token
	MaxHolderIDLength = 256

	DefaultHoldTTL   = 30 * time.Minute
	DefaultOpTimeout = 2 * time.Second

	tracerName = "github.com/fjod/go_cart/reservation-service/internal/engine"
)

type Engine struct {
	holds   store.HoldStore
	catalog ledger.Ledger

	clock     clock.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	holdTTL   time.Duration
	opTimeout time.Duration
}

type Option func(*Engine)

// WithHoldTTL sets how long a hold survives without being touched.
// Zero disables expiry.
func WithHoldTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.holdTTL = d
		}
	}
}

func WithOpTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.opTimeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func New(holds store.HoldStore, catalog ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		holds:     holds,
		catalog:   catalog,
		clock:     clock.NewSystem(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		holdTTL:   DefaultHoldTTL,
		opTimeout: DefaultOpTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) HoldTTL() time.Duration {
	return e.holdTTL
}

// Reserve sets holderID's hold on productID to exactly quantity.
// A request the stock cannot cover is reported in the Result, not as an error.
func (e *Engine) Reserve(ctx context.Context, productID int64, holderID string, quantity int) (res domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "Reserve",
		attribute.Int64("product.id", productID),
		attribute.String("holder.id", holderID),
		attribute.Int("quantity", quantity))
	defer func() { finishSpan(span, res, err) }()

	if err := validate(productID, holderID); err != nil {
		return domain.Result{}, err
	}
	if quantity < 0 {
		return domain.Result{}, fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidRequest)
	}
	if quantity == 0 {
		res, err = e.release(ctx, productID, holderID, nil)
		return res, e.fail("reserve", productID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	product, err := e.catalog.Product(ctx, productID)
	if err != nil {
		return domain.Result{}, e.fail("reserve", productID, err)
	}

	err = e.holds.WithProductLock(ctx, productID, func(ctx context.Context) error {
		now := e.clock.Now()
		holds, err := e.liveHolds(ctx, productID, holderID, now)
		if err != nil {
			return err
		}

		own, _ := availability.Own(holds, holderID)
		limit := availability.Cap(product.TotalStock, holds, holderID)

		// shrinking or keeping a hold never raises the total held
		if quantity > own.Quantity {
			if !product.Active {
				res = domain.Result{ProductID: productID, Held: own.Quantity, Reason: domain.ReasonInactive}
				return nil
			}
			if quantity > limit {
				res = domain.Result{
					ProductID:       productID,
					ActualAvailable: max(limit, 0),
					Held:            own.Quantity,
					Reason:          domain.ReasonInsufficientStock,
				}
				return nil
			}
		}

		hold := domain.Hold{ProductID: productID, HolderID: holderID, Quantity: quantity, TouchedAt: now}
		if err := e.holds.UpsertHold(ctx, hold); err != nil {
			return err
		}
		res = domain.Result{
			ProductID:       productID,
			Success:         true,
			ActualAvailable: free(product, limit-quantity),
			Held:            quantity,
		}
		return nil
	})
	if err != nil {
		return domain.Result{}, e.fail("reserve", productID, err)
	}

	if res.Success {
		e.logger.Debug("hold set",
			zap.Int64("product_id", productID),
			zap.String("holder_id", holderID),
			zap.Int("quantity", quantity),
			zap.Int("available", res.ActualAvailable))
	} else {
		e.logger.Debug("reservation denied",
			zap.Int64("product_id", productID),
			zap.String("holder_id", holderID),
			zap.Int("requested", quantity),
			zap.String("reason", string(res.Reason)),
			zap.Int("available", res.ActualAvailable))
	}
	return res, nil
}

// Release drops holderID's hold on productID entirely when quantity is nil,
// otherwise decrements it by *quantity with a floor of zero. Releasing a hold
// that does not exist succeeds.
func (e *Engine) Release(ctx context.Context, productID int64, holderID string, quantity *int) (res domain.Result, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int64("product.id", productID),
		attribute.String("holder.id", holderID),
	}
	if quantity != nil {
		attrs = append(attrs, attribute.Int("quantity", *quantity))
	}
	ctx, span := e.startSpan(ctx, "Release", attrs...)
	defer func() { finishSpan(span, res, err) }()

	if err := validate(productID, holderID); err != nil {
		return domain.Result{}, err
	}
	if quantity != nil && *quantity < 0 {
		return domain.Result{}, fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidRequest)
	}

	res, err = e.release(ctx, productID, holderID, quantity)
	return res, e.fail("release", productID, err)
}

func (e *Engine) release(ctx context.Context, productID int64, holderID string, quantity *int) (domain.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	product, err := e.catalog.Product(ctx, productID)
	if errors.Is(err, domain.ErrProductNotFound) {
		// a product gone from the catalog must not pin holds forever
		product = domain.Product{ID: productID}
	} else if err != nil {
		return domain.Result{}, err
	}

	var res domain.Result
	err = e.holds.WithProductLock(ctx, productID, func(ctx context.Context) error {
		now := e.clock.Now()
		holds, err := e.liveHolds(ctx, productID, holderID, now)
		if err != nil {
			return err
		}

		own, ok := availability.Own(holds, holderID)
		remaining := 0
		if quantity != nil {
			remaining = max(own.Quantity-*quantity, 0)
		}

		if ok && remaining != own.Quantity {
			hold := domain.Hold{ProductID: productID, HolderID: holderID, Quantity: remaining, TouchedAt: now}
			if err := e.holds.UpsertHold(ctx, hold); err != nil {
				return err
			}
		}

		held := availability.Held(holds) - own.Quantity + remaining
		res = domain.Result{
			ProductID:       productID,
			Success:         true,
			ActualAvailable: free(product, product.TotalStock-held),
			Held:            remaining,
		}
		return nil
	})
	if err != nil {
		return domain.Result{}, err
	}

	e.logger.Debug("hold released",
		zap.Int64("product_id", productID),
		zap.String("holder_id", holderID),
		zap.Int("remaining", res.Held))
	return res, nil
}

// Check reports what is free on productID and how much holderID holds.
// It never writes; stale holds of other holders are simply not counted.
func (e *Engine) Check(ctx context.Context, productID int64, holderID string) (res domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "Check",
		attribute.Int64("product.id", productID),
		attribute.String("holder.id", holderID))
	defer func() { finishSpan(span, res, err) }()

	if err := validate(productID, holderID); err != nil {
		return domain.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	product, err := e.catalog.Product(ctx, productID)
	if err != nil {
		return domain.Result{}, e.fail("check", productID, err)
	}

	holds, err := e.holds.ListByProduct(ctx, productID)
	if err != nil {
		return domain.Result{}, e.fail("check", productID, err)
	}
	live, _ := availability.Split(holds, holderID, e.holdTTL, e.clock.Now())
	own, _ := availability.Own(live, holderID)

	res = domain.Result{
		ProductID:       productID,
		Success:         product.Active,
		ActualAvailable: free(product, product.TotalStock-availability.Held(live)),
		Held:            own.Quantity,
	}
	if !product.Active {
		res.Reason = domain.ReasonInactive
	}
	return res, nil
}

// ReleaseAll releases every hold owned by holderID. Products are released
// independently; failures are joined and the successful releases are kept.
func (e *Engine) ReleaseAll(ctx context.Context, holderID string) (results []domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "ReleaseAll", attribute.String("holder.id", holderID))
	defer func() { finishBatchSpan(span, len(results), err) }()

	if err := validateHolder(holderID); err != nil {
		return nil, err
	}

	owned, err := e.ownedProducts(ctx, holderID)
	if err != nil {
		return nil, e.fail("release all", 0, err)
	}

	results, err = e.releaseEach(ctx, holderID, owned)
	e.logger.Info("released holder",
		zap.String("holder_id", holderID),
		zap.Int("products", len(results)))
	return results, err
}

// ReleaseProducts releases holderID's holds on the given products. It is the
// hook an order commit uses once the purchased units leave the ledger.
func (e *Engine) ReleaseProducts(ctx context.Context, holderID string, productIDs []int64) (results []domain.Result, err error) {
	ctx, span := e.startSpan(ctx, "ReleaseProducts",
		attribute.String("holder.id", holderID),
		attribute.Int64Slice("product.ids", productIDs))
	defer func() { finishBatchSpan(span, len(results), err) }()

	if err := validateHolder(holderID); err != nil {
		return nil, err
	}
	if len(productIDs) == 0 {
		return nil, fmt.Errorf("%w: no products given", domain.ErrInvalidRequest)
	}

	seen := make(map[int64]struct{}, len(productIDs))
	unique := make([]int64, 0, len(productIDs))
	for _, id := range productIDs {
		if id <= 0 {
			return nil, fmt.Errorf("%w: product id must be positive", domain.ErrInvalidRequest)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	return e.releaseEach(ctx, holderID, unique)
}

func (e *Engine) releaseEach(ctx context.Context, holderID string, productIDs []int64) ([]domain.Result, error) {
	results := make([]domain.Result, 0, len(productIDs))
	var errs []error
	for _, productID := range productIDs {
		res, err := e.release(ctx, productID, holderID, nil)
		if err != nil {
			errs = append(errs, e.fail("release", productID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Touch refreshes every hold of holderID without changing quantities and
// returns how many holds it refreshed.
func (e *Engine) Touch(ctx context.Context, holderID string) (touched int, err error) {
	ctx, span := e.startSpan(ctx, "Touch", attribute.String("holder.id", holderID))
	defer func() { finishBatchSpan(span, touched, err) }()

	if err := validateHolder(holderID); err != nil {
		return 0, err
	}

	owned, err := e.ownedProducts(ctx, holderID)
	if err != nil {
		return 0, e.fail("touch", 0, err)
	}

	var errs []error
	for _, productID := range owned {
		ok, err := e.touch(ctx, productID, holderID)
		if err != nil {
			errs = append(errs, e.fail("touch", productID, err))
			continue
		}
		if ok {
			touched++
		}
	}
	return touched, errors.Join(errs...)
}

func (e *Engine) touch(ctx context.Context, productID int64, holderID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	var touched bool
	err := e.holds.WithProductLock(ctx, productID, func(ctx context.Context) error {
		hold, ok, err := e.holds.GetHold(ctx, productID, holderID)
		if err != nil || !ok {
			return err
		}
		hold.TouchedAt = e.clock.Now()
		touched = true
		return e.holds.UpsertHold(ctx, hold)
	})
	return touched, err
}

// StaleHolds lists up to limit holds untouched for longer than the hold TTL,
// oldest first.
func (e *Engine) StaleHolds(ctx context.Context, limit int) ([]domain.Hold, error) {
	if e.holdTTL <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	holds, err := e.holds.ListStale(ctx, e.clock.Now().Add(-e.holdTTL), limit)
	if err != nil {
		return nil, e.fail("list stale", 0, err)
	}
	return holds, nil
}

// ExpireHold deletes hold if it is still stale once the product lock is held.
// A hold touched after it was listed survives.
func (e *Engine) ExpireHold(ctx context.Context, hold domain.Hold) (expired bool, err error) {
	ctx, span := e.startSpan(ctx, "ExpireHold",
		attribute.Int64("product.id", hold.ProductID),
		attribute.String("holder.id", hold.HolderID))
	defer func() {
		span.SetAttributes(attribute.Bool("expired", expired))
		finishBatchSpan(span, 0, err)
	}()

	if e.holdTTL <= 0 {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	err = e.holds.WithProductLock(ctx, hold.ProductID, func(ctx context.Context) error {
		current, ok, err := e.holds.GetHold(ctx, hold.ProductID, hold.HolderID)
		if err != nil || !ok {
			return err
		}
		if !current.IsStale(e.clock.Now(), e.holdTTL) {
			return nil
		}
		current.Quantity = 0
		if err := e.holds.UpsertHold(ctx, current); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, e.fail("expire", hold.ProductID, err)
	}
	return expired, nil
}

// liveHolds lists the product's holds and deletes those of other holders
// that went stale. Must run under the product lock.
func (e *Engine) liveHolds(ctx context.Context, productID int64, holderID string, now time.Time) ([]domain.Hold, error) {
	holds, err := e.holds.ListByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	live, stale := availability.Split(holds, holderID, e.holdTTL, now)
	for _, h := range stale {
		h.Quantity = 0
		if err := e.holds.UpsertHold(ctx, h); err != nil {
			return nil, err
		}
		e.logger.Info("expired stale hold",
			zap.Int64("product_id", h.ProductID),
			zap.String("holder_id", h.HolderID),
			zap.Time("touched_at", h.TouchedAt))
	}
	return live, nil
}

func (e *Engine) ownedProducts(ctx context.Context, holderID string) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	holds, err := e.holds.ListByHolder(ctx, holderID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(holds))
	for i, h := range holds {
		ids[i] = h.ProductID
	}
	return ids, nil
}

// fail classifies err for callers: validation and lookup errors pass through,
// anything else means the store could not be trusted for this call.
func (e *Engine) fail(op string, productID int64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, domain.ErrProductNotFound) {
		return err
	}

	e.logger.Warn("reservation operation failed",
		zap.String("op", op),
		zap.Int64("product_id", productID),
		zap.Error(err))

	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

// free clamps a free-unit figure to the product's stock. Inactive products
// offer nothing.
func free(product domain.Product, n int) int {
	if !product.Active {
		return 0
	}
	return min(max(n, 0), product.TotalStock)
}

func validate(productID int64, holderID string) error {
	if productID <= 0 {
		return fmt.Errorf("%w: product id must be positive", domain.ErrInvalidRequest)
	}
	return validateHolder(holderID)
}

func validateHolder(holderID string) error {
	if holderID == "" {
		return fmt.Errorf("%w: holder id is required", domain.ErrInvalidRequest)
	}
	if len(holderID) > MaxHolderIDLength {
		return fmt.Errorf("%w: holder id longer than %d bytes", domain.ErrInvalidRequest, MaxHolderIDLength)
	}
	return nil
}

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, res domain.Result, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.Bool("success", res.Success),
			attribute.Int("actual_available", res.ActualAvailable),
			attribute.String("reason", string(res.Reason)))
	}
	span.End()
}

func finishBatchSpan(span trace.Span, n int, err error) {
	span.SetAttributes(attribute.Int("count", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
