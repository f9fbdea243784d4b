package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/fjod/go_cart/reservation-service/internal/engine"
	"github.com/fjod/go_cart/reservation-service/internal/ledger"
	"github.com/fjod/go_cart/reservation-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type EngineMock struct {
	result  domain.Result
	results []domain.Result
	touched int
	err     error

	gotProductID  int64
	gotHolderID   string
	gotQuantity   *int
	gotProductIDs []int64
}

func (m *EngineMock) Reserve(_ context.Context, productID int64, holderID string, quantity int) (domain.Result, error) {
	m.gotProductID, m.gotHolderID, m.gotQuantity = productID, holderID, &quantity
	return m.result, m.err
}

func (m *EngineMock) Release(_ context.Context, productID int64, holderID string, quantity *int) (domain.Result, error) {
	m.gotProductID, m.gotHolderID, m.gotQuantity = productID, holderID, quantity
	return m.result, m.err
}

func (m *EngineMock) Check(_ context.Context, productID int64, holderID string) (domain.Result, error) {
	m.gotProductID, m.gotHolderID = productID, holderID
	return m.result, m.err
}

func (m *EngineMock) ReleaseAll(_ context.Context, holderID string) ([]domain.Result, error) {
	m.gotHolderID = holderID
	return m.results, m.err
}

func (m *EngineMock) ReleaseProducts(_ context.Context, holderID string, productIDs []int64) ([]domain.Result, error) {
	m.gotHolderID, m.gotProductIDs = holderID, productIDs
	return m.results, m.err
}

func (m *EngineMock) Touch(_ context.Context, holderID string) (int, error) {
	m.gotHolderID = holderID
	return m.touched, m.err
}

func newTestRouter(e ReservationEngine) http.Handler {
	return NewRouter(NewReservationHandler(e, zap.NewNop()), zap.NewNop(), 5*time.Second)
}

func doRequest(t *testing.T, h http.Handler, method, path, holder string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if holder != "" {
		req.Header.Set(HolderIDHeader, holder)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) ResultDTO {
	t.Helper()
	var dto ResultDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto))
	return dto
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, newTestRouter(&EngineMock{}), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReserve_Success(t *testing.T) {
	mock := &EngineMock{result: domain.Result{ProductID: 3, Success: true, ActualAvailable: 7, Held: 3}}

	rec := doRequest(t, newTestRouter(mock), http.MethodPut, "/api/v1/products/3/hold", "h1", map[string]int{"quantity": 3})

	assert.Equal(t, http.StatusOK, rec.Code)
	dto := decodeResult(t, rec)
	assert.True(t, dto.Success)
	assert.Equal(t, 7, dto.ActualAvailable)
	assert.Empty(t, dto.Reason)

	assert.Equal(t, int64(3), mock.gotProductID)
	assert.Equal(t, "h1", mock.gotHolderID)
	require.NotNil(t, mock.gotQuantity)
	assert.Equal(t, 3, *mock.gotQuantity)
}

func TestReserve_DeniedIsConflictWithData(t *testing.T) {
	mock := &EngineMock{result: domain.Result{ProductID: 3, ActualAvailable: 2, Reason: domain.ReasonInsufficientStock}}

	rec := doRequest(t, newTestRouter(mock), http.MethodPut, "/api/v1/products/3/hold", "h1", map[string]int{"quantity": 5})

	assert.Equal(t, http.StatusConflict, rec.Code)
	dto := decodeResult(t, rec)
	assert.False(t, dto.Success)
	assert.Equal(t, 2, dto.ActualAvailable)
	assert.Equal(t, "insufficient_stock", dto.Reason)
}

func TestReserve_BadInput(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		holder string
		body   any
		code   string
	}{
		{"missing holder", "/api/v1/products/1/hold", "", map[string]int{"quantity": 1}, "missing_holder_id"},
		{"bad product id", "/api/v1/products/abc/hold", "h1", map[string]int{"quantity": 1}, "invalid_product_id"},
		{"zero product id", "/api/v1/products/0/hold", "h1", map[string]int{"quantity": 1}, "invalid_product_id"},
		{"missing quantity", "/api/v1/products/1/hold", "h1", map[string]int{}, "invalid_quantity"},
		{"not json", "/api/v1/products/1/hold", "h1", "quantity", "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &EngineMock{}
			rec := doRequest(t, newTestRouter(mock), http.MethodPut, tt.path, tt.holder, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.Zero(t, mock.gotProductID, "engine must not be called")
		})
	}
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: quantity must not be negative", domain.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{domain.ErrProductNotFound, http.StatusNotFound, "product_not_found"},
		{fmt.Errorf("reserve: %w: %w", domain.ErrStoreUnavailable, context.DeadlineExceeded), http.StatusServiceUnavailable, "store_unavailable"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := doRequest(t, newTestRouter(&EngineMock{err: tt.err}), http.MethodGet, "/api/v1/products/1/availability", "h1", nil)

			assert.Equal(t, tt.status, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestRelease_QuantityQuery(t *testing.T) {
	mock := &EngineMock{result: domain.Result{ProductID: 1, Success: true, ActualAvailable: 9}}
	router := newTestRouter(mock)

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/products/1/hold?quantity=2", "h1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, mock.gotQuantity)
	assert.Equal(t, 2, *mock.gotQuantity)

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/products/1/hold", "h1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, mock.gotQuantity)

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/products/1/hold?quantity=-1", "h1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReleaseAllTouchCommit(t *testing.T) {
	mock := &EngineMock{
		results: []domain.Result{{ProductID: 1, Success: true, ActualAvailable: 10}},
		touched: 4,
	}
	router := newTestRouter(mock)

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/holds", "h9", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var results ResultsDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
	require.Len(t, results.Results, 1)
	assert.Equal(t, "h9", mock.gotHolderID)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/holds/touch", "h9", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var touched TouchResponseDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&touched))
	assert.Equal(t, 4, touched.Touched)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/holds/commit", "h9", map[string][]int64{"product_ids": {1, 2}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1, 2}, mock.gotProductIDs)
}

func TestReleaseAll_PartialFailureKeepsResults(t *testing.T) {
	mock := &EngineMock{
		results: []domain.Result{{ProductID: 1, Success: true, ActualAvailable: 10}},
		err:     fmt.Errorf("release: %w", domain.ErrStoreUnavailable),
	}
	router := newTestRouter(mock)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodDelete, "/api/v1/holds", nil},
		{http.MethodPost, "/api/v1/holds/commit", map[string][]int64{"product_ids": {1, 2}}},
	} {
		rec := doRequest(t, router, tc.method, tc.path, "h9", tc.body)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)

		var results ResultsDTO
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
		require.Len(t, results.Results, 1, tc.path)
		assert.Equal(t, int64(1), results.Results[0].ProductID)
		assert.Equal(t, "store_unavailable", results.Code)
		assert.NotEmpty(t, results.Error)
	}
}

func TestReleaseAll_TotalFailure(t *testing.T) {
	mock := &EngineMock{err: fmt.Errorf("release: %w", domain.ErrStoreUnavailable)}

	rec := doRequest(t, newTestRouter(mock), http.MethodDelete, "/api/v1/holds", "h9", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "store_unavailable", body.Code)
}

func TestRouter_WithEngine(t *testing.T) {
	e := engine.New(store.NewMemoryStore(), ledger.NewStaticLedgerFromStock(map[int64]int{1: 1}))
	router := newTestRouter(e)

	rec := doRequest(t, router, http.MethodPut, "/api/v1/products/1/hold", "h1", map[string]int{"quantity": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeResult(t, rec).ActualAvailable)

	rec = doRequest(t, router, http.MethodPut, "/api/v1/products/1/hold", "h2", map[string]int{"quantity": 1})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", decodeResult(t, rec).Reason)

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/holds", "h1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/products/1/availability", "h2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeResult(t, rec).ActualAvailable)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/products/77/availability", "h2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
