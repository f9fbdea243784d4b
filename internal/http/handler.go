package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ReservationEngine is what the handlers need from the engine
type ReservationEngine interface {
	Reserve(ctx context.Context, productID int64, holderID string, quantity int) (domain.Result, error)
	Release(ctx context.Context, productID int64, holderID string, quantity *int) (domain.Result, error)
	Check(ctx context.Context, productID int64, holderID string) (domain.Result, error)
	ReleaseAll(ctx context.Context, holderID string) ([]domain.Result, error)
	ReleaseProducts(ctx context.Context, holderID string, productIDs []int64) ([]domain.Result, error)
	Touch(ctx context.Context, holderID string) (int, error)
}

type ReservationHandler struct {
	engine ReservationEngine
	logger *zap.Logger
}

func NewReservationHandler(engine ReservationEngine, logger *zap.Logger) *ReservationHandler {
	return &ReservationHandler{engine: engine, logger: logger}
}

type ReserveRequestDTO struct {
	Quantity *int `json:"quantity"`
}

type CommitRequestDTO struct {
	ProductIDs []int64 `json:"product_ids"`
}

type ResultDTO struct {
	ProductID       int64  `json:"product_id"`
	Success         bool   `json:"success"`
	ActualAvailable int    `json:"actual_available"`
	Held            int    `json:"held"`
	Reason          string `json:"reason,omitempty"`
}

// ResultsDTO carries Error and Code when some products failed; Results then
// lists only the releases that took effect.
type ResultsDTO struct {
	Results []ResultDTO `json:"results"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

type TouchResponseDTO struct {
	Touched int `json:"touched"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func toDTO(res domain.Result) ResultDTO {
	return ResultDTO{
		ProductID:       res.ProductID,
		Success:         res.Success,
		ActualAvailable: res.ActualAvailable,
		Held:            res.Held,
		Reason:          string(res.Reason),
	}
}

func toDTOs(results []domain.Result) ResultsDTO {
	dtos := make([]ResultDTO, len(results))
	for i, res := range results {
		dtos[i] = toDTO(res)
	}
	return ResultsDTO{Results: dtos}
}

// Check handles GET /api/v1/products/{product_id}/availability
func (h *ReservationHandler) Check(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDFromPath(w, r)
	if !ok {
		return
	}

	res, err := h.engine.Check(r.Context(), productID, HolderID(r.Context()))
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, toDTO(res))
}

// Reserve handles PUT /api/v1/products/{product_id}/hold
func (h *ReservationHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDFromPath(w, r)
	if !ok {
		return
	}

	var req ReserveRequestDTO
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Quantity == nil {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity is required")
		return
	}

	res, err := h.engine.Reserve(r.Context(), productID, HolderID(r.Context()), *req.Quantity)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	respondJSON(w, status, toDTO(res))
}

// Release handles DELETE /api/v1/products/{product_id}/hold[?quantity=n]
func (h *ReservationHandler) Release(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDFromPath(w, r)
	if !ok {
		return
	}

	var quantity *int
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil || q < 0 {
			respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be a non-negative integer")
			return
		}
		quantity = &q
	}

	res, err := h.engine.Release(r.Context(), productID, HolderID(r.Context()), quantity)
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, toDTO(res))
}

// ReleaseAll handles DELETE /api/v1/holds
func (h *ReservationHandler) ReleaseAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.engine.ReleaseAll(r.Context(), HolderID(r.Context()))
	h.respondBatch(w, results, err)
}

// Touch handles POST /api/v1/holds/touch
func (h *ReservationHandler) Touch(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Touch(r.Context(), HolderID(r.Context()))
	if err != nil {
		h.handleEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, TouchResponseDTO{Touched: n})
}

// Commit handles POST /api/v1/holds/commit
func (h *ReservationHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequestDTO
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	results, err := h.engine.ReleaseProducts(r.Context(), HolderID(r.Context()), req.ProductIDs)
	h.respondBatch(w, results, err)
}

func productIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return 0, false
	}
	return productID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// respondBatch writes the releases that took effect even when others failed,
// under the status of the failure.
func (h *ReservationHandler) respondBatch(w http.ResponseWriter, results []domain.Result, err error) {
	if err == nil {
		respondJSON(w, http.StatusOK, toDTOs(results))
		return
	}
	if len(results) == 0 {
		h.handleEngineError(w, err)
		return
	}

	status, code, message := h.classifyError(err)
	body := toDTOs(results)
	body.Error, body.Code = message, code
	respondJSON(w, status, body)
}

func (h *ReservationHandler) handleEngineError(w http.ResponseWriter, err error) {
	status, code, message := h.classifyError(err)
	respondError(w, status, code, message)
}

func (h *ReservationHandler) classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found", err.Error()
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "reservation store unavailable, try again"
	default:
		h.logger.Error("unexpected engine error", zap.Error(err))
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
