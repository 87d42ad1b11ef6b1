package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/safar/go-card-fulfillment/internal/database"
	"github.com/safar/go-card-fulfillment/internal/fulfillment"
	"github.com/shopspring/decimal"
)

type orderService interface {
	Fulfill(ctx context.Context, orderID string, paidAmount decimal.Decimal, tradeNo string) (fulfillment.Result, error)
	Resync(ctx context.Context, orderID string) (fulfillment.Result, error)
}

type handler struct {
	service orderService
	health  func(ctx context.Context) map[string]string
	product func(ctx context.Context, id int64) error
	stock   func(ctx context.Context, productID int64) (int, error)
}

type fulfillRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	TradeNo string          `json:"trade_no"`
}

type stockResponse struct {
	ProductID int64 `json:"product_id"`
	Available int   `json:"available"`
}

func newRouter(h *handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/health", h.handleHealth)
	r.Post("/orders/{orderID}/fulfill", h.handleFulfill)
	r.Post("/orders/{orderID}/resync", h.handleResync)
	r.Get("/products/{id}/stock", h.handleStock)

	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.health(r.Context())
	if stats["status"] != "up" {
		respondJSON(w, http.StatusServiceUnavailable, stats)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleFulfill is the manual entry point for a payment confirmed out of band.
// Without a trade number one is generated so the order still records a reference.
func (h *handler) handleFulfill(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req fulfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TradeNo == "" {
		req.TradeNo = "manual-" + uuid.NewString()
	}

	res, err := h.service.Fulfill(r.Context(), orderID, req.Amount, req.TradeNo)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *handler) handleResync(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Resync(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *handler) handleStock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid product ID")
		return
	}

	if err := h.product(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}

	n, err := h.stock(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, stockResponse{ProductID: id, Available: n})
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fulfillment.ErrNotFound), errors.Is(err, database.ErrProductNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fulfillment.ErrAmountMismatch):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("Request failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
