/*
handlers.go - HTTP API handlers for the loyalty engine

ENDPOINTS:
  Customers:
    POST   /api/customers                  Register customer (returns QR token)
    GET    /api/customers/{id}             Profile with stats
    GET    /api/customers/{id}/stats       Stats only
    GET    /api/customers/{id}/history     Recent purchases and rewards

  Merchants:
    POST   /api/merchants                  Register merchant
    POST   /api/merchants/{id}/scan        Look up a customer by QR token
    POST   /api/merchants/{id}/purchases   Record a purchase
    POST   /api/merchants/{id}/redemptions Redeem a reward

ERROR HANDLING:
  Engine error kinds map to statuses in writeEngineError:
  - 400: Invalid input, insufficient points (with currentPoints/needed)
  - 404: Unknown customer or merchant
  - 409: Duplicate email or idempotency key
  - 503: Storage unavailable, including an expired storage deadline
  - 500: Anything else

SECURITY NOTE:
  There is no authentication here. The merchant is taken from the URL;
  a gateway in front of this service is expected to authenticate it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loyalty-engine/identity"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *rewards.Engine
	Registry identity.Registry

	historyLimit int
	logger       *slog.Logger
}

// NewHandler creates a handler. historyLimit caps the history endpoint.
func NewHandler(engine *rewards.Engine, registry identity.Registry, historyLimit int, logger *slog.Logger) *Handler {
	if historyLimit <= 0 {
		historyLimit = ledger.DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:       engine,
		Registry:     registry,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// RegisterCustomer creates a customer with a fresh QR token.
func (h *Handler) RegisterCustomer(w http.ResponseWriter, r *http.Request) {
	var req RegisterCustomerRequest
	if !decode(w, r, &req) {
		return
	}

	customer, err := identity.NewCustomer(req.Name, req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "name and email are required", nil)
		return
	}
	if err := h.withStorageDeadline(r, "save customer", func(ctx context.Context) error {
		return h.Registry.SaveCustomer(ctx, customer)
	}); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCustomerDTO(customer, true))
}

// GetProfile returns the customer with their stats.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	customer, stats, err := h.Engine.Profile(r.Context(), ledger.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ProfileResponse{
		CustomerDTO: toCustomerDTO(customer, true),
		Stats:       toStatsDTO(stats),
	})
}

// GetStats returns only the stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.ComputeStats(r.Context(), ledger.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// GetHistory returns recent events, most recent first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := h.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, h.historyLimit)
	}

	entries, err := h.Engine.History(r.Context(), ledger.CustomerID(chi.URLParam(r, "id")), limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dtos := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toTransactionDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MERCHANT HANDLERS
// =============================================================================

// RegisterMerchant creates a merchant.
func (h *Handler) RegisterMerchant(w http.ResponseWriter, r *http.Request) {
	var req RegisterMerchantRequest
	if !decode(w, r, &req) {
		return
	}

	merchant, err := identity.NewMerchant(req.Name, req.Email, req.BusinessName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "name, email and business_name are required", nil)
		return
	}
	if err := h.withStorageDeadline(r, "save merchant", func(ctx context.Context) error {
		return h.Registry.SaveMerchant(ctx, merchant)
	}); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMerchantDTO(merchant))
}

// Scan resolves a QR token to a customer and their stats.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	if _, err := h.Engine.ResolveMerchant(r.Context(), merchantID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	var req ScanRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.QRCode) == "" {
		writeError(w, http.StatusBadRequest, "qr_code is required", nil)
		return
	}

	customer, stats, err := h.Engine.ComputeStatsByCredential(r.Context(), req.QRCode)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ScanResponse{
		User:  toCustomerDTO(customer, false),
		Stats: toStatsDTO(stats),
	})
}

// RecordPurchase adds one purchase for the customer at this merchant.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	result, err := h.Engine.RecordPurchaseWithKey(r.Context(), ledger.CustomerID(req.UserID), merchantID, req.IdempotencyKey)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PurchaseResponse{
		Message:       "purchase recorded",
		TransactionID: string(result.TransactionID),
		CanRedeem:     result.EligibleAfter,
	})
}

// Redeem takes one reward for the customer at this merchant.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := h.merchant(w, r)
	if !ok {
		return
	}
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	result, err := h.Engine.RedeemReward(r.Context(), ledger.CustomerID(req.UserID), merchantID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RedeemResponse{
		Message:       "reward redeemed",
		TransactionID: string(result.TransactionID),
	})
}

func (h *Handler) merchant(w http.ResponseWriter, r *http.Request) (ledger.MerchantID, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "merchant id is required", nil)
		return "", false
	}
	return ledger.MerchantID(id), true
}

// withStorageDeadline runs a Registry write under the engine's storage
// timeout. An expired deadline surfaces as ledger.ErrStorageUnavailable.
func (h *Handler) withStorageDeadline(r *http.Request, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(r.Context(), h.Engine.Policy().StorageTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ledger.ErrStorageUnavailable) {
		return ledger.Unavailable(op, err)
	}
	return err
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// writeEngineError maps error kinds to statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *rewards.InsufficientPointsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, InsufficientPointsResponse{
			Error:         "not enough points to redeem",
			CurrentPoints: insufficient.CurrentPoints,
			Needed:        insufficient.Needed,
		})
	case errors.Is(err, identity.ErrCustomerNotFound):
		writeError(w, http.StatusNotFound, "customer not found", nil)
	case errors.Is(err, identity.ErrMerchantNotFound):
		writeError(w, http.StatusNotFound, "merchant not found", nil)
	case errors.Is(err, identity.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already registered", nil)
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "purchase already recorded", nil)
	case errors.Is(err, ledger.ErrStorageUnavailable):
		h.logger.Error("storage unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, try again", nil)
	default:
		h.logger.Error("unhandled error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
