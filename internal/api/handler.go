package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tokenrent/rentledger/internal/custody"
	"github.com/tokenrent/rentledger/internal/domain"
	"github.com/tokenrent/rentledger/internal/ledger"
	"github.com/tokenrent/rentledger/internal/payment"
	"github.com/tokenrent/rentledger/internal/price"
	"github.com/tokenrent/rentledger/internal/store"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rentledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	svc *ledger.Service
}

func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) CreateListings(w http.ResponseWriter, r *http.Request) {
	var entries []domain.LendEntry
	key, hash, ok := h.readBatch(w, r, "/listings", &entries)
	if !ok {
		return
	}
	resp, existing, err := h.svc.Lend(r.Context(), callerFrom(r), entries, key, hash)
	h.finishMutation(w, "/listings", resp, existing, err)
}

func (h *Handler) CreateRentals(w http.ResponseWriter, r *http.Request) {
	var entries []domain.RentEntry
	key, hash, ok := h.readBatch(w, r, "/rentals", &entries)
	if !ok {
		return
	}
	resp, existing, err := h.svc.Rent(r.Context(), callerFrom(r), entries, key, hash)
	h.finishMutation(w, "/rentals", resp, existing, err)
}

func (h *Handler) CreateReturns(w http.ResponseWriter, r *http.Request) {
	var entries []domain.ListingRef
	key, hash, ok := h.readBatch(w, r, "/returns", &entries)
	if !ok {
		return
	}
	resp, existing, err := h.svc.Return(r.Context(), callerFrom(r), entries, key, hash)
	h.finishMutation(w, "/returns", resp, existing, err)
}

func (h *Handler) CreateClaims(w http.ResponseWriter, r *http.Request) {
	var entries []domain.ListingRef
	key, hash, ok := h.readBatch(w, r, "/claims", &entries)
	if !ok {
		return
	}
	resp, existing, err := h.svc.ClaimCollateral(r.Context(), callerFrom(r), entries, key, hash)
	h.finishMutation(w, "/claims", resp, existing, err)
}

func (h *Handler) CreateDelistings(w http.ResponseWriter, r *http.Request) {
	var entries []domain.ListingRef
	key, hash, ok := h.readBatch(w, r, "/delistings", &entries)
	if !ok {
		return
	}
	resp, existing, err := h.svc.StopLending(r.Context(), callerFrom(r), entries, key, hash)
	h.finishMutation(w, "/delistings", resp, existing, err)
}

func (h *Handler) CreateApproval(w http.ResponseWriter, r *http.Request) {
	var req domain.ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/approvals")
		return
	}
	if err := h.svc.Approve(r.Context(), callerFrom(r), req.PaymentToken, req.Amount); err != nil {
		code, msg := statusFor(err)
		h.respondError(w, code, msg, "POST", "/approvals")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "POST", "/approvals")
}

func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid listing id", "GET", "/listings/{id}")
		return
	}
	l, err := h.svc.GetListing(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrListingNotFound) {
			h.respondError(w, http.StatusNotFound, "Not Found", "GET", "/listings/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/listings/{id}")
		return
	}
	view := struct {
		domain.Listing
		DailyRentPriceDecimal  string `json:"daily_rent_price_decimal"`
		CollateralValueDecimal string `json:"collateral_value_decimal"`
	}{*l, l.DailyRentPrice.Decimal().String(), l.CollateralValue.Decimal().String()}
	h.respondJSON(w, http.StatusOK, view, "GET", "/listings/{id}")
}

func (h *Handler) GetFeeRate(w http.ResponseWriter, r *http.Request) {
	bps, err := h.svc.FeeRate(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/fee")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"fee_rate_bps": bps}, "GET", "/fee")
}

func (h *Handler) SetFeeRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeeRateBps int `json:"fee_rate_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "PUT", "/fee")
		return
	}
	if err := h.svc.SetFeeRate(r.Context(), callerFrom(r), req.FeeRateBps); err != nil {
		code, msg := statusFor(err)
		h.respondError(w, code, msg, "PUT", "/fee")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"fee_rate_bps": req.FeeRateBps}, "PUT", "/fee")
}

func (h *Handler) SetBeneficiary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Beneficiary domain.Address `json:"beneficiary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Beneficiary == "" {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "PUT", "/beneficiary")
		return
	}
	if err := h.svc.SetBeneficiary(r.Context(), callerFrom(r), req.Beneficiary); err != nil {
		code, msg := statusFor(err)
		h.respondError(w, code, msg, "PUT", "/beneficiary")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]domain.Address{"beneficiary": req.Beneficiary}, "PUT", "/beneficiary")
}

// readBatch validates the Idempotency-Key header, hashes the body, and
// unmarshals the batch entries. A false return means a response was already
// written.
func (h *Handler) readBatch(w http.ResponseWriter, r *http.Request, endpoint string, entries any) (key, hash string, ok bool) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	key = r.Header.Get("Idempotency-Key")
	if key == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key", "POST", endpoint)
		return "", "", false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", endpoint)
		return "", "", false
	}
	sum := sha256.Sum256(body)
	hash = hex.EncodeToString(sum[:])

	if err := json.Unmarshal(body, entries); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return "", "", false
	}
	return key, hash, true
}

func (h *Handler) finishMutation(w http.ResponseWriter, endpoint string, resp any, existing *domain.IdempotencyRecord, err error) {
	if err != nil {
		code, msg := statusFor(err)
		h.respondError(w, code, msg, "POST", endpoint)
		return
	}
	// Idempotent replay: serve the stored response verbatim.
	if existing != nil {
		httpReqTotal.WithLabelValues("POST", endpoint, strconv.Itoa(existing.ResponseStatus)).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.ResponseStatus)
		w.Write(existing.ResponseBody)
		return
	}
	h.respondJSON(w, http.StatusCreated, resp, "POST", endpoint)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrListingNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ledger.ErrNotOwner),
		errors.Is(err, ledger.ErrNotRenter),
		errors.Is(err, ledger.ErrNotAdmin),
		errors.Is(err, ledger.ErrOwnerCannotRent):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, ledger.ErrNotListed),
		errors.Is(err, ledger.ErrNotRented),
		errors.Is(err, ledger.ErrCurrentlyRented),
		errors.Is(err, ledger.ErrDeadlinePassed),
		errors.Is(err, ledger.ErrTooEarly),
		errors.Is(err, store.ErrIdempotencyConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ledger.ErrEmptyBatch),
		errors.Is(err, ledger.ErrZeroDuration),
		errors.Is(err, ledger.ErrDurationExceedsMax),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrAssetMismatch),
		errors.Is(err, ledger.ErrFeeRateTooHigh),
		errors.Is(err, ledger.ErrNativeApproval),
		errors.Is(err, ledger.ErrIdempotencyMismatch),
		errors.Is(err, price.ErrOutOfRange),
		errors.Is(err, payment.ErrInsufficientPayment),
		errors.Is(err, payment.ErrInsufficientAllowance),
		errors.Is(err, custody.ErrTransferFailed),
		errors.Is(err, store.ErrUnknownAsset),
		errors.Is(err, store.ErrUnknownPaymentToken):
		return http.StatusUnprocessableEntity, err.Error()
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
