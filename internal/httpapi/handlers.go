package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/cache"
	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/ledger"
	"github.com/postforge/postforge/internal/pipeline"
	"github.com/postforge/postforge/internal/receipt"
)

// HealthCheck probes one dependency. A nil check is skipped.
type HealthCheck func(ctx context.Context) error

// Handlers serves the collaborator-facing operations.
type Handlers struct {
	enforcement config.EnforcementMode
	ledgerMode  config.LedgerMode

	orch       *pipeline.Orchestrator
	receipts   *receipt.Service
	issuer     *ledger.Issuer
	engine     *ledger.Engine
	reconciler *ledger.Reconciler
	balances   *cache.BalanceCache

	dbCheck HealthCheck
}

// NewHandlers wires the endpoint handlers.
func NewHandlers(enforcement config.EnforcementMode, ledgerMode config.LedgerMode,
	orch *pipeline.Orchestrator, receipts *receipt.Service, issuer *ledger.Issuer,
	engine *ledger.Engine, reconciler *ledger.Reconciler, balances *cache.BalanceCache,
	dbCheck HealthCheck) *Handlers {
	return &Handlers{
		enforcement: enforcement,
		ledgerMode:  ledgerMode,
		orch:        orch,
		receipts:    receipts,
		issuer:      issuer,
		engine:      engine,
		reconciler:  reconciler,
		balances:    balances,
		dbCheck:     dbCheck,
	}
}

type errorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// RunWorkflow handles POST /v1/workflows.
func (h *Handlers) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if req.UserID == "" || req.Platform == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_FIELD", "user_id and platform are required")
		return
	}

	bundle, err := h.orch.Run(r.Context(), req)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "WORKFLOW_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, bundle)
}

// GetReceipt handles GET /v1/receipts/{request_id}. Every non-success
// outcome carries its own code so an enforced-mode publish can deny with a
// precise reason.
func (h *Handlers) GetReceipt(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]

	rec, err := h.receipts.Lookup(r.Context(), requestID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, receipt.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "RECEIPT_NOT_FOUND", "no receipt exists for this request id")
	case errors.Is(err, receipt.ErrExpired):
		h.writeError(w, http.StatusGone, "RECEIPT_EXPIRED", "the receipt TTL has elapsed")
	case errors.Is(err, receipt.ErrAlreadyConsumed):
		h.writeError(w, http.StatusConflict, "RECEIPT_ALREADY_CONSUMED", "the receipt was already consumed")
	default:
		h.writeError(w, http.StatusServiceUnavailable, "RECEIPT_LOOKUP_FAILED", err.Error())
	}
}

// IssueForPublish handles POST /v1/publish/issuance.
func (h *Handlers) IssueForPublish(w http.ResponseWriter, r *http.Request) {
	var req ledger.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if req.UserID == "" || req.RequestID == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_FIELD", "user_id and request_id are required")
		return
	}
	if req.BaseAmount <= 0 {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "base_amount must be positive")
		return
	}

	res, err := h.issuer.IssueForPublish(r.Context(), req)
	if err != nil {
		var integrity *ledger.IntegrityError
		if errors.As(err, &integrity) {
			h.writeError(w, http.StatusUnprocessableEntity, "LEDGER_INTEGRITY", integrity.Error())
			return
		}
		h.writeError(w, http.StatusServiceUnavailable, "ISSUANCE_FAILED", err.Error())
		return
	}

	if res.IssuedAmount > 0 {
		if err := h.balances.Invalidate(r.Context(), req.UserID); err != nil {
			log.Warn().Err(err).Str("user_id", req.UserID).Msg("balance cache invalidation failed")
		}
	}

	status := http.StatusOK
	if res.Denied {
		status = http.StatusForbidden
	}
	h.writeJSON(w, status, res)
}

// Reconcile handles POST /v1/reconcile.
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reconciler.Run(r.Context())
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "RECONCILE_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Mode    string `json:"ledger_mode"`
}

// GetBalance handles GET /v1/balances/{user_id}.
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	balance, err := h.balances.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "BALANCE_READ_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance, Mode: string(h.ledgerMode)})
}

// GetHistory handles GET /v1/balances/{user_id}/entries.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	entries, err := h.engine.History(r.Context(), userID, 50)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "HISTORY_READ_FAILED", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"entries": entries,
	})
}

type healthResponse struct {
	Status      string            `json:"status"`
	Enforcement string            `json:"enforcement_mode"`
	Ledger      string            `json:"ledger_mode"`
	Checks      map[string]string `json:"checks"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Enforcement: string(h.enforcement),
		Ledger:      string(h.ledgerMode),
		Checks:      map[string]string{},
		Timestamp:   time.Now().UTC(),
	}
	status := http.StatusOK

	if h.dbCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.dbCheck(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["database"] = "ok"
		}
	}

	h.writeJSON(w, status, resp)
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "ENDPOINT_NOT_FOUND", "the requested endpoint does not exist")
}
