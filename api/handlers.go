// Package api serves the ledger over HTTP with JSON bodies.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rustyeddy/vledger/broker"
	"github.com/rustyeddy/vledger/market"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	ledger broker.Ledger
	log    *slog.Logger
	now    func() time.Time
}

func NewHandler(l broker.Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: l, log: logger, now: time.Now}
}

// OpenPosition handles POST /v1/accounts/{account}/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var body OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Kind:  string(broker.KindValidation),
		})
		return
	}

	side, err := market.ParseSide(body.OrderType)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("%w: %v", broker.ErrInvalidOrderType, err))
		return
	}

	pos, err := h.ledger.OpenPosition(r.Context(), broker.OpenRequest{
		AccountID:  mux.Vars(r)["account"],
		Symbol:     body.Symbol,
		OrderType:  side,
		Volume:     body.Volume,
		StopLoss:   body.StopLoss,
		TakeProfit: body.TakeProfit,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, positionOf(pos))
}

// ClosePosition handles POST /v1/positions/{position}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.ClosePosition(r.Context(), mux.Vars(r)["position"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, closeResultOf(res))
}

// CloseAll handles POST /v1/accounts/{account}/close-all
func (h *Handler) CloseAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.ledger.CloseAll(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := CloseAllResponse{Closed: make([]CloseResult, 0, len(results))}
	for _, res := range results {
		resp.Closed = append(resp.Closed, closeResultOf(res))
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetAccount handles GET /v1/accounts/{account}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ledger.Snapshot(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, accountOf(snap))
}

// GetHistory handles GET /v1/accounts/{account}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.History(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, historyOf(entries))
}

// Reconcile handles POST /v1/accounts/{account}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.Reconcile(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ReconcileResponse{UpdatedPositionCount: n})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
