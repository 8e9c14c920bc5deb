package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/rustyeddy/vledger/broker"
)

// statusOf maps ledger errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, broker.ErrAlreadyClosed), errors.Is(err, broker.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, broker.ErrInsufficientMargin):
		return http.StatusUnprocessableEntity
	case errors.Is(err, broker.ErrPriceUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}

	switch broker.Kind(err) {
	case broker.KindValidation:
		return http.StatusBadRequest
	case broker.KindState:
		return http.StatusNotFound
	case broker.KindResource:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	kind := broker.Kind(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()), "error", err)
	} else {
		h.log.Debug("request rejected", "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()), "kind", kind, "error", err)
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
}
