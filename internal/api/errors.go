package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/payment"
	"github.com/atmx/ledger-engine/internal/store"
)

// ErrorResponse is the JSON body of every rejected request. Kind names the
// error class; Details carries the values a client needs to explain it.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeErr maps a domain error to its status code and detail fields.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ife *model.InsufficientFundsError
		ste *model.StateTransitionError
		ope *model.OrderParameterError
		ple *model.PlanLimitError
		nfe *model.NotFoundError
	)

	switch {
	case errors.As(err, &ife):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Kind:  "insufficient_funds",
			Details: map[string]any{
				"account_id": ife.AccountID,
				"balance":    ife.Balance,
				"requested":  ife.Requested,
			},
		})
	case errors.As(err, &ste):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Kind:  "invalid_state_transition",
			Details: map[string]any{
				"entity": ste.Entity,
				"id":     ste.ID,
				"from":   ste.From,
				"to":     ste.To,
			},
		})
	case errors.As(err, &ope):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   err.Error(),
			Kind:    "invalid_order_parameters",
			Details: map[string]any{"field": ope.Field, "reason": ope.Reason},
		})
	case errors.As(err, &ple):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Kind:  "plan_limit_violation",
			Details: map[string]any{
				"plan_id":   ple.PlanID,
				"principal": ple.Principal,
				"min":       ple.Min,
				"max":       ple.Max,
			},
		})
	case errors.As(err, &nfe):
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   err.Error(),
			Kind:    "not_found",
			Details: map[string]any{"entity": nfe.Entity, "id": nfe.ID},
		})
	case errors.Is(err, model.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "invalid_amount"})
	case errors.Is(err, payment.ErrInvalidConfirmation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "invalid_confirmation"})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: "conflict"})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
