package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"carelane/pkg/contract"
	"carelane/pkg/ledger"
	"carelane/pkg/session"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteDomainError maps settlement errors onto the wire codes remote
// ledger clients decode back into the same sentinel errors.
func WriteDomainError(w http.ResponseWriter, err error) {
	var violation *contract.Violation
	switch {
	case errors.As(err, &violation):
		WriteError(w, http.StatusUnprocessableEntity, "CONTRACT_VIOLATION", err.Error(),
			map[string]any{"command": violation.Command, "predicate": violation.Predicate})
	case errors.Is(err, ledger.ErrUnknownRecord):
		WriteError(w, http.StatusNotFound, "UNKNOWN_RECORD", err.Error(), nil)
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrStaleInput):
		WriteError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, ledger.ErrMissingSignature):
		WriteError(w, http.StatusBadRequest, "MISSING_SIGNATURE", err.Error(), nil)
	case errors.Is(err, ledger.ErrMalformed):
		WriteError(w, http.StatusBadRequest, "MALFORMED", err.Error(), nil)
	case errors.Is(err, session.ErrIdentityMismatch):
		WriteError(w, http.StatusConflict, "IDENTITY_MISMATCH", err.Error(), nil)
	case errors.Is(err, session.ErrPeerUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "PEER_UNAVAILABLE", err.Error(), nil)
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}
