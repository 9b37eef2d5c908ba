package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/andino-labs/callbridge/pkg/core"
	"github.com/andino-labs/callbridge/pkg/gateway/mw"
)

type errorEnvelope struct {
	Error     *core.Error `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(t core.ErrorType) int {
	switch t {
	case core.ErrValidation:
		return http.StatusBadRequest
	case core.ErrAuthorization:
		return http.StatusUnauthorized
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrProtocol:
		return http.StatusBadGateway
	case core.ErrTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		coreErr = core.NewAPIError("internal error")
	}
	writeJSON(w, statusFor(coreErr.Type), errorEnvelope{Error: coreErr, RequestID: reqID})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	envelope := errorEnvelope{
		Error:     &core.Error{Type: core.ErrValidation, Message: "method not allowed", Code: "method_not_allowed"},
		RequestID: reqID,
	}
	writeJSON(w, http.StatusMethodNotAllowed, envelope)
}
