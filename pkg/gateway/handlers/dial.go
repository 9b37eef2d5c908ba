package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andino-labs/callbridge/pkg/core"
	"github.com/andino-labs/callbridge/pkg/telco"
)

type dialRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// DialHandler places an outbound call through the carrier. The carrier calls
// the number and fetches its instructions from the webhook URL, which routes
// the call's media stream back into this gateway.
type DialHandler struct {
	Telco      *telco.Client
	WebhookURL string
	Logger     *slog.Logger
}

func (h DialHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if h.Telco == nil {
		writeError(w, r, core.NewAPIError("outbound dialing is not configured"))
		return
	}

	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, core.NewValidationError("request body must be JSON", "body"))
		return
	}
	to := strings.TrimSpace(req.PhoneNumber)
	if to == "" {
		writeError(w, r, core.NewValidationError("missing required field", "phoneNumber"))
		return
	}

	call, err := h.Telco.MakeCall(r.Context(), to, h.WebhookURL)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.Logger != nil {
		h.Logger.Info("outbound call placed", "call_sid", call.SID, "to", to)
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"callId": call.SID,
		"status": call.Status,
	})
}
