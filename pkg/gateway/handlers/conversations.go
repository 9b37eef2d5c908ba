package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/andino-labs/callbridge/pkg/core"
	"github.com/andino-labs/callbridge/pkg/gateway/bridges"
	"github.com/andino-labs/callbridge/pkg/session"
	"github.com/andino-labs/callbridge/pkg/transcript"
)

type initiateRequest struct {
	CallerPhone string            `json:"callerPhone"`
	RegionCode  string            `json:"regionCode"`
	CallerName  string            `json:"callerName"`
	Context     map[string]string `json:"context"`
}

type initiateResponse struct {
	SessionID      string `json:"sessionId"`
	AgentID        string `json:"agentId"`
	AgentName      string `json:"agentName"`
	StreamEndpoint string `json:"streamEndpoint"`
}

// InitiateHandler creates a call session ahead of its media stream and hands
// back the socket endpoint the client should connect to.
type InitiateHandler struct {
	Registry *session.Registry
}

func (h InitiateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, core.NewValidationError("request body must be JSON", "body"))
		return
	}

	sess, err := h.Registry.Create(req.CallerPhone, req.RegionCode, req.CallerName, req.Context)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, initiateResponse{
		SessionID:      sess.ConversationID,
		AgentID:        sess.AgentID,
		AgentName:      sess.AgentName,
		StreamEndpoint: "/ws/conversation/" + sess.ConversationID,
	})
}

// ConversationHandler serves status queries and manual termination for a
// single conversation.
type ConversationHandler struct {
	Registry *session.Registry
	Repo     transcript.Repository
	Bridges  *bridges.Tracker
}

func (h ConversationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	switch r.Method {
	case http.MethodGet:
		h.status(w, r, id)
	case http.MethodDelete:
		h.terminate(w, r, id)
	default:
		methodNotAllowed(w, r)
	}
}

func (h ConversationHandler) status(w http.ResponseWriter, r *http.Request, id string) {
	if sess, err := h.Registry.Get(id); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId": sess.ConversationID,
			"status":    string(sess.Status),
			"agentName": sess.AgentName,
			"language":  sess.Language,
		})
		return
	}

	// Ended sessions leave the registry; fall back to the archive.
	if h.Repo != nil {
		if conv, err := h.Repo.FindByID(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"sessionId": conv.ConversationID,
				"status":    conv.Status,
				"agentName": conv.AgentName,
				"language":  conv.Language,
			})
			return
		}
	}

	writeError(w, r, core.NewNotFoundError("conversation not found"))
}

func (h ConversationHandler) terminate(w http.ResponseWriter, r *http.Request, id string) {
	// A live bridge owns its own teardown; cancel it and let it archive.
	if h.Bridges.Cancel(id) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "conversation ended"})
		return
	}

	if _, err := h.Registry.Get(id); err != nil {
		writeError(w, r, err)
		return
	}
	h.Registry.End(id, session.StatusEnded)
	writeJSON(w, http.StatusOK, map[string]string{"message": "conversation ended"})
}

// TranscriptHandler returns the persisted transcript for a conversation.
type TranscriptHandler struct {
	Repo transcript.Repository
}

func (h TranscriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	if h.Repo == nil {
		writeError(w, r, core.NewNotFoundError("transcript storage is not configured"))
		return
	}

	conv, err := h.Repo.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// HistoryHandler lists recent conversation summaries, optionally filtered by
// caller phone.
type HistoryHandler struct {
	Repo transcript.Repository
}

func (h HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	if h.Repo == nil {
		writeJSON(w, http.StatusOK, map[string]any{"conversations": []transcript.Summary{}})
		return
	}

	var (
		summaries []transcript.Summary
		err       error
	)
	if phone := strings.TrimSpace(r.URL.Query().Get("phone")); phone != "" {
		summaries, err = h.Repo.FindByPhone(r.Context(), phone)
	} else {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, convErr := strconv.Atoi(raw)
			if convErr != nil || n <= 0 {
				writeError(w, r, core.NewValidationError("limit must be a positive integer", "limit"))
				return
			}
			limit = n
		}
		summaries, err = h.Repo.FindRecent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []transcript.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}
