package handlers

import (
	"net/http"

	"github.com/andino-labs/callbridge/pkg/agent"
	"github.com/andino-labs/callbridge/pkg/session"
)

type HealthHandler struct {
	Registry *session.Registry
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.Registry != nil {
		active = h.Registry.Count()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": active,
	})
}

// AgentsHandler lists the configured region profiles. Credentials never
// appear in the listing.
type AgentsHandler struct {
	Directory *agent.Directory
}

func (h AgentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default_region": agent.DefaultRegion,
		"agents":         h.Directory.Profiles(),
	})
}
