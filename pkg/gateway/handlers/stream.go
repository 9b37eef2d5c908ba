package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/andino-labs/callbridge/pkg/agent"
	"github.com/andino-labs/callbridge/pkg/agentclient"
	"github.com/andino-labs/callbridge/pkg/bridge"
	"github.com/andino-labs/callbridge/pkg/core"
	"github.com/andino-labs/callbridge/pkg/gateway/bridges"
	"github.com/andino-labs/callbridge/pkg/gateway/config"
	"github.com/andino-labs/callbridge/pkg/session"
	"github.com/andino-labs/callbridge/pkg/telephony"
	"github.com/andino-labs/callbridge/pkg/transcript"
)

// StreamDeps is the shared wiring for the socket handlers that host a call
// bridge.
type StreamDeps struct {
	Config    config.Config
	Directory *agent.Directory
	Registry  *session.Registry
	Repo      transcript.Repository
	Bridges   *bridges.Tracker
	Logger    *slog.Logger
}

// MediaStreamHandler terminates the carrier media-stream socket. The carrier
// identifies the call in its start frame, via the instruction parameters the
// webhook handed out.
type MediaStreamHandler struct {
	StreamDeps
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.serveBridge(w, r, func(ctx context.Context, callID string, params map[string]string) (session.CallSession, string, error) {
		if id := strings.TrimSpace(params["conversationId"]); id != "" {
			sess, err := h.Registry.Get(id)
			if err != nil {
				return session.CallSession{}, "", err
			}
			return sess, h.credentialFor(sess.CountryCode), nil
		}

		// Stream with no pre-registered session: register one on the fly
		// from whatever the start frame carries.
		caller := strings.TrimSpace(params["caller"])
		if caller == "" {
			caller = callID
		}
		if caller == "" {
			return session.CallSession{}, "", core.NewValidationError("stream start carries no caller identity", "caller")
		}
		sess, err := h.Registry.Create(caller, regionForNumber(caller), "", params)
		if err != nil {
			return session.CallSession{}, "", err
		}
		return sess, h.credentialFor(sess.CountryCode), nil
	})
}

// ConversationSocketHandler terminates the client-facing audio socket for a
// session created through the REST initiation endpoint. It speaks the same
// stream protocol as the carrier socket.
type ConversationSocketHandler struct {
	StreamDeps
}

func (h ConversationSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	if _, err := h.Registry.Get(conversationID); err != nil {
		writeError(w, r, err)
		return
	}

	h.serveBridge(w, r, func(ctx context.Context, callID string, params map[string]string) (session.CallSession, string, error) {
		sess, err := h.Registry.Get(conversationID)
		if err != nil {
			return session.CallSession{}, "", err
		}
		return sess, h.credentialFor(sess.CountryCode), nil
	})
}

// credentialFor picks the agent credential for a region: the profile override
// when set, the process-wide key otherwise.
func (d StreamDeps) credentialFor(countryCode string) string {
	if key := d.Directory.Resolve(countryCode).APIKey; key != "" {
		return key
	}
	return d.Config.AgentAPIKey
}

func (d StreamDeps) serveBridge(w http.ResponseWriter, r *http.Request, bind bridge.SessionBinder) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	adapter := telephony.NewAdapter(conn, d.Logger)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Register with the tracker once the session is bound, so terminate and
	// drain can reach this bridge by conversation id.
	var unregister func()
	trackedBind := func(ctx context.Context, callID string, params map[string]string) (session.CallSession, string, error) {
		sess, apiKey, err := bind(ctx, callID, params)
		if err != nil {
			return session.CallSession{}, "", err
		}
		unregister = d.Bridges.Register(sess.ConversationID, cancel)
		return sess, apiKey, nil
	}

	dial := func(ctx context.Context, agentID, apiKey string) (bridge.AgentConnection, error) {
		agentConn, err := agentclient.Connect(ctx, agentID, apiKey, agentclient.Config{
			EndpointBase:   d.Config.AgentEndpointBase,
			ConnectTimeout: d.Config.ConnectTimeout,
			Logger:         d.Logger,
		})
		if err != nil {
			return nil, err
		}
		return agentConn, nil
	}

	b, err := bridge.New(bridge.Config{
		Telephony:      adapter,
		Dial:           dial,
		Bind:           trackedBind,
		Registry:       d.Registry,
		Repo:           d.Repo,
		ConnectTimeout: d.Config.ConnectTimeout,
		Logger:         d.Logger,
	})
	if err != nil {
		adapter.Close()
		return
	}

	if runErr := b.Run(ctx); runErr != nil && d.Logger != nil {
		d.Logger.Warn("bridge ended with error", "error", runErr, "state", b.State().String())
	}
	if unregister != nil {
		unregister()
	}
}
