// Package server assembles the gateway's HTTP surface: the REST lifecycle
// routes, the carrier webhook and the call sockets.
package server

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/andino-labs/callbridge/pkg/agent"
	"github.com/andino-labs/callbridge/pkg/gateway/bridges"
	"github.com/andino-labs/callbridge/pkg/gateway/config"
	"github.com/andino-labs/callbridge/pkg/gateway/handlers"
	"github.com/andino-labs/callbridge/pkg/gateway/mw"
	"github.com/andino-labs/callbridge/pkg/session"
	"github.com/andino-labs/callbridge/pkg/telco"
	"github.com/andino-labs/callbridge/pkg/transcript"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router *mux.Router

	directory *agent.Directory
	registry  *session.Registry
	repo      transcript.Repository
	telco     *telco.Client
	bridges   *bridges.Tracker
}

// New assembles the gateway. repo and telcoClient may be nil to disable
// transcript persistence and outbound dialing respectively.
func New(cfg config.Config, directory *agent.Directory, registry *session.Registry, repo transcript.Repository, telcoClient *telco.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    mux.NewRouter(),
		directory: directory,
		registry:  registry,
		repo:      repo,
		telco:     telcoClient,
		bridges:   bridges.NewTracker(),
	}

	s.routes()
	return s
}

// Bridges exposes the live-bridge tracker for shutdown draining.
func (s *Server) Bridges() *bridges.Tracker {
	return s.bridges
}

func (s *Server) routes() {
	deps := handlers.StreamDeps{
		Config:    s.cfg,
		Directory: s.directory,
		Registry:  s.registry,
		Repo:      s.repo,
		Bridges:   s.bridges,
		Logger:    s.logger,
	}

	s.router.Handle("/health", handlers.HealthHandler{Registry: s.registry}).Methods(http.MethodGet)
	s.router.Handle("/agents", handlers.AgentsHandler{Directory: s.directory}).Methods(http.MethodGet)

	s.router.Handle("/conversations", handlers.InitiateHandler{
		Registry: s.registry,
	}).Methods(http.MethodPost)
	s.router.Handle("/conversations", handlers.HistoryHandler{Repo: s.repo}).Methods(http.MethodGet)
	s.router.Handle("/conversations/{id}", handlers.ConversationHandler{
		Registry: s.registry,
		Repo:     s.repo,
		Bridges:  s.bridges,
	}).Methods(http.MethodGet, http.MethodDelete)
	s.router.Handle("/conversations/{id}/transcript", handlers.TranscriptHandler{Repo: s.repo}).Methods(http.MethodGet)

	s.router.Handle("/calls", handlers.DialHandler{
		Telco:      s.telco,
		WebhookURL: webhookURL(s.cfg.PublicWSURL),
		Logger:     s.logger,
	}).Methods(http.MethodPost)

	s.router.Handle("/twilio-webhook", handlers.WebhookHandler{
		Directory: s.directory,
		Registry:  s.registry,
		StreamURL: s.cfg.PublicWSURL,
		Logger:    s.logger,
	}).Methods(http.MethodPost)

	s.router.Handle("/media-stream", handlers.MediaStreamHandler{StreamDeps: deps}).Methods(http.MethodGet)
	s.router.Handle("/ws/conversation/{id}", handlers.ConversationSocketHandler{StreamDeps: deps}).Methods(http.MethodGet)
}

// webhookURL derives the carrier-facing instructions URL from the public
// media-stream socket URL: same host, HTTP scheme, webhook path.
func webhookURL(publicWSURL string) string {
	u, err := url.Parse(publicWSURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	return scheme + "://" + u.Host + "/twilio-webhook"
}

// Handler wraps the router in the middleware chain, outermost first.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
