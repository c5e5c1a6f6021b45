package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"staychat/internal/auth"
	"staychat/internal/chat"
	"staychat/internal/config"
	"staychat/internal/gateway"
	"staychat/internal/presence"
)

// Handler holds application dependencies
type Handler struct {
	Config   config.Config
	Log      *slog.Logger
	Chat     *chat.Service
	Hub      *gateway.Hub
	Presence *presence.Tracker
	Auth     *auth.Authenticator
	Metrics  http.Handler
}

// New creates a new Handler with the given dependencies
func New(cfg config.Config, log *slog.Logger, svc *chat.Service, hub *gateway.Hub, tracker *presence.Tracker, authn *auth.Authenticator, metrics http.Handler) *Handler {
	return &Handler{
		Config:   cfg,
		Log:      log,
		Chat:     svc,
		Hub:      hub,
		Presence: tracker,
		Auth:     authn,
		Metrics:  metrics,
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()
	authed := h.Auth.Middleware(h.unauthenticated)

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics).Methods("GET")
	}

	// REST API
	api := r.PathPrefix("/chat").Subrouter()
	api.Use(authed)
	api.HandleFunc("/rooms", h.ListRooms).Methods("GET")
	api.HandleFunc("/rooms", h.OpenRoom).Methods("POST")
	api.HandleFunc("/rooms/{roomId}", h.GetRoom).Methods("GET")
	api.HandleFunc("/rooms/{roomId}/messages", h.ListMessages).Methods("GET")
	api.HandleFunc("/rooms/{roomId}/messages", h.CreateMessage).Methods("POST")
	api.HandleFunc("/rooms/{roomId}/seen", h.MarkSeen).Methods("PATCH")

	r.Handle("/presence/{identityId}", authed(http.HandlerFunc(h.GetPresence))).Methods("GET")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.Hub.Connections(),
		"online":      h.Presence.OnlineCount(),
	})
}
