package rest

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"teleconsult/internal/service"
	"teleconsult/internal/transport/rest/handler"
	"teleconsult/internal/transport/rest/middleware"
	"teleconsult/internal/transport/ws"

	"github.com/gorilla/mux"
)

// Container holds all dependencies for the router
type Container struct {
	AuthService    *service.AuthService
	Coordinator    *service.SessionCoordinator
	Requests       *service.RequestService
	WSHandler      *ws.Handler
	AllowedOrigins []string
	DevTokens      bool
	Logger         *slog.Logger
}

// NewRouter creates the API router with all endpoints
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()

	authHandler := handler.NewAuthHandler(c.AuthService, c.Logger)
	sessionHandler := handler.NewSessionHandler(c.Coordinator, c.Requests, c.Logger)

	authMW := middleware.NewAuthMiddleware(c.AuthService)

	r.Use(corsMiddleware(c.AllowedOrigins))

	v1 := r.PathPrefix("/v1").Subrouter()

	if c.DevTokens {
		v1.HandleFunc("/auth/token", authHandler.IssueToken).Methods("POST", "OPTIONS")
	}

	// WebSocket routes authenticate with the token query param
	if c.WSHandler != nil {
		v1.HandleFunc("/ws/events", c.WSHandler.EventsWS).Methods("GET")
		v1.HandleFunc("/ws/sessions/{id}/call", c.WSHandler.CallWS).Methods("GET")
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	api := v1.NewRoute().Subrouter()
	api.Use(authMW.RequireCaller)

	api.HandleFunc("/auth/me", authHandler.Me).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions", sessionHandler.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions", sessionHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions/pending", sessionHandler.Pending).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions/{id}", sessionHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions/{id}/review", sessionHandler.Review).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{id}/end", sessionHandler.End).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{id}/cancel", sessionHandler.Cancel).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{id}/chat", sessionHandler.SendChat).Methods("POST", "OPTIONS")

	return r
}

func corsMiddleware(allowed []string) mux.MiddlewareFunc {
	wildcard := len(allowed) == 0 || slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", "Authorization"}, ", "))

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
