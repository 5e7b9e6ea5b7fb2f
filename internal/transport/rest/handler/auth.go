package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"teleconsult/internal/model"
	"teleconsult/internal/service"
	"teleconsult/internal/transport/apierr"
	"teleconsult/internal/transport/rest/middleware"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authSvc *service.AuthService
	logger  *slog.Logger
}

func NewAuthHandler(authSvc *service.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, logger: logger}
}

// IssueToken handles POST /v1/auth/token. It is mounted only when development
// tokens are enabled; production tokens come from the identity provider.
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req model.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.authSvc.IssueToken(req.Role, req.ID, nil)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, model.TokenResponse{Token: token, Role: req.Role, ID: req.ID})
}

// Me handles GET /v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, caller)
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := apierr.Classify(err)
	if code == apierr.CodeInternal {
		logger.Error("request failed", "error", err)
	}
	var transition *service.TransitionError
	if errors.As(err, &transition) {
		writeJSON(w, status, map[string]string{
			"error":   apierr.Message(err),
			"code":    code,
			"current": string(transition.From),
		})
		return
	}
	writeJSON(w, status, map[string]string{"error": apierr.Message(err), "code": code})
}
