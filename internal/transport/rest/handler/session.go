package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"teleconsult/internal/model"
	"teleconsult/internal/service"
	"teleconsult/internal/transport/rest/middleware"
)

// SessionHandler handles session lifecycle endpoints
type SessionHandler struct {
	coord    *service.SessionCoordinator
	requests *service.RequestService
	logger   *slog.Logger
}

func NewSessionHandler(coord *service.SessionCoordinator, requests *service.RequestService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{coord: coord, requests: requests, logger: logger}
}

type reviewRequest struct {
	Decision model.ReviewDecision `json:"decision"`
	Note     string               `json:"note"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type chatRequest struct {
	Body string `json:"body"`
}

// Create handles POST /v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())

	var req model.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.requests.Create(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// List handles GET /v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())

	sessions, err := h.coord.ListForParty(r.Context(), caller)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}

	writeJSON(w, http.StatusOK, sessions)
}

// Pending handles GET /v1/sessions/pending
func (h *SessionHandler) Pending(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())

	sessions, err := h.coord.ListPendingForReviewer(r.Context(), caller)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}

	writeJSON(w, http.StatusOK, sessions)
}

// Get handles GET /v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id := mux.Vars(r)["id"]

	view, err := h.coord.GetSession(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// Review handles POST /v1/sessions/{id}/review
func (h *SessionHandler) Review(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id := mux.Vars(r)["id"]

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.coord.Review(r.Context(), id, caller, req.Decision, req.Note)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// End handles POST /v1/sessions/{id}/end. The body carries the clinical output.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id := mux.Vars(r)["id"]

	var req model.ClinicalOutput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.coord.EndSession(r.Context(), id, caller, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// Cancel handles POST /v1/sessions/{id}/cancel. The body is optional.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id := mux.Vars(r)["id"]

	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	session, err := h.coord.Cancel(r.Context(), id, caller, req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// SendChat handles POST /v1/sessions/{id}/chat. The caller must hold a live
// call leg on this instance.
func (h *SessionHandler) SendChat(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFrom(r.Context())
	id := mux.Vars(r)["id"]

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.coord.SendChatMessage(r.Context(), id, caller, req.Body)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}
