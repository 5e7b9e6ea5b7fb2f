package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"teleconsult/internal/model"
	"teleconsult/internal/service"
	"teleconsult/internal/transport/apierr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // session descriptions run to several KB
)

// Handler handles WebSocket connections
type Handler struct {
	hub      *Hub
	authSvc  *service.AuthService
	coord    *service.SessionCoordinator
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(hub *Hub, authSvc *service.AuthService, coord *service.SessionCoordinator, allowedOrigins []string, logger *slog.Logger) *Handler {
	wildcard := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return &Handler{
		hub:     hub,
		authSvc: authSvc,
		coord:   coord,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return wildcard || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

type watchRequest struct {
	SessionID string `json:"sessionId"`
}

// EventsWS handles GET /v1/ws/events. The socket receives the status and chat
// events of every session the caller can see.
func (h *Handler) EventsWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	// registered before the handshake completes so no event after it is missed
	conn := NewConnection(caller)
	h.hub.Register(conn)

	if !caller.IsAdmin() {
		sessions, err := h.coord.ListForParty(r.Context(), caller)
		if err != nil {
			h.logger.Error("failed to load sessions for events socket", "caller_id", caller.ID, "error", err)
		}
		for _, s := range sessions {
			h.hub.Watch(conn, s.ID)
		}
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unregister(conn)
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.logger.Info("events socket connected", "role", caller.Role, "caller_id", caller.ID)

	go writePump(wsConn, conn.Send, nil)
	go h.eventsReadPump(wsConn, conn)
}

func (h *Handler) eventsReadPump(wsConn *websocket.Conn, conn *Connection) {
	defer func() {
		h.hub.Unregister(conn)
		wsConn.Close()
	}()

	configureRead(wsConn)

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("events socket error", "caller_id", conn.Caller.ID, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MsgWatch {
			continue
		}
		var req watchRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SessionID == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		_, err = h.coord.GetSession(ctx, req.SessionID, conn.Caller)
		cancel()
		if err != nil {
			if data, merr := json.Marshal(errorMessage(msg.ID, err)); merr == nil {
				select {
				case conn.Send <- data:
				default:
				}
			}
			continue
		}
		h.hub.Watch(conn, req.SessionID)
	}
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (model.Caller, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return model.Caller{}, false
	}
	caller, err := h.authSvc.Resolve(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return model.Caller{}, false
	}
	return caller, true
}

func configureRead(wsConn *websocket.Conn) {
	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// writePump owns all writes to wsConn. It stops when send is closed or done fires.
func writePump(wsConn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func errorMessage(id uint64, err error) *Message {
	_, code := apierr.Classify(err)
	return &Message{Type: MsgError, ID: id, Error: &ErrorBody{Code: code, Message: apierr.Message(err)}}
}
