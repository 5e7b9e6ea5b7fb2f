package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"teleconsult/internal/model"
	"teleconsult/internal/service"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client commands on the call socket
const (
	MsgJoin   MessageType = "join"
	MsgLeave  MessageType = "leave"
	MsgChat   MessageType = "chat"
	MsgMute   MessageType = "mute"
	MsgVideo  MessageType = "video"
	MsgResult MessageType = "result"
	MsgEvent  MessageType = "event"
)

// Server messages on the call socket
const (
	MsgJoined    MessageType = "joined"
	MsgConnected MessageType = "connected"
	MsgEnded     MessageType = "ended"
	MsgState     MessageType = "state"
	MsgLeft      MessageType = "left"
	MsgCall      MessageType = "call"
	MsgNotify    MessageType = "notify"
	MsgError     MessageType = "error"
)

// MsgWatch subscribes an events socket to one more session
const MsgWatch MessageType = "watch"

// Message is the WebSocket envelope format. ID correlates device calls with
// their results and client commands with their replies.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hub fans coordinator events out to the events sockets allowed to see them
type Hub struct {
	conns map[*Connection]struct{}

	mu sync.Mutex

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan model.Event
	done       chan struct{}

	unsubscribe func()
	logger      *slog.Logger
}

// Connection represents one events socket
type Connection struct {
	Caller model.Caller
	Send   chan []byte

	// sessions the connection follows, guarded by Hub.mu
	watching map[string]bool
}

func NewConnection(caller model.Caller) *Connection {
	return &Connection{
		Caller:   caller,
		Send:     make(chan []byte, 256),
		watching: make(map[string]bool),
	}
}

// NewHub creates the hub and subscribes it to every session on bus
func NewHub(bus *service.EventBus, logger *slog.Logger) *Hub {
	h := &Hub{
		conns:      make(map[*Connection]struct{}),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		broadcast:  make(chan model.Event, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.unsubscribe = bus.Subscribe("", h.publish)
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.conns[conn] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("events socket registered", "role", conn.Caller.Role, "caller_id", conn.Caller.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[conn]; ok {
				delete(h.conns, conn)
				close(conn.Send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.deliver(ev)

		case <-h.done:
			return
		}
	}
}

func (h *Hub) deliver(ev model.Event) {
	data, err := json.Marshal(&Message{Type: MessageType(ev.Type), Payload: mustJSON(ev)})
	if err != nil {
		h.logger.Error("failed to encode event", "session_id", ev.SessionID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if !conn.follows(ev) {
			continue
		}
		select {
		case conn.Send <- data:
		default:
			h.logger.Warn("events socket buffer full, dropping event", "caller_id", conn.Caller.ID, "type", ev.Type)
		}
	}
}

// follows reports whether the connection should receive ev. A status change
// between the caller's own parties starts following that session.
func (c *Connection) follows(ev model.Event) bool {
	if c.Caller.IsAdmin() {
		return true
	}
	var s *model.Session
	switch {
	case ev.Status != nil:
		s = &model.Session{ID: ev.SessionID, PatientID: ev.Status.PatientID, ProviderID: ev.Status.ProviderID}
	case ev.Finalize != nil:
		s = &model.Session{ID: ev.SessionID, PatientID: ev.Finalize.PatientID, ProviderID: ev.Finalize.ProviderID}
	}
	if s != nil && c.Caller.CanSee(s) {
		c.watching[ev.SessionID] = true
		return true
	}
	return c.watching[ev.SessionID]
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes a connection and closes its Send channel
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Watch makes conn follow sessionID. Callers check access first.
func (h *Hub) Watch(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn.watching[sessionID] = true
}

// Close detaches the hub from the bus and stops fan-out
func (h *Hub) Close() {
	h.unsubscribe()
	close(h.done)
}

// publish runs on the bus; it must not block
func (h *Hub) publish(ev model.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("event hub backlog full, dropping event", "session_id", ev.SessionID, "type", ev.Type)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
