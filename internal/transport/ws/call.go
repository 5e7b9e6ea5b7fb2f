package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"teleconsult/internal/media"
	"teleconsult/internal/model"
	"teleconsult/internal/service"
)

const commandBacklog = 16

type chatCommand struct {
	Body string `json:"body"`
}

type muteCommand struct {
	Muted bool `json:"muted"`
}

type videoCommand struct {
	Enabled bool `json:"enabled"`
}

type endedPayload struct {
	Reason media.EndReason `json:"reason"`
	Error  string          `json:"error,omitempty"`
}

// callConn is one client's call socket. It carries the client's commands, the
// device calls of its leg and the leg's notifications.
type callConn struct {
	h         *Handler
	wsConn    *websocket.Conn
	caller    model.Caller
	sessionID string
	device    *Device

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	commands  chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

// CallWS handles GET /v1/ws/sessions/{id}/call. Closing the socket ends the
// caller's leg.
func (h *Handler) CallWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	caller, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !caller.Role.IsParty() {
		http.Error(w, "only session parties can join a call", http.StatusForbidden)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &callConn{
		h:         h,
		wsConn:    wsConn,
		caller:    caller,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan []byte, 64),
		commands:  make(chan Message, commandBacklog),
		closed:    make(chan struct{}),
	}
	c.device = newDevice(c.write, c.closed, h.logger.With("session_id", sessionID, "role", caller.Role))

	h.logger.Info("call socket connected", "session_id", sessionID, "role", caller.Role, "caller_id", caller.ID)

	go writePump(wsConn, c.send, c.closed)
	go c.commandLoop()
	go c.readPump()
}

func (c *callConn) readPump() {
	defer c.close()

	configureRead(c.wsConn)

	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.h.logger.Warn("call socket error", "session_id", c.sessionID, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError(0, fmt.Errorf("%w: malformed message", service.ErrInvalidRequest))
			continue
		}

		switch msg.Type {
		case MsgResult:
			c.device.resolve(msg)
		case MsgEvent:
			c.device.dispatch(msg)
		default:
			select {
			case c.commands <- msg:
			default:
				c.replyError(msg.ID, fmt.Errorf("%w: too many commands in flight", service.ErrInvalidRequest))
			}
		}
	}
}

// commandLoop runs client commands one at a time. Join blocks on device calls
// whose results arrive through readPump.
func (c *callConn) commandLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.commands:
			c.handle(msg)
		}
	}
}

func (c *callConn) handle(msg Message) {
	coord := c.h.coord
	switch msg.Type {
	case MsgJoin:
		c.join(msg.ID)

	case MsgLeave:
		if err := coord.Leave(c.ctx, c.sessionID, c.caller); err != nil {
			c.replyError(msg.ID, err)
			return
		}
		c.reply(msg.ID, MsgLeft, nil)

	case MsgChat:
		var cmd chatCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			c.replyError(msg.ID, fmt.Errorf("%w: invalid chat payload", service.ErrInvalidRequest))
			return
		}
		sent, err := coord.SendChatMessage(c.ctx, c.sessionID, c.caller, cmd.Body)
		if err != nil {
			c.replyError(msg.ID, err)
			return
		}
		c.reply(msg.ID, MsgChat, sent)

	case MsgMute:
		var cmd muteCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			c.replyError(msg.ID, fmt.Errorf("%w: invalid mute payload", service.ErrInvalidRequest))
			return
		}
		info, err := coord.ToggleMute(c.sessionID, c.caller, cmd.Muted)
		if err != nil {
			c.replyError(msg.ID, err)
			return
		}
		c.reply(msg.ID, MsgState, info)

	case MsgVideo:
		var cmd videoCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			c.replyError(msg.ID, fmt.Errorf("%w: invalid video payload", service.ErrInvalidRequest))
			return
		}
		info, err := coord.ToggleVideo(c.sessionID, c.caller, cmd.Enabled)
		if err != nil {
			c.replyError(msg.ID, err)
			return
		}
		c.reply(msg.ID, MsgState, info)

	default:
		c.replyError(msg.ID, fmt.Errorf("%w: unknown command %q", service.ErrInvalidRequest, msg.Type))
	}
}

func (c *callConn) join(id uint64) {
	leg, err := c.h.coord.RequestJoin(c.ctx, c.sessionID, c.caller, c.device, service.JoinOptions{
		OnRemoteChat: func(m *model.Message) {
			c.push(MsgChat, m)
		},
		OnEnded: func(reason media.EndReason, err error) {
			p := endedPayload{Reason: reason}
			if err != nil {
				p.Error = err.Error()
			}
			c.push(MsgEnded, p)
		},
	})
	if err != nil {
		c.replyError(id, err)
		return
	}
	c.reply(id, MsgJoined, leg.Info())

	go func() {
		select {
		case <-leg.Connected():
			c.push(MsgConnected, leg.Info())
		case <-leg.Done():
		case <-c.closed:
		}
	}()
}

func (c *callConn) reply(id uint64, typ MessageType, payload any) {
	msg := Message{Type: typ, ID: id}
	if payload != nil {
		msg.Payload = mustJSON(payload)
	}
	c.write(msg)
}

func (c *callConn) replyError(id uint64, err error) {
	c.write(*errorMessage(id, err))
}

func (c *callConn) push(typ MessageType, payload any) {
	c.write(Message{Type: typ, Payload: mustJSON(payload)})
}

// write queues msg for the write pump. It fails once the socket is closed.
func (c *callConn) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errSocketClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errSocketClosed
	}
}

func (c *callConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.wsConn.Close()
		c.h.logger.Info("call socket closed", "session_id", c.sessionID, "role", c.caller.Role, "caller_id", c.caller.ID)
	})
}
