package model

import "time"

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageSystem MessageKind = "system"
)

// Message is one chat entry. Seq is assigned by the chat log on append.
type Message struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	Seq        int64       `json:"seq"`
	SenderRole Role        `json:"senderRole,omitempty"`
	SenderID   string      `json:"senderId,omitempty"`
	Kind       MessageKind `json:"kind"`
	Body       string      `json:"body"`
	CreatedAt  time.Time   `json:"createdAt"`
}
