// Package signaling carries offer/answer/candidate/chat payloads between the two
// call legs of a session. Delivery is at-least-once with no ordering guarantee
// across payload kinds.
package signaling

import (
	"context"
	"fmt"

	"teleconsult/internal/model"
)

type Kind string

const (
	KindReady     Kind = "ready"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindChat      Kind = "chat"
	KindBye       Kind = "bye"
)

// Candidate is a network-path candidate in its browser JSON form
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Payload is one relayed signaling message
type Payload struct {
	Kind      Kind           `json:"kind"`
	From      model.Role     `json:"from"`
	SDP       string         `json:"sdp,omitempty"`
	Candidate *Candidate     `json:"candidate,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Handler receives payloads addressed to one role of one session
type Handler func(Payload)

type Subscription interface {
	Close() error
}

// Relay is the point-to-point channel between the two parties of a session
type Relay interface {
	Send(ctx context.Context, sessionID string, to model.Role, p Payload) error
	// Subscribe returns once the subscription is live; payloads sent after that
	// are delivered to h in order, from a single goroutine.
	Subscribe(ctx context.Context, sessionID string, role model.Role, h Handler) (Subscription, error)
}

func channelName(sessionID string, role model.Role) string {
	return fmt.Sprintf("signal:%s:%s", sessionID, role)
}

// Peer returns the role on the other end of a call
func Peer(role model.Role) model.Role {
	if role == model.RoleProvider {
		return model.RolePatient
	}
	return model.RoleProvider
}
