package media

import (
	"context"

	"teleconsult/internal/model"
	"teleconsult/internal/signaling"
)

// Constraints select which local tracks to capture
type Constraints struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// ConstraintsFor maps a session type to the tracks it needs
func ConstraintsFor(t model.SessionType) Constraints {
	switch t {
	case model.SessionVideo:
		return Constraints{Audio: true, Video: true}
	case model.SessionAudio:
		return Constraints{Audio: true}
	}
	return Constraints{}
}

// LocalStream is the captured camera/microphone of one client
type LocalStream interface {
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	// Stop releases the capture devices
	Stop() error
}

// PeerEvents are raised by a PeerConnection from any goroutine
type PeerEvents struct {
	OnCandidate    func(signaling.Candidate)
	OnRemoteStream func()
	OnDisconnect   func(err error)
}

// PeerConnection is one side of the peer-to-peer media channel
type PeerConnection interface {
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer applies the remote offer and returns the local answer
	CreateAnswer(ctx context.Context, offer string) (string, error)
	AcceptAnswer(ctx context.Context, answer string) error
	AddCandidate(ctx context.Context, c signaling.Candidate) error
	Close() error
}

// Device gives a leg access to a client's capture hardware and peer stack.
// Capture returns an error matching ErrMediaAccessDenied when permission is refused.
type Device interface {
	Capture(ctx context.Context, c Constraints) (LocalStream, error)
	NewPeer(ctx context.Context, events PeerEvents) (PeerConnection, error)
}

// ChatAppender stores a chat message and returns it with its sequence number
type ChatAppender interface {
	AppendChat(ctx context.Context, msg *model.Message) (*model.Message, error)
}
