// Package media runs one call leg: local capture, offer/answer negotiation over the
// signaling relay, remote stream detection and teardown.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"teleconsult/internal/model"
	"teleconsult/internal/signaling"
)

var (
	ErrMediaAccessDenied = errors.New("media access denied")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrNotConnected      = errors.New("media session is not connected")
	ErrNotActive         = errors.New("media session is not active")
	ErrAlreadyStarted    = errors.New("media session already started")
	ErrEnded             = errors.New("media session ended")
)

type State string

const (
	StateIdle        State = "idle"
	StateCapturing   State = "capturing"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateEnded       State = "ended"
)

type EndReason string

const (
	EndLocal      EndReason = "local"
	EndRemote     EndReason = "remote_left"
	EndPeerLost   EndReason = "peer_disconnected"
	EndFailed     EndReason = "negotiation_failed"
	EndAborted    EndReason = "aborted"
	EndNavigation EndReason = "navigation"
	EndCancelled  EndReason = "cancelled"
	EndCompleted  EndReason = "completed"
)

const (
	inboxSize  = 64
	byeTimeout = 5 * time.Second
)

// Config wires a leg to its device, relay and owner callbacks
type Config struct {
	SessionID   string
	Role        model.Role
	SenderID    string
	Constraints Constraints
	Device      Device
	Relay       signaling.Relay
	Chat        ChatAppender

	// NegotiationTimeout bounds the wait for a remote stream once descriptions
	// were exchanged. Zero disables the watchdog.
	NegotiationTimeout time.Duration

	// OnConnected runs once, on the first remote stream. An error ends the leg.
	OnConnected func(ctx context.Context) error
	// OnRemoteChat receives chat messages mirrored by the other party
	OnRemoteChat func(msg *model.Message)
	// OnEnded runs once, after resources were released
	OnEnded func(reason EndReason, err error)

	Logger *slog.Logger
}

// Info is a point-in-time view of a leg
type Info struct {
	SessionID    string     `json:"sessionId"`
	Role         model.Role `json:"role"`
	State        State      `json:"state"`
	AudioMuted   bool       `json:"audioMuted"`
	VideoEnabled bool       `json:"videoEnabled"`
}

type eventKind int

const (
	evSignal eventKind = iota
	evLocalCandidate
	evRemoteStream
	evPeerLost
)

type event struct {
	kind      eventKind
	payload   signaling.Payload
	candidate signaling.Candidate
	err       error
}

// Session is one party's media leg. The provider leg initiates the offer.
type Session struct {
	cfg       Config
	initiator bool
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	stream     LocalStream
	peer       PeerConnection
	sub        signaling.Subscription
	cancel     context.CancelFunc
	audioMuted bool
	videoOff   bool
	reason     EndReason
	err        error

	// owned by the event loop
	offer     string
	answer    string
	remoteSet bool
	pending   []signaling.Candidate
	local     []signaling.Candidate
	seen      map[string]struct{}
	watchdog  *time.Timer

	inbox     chan event
	connected chan struct{}
	done      chan struct{}
	endOnce   sync.Once
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		initiator: cfg.Role == model.RoleProvider,
		logger:    logger.With("session_id", cfg.SessionID, "role", cfg.Role),
		state:     StateIdle,
		videoOff:  !cfg.Constraints.Video,
		seen:      make(map[string]struct{}),
		inbox:     make(chan event, inboxSize),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Join captures local media and starts negotiating. It returns once the leg is
// negotiating; ctx bounds the whole life of the leg, not just this call.
// On capture failure the leg goes back to idle and Join may be retried.
func (s *Session) Join(ctx context.Context) error {
	legCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if current := s.state; current != StateIdle {
		s.mu.Unlock()
		cancel()
		if current == StateEnded {
			return ErrEnded
		}
		return ErrAlreadyStarted
	}
	s.state = StateCapturing
	s.cancel = cancel
	s.mu.Unlock()

	stream, err := s.cfg.Device.Capture(legCtx, s.cfg.Constraints)
	if err != nil {
		cancel()
		s.mu.Lock()
		ended := s.state == StateEnded
		if !ended {
			s.state = StateIdle
			s.cancel = nil
		}
		s.mu.Unlock()
		if ended {
			return ErrEnded
		}
		s.logger.Info("local capture failed", "error", err)
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		stopStream(s.logger, stream)
		return ErrEnded
	}
	s.stream = stream
	s.mu.Unlock()

	peer, err := s.cfg.Device.NewPeer(legCtx, PeerEvents{
		OnCandidate:    func(c signaling.Candidate) { s.post(event{kind: evLocalCandidate, candidate: c}) },
		OnRemoteStream: func() { s.post(event{kind: evRemoteStream}) },
		OnDisconnect:   func(err error) { s.post(event{kind: evPeerLost, err: err}) },
	})
	if err != nil {
		return s.fail(fmt.Errorf("%w: create peer: %v", ErrNegotiationFailed, err))
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		peer.Close()
		return ErrEnded
	}
	s.peer = peer
	s.state = StateNegotiating
	s.mu.Unlock()

	sub, err := s.cfg.Relay.Subscribe(legCtx, s.cfg.SessionID, s.cfg.Role, func(p signaling.Payload) {
		s.post(event{kind: evSignal, payload: p})
	})
	if err != nil {
		return s.fail(fmt.Errorf("%w: subscribe: %v", ErrNegotiationFailed, err))
	}
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		sub.Close()
		return ErrEnded
	}
	s.sub = sub
	s.mu.Unlock()

	if s.initiator {
		offer, err := peer.CreateOffer(legCtx)
		if err != nil {
			return s.fail(fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err))
		}
		s.offer = offer
		s.send(legCtx, signaling.Payload{Kind: signaling.KindOffer, SDP: offer})
	} else {
		s.send(legCtx, signaling.Payload{Kind: signaling.KindReady})
	}

	go s.loop(legCtx)
	return nil
}

// End tears the leg down. It is safe to call from any goroutine, any number of times.
func (s *Session) End(reason EndReason) {
	s.teardown(reason, nil)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:    s.cfg.SessionID,
		Role:         s.cfg.Role,
		State:        s.state,
		AudioMuted:   s.audioMuted,
		VideoEnabled: !s.videoOff,
	}
}

// Connected is closed once the leg reached connected and OnConnected succeeded
func (s *Session) Connected() <-chan struct{} { return s.connected }

// Done is closed when the leg ended
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the leg, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reason returns why the leg ended
func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Active reports whether the leg holds or is acquiring devices
func (s *Session) Active() bool {
	switch s.State() {
	case StateCapturing, StateNegotiating, StateConnected:
		return true
	}
	return false
}

func (s *Session) SetAudioMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	if err := s.stream.SetAudioEnabled(!muted); err != nil {
		return err
	}
	s.audioMuted = muted
	return nil
}

func (s *Session) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	if err := s.stream.SetVideoEnabled(enabled); err != nil {
		return err
	}
	s.videoOff = !enabled
	return nil
}

// SendChat appends a text message to the chat log and mirrors it to the other
// party. Mirroring is best-effort and never retried.
func (s *Session) SendChat(ctx context.Context, body string) (*model.Message, error) {
	if !s.Active() {
		return nil, ErrNotActive
	}

	msg := &model.Message{
		ID:         uuid.NewString(),
		SessionID:  s.cfg.SessionID,
		SenderRole: s.cfg.Role,
		SenderID:   s.cfg.SenderID,
		Kind:       model.MessageText,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}
	stored, err := s.cfg.Chat.AppendChat(ctx, msg)
	if err != nil {
		return nil, err
	}

	s.send(ctx, signaling.Payload{Kind: signaling.KindChat, Message: stored})
	return stored, nil
}

func (s *Session) post(ev event) {
	select {
	case s.inbox <- ev:
	case <-s.done:
	}
}

func (s *Session) send(ctx context.Context, p signaling.Payload) {
	p.From = s.cfg.Role
	if err := s.cfg.Relay.Send(ctx, s.cfg.SessionID, signaling.Peer(s.cfg.Role), p); err != nil {
		s.logger.Warn("signaling send failed", "kind", p.Kind, "error", err)
	}
}

func (s *Session) fail(err error) error {
	s.teardown(EndFailed, err)
	return err
}

func (s *Session) currentPeer() PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) loop(ctx context.Context) {
	defer func() {
		if s.watchdog != nil {
			s.watchdog.Stop()
		}
	}()

	for {
		var timeout <-chan time.Time
		if s.watchdog != nil {
			timeout = s.watchdog.C
		}

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.teardown(EndNavigation, nil)
			return
		case <-timeout:
			s.watchdog = nil
			if s.State() == StateNegotiating {
				s.teardown(EndFailed, fmt.Errorf("%w: no remote stream after %s", ErrNegotiationFailed, s.cfg.NegotiationTimeout))
				return
			}
		case ev := <-s.inbox:
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evSignal:
		s.handleSignal(ctx, ev.payload)
	case evLocalCandidate:
		c := ev.candidate
		s.local = append(s.local, c)
		s.send(ctx, signaling.Payload{Kind: signaling.KindCandidate, Candidate: &c})
	case evRemoteStream:
		s.remoteStream(ctx)
	case evPeerLost:
		s.teardown(EndPeerLost, ev.err)
	}
}

func (s *Session) handleSignal(ctx context.Context, p signaling.Payload) {
	peer := s.currentPeer()
	if peer == nil {
		return
	}

	switch p.Kind {
	case signaling.KindReady:
		// the responder subscribed late: everything sent before is gone
		if s.initiator && s.offer != "" {
			s.send(ctx, signaling.Payload{Kind: signaling.KindOffer, SDP: s.offer})
			for i := range s.local {
				s.send(ctx, signaling.Payload{Kind: signaling.KindCandidate, Candidate: &s.local[i]})
			}
		}

	case signaling.KindOffer:
		if s.initiator {
			return
		}
		if s.answer != "" {
			// duplicate delivery; the first offer was already answered
			s.send(ctx, signaling.Payload{Kind: signaling.KindAnswer, SDP: s.answer})
			return
		}
		answer, err := peer.CreateAnswer(ctx, p.SDP)
		if err != nil {
			s.teardown(EndFailed, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err))
			return
		}
		s.answer = answer
		s.remoteDescriptionSet(ctx, peer)
		s.send(ctx, signaling.Payload{Kind: signaling.KindAnswer, SDP: answer})

	case signaling.KindAnswer:
		if !s.initiator || s.remoteSet {
			return
		}
		if err := peer.AcceptAnswer(ctx, p.SDP); err != nil {
			s.teardown(EndFailed, fmt.Errorf("%w: accept answer: %v", ErrNegotiationFailed, err))
			return
		}
		s.remoteDescriptionSet(ctx, peer)

	case signaling.KindCandidate:
		if p.Candidate == nil {
			return
		}
		if _, dup := s.seen[p.Candidate.Candidate]; dup {
			return
		}
		s.seen[p.Candidate.Candidate] = struct{}{}
		if !s.remoteSet {
			s.pending = append(s.pending, *p.Candidate)
			return
		}
		s.addCandidate(ctx, peer, *p.Candidate)

	case signaling.KindChat:
		if p.Message != nil && s.cfg.OnRemoteChat != nil {
			s.cfg.OnRemoteChat(p.Message)
		}

	case signaling.KindBye:
		reason := EndRemote
		if r := EndReason(p.Reason); r == EndCancelled || r == EndCompleted {
			reason = r
		}
		s.teardown(reason, nil)
	}
}

func (s *Session) remoteDescriptionSet(ctx context.Context, peer PeerConnection) {
	s.remoteSet = true
	for _, c := range s.pending {
		s.addCandidate(ctx, peer, c)
	}
	s.pending = nil

	if s.cfg.NegotiationTimeout > 0 && s.State() == StateNegotiating {
		s.watchdog = time.NewTimer(s.cfg.NegotiationTimeout)
	}
}

func (s *Session) addCandidate(ctx context.Context, peer PeerConnection, c signaling.Candidate) {
	if err := peer.AddCandidate(ctx, c); err != nil {
		s.logger.Warn("failed to apply remote candidate", "error", err)
	}
}

func (s *Session) remoteStream(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.mu.Unlock()

	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}

	if s.cfg.OnConnected != nil {
		if err := s.cfg.OnConnected(ctx); err != nil {
			s.teardown(EndAborted, err)
			return
		}
	}

	select {
	case <-s.done:
	default:
		close(s.connected)
		s.logger.Info("call leg connected")
	}
}

// teardown is the only exit path: it releases capture and peer resources and
// tells the other leg, whatever ended the call.
func (s *Session) teardown(reason EndReason, err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		wasIdle := s.state == StateIdle
		s.state = StateEnded
		s.reason = reason
		s.err = err
		stream, peer, sub, cancel := s.stream, s.peer, s.sub, s.cancel
		s.stream, s.peer, s.sub, s.cancel = nil, nil, nil, nil
		s.mu.Unlock()

		close(s.done)
		if cancel != nil {
			cancel()
		}
		if stream != nil {
			stopStream(s.logger, stream)
		}
		if peer != nil {
			if cerr := peer.Close(); cerr != nil {
				s.logger.Warn("failed to close peer connection", "error", cerr)
			}
		}
		if sub != nil {
			sub.Close()
		}
		if notifiesPeer(reason) && !wasIdle {
			ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
			s.send(ctx, signaling.Payload{Kind: signaling.KindBye, Reason: string(reason)})
			cancel()
		}

		s.logger.Info("call leg ended", "reason", reason, "error", err)
		if s.cfg.OnEnded != nil {
			s.cfg.OnEnded(reason, err)
		}
	})
}

// Cancel and completion already reach both legs through the coordinator
func notifiesPeer(reason EndReason) bool {
	switch reason {
	case EndRemote, EndCancelled, EndCompleted:
		return false
	}
	return true
}

func stopStream(logger *slog.Logger, stream LocalStream) {
	if err := stream.Stop(); err != nil {
		logger.Warn("failed to stop local capture", "error", err)
	}
}
