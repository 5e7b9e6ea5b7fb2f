package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"teleconsult/internal/media"
	"teleconsult/internal/signaling"
	"teleconsult/internal/transport/apierr"
)

const deviceCallTimeout = 60 * time.Second

// Device methods invoked on the browser
const (
	methodCapture      = "capture"
	methodCreateOffer  = "create_offer"
	methodCreateAnswer = "create_answer"
	methodAcceptAnswer = "accept_answer"
	methodAddCandidate = "add_candidate"
	methodSetAudio     = "set_audio"
	methodSetVideo     = "set_video"
	methodStopCapture  = "stop_capture"
	methodClosePeer    = "close_peer"
)

// Device events raised by the browser
const (
	eventCandidate    = "candidate"
	eventRemoteStream = "remote_stream"
	eventDisconnected = "disconnected"
)

var errSocketClosed = errors.New("call socket closed")

type peerParams struct {
	Peer      uint64               `json:"peer"`
	SDP       string               `json:"sdp,omitempty"`
	Candidate *signaling.Candidate `json:"candidate,omitempty"`
}

type sdpResult struct {
	SDP string `json:"sdp"`
}

type enabledParams struct {
	Enabled bool `json:"enabled"`
}

type deviceEvent struct {
	Peer      uint64               `json:"peer"`
	Candidate *signaling.Candidate `json:"candidate,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

// Device drives the browser's capture hardware and peer stack over the call
// socket. Calls wait for a result message with the same id; notifications
// do not.
type Device struct {
	write  func(Message) error
	closed <-chan struct{}
	logger *slog.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
	peerID  uint64
	events  media.PeerEvents

	queue eventQueue
}

func newDevice(write func(Message) error, closed <-chan struct{}, logger *slog.Logger) *Device {
	d := &Device{
		write:   write,
		closed:  closed,
		logger:  logger,
		pending: make(map[uint64]chan Message),
	}
	d.queue.signal = make(chan struct{}, 1)
	go d.queue.run(closed, d.handleEvent)
	return d
}

func (d *Device) Capture(ctx context.Context, c media.Constraints) (media.LocalStream, error) {
	if err := d.call(ctx, methodCapture, c, nil); err != nil {
		return nil, err
	}
	return &wsStream{d: d}, nil
}

func (d *Device) NewPeer(_ context.Context, events media.PeerEvents) (media.PeerConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peerID++
	d.events = events
	return &wsPeer{d: d, id: d.peerID}, nil
}

func (d *Device) call(ctx context.Context, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	id := d.nextID.Add(1)
	reply := make(chan Message, 1)
	d.mu.Lock()
	d.pending[id] = reply
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	if err := d.write(Message{Type: MsgCall, ID: id, Method: method, Payload: raw}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, deviceCallTimeout)
	defer cancel()

	select {
	case msg := <-reply:
		if msg.Error != nil {
			return deviceError(method, msg.Error)
		}
		if out != nil {
			if err := json.Unmarshal(msg.Payload, out); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closed:
		return errSocketClosed
	}
}

func (d *Device) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	return d.write(Message{Type: MsgNotify, Method: method, Payload: raw})
}

// resolve hands a result to the call waiting on it. Late results are dropped.
func (d *Device) resolve(msg Message) {
	d.mu.Lock()
	reply, ok := d.pending[msg.ID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("dropping result for unknown call", "id", msg.ID)
		return
	}
	select {
	case reply <- msg:
	default:
	}
}

// dispatch queues a device event. Events are handled off the read loop so a
// leg blocked on a device call never stalls result delivery.
func (d *Device) dispatch(msg Message) {
	d.queue.push(msg)
}

func (d *Device) handleEvent(msg Message) {
	var ev deviceEvent
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			d.logger.Warn("invalid device event", "method", msg.Method, "error", err)
			return
		}
	}

	d.mu.Lock()
	current, events := d.peerID, d.events
	d.mu.Unlock()
	if ev.Peer != current {
		d.logger.Debug("dropping event for stale peer", "method", msg.Method, "peer", ev.Peer)
		return
	}

	switch msg.Method {
	case eventCandidate:
		if ev.Candidate != nil && events.OnCandidate != nil {
			events.OnCandidate(*ev.Candidate)
		}
	case eventRemoteStream:
		if events.OnRemoteStream != nil {
			events.OnRemoteStream()
		}
	case eventDisconnected:
		if events.OnDisconnect != nil {
			reason := ev.Reason
			if reason == "" {
				reason = "peer connection lost"
			}
			events.OnDisconnect(errors.New(reason))
		}
	default:
		d.logger.Warn("unknown device event", "method", msg.Method)
	}
}

func (d *Device) detach(peer uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peerID == peer {
		d.events = media.PeerEvents{}
	}
}

func deviceError(method string, body *ErrorBody) error {
	if body.Code == apierr.CodeMediaDenied {
		return fmt.Errorf("%w: %s", media.ErrMediaAccessDenied, body.Message)
	}
	return fmt.Errorf("device %s failed: %s: %s", method, body.Code, body.Message)
}

type wsStream struct {
	d *Device
}

func (s *wsStream) SetAudioEnabled(enabled bool) error {
	return s.d.notify(methodSetAudio, enabledParams{Enabled: enabled})
}

func (s *wsStream) SetVideoEnabled(enabled bool) error {
	return s.d.notify(methodSetVideo, enabledParams{Enabled: enabled})
}

func (s *wsStream) Stop() error {
	if err := s.d.notify(methodStopCapture, struct{}{}); err != nil && !errors.Is(err, errSocketClosed) {
		return err
	}
	return nil
}

type wsPeer struct {
	d  *Device
	id uint64
}

func (p *wsPeer) CreateOffer(ctx context.Context) (string, error) {
	var res sdpResult
	if err := p.d.call(ctx, methodCreateOffer, peerParams{Peer: p.id}, &res); err != nil {
		return "", err
	}
	return res.SDP, nil
}

func (p *wsPeer) CreateAnswer(ctx context.Context, offer string) (string, error) {
	var res sdpResult
	if err := p.d.call(ctx, methodCreateAnswer, peerParams{Peer: p.id, SDP: offer}, &res); err != nil {
		return "", err
	}
	return res.SDP, nil
}

func (p *wsPeer) AcceptAnswer(ctx context.Context, answer string) error {
	return p.d.call(ctx, methodAcceptAnswer, peerParams{Peer: p.id, SDP: answer}, nil)
}

func (p *wsPeer) AddCandidate(ctx context.Context, c signaling.Candidate) error {
	return p.d.call(ctx, methodAddCandidate, peerParams{Peer: p.id, Candidate: &c}, nil)
}

func (p *wsPeer) Close() error {
	p.d.detach(p.id)
	if err := p.d.notify(methodClosePeer, peerParams{Peer: p.id}); err != nil && !errors.Is(err, errSocketClosed) {
		return err
	}
	return nil
}

// eventQueue is an unbounded FIFO drained by one goroutine
type eventQueue struct {
	mu     sync.Mutex
	items  []Message
	signal chan struct{}
}

func (q *eventQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(closed <-chan struct{}, fn func(Message)) {
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()

		if len(items) == 0 {
			select {
			case <-q.signal:
				continue
			case <-closed:
				return
			}
		}
		for _, msg := range items {
			fn(msg)
		}
	}
}
