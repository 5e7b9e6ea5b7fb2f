// Package mediatest provides an in-process Device for exercising call legs
// without real capture hardware or a peer stack.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"teleconsult/internal/media"
	"teleconsult/internal/signaling"
)

var errClosed = errors.New("peer closed")

// Device fakes a client's capture and peer stack. The remote stream fires as soon
// as this side has both descriptions, unless HoldRemote is set.
type Device struct {
	// DenyCapture makes Capture fail with media.ErrMediaAccessDenied
	DenyCapture bool
	// CaptureGate, when non-nil, blocks Capture until it is closed
	CaptureGate chan struct{}
	// HoldRemote, when non-nil, delays the remote stream until it is closed
	HoldRemote chan struct{}
	// NoRemote suppresses the remote stream entirely
	NoRemote  bool
	FailOffer bool
	// NeedCandidate holds the remote stream until a remote candidate was applied
	NeedCandidate bool

	mu      sync.Mutex
	streams []*Stream
	peers   []*Peer
}

func NewDevice() *Device {
	return &Device{}
}

func (d *Device) Capture(ctx context.Context, c media.Constraints) (media.LocalStream, error) {
	if d.CaptureGate != nil {
		select {
		case <-d.CaptureGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.DenyCapture {
		return nil, fmt.Errorf("%w: permission dismissed", media.ErrMediaAccessDenied)
	}

	s := &Stream{audio: c.Audio, video: c.Video}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *Device) NewPeer(_ context.Context, events media.PeerEvents) (media.PeerConnection, error) {
	p := &Peer{device: d, events: events, closed: make(chan struct{})}
	d.mu.Lock()
	d.peers = append(d.peers, p)
	d.mu.Unlock()
	return p, nil
}

// Streams returns every stream captured so far
func (d *Device) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// Peers returns every peer created so far
func (d *Device) Peers() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Peer(nil), d.peers...)
}

// Released reports whether every stream was stopped and every peer closed
func (d *Device) Released() bool {
	for _, s := range d.Streams() {
		if !s.Stopped() {
			return false
		}
	}
	for _, p := range d.Peers() {
		if !p.Closed() {
			return false
		}
	}
	return true
}

type Stream struct {
	mu      sync.Mutex
	audio   bool
	video   bool
	stopped bool
}

func (s *Stream) SetAudioEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = enabled
	return nil
}

func (s *Stream) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = enabled
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *Stream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *Stream) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type Peer struct {
	device *Device
	events media.PeerEvents

	mu         sync.Mutex
	offers     int
	answers    int
	candidates []signaling.Candidate
	described  bool
	fired      bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func (p *Peer) CreateOffer(context.Context) (string, error) {
	if p.Closed() {
		return "", errClosed
	}
	if p.device.FailOffer {
		return "", errors.New("no codecs in common")
	}
	p.mu.Lock()
	p.offers++
	p.mu.Unlock()

	p.emitCandidate("offerer")
	return "v=0 offer", nil
}

func (p *Peer) CreateAnswer(_ context.Context, offer string) (string, error) {
	if p.Closed() {
		return "", errClosed
	}
	if offer == "" {
		return "", errors.New("empty offer")
	}
	p.mu.Lock()
	p.answers++
	p.mu.Unlock()

	p.emitCandidate("answerer")
	p.fireRemote()
	return "v=0 answer", nil
}

func (p *Peer) AcceptAnswer(_ context.Context, answer string) error {
	if p.Closed() {
		return errClosed
	}
	if answer == "" {
		return errors.New("empty answer")
	}
	p.fireRemote()
	return nil
}

func (p *Peer) AddCandidate(_ context.Context, c signaling.Candidate) error {
	if p.Closed() {
		return errClosed
	}
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	ready := p.described
	p.mu.Unlock()
	if ready {
		p.fireRemote()
	}
	return nil
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Candidates returns the remote candidates applied so far
func (p *Peer) Candidates() []signaling.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signaling.Candidate(nil), p.candidates...)
}

// Offers returns how many offers this peer created
func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// Answers returns how many answers this peer created
func (p *Peer) Answers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

// Disconnect simulates the network path dropping
func (p *Peer) Disconnect(err error) {
	if p.events.OnDisconnect != nil {
		go p.events.OnDisconnect(err)
	}
}

func (p *Peer) emitCandidate(side string) {
	if p.events.OnCandidate == nil {
		return
	}
	idx := uint16(0)
	mid := "0"
	c := signaling.Candidate{
		Candidate:     "candidate:1 1 udp 2122260223 10.0.0.1 54400 typ host " + side,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	go p.events.OnCandidate(c)
}

// fireRemote is called once both descriptions exist and again on every
// candidate after that. The remote stream fires at most once.
func (p *Peer) fireRemote() {
	if p.device.NoRemote || p.events.OnRemoteStream == nil {
		return
	}
	p.mu.Lock()
	p.described = true
	if p.fired || (p.device.NeedCandidate && len(p.candidates) == 0) {
		p.mu.Unlock()
		return
	}
	p.fired = true
	p.mu.Unlock()

	hold := p.device.HoldRemote
	go func() {
		if hold != nil {
			select {
			case <-hold:
			case <-p.closed:
				return
			}
		}
		if !p.Closed() {
			p.events.OnRemoteStream()
		}
	}()
}
