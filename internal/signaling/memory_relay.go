package signaling

import (
	"context"
	"sync"

	"teleconsult/internal/model"
)

const memoryQueueSize = 128

type memorySub struct {
	relay   *MemoryRelay
	channel string
	queue   chan Payload
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.relay.remove(s)
		close(s.done)
	})
	return nil
}

// MemoryRelay delivers payloads between legs hosted by the same process
type MemoryRelay struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string][]*memorySub)}
}

func (r *MemoryRelay) Send(ctx context.Context, sessionID string, to model.Role, p Payload) error {
	r.mu.Lock()
	targets := append([]*memorySub(nil), r.subs[channelName(sessionID, to)]...)
	r.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- p:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *MemoryRelay) Subscribe(_ context.Context, sessionID string, role model.Role, h Handler) (Subscription, error) {
	s := &memorySub{
		relay:   r,
		channel: channelName(sessionID, role),
		queue:   make(chan Payload, memoryQueueSize),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[s.channel] = append(r.subs[s.channel], s)
	r.mu.Unlock()

	go func() {
		for {
			select {
			case p := <-s.queue:
				h(p)
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

func (r *MemoryRelay) remove(s *memorySub) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[s.channel]
	for i, x := range subs {
		if x == s {
			r.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[s.channel]) == 0 {
		delete(r.subs, s.channel)
	}
}
