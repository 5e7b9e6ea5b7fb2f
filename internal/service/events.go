package service

import (
	"hash/fnv"
	"sync"

	"teleconsult/internal/model"
)

const eventStripes = 32

// Subscriber receives events synchronously. It must not block and must not
// publish on the same bus.
type Subscriber func(model.Event)

type subscription struct {
	sessionID string
	fn        Subscriber
}

// EventBus fans session events out to views. Events of one session are delivered
// in publish order; different sessions are delivered concurrently.
type EventBus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]subscription
	stripes [eventStripes]sync.Mutex
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscription)}
}

// Subscribe registers fn for one session, or for every session when sessionID is
// empty. The returned func removes the subscription.
func (b *EventBus) Subscribe(sessionID string, fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{sessionID: sessionID, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *EventBus) Publish(ev model.Event) {
	stripe := &b.stripes[stripeFor(ev.SessionID)]
	stripe.Lock()
	defer stripe.Unlock()
	b.deliver(ev)
}

// Commit runs write under the session's delivery lock and publishes the event it
// returns before the lock is released. Writes to one session that go through
// Commit are therefore seen by subscribers in the order they were applied. A nil
// event publishes nothing.
func (b *EventBus) Commit(sessionID string, write func() (*model.Event, error)) error {
	stripe := &b.stripes[stripeFor(sessionID)]
	stripe.Lock()
	defer stripe.Unlock()

	ev, err := write()
	if err != nil || ev == nil {
		return err
	}
	b.deliver(*ev)
	return nil
}

func (b *EventBus) deliver(ev model.Event) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.sessionID == "" || s.sessionID == ev.SessionID {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
}

func stripeFor(sessionID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return h.Sum32() % eventStripes
}
