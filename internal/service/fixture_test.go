package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"teleconsult/internal/cache"
	"teleconsult/internal/model"
	"teleconsult/internal/repository"
	"teleconsult/internal/signaling"
)

const wait = 2 * time.Second

var (
	patient      = model.Caller{Role: model.RolePatient, ID: "pat-1"}
	otherPatient = model.Caller{Role: model.RolePatient, ID: "pat-2"}
	provider     = model.Caller{Role: model.RoleProvider, ID: "doc-1"}
	otherDoc     = model.Caller{Role: model.RoleProvider, ID: "doc-2"}
	admin        = model.Caller{Role: model.RoleAdmin, ID: "admin-1"}
)

type sinks struct {
	mu      sync.Mutex
	fail    error
	calls   int
	billing []model.BillingEvent
	records []model.RecordsEvent
}

// failWith makes both sinks reject every event with err until called with nil
func (s *sinks) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *sinks) SettleSession(_ context.Context, ev model.BillingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return s.fail
	}
	s.billing = append(s.billing, ev)
	return nil
}

func (s *sinks) RecordOutcome(_ context.Context, ev model.RecordsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, ev)
	return nil
}

func (s *sinks) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.billing), len(s.records)
}

type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) record(ev model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) transitionsTo(sessionID string, to model.SessionStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == model.EventStatusChanged && ev.SessionID == sessionID && ev.Status.To == to {
			n++
		}
	}
	return n
}

func (l *eventLog) count(sessionID string, typ model.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ && ev.SessionID == sessionID {
			n++
		}
	}
	return n
}

type fixture struct {
	repo     repository.SessionRepo
	bus      *EventBus
	chat     *ChatService
	relay    *signaling.MemoryRelay
	machine  *SessionMachine
	approval *ApprovalWorkflow
	requests *RequestService
	coord    *SessionCoordinator
	sinks    *sinks
	events   *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		repo:   repository.NewMemorySessionRepo(),
		bus:    NewEventBus(),
		relay:  signaling.NewMemoryRelay(),
		sinks:  &sinks{},
		events: &eventLog{},
	}
	f.bus.Subscribe("", f.events.record)
	f.chat = NewChatService(cache.NewMemoryChatLog(), f.bus, logger)
	f.machine = NewSessionMachine(f.repo, f.bus, logger)
	f.approval = NewApprovalWorkflow(f.machine, f.repo, f.chat, nil, logger)
	f.requests = NewRequestService(f.repo, f.bus, StaticFeeSchedule{
		Currency: "USD",
		Amounts: map[model.SessionType]int64{
			model.SessionVideo: 5000,
			model.SessionAudio: 4000,
			model.SessionChat:  2500,
		},
	}, logger)
	f.coord = NewSessionCoordinator(CoordinatorDeps{
		Machine:  f.machine,
		Approval: f.approval,
		Repo:     f.repo,
		Chat:     f.chat,
		Relay:    f.relay,
		Bus:      f.bus,
		Billing:  f.sinks,
		Records:  f.sinks,
		Logger:   logger,
	})
	t.Cleanup(f.coord.Shutdown)
	return f
}

// pending creates a pending video session between patient and provider
func (f *fixture) pending(t *testing.T) string {
	t.Helper()
	s, err := f.requests.Create(context.Background(), patient, model.CreateSessionRequest{
		ProviderID:  provider.ID,
		Type:        model.SessionVideo,
		ScheduledAt: time.Now().Add(time.Hour),
		DurationMin: 30,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s.ID
}

// scheduled creates a session and approves it as the assigned provider
func (f *fixture) scheduled(t *testing.T) string {
	t.Helper()
	id := f.pending(t)
	if _, err := f.approval.Review(context.Background(), id, provider, model.DecisionApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return id
}

func (f *fixture) status(t *testing.T, id string) model.SessionStatus {
	t.Helper()
	s, err := f.machine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s.Status
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(wait):
		t.Fatalf("timed out waiting for %s", what)
	}
}
