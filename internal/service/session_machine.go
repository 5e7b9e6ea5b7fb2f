package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"teleconsult/internal/model"
	"teleconsult/internal/repository"
)

type Trigger string

const (
	TriggerApprove  Trigger = "approve"
	TriggerReject   Trigger = "reject"
	TriggerStart    Trigger = "start"
	TriggerComplete Trigger = "complete"
	TriggerCancel   Trigger = "cancel"
)

var transitions = map[model.SessionStatus]map[Trigger]model.SessionStatus{
	model.SessionPending: {
		TriggerApprove: model.SessionScheduled,
		TriggerReject:  model.SessionRejected,
		TriggerCancel:  model.SessionCancelled,
	},
	model.SessionScheduled: {
		TriggerStart:  model.SessionOngoing,
		TriggerCancel: model.SessionCancelled,
	},
	model.SessionOngoing: {
		TriggerComplete: model.SessionCompleted,
		TriggerCancel:   model.SessionCancelled,
	},
}

// Next returns the status reached by firing trigger in status from
func Next(from model.SessionStatus, trigger Trigger) (model.SessionStatus, bool) {
	to, ok := transitions[from][trigger]
	return to, ok
}

// TransitionError reports a trigger that is not legal in the observed status
type TransitionError struct {
	SessionID string
	From      model.SessionStatus
	Trigger   Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s session %s: status is %s", e.Trigger, e.SessionID, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// maxCancelAttempts bounds the cancel retry loop. Statuses only move forward, so
// more than three lost races means the store is misbehaving.
const maxCancelAttempts = 4

// SessionMachine owns the session status. Every transition is one compare-and-set
// in the repository, published on the bus under the same per-session lock.
type SessionMachine struct {
	repo   repository.SessionRepo
	bus    *EventBus
	logger *slog.Logger
	count  metric.Int64Counter
	now    func() time.Time
}

func NewSessionMachine(repo repository.SessionRepo, bus *EventBus, logger *slog.Logger) *SessionMachine {
	counter, err := otel.Meter("teleconsult/service").Int64Counter(
		"session.transitions",
		metric.WithDescription("Applied session status transitions"),
	)
	if err != nil {
		logger.Warn("failed to create transition counter", "error", err)
	}
	return &SessionMachine{
		repo:   repo,
		bus:    bus,
		logger: logger,
		count:  counter,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the session or ErrSessionNotFound
func (m *SessionMachine) Get(ctx context.Context, id string) (*model.Session, error) {
	s, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *SessionMachine) Approve(ctx context.Context, id string, review model.ReviewInfo) (*model.Session, error) {
	actor := model.Caller{Role: review.ReviewerRole, ID: review.ReviewerID}
	return m.fire(ctx, id, TriggerApprove, actor, func(t *repository.Transition) {
		review.ReviewedAt = t.At
		t.Review = &review
	})
}

func (m *SessionMachine) Reject(ctx context.Context, id string, review model.ReviewInfo) (*model.Session, error) {
	actor := model.Caller{Role: review.ReviewerRole, ID: review.ReviewerID}
	return m.fire(ctx, id, TriggerReject, actor, func(t *repository.Transition) {
		review.ReviewedAt = t.At
		t.Review = &review
	})
}

// Start moves a scheduled session to ongoing. Only one caller can win it.
func (m *SessionMachine) Start(ctx context.Context, id string, actor model.Caller) (*model.Session, error) {
	return m.fire(ctx, id, TriggerStart, actor, func(t *repository.Transition) {
		at := t.At
		t.ActualStart = &at
	})
}

// Complete writes the clinical output and actualEnd together with the status
func (m *SessionMachine) Complete(ctx context.Context, id string, actor model.Caller, clinical model.ClinicalOutput) (*model.Session, error) {
	return m.fire(ctx, id, TriggerComplete, actor, func(t *repository.Transition) {
		at := t.At
		t.ActualEnd = &at
		t.Clinical = &clinical
	})
}

// Cancel moves any non-terminal session to cancelled, retrying when another
// transition wins the race in between.
func (m *SessionMachine) Cancel(ctx context.Context, id string, actor model.Caller, reason string) (*model.Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		s, err := m.fire(ctx, id, TriggerCancel, actor, func(t *repository.Transition) {
			t.Cancellation = &model.Cancellation{
				ActorID:     actor.ID,
				ActorRole:   actor.Role,
				Reason:      reason,
				CancelledAt: t.At,
			}
		})
		if err == nil {
			return s, nil
		}

		var te *TransitionError
		if !errors.As(err, &te) || te.From.IsTerminal() {
			return nil, err
		}
		m.logger.Debug("cancel lost a race, retrying", "session_id", id, "observed", te.From)
		lastErr = err
	}
	return nil, lastErr
}

// MarkJoined records that a party reached the call
func (m *SessionMachine) MarkJoined(ctx context.Context, id string, role model.Role) (*model.Session, error) {
	s, err := m.repo.MarkJoined(ctx, id, role, m.now())
	if err != nil {
		return nil, m.translate(id, TriggerStart, err)
	}
	return s, nil
}

func (m *SessionMachine) fire(ctx context.Context, id string, trigger Trigger, actor model.Caller, fill func(*repository.Transition)) (*model.Session, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to, ok := Next(current.Status, trigger)
	if !ok {
		return nil, &TransitionError{SessionID: id, From: current.Status, Trigger: trigger}
	}

	t := repository.Transition{From: current.Status, To: to, At: m.now()}
	fill(&t)

	var updated *model.Session
	err = m.bus.Commit(id, func() (*model.Event, error) {
		var err error
		updated, err = m.repo.ApplyTransition(ctx, id, t)
		if err != nil {
			return nil, m.translate(id, trigger, err)
		}
		return &model.Event{
			Type:      model.EventStatusChanged,
			SessionID: id,
			Status: &model.StatusChange{
				SessionID:  id,
				PatientID:  current.PatientID,
				ProviderID: current.ProviderID,
				From:       t.From,
				To:         t.To,
				ActorRole:  actor.Role,
				ActorID:    actor.ID,
				At:         t.At,
			},
			At: t.At,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if m.count != nil {
		m.count.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(t.From)),
			attribute.String("to", string(t.To)),
		))
	}
	m.logger.Info("session transition applied",
		"session_id", id,
		"from", t.From,
		"to", t.To,
		"actor_role", actor.Role,
		"actor_id", actor.ID,
	)
	return updated, nil
}

func (m *SessionMachine) translate(id string, trigger Trigger, err error) error {
	var mismatch *repository.StatusMismatchError
	if errors.As(err, &mismatch) {
		return &TransitionError{SessionID: id, From: mismatch.Current, Trigger: trigger}
	}
	if errors.Is(err, repository.ErrSessionNotFound) {
		return ErrSessionNotFound
	}
	return fmt.Errorf("failed to update session: %w", err)
}
