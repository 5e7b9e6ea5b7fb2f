package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"teleconsult/internal/media"
	"teleconsult/internal/model"
	"teleconsult/internal/repository"
	"teleconsult/internal/signaling"
)

const (
	byeTimeout        = 5 * time.Second
	reconcileBatchMax = 100
)

// BillingSink receives the billing projection of every completed session
type BillingSink interface {
	SettleSession(ctx context.Context, ev model.BillingEvent) error
}

// RecordsSink receives the clinical projection of every completed session
type RecordsSink interface {
	RecordOutcome(ctx context.Context, ev model.RecordsEvent) error
}

// JoinOptions are the hooks of the client that asked to join
type JoinOptions struct {
	OnRemoteChat func(msg *model.Message)
	OnEnded      func(reason media.EndReason, err error)
}

type legKey struct {
	sessionID string
	role      model.Role
}

type liveLeg struct {
	leg      *media.Session
	callerID string
}

// SessionCoordinator is the entry point for every client command. It keeps the
// live call legs of this process; all session state lives in the repository.
type SessionCoordinator struct {
	machine  *SessionMachine
	approval *ApprovalWorkflow
	repo     repository.SessionRepo
	chat     *ChatService
	relay    signaling.Relay
	bus      *EventBus
	billing  BillingSink
	records  RecordsSink
	logger   *slog.Logger
	tracer   trace.Tracer

	negotiationTimeout time.Duration

	mu   sync.Mutex
	legs map[legKey]*liveLeg
}

// CoordinatorDeps groups the collaborators of a SessionCoordinator
type CoordinatorDeps struct {
	Machine            *SessionMachine
	Approval           *ApprovalWorkflow
	Repo               repository.SessionRepo
	Chat               *ChatService
	Relay              signaling.Relay
	Bus                *EventBus
	Billing            BillingSink
	Records            RecordsSink
	NegotiationTimeout time.Duration
	Logger             *slog.Logger
}

func NewSessionCoordinator(deps CoordinatorDeps) *SessionCoordinator {
	return &SessionCoordinator{
		machine:            deps.Machine,
		approval:           deps.Approval,
		repo:               deps.Repo,
		chat:               deps.Chat,
		relay:              deps.Relay,
		bus:                deps.Bus,
		billing:            deps.Billing,
		records:            deps.Records,
		logger:             deps.Logger,
		tracer:             otel.Tracer("teleconsult/service"),
		negotiationTimeout: deps.NegotiationTimeout,
		legs:               make(map[legKey]*liveLeg),
	}
}

// RequestJoin starts the caller's call leg on device. ctx bounds the leg's life:
// cancelling it tears the leg down. The session moves to ongoing when the first
// leg connects.
func (c *SessionCoordinator) RequestJoin(ctx context.Context, id string, caller model.Caller, device media.Device, opts JoinOptions) (leg *media.Session, err error) {
	spanCtx, span := c.span(ctx, "RequestJoin", id, caller)
	defer func() { endSpan(span, err) }()

	s, err := c.machine.Get(spanCtx, id)
	if err != nil {
		return nil, err
	}
	role, err := partyRole(s, caller)
	if err != nil {
		return nil, err
	}
	if s.Status != model.SessionScheduled && s.Status != model.SessionOngoing {
		return nil, &TransitionError{SessionID: id, From: s.Status, Trigger: TriggerStart}
	}

	key := legKey{sessionID: id, role: role}
	var live *liveLeg
	leg = media.New(media.Config{
		SessionID:          id,
		Role:               role,
		SenderID:           caller.ID,
		Constraints:        media.ConstraintsFor(s.Type),
		Device:             device,
		Relay:              c.relay,
		Chat:               c.chat,
		NegotiationTimeout: c.negotiationTimeout,
		OnConnected: func(ctx context.Context) error {
			return c.onConnected(ctx, id, caller, role)
		},
		OnRemoteChat: opts.OnRemoteChat,
		OnEnded: func(reason media.EndReason, err error) {
			c.release(key, live)
			if opts.OnEnded != nil {
				opts.OnEnded(reason, err)
			}
		},
		Logger: c.logger,
	})
	live = &liveLeg{leg: leg, callerID: caller.ID}

	c.mu.Lock()
	if existing, ok := c.legs[key]; ok && existing.leg.State() != media.StateEnded {
		c.mu.Unlock()
		return nil, ErrAlreadyInCall
	}
	c.legs[key] = live
	c.mu.Unlock()

	if err := leg.Join(ctx); err != nil {
		leg.End(media.EndAborted)
		c.release(key, live)
		return nil, err
	}
	return leg, nil
}

// onConnected runs when a leg first receives remote media. The start transition is
// a compare-and-set, so only the first connected leg performs it.
func (c *SessionCoordinator) onConnected(ctx context.Context, id string, caller model.Caller, role model.Role) error {
	if _, err := c.machine.MarkJoined(ctx, id, role); err != nil {
		return err
	}

	_, err := c.machine.Start(ctx, id, caller)
	var te *TransitionError
	switch {
	case err == nil:
		c.chat.AppendSystem(ctx, id, "Call started")
	case errors.As(err, &te) && te.From == model.SessionOngoing:
		// the other party connected first
	default:
		return err
	}

	c.chat.AppendSystem(ctx, id, capitalize(string(role))+" joined the call")
	return nil
}

// EndSession completes an ongoing session with its clinical output, ends both
// call legs and emits the finalize event. Only the assigned provider or an admin
// may end a session. When the hand-off to billing or records fails, the completed
// session is returned together with an error matching ErrFinalizeFailed; the
// reconciler delivers it later.
func (c *SessionCoordinator) EndSession(ctx context.Context, id string, caller model.Caller, clinical model.ClinicalOutput) (updated *model.Session, err error) {
	ctx, span := c.span(ctx, "EndSession", id, caller)
	defer func() { endSpan(span, err) }()

	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && (caller.Role != model.RoleProvider || s.ProviderID != caller.ID) {
		return nil, ErrUnauthorized
	}
	if clinical.FollowUp && clinical.FollowUpDate == nil {
		return nil, fmt.Errorf("%w: followUpDate is required when followUp is set", ErrInvalidRequest)
	}
	if !clinical.FollowUp {
		clinical.FollowUpDate = nil
	}

	updated, err = c.machine.Complete(ctx, id, caller, clinical)
	if err != nil {
		return nil, err
	}

	c.hangUp(ctx, id, media.EndCompleted)
	c.chat.AppendSystem(ctx, id, "Session completed")
	if err := c.finalize(ctx, updated); err != nil {
		c.logger.Error("finalize hand-off failed", "session_id", id, "error", err)
		return updated, err
	}
	return updated, nil
}

// ReconcileFinalized hands completed sessions that ended before endedBefore and
// never reached billing and records to the sinks again. It returns how many were
// handed off. The sinks are insert-once, so a repeated hand-off is recorded once.
func (c *SessionCoordinator) ReconcileFinalized(ctx context.Context, endedBefore time.Time) (int, error) {
	sessions, err := c.repo.ListUnfinalized(ctx, endedBefore, reconcileBatchMax)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinalized sessions: %w", err)
	}
	n := 0
	for _, s := range sessions {
		if err := c.finalize(ctx, s); err != nil {
			c.logger.Warn("finalize retry failed", "session_id", s.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// RunFinalizeReconciler calls ReconcileFinalized every interval until ctx is
// done. Sessions younger than one interval are left to EndSession. A zero
// interval disables it.
func (c *SessionCoordinator) RunFinalizeReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.ReconcileFinalized(ctx, time.Now().UTC().Add(-interval))
			if err != nil {
				c.logger.Error("finalize reconcile failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Info("finalized sessions on retry", "count", n)
			}
		}
	}
}

// Cancel moves a non-terminal session to cancelled and interrupts any call in
// progress, including one still negotiating.
func (c *SessionCoordinator) Cancel(ctx context.Context, id string, caller model.Caller, reason string) (updated *model.Session, err error) {
	ctx, span := c.span(ctx, "Cancel", id, caller)
	defer func() { endSpan(span, err) }()

	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && s.PartyRole(caller.ID) != caller.Role {
		return nil, ErrUnauthorized
	}

	updated, err = c.machine.Cancel(ctx, id, caller, reason)
	if err != nil {
		return nil, err
	}

	c.hangUp(ctx, id, media.EndCancelled)
	c.chat.AppendSystem(ctx, id, "Session cancelled by "+string(caller.Role))
	return updated, nil
}

// Leave hangs up the caller's own leg. The session status is not touched; an
// ongoing session stays ongoing until it is ended or cancelled.
func (c *SessionCoordinator) Leave(ctx context.Context, id string, caller model.Caller) error {
	leg, err := c.legFor(id, caller)
	if err != nil {
		return err
	}
	leg.End(media.EndLocal)
	c.chat.AppendSystem(ctx, id, capitalize(string(caller.Role))+" left the call")
	return nil
}

func (c *SessionCoordinator) SendChatMessage(ctx context.Context, id string, caller model.Caller, body string) (*model.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	leg, err := c.legFor(id, caller)
	if err != nil {
		return nil, err
	}
	msg, err := leg.SendChat(ctx, body)
	if errors.Is(err, media.ErrNotActive) {
		return nil, ErrNotInCall
	}
	return msg, err
}

func (c *SessionCoordinator) ToggleMute(id string, caller model.Caller, muted bool) (media.Info, error) {
	leg, err := c.legFor(id, caller)
	if err != nil {
		return media.Info{}, err
	}
	if err := leg.SetAudioMuted(muted); err != nil {
		return media.Info{}, err
	}
	return leg.Info(), nil
}

func (c *SessionCoordinator) ToggleVideo(id string, caller model.Caller, enabled bool) (media.Info, error) {
	leg, err := c.legFor(id, caller)
	if err != nil {
		return media.Info{}, err
	}
	if err := leg.SetVideoEnabled(enabled); err != nil {
		return media.Info{}, err
	}
	return leg.Info(), nil
}

func (c *SessionCoordinator) Review(ctx context.Context, id string, caller model.Caller, decision model.ReviewDecision, note string) (updated *model.Session, err error) {
	ctx, span := c.span(ctx, "Review", id, caller)
	defer func() { endSpan(span, err) }()
	return c.approval.Review(ctx, id, caller, decision, note)
}

func (c *SessionCoordinator) ListPendingForReviewer(ctx context.Context, caller model.Caller) ([]*model.Session, error) {
	return c.approval.ListPending(ctx, caller)
}

// ListForParty returns the caller's sessions; admins see every session
func (c *SessionCoordinator) ListForParty(ctx context.Context, caller model.Caller) ([]*model.Session, error) {
	var (
		sessions []*model.Session
		err      error
	)
	if caller.IsAdmin() {
		sessions, err = c.repo.ListByParty(ctx, model.RoleAdmin, "")
	} else {
		sessions, err = c.repo.ListByParty(ctx, caller.Role, caller.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns the session with its full chat replay
func (c *SessionCoordinator) GetSession(ctx context.Context, id string, caller model.Caller) (*model.SessionView, error) {
	s, err := c.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanSee(s) {
		return nil, ErrUnauthorized
	}
	chat, err := c.chat.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.SessionView{Session: s, Chat: chat}, nil
}

// LegInfo reports the caller's live leg, if any
func (c *SessionCoordinator) LegInfo(id string, caller model.Caller) (media.Info, error) {
	leg, err := c.legFor(id, caller)
	if err != nil {
		return media.Info{}, err
	}
	return leg.Info(), nil
}

// Shutdown ends every live leg of this process
func (c *SessionCoordinator) Shutdown() {
	c.mu.Lock()
	legs := make([]*media.Session, 0, len(c.legs))
	for _, l := range c.legs {
		legs = append(legs, l.leg)
	}
	c.mu.Unlock()

	for _, leg := range legs {
		leg.End(media.EndAborted)
	}
}

func (c *SessionCoordinator) legFor(id string, caller model.Caller) (*media.Session, error) {
	if !caller.Role.IsParty() {
		return nil, ErrNotInCall
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	live, ok := c.legs[legKey{sessionID: id, role: caller.Role}]
	if !ok || live.callerID != caller.ID || live.leg.State() == media.StateEnded {
		return nil, ErrNotInCall
	}
	return live.leg, nil
}

func (c *SessionCoordinator) release(key legKey, live *liveLeg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.legs[key] == live {
		delete(c.legs, key)
	}
}

// hangUp ends the local legs of a session and tells both roles to hang up, so
// legs hosted by other instances end too.
func (c *SessionCoordinator) hangUp(ctx context.Context, id string, reason media.EndReason) {
	var legs []*media.Session
	c.mu.Lock()
	for _, role := range []model.Role{model.RolePatient, model.RoleProvider} {
		if live, ok := c.legs[legKey{sessionID: id, role: role}]; ok {
			legs = append(legs, live.leg)
		}
	}
	c.mu.Unlock()

	// legs call back into release, so the lock must not be held here
	for _, leg := range legs {
		leg.End(reason)
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), byeTimeout)
	defer cancel()
	for _, role := range []model.Role{model.RolePatient, model.RoleProvider} {
		bye := signaling.Payload{Kind: signaling.KindBye, Reason: string(reason)}
		if err := c.relay.Send(sendCtx, id, role, bye); err != nil {
			c.logger.Warn("failed to send bye", "session_id", id, "role", role, "error", err)
		}
	}
}

// finalize hands the completed session to billing and records, marks it
// finalized and announces it. Both sinks are tried even when one fails.
func (c *SessionCoordinator) finalize(ctx context.Context, s *model.Session) error {
	ev := &model.FinalizeEvent{
		SessionID:  s.ID,
		PatientID:  s.PatientID,
		ProviderID: s.ProviderID,
		Fee:        s.Fee,
	}
	if s.Call.ActualEnd != nil {
		ev.CompletedAt = *s.Call.ActualEnd
	}
	if s.Clinical != nil {
		ev.Clinical = *s.Clinical
	}

	var errs []error
	if c.billing != nil {
		if err := c.billing.SettleSession(ctx, ev.Billing()); err != nil {
			errs = append(errs, fmt.Errorf("billing: %w", err))
		}
	}
	if c.records != nil {
		if err := c.records.RecordOutcome(ctx, ev.Records()); err != nil {
			errs = append(errs, fmt.Errorf("records: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrFinalizeFailed, err)
	}

	// the sink rows exist; a failed mark only means the reconciler replays them
	if err := c.repo.MarkFinalized(ctx, s.ID, time.Now().UTC()); err != nil {
		c.logger.Warn("failed to mark session finalized", "session_id", s.ID, "error", err)
	}

	c.bus.Publish(model.Event{
		Type:      model.EventSessionFinalized,
		SessionID: s.ID,
		Finalize:  ev,
		At:        ev.CompletedAt,
	})
	return nil
}

func (c *SessionCoordinator) span(ctx context.Context, name, id string, caller model.Caller) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "coordinator."+name, trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("caller.role", string(caller.Role)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// partyRole resolves which side of the call the caller is on
func partyRole(s *model.Session, caller model.Caller) (model.Role, error) {
	if caller.Role.IsParty() && s.PartyRole(caller.ID) == caller.Role {
		return caller.Role, nil
	}
	return "", ErrUnauthorized
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
