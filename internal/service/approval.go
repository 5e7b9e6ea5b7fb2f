package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"teleconsult/internal/model"
	"teleconsult/internal/repository"
)

// ReviewerPolicy decides who may review a pending session
type ReviewerPolicy interface {
	CanReview(caller model.Caller, s *model.Session) bool
}

// AssignedReviewerPolicy lets admins review anything and providers review only
// sessions they are assigned to.
type AssignedReviewerPolicy struct{}

func (AssignedReviewerPolicy) CanReview(caller model.Caller, s *model.Session) bool {
	switch caller.Role {
	case model.RoleAdmin:
		return true
	case model.RoleProvider:
		return s.ProviderID == caller.ID
	}
	return false
}

// ApprovalWorkflow accepts or declines pending sessions
type ApprovalWorkflow struct {
	machine *SessionMachine
	repo    repository.SessionRepo
	chat    *ChatService
	policy  ReviewerPolicy
	logger  *slog.Logger
}

func NewApprovalWorkflow(machine *SessionMachine, repo repository.SessionRepo, chat *ChatService, policy ReviewerPolicy, logger *slog.Logger) *ApprovalWorkflow {
	if policy == nil {
		policy = AssignedReviewerPolicy{}
	}
	return &ApprovalWorkflow{
		machine: machine,
		repo:    repo,
		chat:    chat,
		policy:  policy,
		logger:  logger,
	}
}

// Review applies the decision to a pending session. A second review always fails
// with ErrNotPending, including the loser of two concurrent reviews.
func (w *ApprovalWorkflow) Review(ctx context.Context, id string, caller model.Caller, decision model.ReviewDecision, note string) (*model.Session, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, decision)
	}

	s, err := w.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.policy.CanReview(caller, s) {
		return nil, ErrUnauthorized
	}
	if s.Status != model.SessionPending {
		return nil, notPending(s.Status)
	}

	review := model.ReviewInfo{
		ReviewerID:   caller.ID,
		ReviewerRole: caller.Role,
		Decision:     decision,
		Note:         note,
	}

	var updated *model.Session
	if decision == model.DecisionApprove {
		updated, err = w.machine.Approve(ctx, id, review)
	} else {
		updated, err = w.machine.Reject(ctx, id, review)
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return nil, notPending(te.From)
	}
	if err != nil {
		return nil, err
	}

	w.chat.AppendSystem(ctx, id, reviewMessage(review))
	return updated, nil
}

// ListPending returns the sessions awaiting the caller's review
func (w *ApprovalWorkflow) ListPending(ctx context.Context, caller model.Caller) ([]*model.Session, error) {
	var providerID string
	switch caller.Role {
	case model.RoleAdmin:
	case model.RoleProvider:
		providerID = caller.ID
	default:
		return nil, ErrUnauthorized
	}

	sessions, err := w.repo.ListByStatus(ctx, model.SessionPending, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	return sessions, nil
}

func notPending(status model.SessionStatus) error {
	return fmt.Errorf("%w: already %s", ErrNotPending, status)
}

func reviewMessage(r model.ReviewInfo) string {
	msg := "Session approved by " + string(r.ReviewerRole)
	if r.Decision == model.DecisionReject {
		msg = "Session declined by " + string(r.ReviewerRole)
	}
	if r.Note != "" {
		msg += ": " + r.Note
	}
	return msg
}
