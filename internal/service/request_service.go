package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"teleconsult/internal/model"
	"teleconsult/internal/repository"
)

const defaultDurationMin = 30

// FeeSchedule prices a session at creation. The amount is never changed here
// afterwards.
type FeeSchedule interface {
	FeeFor(t model.SessionType, durationMin int) (model.Fee, error)
}

// StaticFeeSchedule charges a flat amount per session type
type StaticFeeSchedule struct {
	Currency string
	Amounts  map[model.SessionType]int64
}

func (f StaticFeeSchedule) FeeFor(t model.SessionType, _ int) (model.Fee, error) {
	amount, ok := f.Amounts[t]
	if !ok {
		return model.Fee{}, fmt.Errorf("%w: no fee for session type %q", ErrInvalidRequest, t)
	}
	return model.Fee{Amount: amount, Currency: f.Currency}, nil
}

// RequestService lets patients request consultations
type RequestService struct {
	repo   repository.SessionRepo
	bus    *EventBus
	fees   FeeSchedule
	logger *slog.Logger
}

func NewRequestService(repo repository.SessionRepo, bus *EventBus, fees FeeSchedule, logger *slog.Logger) *RequestService {
	return &RequestService{repo: repo, bus: bus, fees: fees, logger: logger}
}

// Create stores a new pending session for the calling patient
func (s *RequestService) Create(ctx context.Context, caller model.Caller, req model.CreateSessionRequest) (*model.Session, error) {
	if caller.Role != model.RolePatient {
		return nil, ErrUnauthorized
	}
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.ProviderID == "" {
		return nil, fmt.Errorf("%w: providerId is required", ErrInvalidRequest)
	}
	if req.ProviderID == caller.ID {
		return nil, fmt.Errorf("%w: patient and provider must differ", ErrInvalidRequest)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown session type %q", ErrInvalidRequest, req.Type)
	}
	if req.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduledAt is required", ErrInvalidRequest)
	}
	if req.DurationMin < 0 {
		return nil, fmt.Errorf("%w: durationMin must be positive", ErrInvalidRequest)
	}
	if req.DurationMin == 0 {
		req.DurationMin = defaultDurationMin
	}

	fee, err := s.fees.FeeFor(req.Type, req.DurationMin)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &model.Session{
		ID:          uuid.NewString(),
		PatientID:   caller.ID,
		ProviderID:  req.ProviderID,
		Type:        req.Type,
		ScheduledAt: req.ScheduledAt.UTC(),
		DurationMin: req.DurationMin,
		Fee:         fee,
		Status:      model.SessionPending,
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("session requested", "session_id", session.ID, "patient_id", caller.ID, "provider_id", req.ProviderID)
	s.bus.Publish(model.Event{
		Type:      model.EventStatusChanged,
		SessionID: session.ID,
		Status: &model.StatusChange{
			SessionID:  session.ID,
			PatientID:  session.PatientID,
			ProviderID: session.ProviderID,
			To:         model.SessionPending,
			ActorRole:  caller.Role,
			ActorID:    caller.ID,
			At:         now,
		},
		At: now,
	})
	return session, nil
}
