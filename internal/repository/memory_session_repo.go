package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"teleconsult/internal/model"
)

type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

// NewMemorySessionRepo returns a SessionRepo kept in process memory
func NewMemorySessionRepo() SessionRepo {
	return &memorySessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *memorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return ErrSessionExists
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *memorySessionRepo) GetByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (r *memorySessionRepo) ListByStatus(_ context.Context, status model.SessionStatus, providerID string) ([]*model.Session, error) {
	return r.filter(func(s *model.Session) bool {
		return s.Status == status && (providerID == "" || s.ProviderID == providerID)
	}), nil
}

func (r *memorySessionRepo) ListByParty(_ context.Context, role model.Role, partyID string) ([]*model.Session, error) {
	return r.filter(func(s *model.Session) bool {
		switch role {
		case model.RolePatient:
			return s.PatientID == partyID
		case model.RoleProvider:
			return s.ProviderID == partyID
		}
		return true
	}), nil
}

func (r *memorySessionRepo) filter(keep func(*model.Session) bool) []*model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.Session
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (r *memorySessionRepo) ApplyTransition(_ context.Context, id string, t Transition) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status != t.From {
		return nil, &StatusMismatchError{Expected: []model.SessionStatus{t.From}, Current: s.Status}
	}

	next := s.Clone()
	next.Status = t.To
	next.UpdatedAt = t.At
	if t.Review != nil {
		review := *t.Review
		next.Review = &review
	}
	if t.ActualStart != nil {
		at := *t.ActualStart
		next.Call.ActualStart = &at
	}
	if t.ActualEnd != nil {
		at := *t.ActualEnd
		next.Call.ActualEnd = &at
	}
	if t.Clinical != nil {
		next.Clinical = (&model.Session{Clinical: t.Clinical}).Clone().Clinical
	}
	if t.Cancellation != nil {
		c := *t.Cancellation
		next.Cancellation = &c
	}
	r.sessions[id] = next
	return next.Clone(), nil
}

func (r *memorySessionRepo) MarkJoined(_ context.Context, id string, role model.Role, at time.Time) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	allowed := []model.SessionStatus{model.SessionScheduled, model.SessionOngoing}
	if !slices.Contains(allowed, s.Status) {
		return nil, &StatusMismatchError{Expected: allowed, Current: s.Status}
	}
	if role == model.RoleProvider {
		s.Call.ProviderJoined = true
	} else {
		s.Call.PatientJoined = true
	}
	s.UpdatedAt = at
	return s.Clone(), nil
}

func (r *memorySessionRepo) MarkFinalized(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != model.SessionCompleted {
		return &StatusMismatchError{Expected: []model.SessionStatus{model.SessionCompleted}, Current: s.Status}
	}
	s.FinalizedAt = &at
	return nil
}

func (r *memorySessionRepo) ListUnfinalized(_ context.Context, endedBefore time.Time, limit int) ([]*model.Session, error) {
	out := r.filter(func(s *model.Session) bool {
		return s.Status == model.SessionCompleted && s.FinalizedAt == nil &&
			s.Call.ActualEnd != nil && s.Call.ActualEnd.Before(endedBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Call.ActualEnd.Before(*out[j].Call.ActualEnd) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
