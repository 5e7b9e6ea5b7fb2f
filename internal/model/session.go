package model

import "time"

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionScheduled SessionStatus = "scheduled"
	SessionRejected  SessionStatus = "rejected"
	SessionOngoing   SessionStatus = "ongoing"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no transition leaves this status.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionRejected, SessionCompleted, SessionCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionScheduled, SessionRejected, SessionOngoing, SessionCompleted, SessionCancelled:
		return true
	}
	return false
}

type SessionType string

const (
	SessionVideo SessionType = "video"
	SessionAudio SessionType = "audio"
	SessionChat  SessionType = "chat"
)

func (t SessionType) Valid() bool {
	return t == SessionVideo || t == SessionAudio || t == SessionChat
}

// Fee is fixed at creation and only ever changed by the billing collaborator
type Fee struct {
	Amount   int64  `json:"amount" bson:"amount"` // minor units
	Currency string `json:"currency" bson:"currency"`
}

type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

func (d ReviewDecision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// ReviewInfo is present only after a review decision
type ReviewInfo struct {
	ReviewerID   string         `json:"reviewerId" bson:"reviewerId"`
	ReviewerRole Role           `json:"reviewerRole" bson:"reviewerRole"`
	Decision     ReviewDecision `json:"decision" bson:"decision"`
	Note         string         `json:"note,omitempty" bson:"note,omitempty"`
	ReviewedAt   time.Time      `json:"reviewedAt" bson:"reviewedAt"`
}

// CallInfo tracks the real-time part of a session
type CallInfo struct {
	ActualStart    *time.Time `json:"actualStart,omitempty" bson:"actualStart,omitempty"`
	ActualEnd      *time.Time `json:"actualEnd,omitempty" bson:"actualEnd,omitempty"`
	PatientJoined  bool       `json:"patientJoined" bson:"patientJoined"`
	ProviderJoined bool       `json:"providerJoined" bson:"providerJoined"`
}

// ClinicalOutput is written once, when the session completes
type ClinicalOutput struct {
	DoctorNotes       string     `json:"doctorNotes" bson:"doctorNotes"`
	PrescriptionNotes string     `json:"prescriptionNotes,omitempty" bson:"prescriptionNotes,omitempty"`
	FollowUp          bool       `json:"followUp" bson:"followUp"`
	FollowUpDate      *time.Time `json:"followUpDate,omitempty" bson:"followUpDate,omitempty"`
}

type Cancellation struct {
	ActorID     string    `json:"actorId" bson:"actorId"`
	ActorRole   Role      `json:"actorRole" bson:"actorRole"`
	Reason      string    `json:"reason,omitempty" bson:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelledAt" bson:"cancelledAt"`
}

// Session is one consultation between a patient and a provider
type Session struct {
	ID           string          `json:"id" bson:"_id"`
	PatientID    string          `json:"patientId" bson:"patientId"`
	ProviderID   string          `json:"providerId" bson:"providerId"`
	Type         SessionType     `json:"type" bson:"type"`
	ScheduledAt  time.Time       `json:"scheduledAt" bson:"scheduledAt"`
	DurationMin  int             `json:"durationMin" bson:"durationMin"`
	Fee          Fee             `json:"fee" bson:"fee"`
	Status       SessionStatus   `json:"status" bson:"status"`
	Review       *ReviewInfo     `json:"review,omitempty" bson:"review,omitempty"`
	Call         CallInfo        `json:"call" bson:"call"`
	Clinical     *ClinicalOutput `json:"clinical,omitempty" bson:"clinical,omitempty"`
	Cancellation *Cancellation   `json:"cancellation,omitempty" bson:"cancellation,omitempty"`
	FinalizedAt  *time.Time      `json:"finalizedAt,omitempty" bson:"finalizedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt" bson:"updatedAt"`
}

// PartyRole returns the role id plays in the session, or "" if it is not a party.
func (s *Session) PartyRole(id string) Role {
	switch id {
	case s.PatientID:
		return RolePatient
	case s.ProviderID:
		return RoleProvider
	}
	return ""
}

// Clone returns a copy that shares no pointers with s
func (s *Session) Clone() *Session {
	c := *s
	if s.Review != nil {
		r := *s.Review
		c.Review = &r
	}
	if s.Clinical != nil {
		o := *s.Clinical
		if o.FollowUpDate != nil {
			d := *o.FollowUpDate
			o.FollowUpDate = &d
		}
		c.Clinical = &o
	}
	if s.Cancellation != nil {
		x := *s.Cancellation
		c.Cancellation = &x
	}
	if s.Call.ActualStart != nil {
		t := *s.Call.ActualStart
		c.Call.ActualStart = &t
	}
	if s.Call.ActualEnd != nil {
		t := *s.Call.ActualEnd
		c.Call.ActualEnd = &t
	}
	if s.FinalizedAt != nil {
		t := *s.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}

// CreateSessionRequest is the body a patient sends to request a consultation
type CreateSessionRequest struct {
	ProviderID  string      `json:"providerId"`
	Type        SessionType `json:"type"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	DurationMin int         `json:"durationMin"`
}

// SessionView is a session together with its chat replay
type SessionView struct {
	Session *Session   `json:"session"`
	Chat    []*Message `json:"chat"`
}
