package model

import "time"

type EventType string

const (
	EventStatusChanged    EventType = "status_changed"
	EventMessageAppended  EventType = "message_appended"
	EventSessionFinalized EventType = "session_finalized"
)

// StatusChange describes one applied transition. From is empty for a new session.
type StatusChange struct {
	SessionID  string        `json:"sessionId"`
	PatientID  string        `json:"patientId"`
	ProviderID string        `json:"providerId"`
	From       SessionStatus `json:"from,omitempty"`
	To         SessionStatus `json:"to"`
	ActorRole  Role          `json:"actorRole,omitempty"`
	ActorID    string        `json:"actorId,omitempty"`
	At         time.Time     `json:"at"`
}

// Event is what subscribers of the coordinator receive
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId"`
	Status    *StatusChange  `json:"status,omitempty"`
	Message   *Message       `json:"message,omitempty"`
	Finalize  *FinalizeEvent `json:"finalize,omitempty"`
	At        time.Time      `json:"at"`
}

// FinalizeEvent is emitted once when a session completes
type FinalizeEvent struct {
	SessionID   string         `json:"sessionId"`
	PatientID   string         `json:"patientId"`
	ProviderID  string         `json:"providerId"`
	Fee         Fee            `json:"fee"`
	CompletedAt time.Time      `json:"completedAt"`
	Clinical    ClinicalOutput `json:"clinical"`
}

// BillingEvent is the projection handed to the billing collaborator
type BillingEvent struct {
	SessionID   string    `json:"sessionId"`
	Fee         Fee       `json:"fee"`
	CompletedAt time.Time `json:"completedAt"`
}

// RecordsEvent is the projection handed to the prescription/records collaborator
type RecordsEvent struct {
	SessionID         string     `json:"sessionId"`
	PatientID         string     `json:"patientId"`
	ProviderID        string     `json:"providerId"`
	DoctorNotes       string     `json:"doctorNotes"`
	PrescriptionNotes string     `json:"prescriptionNotes,omitempty"`
	FollowUp          bool       `json:"followUp"`
	FollowUpDate      *time.Time `json:"followUpDate,omitempty"`
}

func (f *FinalizeEvent) Billing() BillingEvent {
	return BillingEvent{SessionID: f.SessionID, Fee: f.Fee, CompletedAt: f.CompletedAt}
}

func (f *FinalizeEvent) Records() RecordsEvent {
	return RecordsEvent{
		SessionID:         f.SessionID,
		PatientID:         f.PatientID,
		ProviderID:        f.ProviderID,
		DoctorNotes:       f.Clinical.DoctorNotes,
		PrescriptionNotes: f.Clinical.PrescriptionNotes,
		FollowUp:          f.Clinical.FollowUp,
		FollowUpDate:      f.Clinical.FollowUpDate,
	}
}
