package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"teleconsult/internal/model"
)

func TestNextFollowsTransitionTable(t *testing.T) {
	allowed := map[model.SessionStatus]map[Trigger]model.SessionStatus{
		model.SessionPending:   {TriggerApprove: model.SessionScheduled, TriggerReject: model.SessionRejected, TriggerCancel: model.SessionCancelled},
		model.SessionScheduled: {TriggerStart: model.SessionOngoing, TriggerCancel: model.SessionCancelled},
		model.SessionOngoing:   {TriggerComplete: model.SessionCompleted, TriggerCancel: model.SessionCancelled},
	}
	statuses := []model.SessionStatus{
		model.SessionPending, model.SessionScheduled, model.SessionRejected,
		model.SessionOngoing, model.SessionCompleted, model.SessionCancelled,
	}
	triggers := []Trigger{TriggerApprove, TriggerReject, TriggerStart, TriggerComplete, TriggerCancel}

	for _, from := range statuses {
		for _, trigger := range triggers {
			to, ok := Next(from, trigger)
			want, wantOK := allowed[from][trigger]
			if ok != wantOK || to != want {
				t.Errorf("Next(%s, %s) = %s, %v; want %s, %v", from, trigger, to, ok, want, wantOK)
			}
			if ok && from.IsTerminal() {
				t.Errorf("transition out of terminal status %s", from)
			}
		}
	}
}

func TestStartFromPendingIsInvalid(t *testing.T) {
	f := newFixture(t)
	id := f.pending(t)

	_, err := f.machine.Start(context.Background(), id, patient)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != model.SessionPending || te.Trigger != TriggerStart {
		t.Errorf("transition error = %+v", te)
	}
	if got := f.status(t, id); got != model.SessionPending {
		t.Errorf("status = %s, want pending", got)
	}
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.machine.Start(context.Background(), "missing", patient); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	f := newFixture(t)
	id := f.scheduled(t)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Start(context.Background(), id, patient)
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("%d callers started the session, want 1", wins.Load())
	}
	if n := f.events.transitionsTo(id, model.SessionOngoing); n != 1 {
		t.Errorf("%d ongoing transitions published, want 1", n)
	}
}

func TestCancelFromEveryNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pending := f.pending(t)
	scheduled := f.scheduled(t)
	ongoing := f.scheduled(t)
	if _, err := f.machine.Start(ctx, ongoing, provider); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, id := range []string{pending, scheduled, ongoing} {
		s, err := f.machine.Cancel(ctx, id, admin, "clinic closed")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if s.Status != model.SessionCancelled || s.Cancellation == nil || s.Cancellation.ActorID != admin.ID {
			t.Errorf("cancelled session = %+v", s)
		}
	}

	if _, err := f.machine.Cancel(ctx, pending, admin, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelPreemptsConcurrentTransitions(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		id := f.scheduled(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.machine.Start(ctx, id, patient)
		}()
		go func() {
			defer wg.Done()
			if _, err := f.machine.Cancel(ctx, id, admin, ""); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}()
		wg.Wait()

		if got := f.status(t, id); got != model.SessionCancelled {
			t.Fatalf("status = %s, want cancelled", got)
		}
	}
}

func TestClinicalOutputIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)
	if _, err := f.machine.Start(ctx, id, provider); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := model.ClinicalOutput{DoctorNotes: "rest and fluids", PrescriptionNotes: "paracetamol 500mg"}
	done, err := f.machine.Complete(ctx, id, provider, first)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Call.ActualEnd == nil || done.Call.ActualStart == nil {
		t.Fatalf("call times not set: %+v", done.Call)
	}

	if _, err := f.machine.Complete(ctx, id, provider, model.ClinicalOutput{DoctorNotes: "changed"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second complete err = %v", err)
	}
	if _, err := f.machine.Cancel(ctx, id, admin, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel after complete err = %v", err)
	}

	s, _ := f.machine.Get(ctx, id)
	if s.Status != model.SessionCompleted || *s.Clinical != first || !s.Call.ActualEnd.Equal(*done.Call.ActualEnd) {
		t.Errorf("completed session changed: %+v", s)
	}
}

func TestMarkJoinedRequiresScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.pending(t)
	if _, err := f.machine.MarkJoined(ctx, id, model.RolePatient); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	id = f.scheduled(t)
	s, err := f.machine.MarkJoined(ctx, id, model.RoleProvider)
	if err != nil {
		t.Fatalf("mark joined: %v", err)
	}
	if !s.Call.ProviderJoined || s.Call.PatientJoined {
		t.Errorf("call = %+v", s.Call)
	}
}
