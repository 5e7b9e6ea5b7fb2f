package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"teleconsult/internal/media"
	"teleconsult/internal/media/mediatest"
	"teleconsult/internal/model"
)

func joinBoth(t *testing.T, f *fixture, id string, patDev, docDev media.Device) (pat, doc *media.Session) {
	t.Helper()
	ctx := context.Background()
	pat, err := f.coord.RequestJoin(ctx, id, patient, patDev, JoinOptions{})
	if err != nil {
		t.Fatalf("patient join: %v", err)
	}
	doc, err = f.coord.RequestJoin(ctx, id, provider, docDev, JoinOptions{})
	if err != nil {
		t.Fatalf("provider join: %v", err)
	}
	return pat, doc
}

func TestFullConsultation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.pending(t)

	if _, err := f.coord.Review(ctx, id, provider, model.DecisionApprove, ""); err != nil {
		t.Fatalf("review: %v", err)
	}

	patDev, docDev := mediatest.NewDevice(), mediatest.NewDevice()
	pat, doc := joinBoth(t, f, id, patDev, docDev)
	waitClosed(t, pat.Connected(), "patient connected")
	waitClosed(t, doc.Connected(), "provider connected")

	s := f.mustGet(t, id)
	if s.Status != model.SessionOngoing || s.Call.ActualStart == nil {
		t.Fatalf("session = %+v, want ongoing with actualStart", s)
	}
	if !s.Call.PatientJoined || !s.Call.ProviderJoined {
		t.Errorf("joined flags = %+v", s.Call)
	}
	if n := f.events.transitionsTo(id, model.SessionOngoing); n != 1 {
		t.Errorf("%d ongoing transitions, want 1", n)
	}

	done, err := f.coord.EndSession(ctx, id, provider, model.ClinicalOutput{DoctorNotes: "mild sprain, ice twice a day"})
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if done.Status != model.SessionCompleted || done.Call.ActualEnd == nil {
		t.Errorf("session = %+v, want completed with actualEnd", done)
	}
	waitClosed(t, pat.Done(), "patient leg ended")
	waitClosed(t, doc.Done(), "provider leg ended")
	if !patDev.Released() || !docDev.Released() {
		t.Error("devices were not released")
	}

	billing, records := f.sinks.counts()
	if billing != 1 || records != 1 {
		t.Fatalf("finalize delivered %d/%d times, want once each", billing, records)
	}
	if ev := f.sinks.billing[0]; ev.SessionID != id || ev.Fee.Amount != 5000 || ev.CompletedAt.IsZero() {
		t.Errorf("billing event = %+v", ev)
	}
	if ev := f.sinks.records[0]; ev.DoctorNotes != "mild sprain, ice twice a day" || ev.FollowUp {
		t.Errorf("records event = %+v", ev)
	}

	if _, err := f.coord.EndSession(ctx, id, provider, model.ClinicalOutput{DoctorNotes: "again"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second end err = %v, want ErrInvalidTransition", err)
	}
	if billing, _ := f.sinks.counts(); billing != 1 {
		t.Errorf("finalize emitted %d times", billing)
	}
	if n := f.events.count(id, model.EventSessionFinalized); n != 1 {
		t.Errorf("%d finalized events, want 1", n)
	}
}

func TestJoinPendingSessionIsInvalid(t *testing.T) {
	f := newFixture(t)
	id := f.pending(t)

	_, err := f.coord.RequestJoin(context.Background(), id, patient, mediatest.NewDevice(), JoinOptions{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if got := f.status(t, id); got != model.SessionPending {
		t.Errorf("status = %s, want pending", got)
	}
}

func TestJoinAfterCancelIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)

	s, err := f.coord.Cancel(ctx, id, admin, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.Status != model.SessionCancelled {
		t.Fatalf("status = %s, want cancelled", s.Status)
	}

	if _, err := f.coord.RequestJoin(ctx, id, patient, mediatest.NewDevice(), JoinOptions{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("join err = %v, want ErrInvalidTransition", err)
	}
}

func TestJoinByOutsider(t *testing.T) {
	f := newFixture(t)
	id := f.scheduled(t)

	for _, caller := range []model.Caller{otherPatient, otherDoc, admin} {
		if _, err := f.coord.RequestJoin(context.Background(), id, caller, mediatest.NewDevice(), JoinOptions{}); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", caller.ID, err)
		}
	}
}

func TestConcurrentJoinsStartOnce(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newFixture(t)
		id := f.scheduled(t)

		var wg sync.WaitGroup
		legs := make([]*media.Session, 2)
		for j, caller := range []model.Caller{patient, provider} {
			wg.Add(1)
			go func(j int, caller model.Caller) {
				defer wg.Done()
				leg, err := f.coord.RequestJoin(context.Background(), id, caller, mediatest.NewDevice(), JoinOptions{})
				if err != nil {
					t.Errorf("join: %v", err)
					return
				}
				legs[j] = leg
			}(j, caller)
		}
		wg.Wait()
		if t.Failed() {
			return
		}

		for _, leg := range legs {
			waitClosed(t, leg.Connected(), "leg connected")
		}
		if n := f.events.transitionsTo(id, model.SessionOngoing); n != 1 {
			t.Fatalf("%d ongoing transitions, want 1", n)
		}
		if got := f.status(t, id); got != model.SessionOngoing {
			t.Fatalf("status = %s, want ongoing", got)
		}
	}
}

func TestDuplicateJoinIsAlreadyInCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)

	dev := mediatest.NewDevice()
	if _, err := f.coord.RequestJoin(ctx, id, patient, dev, JoinOptions{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	second := mediatest.NewDevice()
	if _, err := f.coord.RequestJoin(ctx, id, patient, second, JoinOptions{}); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("second join err = %v, want ErrAlreadyInCall", err)
	}
	if len(second.Streams()) != 0 {
		t.Error("rejected join captured media")
	}

	if err := f.coord.Leave(ctx, id, patient); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !dev.Released() {
		t.Error("leave did not release the device")
	}
	if _, err := f.coord.RequestJoin(ctx, id, patient, mediatest.NewDevice(), JoinOptions{}); err != nil {
		t.Errorf("rejoin after leave: %v", err)
	}
}

func TestMediaAccessDeniedKeepsScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)

	denied := mediatest.NewDevice()
	denied.DenyCapture = true
	if _, err := f.coord.RequestJoin(ctx, id, patient, denied, JoinOptions{}); !errors.Is(err, media.ErrMediaAccessDenied) {
		t.Fatalf("err = %v, want ErrMediaAccessDenied", err)
	}
	if got := f.status(t, id); got != model.SessionScheduled {
		t.Errorf("status = %s, want scheduled", got)
	}

	if _, err := f.coord.RequestJoin(ctx, id, patient, mediatest.NewDevice(), JoinOptions{}); err != nil {
		t.Errorf("retry join: %v", err)
	}
}

func TestCancelDuringNegotiation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)

	hold := make(chan struct{})
	patDev, docDev := mediatest.NewDevice(), mediatest.NewDevice()
	patDev.HoldRemote, docDev.HoldRemote = hold, hold
	pat, doc := joinBoth(t, f, id, patDev, docDev)

	if _, err := f.coord.Cancel(ctx, id, admin, "provider unavailable"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(hold)

	waitClosed(t, pat.Done(), "patient leg ended")
	waitClosed(t, doc.Done(), "provider leg ended")
	if pat.Reason() != media.EndCancelled || doc.Reason() != media.EndCancelled {
		t.Errorf("reasons = %s/%s, want cancelled", pat.Reason(), doc.Reason())
	}
	if !patDev.Released() || !docDev.Released() {
		t.Error("devices were not released")
	}

	time.Sleep(20 * time.Millisecond)
	if got := f.status(t, id); got != model.SessionCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
	if n := f.events.transitionsTo(id, model.SessionOngoing); n != 0 {
		t.Errorf("%d ongoing transitions after cancel", n)
	}
}

func TestCancelRacingConnectionEndsCancelled(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f := newFixture(t)
		id := f.scheduled(t)
		pat, doc := joinBoth(t, f, id, mediatest.NewDevice(), mediatest.NewDevice())

		if _, err := f.coord.Cancel(ctx, id, admin, ""); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		waitClosed(t, pat.Done(), "patient leg ended")
		waitClosed(t, doc.Done(), "provider leg ended")

		if got := f.status(t, id); got != model.SessionCancelled {
			t.Fatalf("status = %s, want cancelled", got)
		}
	}
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)

	if _, err := f.coord.Cancel(ctx, id, otherPatient, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider err = %v, want ErrUnauthorized", err)
	}
	s, err := f.coord.Cancel(ctx, id, patient, "feeling better")
	if err != nil {
		t.Fatalf("patient cancel: %v", err)
	}
	if s.Cancellation.ActorRole != model.RolePatient || s.Cancellation.Reason != "feeling better" {
		t.Errorf("cancellation = %+v", s.Cancellation)
	}
}

func TestEndSessionValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)

	if _, err := f.coord.EndSession(ctx, id, patient, model.ClinicalOutput{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("patient err = %v, want ErrUnauthorized", err)
	}
	if _, err := f.coord.EndSession(ctx, id, provider, model.ClinicalOutput{FollowUp: true}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing follow-up date err = %v, want ErrInvalidRequest", err)
	}
	if _, err := f.coord.EndSession(ctx, id, provider, model.ClinicalOutput{DoctorNotes: "n/a"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("end scheduled err = %v, want ErrInvalidTransition", err)
	}
	if billing, _ := f.sinks.counts(); billing != 0 {
		t.Error("finalize emitted for a failed end")
	}
}

func TestFinalizeFailureIsReportedAndReconciled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)
	if _, err := f.machine.Start(ctx, id, provider); err != nil {
		t.Fatalf("start: %v", err)
	}

	outage := errors.New("outbox database unavailable")
	f.sinks.failWith(outage)

	done, err := f.coord.EndSession(ctx, id, provider, model.ClinicalOutput{DoctorNotes: "hydrate"})
	if !errors.Is(err, ErrFinalizeFailed) || !errors.Is(err, outage) {
		t.Fatalf("end err = %v, want ErrFinalizeFailed wrapping the outage", err)
	}
	if done == nil || done.Status != model.SessionCompleted {
		t.Fatalf("session = %+v, want the completed session", done)
	}
	if s := f.mustGet(t, id); s.FinalizedAt != nil {
		t.Error("session marked finalized after a failed hand-off")
	}
	if n := f.events.count(id, model.EventSessionFinalized); n != 0 {
		t.Errorf("%d finalized events after a failed hand-off", n)
	}

	// still down: nothing is handed off
	if n, err := f.coord.ReconcileFinalized(ctx, time.Now().Add(time.Second)); err != nil || n != 0 {
		t.Fatalf("reconcile during outage = %d, %v", n, err)
	}

	f.sinks.failWith(nil)
	if n, err := f.coord.ReconcileFinalized(ctx, time.Now().Add(time.Second)); err != nil || n != 1 {
		t.Fatalf("reconcile = %d, %v; want 1", n, err)
	}
	if billing, records := f.sinks.counts(); billing != 1 || records != 1 {
		t.Errorf("sinks got %d billing / %d records events, want 1/1", billing, records)
	}
	s := f.mustGet(t, id)
	if s.FinalizedAt == nil {
		t.Error("session not marked finalized")
	}
	if s.Clinical == nil || s.Clinical.DoctorNotes != "hydrate" {
		t.Errorf("clinical output = %+v", s.Clinical)
	}
	if n := f.events.count(id, model.EventSessionFinalized); n != 1 {
		t.Errorf("%d finalized events, want 1", n)
	}

	if n, _ := f.coord.ReconcileFinalized(ctx, time.Now().Add(time.Second)); n != 0 {
		t.Errorf("second reconcile handed off %d sessions", n)
	}
}

func TestReconcileSkipsRecentlyEnded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)
	if _, err := f.machine.Start(ctx, id, provider); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.sinks.failWith(errors.New("timeout"))
	if _, err := f.coord.EndSession(ctx, id, admin, model.ClinicalOutput{DoctorNotes: "n/a"}); !errors.Is(err, ErrFinalizeFailed) {
		t.Fatalf("end err = %v", err)
	}
	f.sinks.failWith(nil)

	if n, err := f.coord.ReconcileFinalized(ctx, time.Now().Add(-time.Minute)); err != nil || n != 0 {
		t.Errorf("reconcile = %d, %v; want the fresh session left alone", n, err)
	}
}

func TestChatDuringCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)

	mirrored := make(chan *model.Message, 1)
	pat, err := f.coord.RequestJoin(ctx, id, patient, mediatest.NewDevice(), JoinOptions{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	doc, err := f.coord.RequestJoin(ctx, id, provider, mediatest.NewDevice(), JoinOptions{
		OnRemoteChat: func(m *model.Message) { mirrored <- m },
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	waitClosed(t, pat.Connected(), "patient connected")
	waitClosed(t, doc.Connected(), "provider connected")

	if _, err := f.coord.SendChatMessage(ctx, id, patient, "   "); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("blank message err = %v, want ErrInvalidRequest", err)
	}
	if _, err := f.coord.SendChatMessage(ctx, id, otherDoc, "hi"); !errors.Is(err, ErrNotInCall) {
		t.Errorf("outsider err = %v, want ErrNotInCall", err)
	}

	sent, err := f.coord.SendChatMessage(ctx, id, patient, "my ankle still hurts")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-mirrored:
		if m.ID != sent.ID {
			t.Errorf("mirrored %+v, want %+v", m, sent)
		}
	case <-time.After(wait):
		t.Fatal("message was not mirrored")
	}

	view, err := f.coord.GetSession(ctx, id, provider)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	last := view.Chat[len(view.Chat)-1]
	if last.ID != sent.ID || last.Seq != int64(len(view.Chat)) {
		t.Errorf("last message = %+v", last)
	}
	for i, m := range view.Chat {
		if m.Seq != int64(i+1) {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
	}

	if _, err := f.coord.GetSession(ctx, id, otherPatient); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider view err = %v, want ErrUnauthorized", err)
	}
}

func TestControlsRequireConnected(t *testing.T) {
	f := newFixture(t)
	id := f.scheduled(t)

	hold := make(chan struct{})
	patDev := mediatest.NewDevice()
	patDev.HoldRemote = hold
	pat, _ := joinBoth(t, f, id, patDev, mediatest.NewDevice())

	if _, err := f.coord.ToggleMute(id, patient, true); !errors.Is(err, media.ErrNotConnected) {
		t.Errorf("mute while negotiating err = %v, want ErrNotConnected", err)
	}
	close(hold)
	waitClosed(t, pat.Connected(), "patient connected")

	info, err := f.coord.ToggleMute(id, patient, true)
	if err != nil || !info.AudioMuted {
		t.Fatalf("mute: %+v, %v", info, err)
	}
	info, err = f.coord.ToggleVideo(id, patient, false)
	if err != nil || info.VideoEnabled {
		t.Fatalf("video off: %+v, %v", info, err)
	}
	if s := patDev.Streams()[0]; s.AudioEnabled() || s.VideoEnabled() {
		t.Error("local tracks still enabled")
	}
	if _, err := f.coord.ToggleMute(id, otherPatient, true); !errors.Is(err, ErrNotInCall) {
		t.Errorf("outsider err = %v, want ErrNotInCall", err)
	}
}

func TestLeaveKeepsSessionOngoing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.scheduled(t)

	pat, doc := joinBoth(t, f, id, mediatest.NewDevice(), mediatest.NewDevice())
	waitClosed(t, pat.Connected(), "patient connected")
	waitClosed(t, doc.Connected(), "provider connected")

	if err := f.coord.Leave(ctx, id, patient); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitClosed(t, doc.Done(), "provider leg ended")
	if doc.Reason() != media.EndRemote {
		t.Errorf("provider reason = %s, want %s", doc.Reason(), media.EndRemote)
	}
	if got := f.status(t, id); got != model.SessionOngoing {
		t.Errorf("status = %s, want ongoing", got)
	}
	if err := f.coord.Leave(ctx, id, patient); !errors.Is(err, ErrNotInCall) {
		t.Errorf("second leave err = %v, want ErrNotInCall", err)
	}

	if _, err := f.coord.EndSession(ctx, id, provider, model.ClinicalOutput{DoctorNotes: "ended after drop"}); err != nil {
		t.Errorf("end after drop: %v", err)
	}
}

func TestListForParty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mine := f.pending(t)
	if _, err := f.requests.Create(ctx, otherPatient, model.CreateSessionRequest{
		ProviderID:  otherDoc.ID,
		Type:        model.SessionChat,
		ScheduledAt: time.Now(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := f.coord.ListForParty(ctx, patient)
	if err != nil || len(got) != 1 || got[0].ID != mine {
		t.Errorf("patient list = %v, %v", got, err)
	}
	got, _ = f.coord.ListForParty(ctx, provider)
	if len(got) != 1 || got[0].ID != mine {
		t.Errorf("provider list has %d sessions", len(got))
	}
	got, _ = f.coord.ListForParty(ctx, admin)
	if len(got) != 2 {
		t.Errorf("admin list has %d sessions, want 2", len(got))
	}
}
