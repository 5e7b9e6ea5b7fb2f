package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"teleconsult/internal/cache"
	"teleconsult/internal/model"
	"teleconsult/internal/repository"
	"teleconsult/internal/service"
	"teleconsult/internal/signaling"
)

type testServer struct {
	t      *testing.T
	auth   *service.AuthService
	router http.Handler
}

func newTestServer(t *testing.T, devTokens bool) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := repository.NewMemorySessionRepo()
	bus := service.NewEventBus()
	chat := service.NewChatService(cache.NewMemoryChatLog(), bus, logger)
	machine := service.NewSessionMachine(repo, bus, logger)
	approval := service.NewApprovalWorkflow(machine, repo, chat, nil, logger)
	requests := service.NewRequestService(repo, bus, service.StaticFeeSchedule{
		Currency: "USD",
		Amounts:  map[model.SessionType]int64{model.SessionVideo: 5000},
	}, logger)
	coord := service.NewSessionCoordinator(service.CoordinatorDeps{
		Machine:  machine,
		Approval: approval,
		Repo:     repo,
		Chat:     chat,
		Relay:    signaling.NewMemoryRelay(),
		Bus:      bus,
		Logger:   logger,
	})
	t.Cleanup(coord.Shutdown)

	auth := service.NewAuthService("test-secret", time.Hour)
	return &testServer{
		t:    t,
		auth: auth,
		router: NewRouter(&Container{
			AuthService:    auth,
			Coordinator:    coord,
			Requests:       requests,
			AllowedOrigins: []string{"https://app.example"},
			DevTokens:      devTokens,
			Logger:         logger,
		}),
	}
}

func (s *testServer) token(role model.Role, id string) string {
	s.t.Helper()
	tok, err := s.auth.IssueToken(role, id, nil)
	if err != nil {
		s.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSessionRequestAndReview(t *testing.T) {
	s := newTestServer(t, false)
	pat := s.token(model.RolePatient, "pat-1")
	doc := s.token(model.RoleProvider, "doc-1")

	rec := s.do("POST", "/v1/sessions", pat, model.CreateSessionRequest{
		ProviderID:  "doc-1",
		Type:        model.SessionVideo,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body)
	}
	created := decode[model.Session](t, rec)
	if created.Status != model.SessionPending || created.Fee.Amount != 5000 {
		t.Fatalf("created = %+v", created)
	}

	rec = s.do("GET", "/v1/sessions/pending", doc, nil)
	if pending := decode[[]model.Session](t, rec); len(pending) != 1 || pending[0].ID != created.ID {
		t.Fatalf("pending = %+v", pending)
	}

	rec = s.do("POST", "/v1/sessions/"+created.ID+"/review", doc, map[string]string{"decision": "approve", "note": "see you then"})
	if rec.Code != http.StatusOK {
		t.Fatalf("review = %d %s", rec.Code, rec.Body)
	}
	if reviewed := decode[model.Session](t, rec); reviewed.Status != model.SessionScheduled {
		t.Fatalf("status = %s", reviewed.Status)
	}

	rec = s.do("GET", "/v1/sessions/"+created.ID, pat, nil)
	view := decode[model.SessionView](t, rec)
	if view.Session.Status != model.SessionScheduled || len(view.Chat) == 0 {
		t.Fatalf("view = %+v", view)
	}

	rec = s.do("GET", "/v1/sessions", pat, nil)
	if list := decode[[]model.Session](t, rec); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, false)
	pat := s.token(model.RolePatient, "pat-1")
	doc := s.token(model.RoleProvider, "doc-1")
	stranger := s.token(model.RolePatient, "pat-2")

	rec := s.do("POST", "/v1/sessions", pat, model.CreateSessionRequest{
		ProviderID:  "doc-1",
		Type:        model.SessionVideo,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	id := decode[model.Session](t, rec).ID

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no token", "GET", "/v1/sessions", "", nil, http.StatusUnauthorized, ""},
		{"bad token", "GET", "/v1/sessions", "garbage", nil, http.StatusUnauthorized, ""},
		{"unknown session", "GET", "/v1/sessions/missing", pat, nil, http.StatusNotFound, "not_found"},
		{"stranger reads", "GET", "/v1/sessions/" + id, stranger, nil, http.StatusForbidden, "unauthorized"},
		{"patient reviews", "POST", "/v1/sessions/" + id + "/review", pat, map[string]string{"decision": "approve"}, http.StatusForbidden, "unauthorized"},
		{"bad decision", "POST", "/v1/sessions/" + id + "/review", doc, map[string]string{"decision": "maybe"}, http.StatusBadRequest, "invalid_request"},
		{"end pending", "POST", "/v1/sessions/" + id + "/end", doc, model.ClinicalOutput{DoctorNotes: "n/a"}, http.StatusConflict, "invalid_transition"},
		{"chat without call", "POST", "/v1/sessions/" + id + "/chat", pat, map[string]string{"body": "hello"}, http.StatusConflict, "not_in_call"},
		{"provider creates", "POST", "/v1/sessions", doc, model.CreateSessionRequest{ProviderID: "doc-2", Type: model.SessionVideo, ScheduledAt: time.Now()}, http.StatusForbidden, "unauthorized"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := s.do(c.method, c.path, c.token, c.body)
			if rec.Code != c.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, c.status, rec.Body)
			}
			if c.code == "" {
				return
			}
			if body := decode[map[string]string](t, rec); body["code"] != c.code {
				t.Errorf("code = %q, want %q", body["code"], c.code)
			}
		})
	}
}

func TestTransitionConflictReportsCurrentStatus(t *testing.T) {
	s := newTestServer(t, false)
	pat := s.token(model.RolePatient, "pat-1")
	doc := s.token(model.RoleProvider, "doc-1")

	rec := s.do("POST", "/v1/sessions", pat, model.CreateSessionRequest{
		ProviderID:  "doc-1",
		Type:        model.SessionVideo,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	id := decode[model.Session](t, rec).ID

	if rec := s.do("POST", "/v1/sessions/"+id+"/cancel", pat, map[string]string{"reason": "feeling better"}); rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d %s", rec.Code, rec.Body)
	}

	rec = s.do("POST", "/v1/sessions/"+id+"/cancel", doc, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["current"] != string(model.SessionCancelled) {
		t.Errorf("body = %v", body)
	}
}

func TestDevTokenRoute(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do("POST", "/v1/auth/token", "", model.TokenRequest{Role: model.RoleAdmin, ID: "admin-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("token = %d %s", rec.Code, rec.Body)
	}
	issued := decode[model.TokenResponse](t, rec)

	rec = s.do("GET", "/v1/auth/me", issued.Token, nil)
	if me := decode[model.Caller](t, rec); me.Role != model.RoleAdmin || me.ID != "admin-1" {
		t.Fatalf("me = %+v", me)
	}

	if rec := s.do("POST", "/v1/auth/token", "", model.TokenRequest{Role: "root", ID: "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid role = %d", rec.Code)
	}

	disabled := newTestServer(t, false)
	if rec := disabled.do("POST", "/v1/auth/token", "", model.TokenRequest{Role: model.RoleAdmin, ID: "a"}); rec.Code == http.StatusOK {
		t.Errorf("token route mounted without dev tokens")
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("OPTIONS", "/v1/sessions", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("unexpected allow origin for foreign site")
	}
}
