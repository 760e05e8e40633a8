package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	exteventbus "github.com/foxseedlab/pokerpoints/external/eventbus"
	extrepo "github.com/foxseedlab/pokerpoints/external/repository"
	"github.com/foxseedlab/pokerpoints/internal/auth"
	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/foxseedlab/pokerpoints/internal/directory"
	"github.com/foxseedlab/pokerpoints/internal/metrics"
	"github.com/foxseedlab/pokerpoints/internal/queue"
	"github.com/foxseedlab/pokerpoints/internal/registry"
	"github.com/foxseedlab/pokerpoints/internal/session"
	"github.com/foxseedlab/pokerpoints/internal/voting"
	"github.com/foxseedlab/pokerpoints/internal/webhook"
)

// tokenVerifier accepts tokens of the form "token-<userID>".
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if userID, ok := strings.CutPrefix(token, "token-"); ok && userID != "" {
		return userID, nil
	}
	return "", auth.ErrInvalidToken
}

type nopWebhook struct{}

func (nopWebhook) SendSessionReport(context.Context, webhook.SessionReportPayload) error { return nil }

func newTestRouter(t *testing.T, opts RouterOptions) http.Handler {
	t.Helper()
	repo := extrepo.NewMemoryRepository()
	opts.Manager = session.NewManager(
		&config.Config{ReportTimezone: "UTC"},
		directory.New(repo),
		queue.New(repo),
		voting.New(repo),
		registry.New(repo),
		nopWebhook{},
		exteventbus.NopPublisher{},
		metrics.Nop{},
	)
	opts.Verifier = tokenVerifier{}
	if opts.RateLimitPerMinute == 0 {
		opts.RateLimitPerMinute = 1000
	}
	if opts.Ready == nil {
		opts.Ready = repo.Ping
	}
	return Router(opts)
}

func serve(t *testing.T, h http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("Authorization", "Bearer token-"+userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return v
}

func createSession(t *testing.T, h http.Handler, userID string) createSessionResponse {
	t.Helper()
	rec := serve(t, h, http.MethodPost, "/api/sessions", userID, `{"deckType":"fibonacci","name":"Sprint"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody[createSessionResponse](t, rec)
}

func TestRouter_HealthChecks(t *testing.T) {
	h := newTestRouter(t, RouterOptions{})
	if rec := serve(t, h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", rec.Code)
	}

	down := newTestRouter(t, RouterOptions{Ready: func(context.Context) error { return errors.New("db down") }})
	if rec := serve(t, down, http.MethodGet, "/readyz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", rec.Code)
	}
}

func TestRouter_MountsMetricsAndWebSocket(t *testing.T) {
	h := newTestRouter(t, RouterOptions{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
		WebSocket: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})
	if rec := serve(t, h, http.MethodGet, "/metrics", "", ""); rec.Body.String() != "metrics" {
		t.Fatalf("expected metrics handler, got %q", rec.Body.String())
	}
	if rec := serve(t, h, http.MethodGet, "/ws", "", ""); rec.Code != http.StatusTeapot {
		t.Fatalf("expected websocket handler, got %d", rec.Code)
	}
}

func TestRouter_CreateSession(t *testing.T) {
	h := newTestRouter(t, RouterOptions{})

	created := createSession(t, h, "")
	if created.SessionID == "" || len(created.AccessCode) != 6 {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.Name == nil || *created.Name != "Sprint" {
		t.Fatalf("expected name Sprint, got %v", created.Name)
	}

	if rec := serve(t, h, http.MethodPost, "/api/sessions", "", ""); rec.Code != http.StatusCreated {
		t.Fatalf("expected empty body to use defaults, got %d", rec.Code)
	}

	rec := serve(t, h, http.MethodPost, "/api/sessions", "", `{"deckType":"dice"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown deck, got %d", rec.Code)
	}
	if e := decodeBody[errorResponse](t, rec); e.Code != string(session.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", e.Code)
	}

	if rec := serve(t, h, http.MethodPost, "/api/sessions", "", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid token, got %d", rec.Code)
	}
}

func TestRouter_SessionInfoAndState(t *testing.T) {
	h := newTestRouter(t, RouterOptions{})
	created := createSession(t, h, "")

	rec := serve(t, h, http.MethodGet, "/api/sessions/"+strings.ToLower(created.AccessCode), "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	info := decodeBody[session.SessionInfo](t, rec)
	if info.AccessCode != created.AccessCode || !info.IsActive {
		t.Fatalf("unexpected info: %+v", info)
	}

	rec = serve(t, h, http.MethodGet, "/api/sessions/"+created.AccessCode+"/state", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	state := decodeBody[session.SessionState](t, rec)
	if state.Session.ID != created.SessionID {
		t.Fatalf("unexpected state: %+v", state)
	}

	if rec := serve(t, h, http.MethodGet, "/api/sessions/ZZZZZZ", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_Deactivate(t *testing.T) {
	h := newTestRouter(t, RouterOptions{})
	created := createSession(t, h, "owner")
	path := "/api/sessions/" + created.AccessCode + "/deactivate"

	if rec := serve(t, h, http.MethodPost, path, "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodPost, path, "someone-else", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodPost, path, "owner", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := serve(t, h, http.MethodPost, path, "owner", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected repeated deactivate to succeed, got %d", rec.Code)
	}

	rec := serve(t, h, http.MethodGet, "/api/sessions/"+created.AccessCode, "", "")
	if info := decodeBody[session.SessionInfo](t, rec); info.IsActive {
		t.Fatalf("expected session to be inactive")
	}
	if rec := serve(t, h, http.MethodGet, "/api/sessions/"+created.AccessCode+"/state", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected state of an ended session to be 404, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodPost, "/api/sessions/ZZZZZZ/deactivate", "owner", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestRouter_HistoryAndMySessions(t *testing.T) {
	h := newTestRouter(t, RouterOptions{})
	created := createSession(t, h, "owner")
	path := "/api/sessions/" + created.AccessCode + "/history"

	if rec := serve(t, h, http.MethodGet, path, "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, path, "stranger", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger, got %d", rec.Code)
	}
	rec := serve(t, h, http.MethodGet, path, "owner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	history := decodeBody[session.SessionHistory](t, rec)
	if history.Session.AccessCode != created.AccessCode || !history.Session.IsOrganizer {
		t.Fatalf("unexpected history: %+v", history.Session)
	}

	rec = serve(t, h, http.MethodGet, "/api/me/sessions", "owner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if list := decodeBody[[]session.SessionSummary](t, rec); len(list) != 1 || list[0].ID != created.SessionID {
		t.Fatalf("unexpected session list: %+v", list)
	}

	rec = serve(t, h, http.MethodGet, "/api/me/sessions", "nobody", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
	if rec := serve(t, h, http.MethodGet, "/api/me/sessions", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	h := newTestRouter(t, RouterOptions{RateLimitPerMinute: 1})

	if rec := serve(t, h, http.MethodGet, "/api/sessions/ZZZZZZ", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/api/sessions/ZZZZZZ", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected health checks to bypass the limit, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[session.Code]int{
		session.CodeNotFound:           http.StatusNotFound,
		session.CodeForbidden:          http.StatusForbidden,
		session.CodeUnauthenticated:    http.StatusUnauthorized,
		session.CodeFailedPrecondition: http.StatusConflict,
		session.CodeInvalidArgument:    http.StatusBadRequest,
		session.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Fatalf("statusFor(%s): expected %d, got %d", code, want, got)
		}
	}
}
