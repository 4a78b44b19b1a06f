package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pagecast/internal/auth"
	"pagecast/internal/config"
	"pagecast/internal/contacts"
	"pagecast/internal/dedup"
	"pagecast/internal/jobs"
	"pagecast/internal/logger"
	"pagecast/internal/messenger"
)

type provider struct {
	mu         sync.Mutex
	recipients []string
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recipient struct {
			ID string `json:"id"`
		} `json:"recipient"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	p.mu.Lock()
	p.recipients = append(p.recipients, body.Recipient.ID)
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"recipient_id":"` + body.Recipient.ID + `"}`))
}

type testServer struct {
	t        *testing.T
	h        http.Handler
	db       *gorm.DB
	provider *provider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&auth.User{}, &contacts.Contact{}, &contacts.Page{}, &jobs.Job{}))

	p := &provider{}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	log := logger.Discard()
	users := &auth.Users{DB: db}
	dir := &contacts.Directory{DB: db}
	repo := &jobs.Repo{DB: db}
	runner := &jobs.Runner{
		Store:    repo,
		Resolver: &contacts.Resolver{Contacts: dir},
		Sender: &messenger.Sender{
			Provider: messenger.NewClient(messenger.ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}),
			Pages:    &contacts.Pages{DB: db},
			Tokens:   users,
			Log:      log,
		},
		Markers: dir,
		Log:     log,
	}
	svc := &jobs.Service{
		Store:    repo,
		Runner:   runner,
		Sweeper:  &jobs.Sweeper{Store: repo, Runner: runner, Markers: dir, Log: log},
		Guard:    dedup.New(time.Minute),
		Dispatch: func(string) {},
		Log:      log,
	}

	cfg := config.Config{Sweep: config.SweepConfig{Secret: "sweep-secret"}}
	h := NewRouter(cfg, Deps{
		JWT:      auth.NewJWT("test-secret"),
		Users:    users,
		Contacts: dir,
		Jobs:     svc,
		Log:      log,
	})
	return &testServer{t: t, h: h, db: db, provider: p}
}

func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(email string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/auth/register", "", map[string]string{"email": email, "password": "correct horse"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Token
}

// ownerOf reads back the owner id behind a token.
func (s *testServer) ownerOf(token string) string {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/me/", token, nil)
	require.Equal(s.t, http.StatusOK, rec.Code)
	var out struct {
		UserID string `json:"user_id"`
	}
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.UserID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// ──────────────────────────────────────────────────────────────────────────────
// Basics
// ──────────────────────────────────────────────────────────────────────────────

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRouter_AuthFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/me/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := s.register("Ann@Example.com")
	rec = s.do(http.MethodPost, "/auth/register", "", map[string]string{"email": "ann@example.com", "password": "another pass"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "ann@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "ann@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code)

	me := decode[map[string]any](t, s.do(http.MethodGet, "/me/", token, nil))
	assert.Equal(t, false, me["has_provider_token"])

	rec = s.do(http.MethodPut, "/me/provider-token", token, map[string]string{"token": "long-lived"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	me = decode[map[string]any](t, s.do(http.MethodGet, "/me/", token, nil))
	assert.Equal(t, true, me["has_provider_token"])
}

// ──────────────────────────────────────────────────────────────────────────────
// Broadcasts
// ──────────────────────────────────────────────────────────────────────────────

func TestRouter_BroadcastLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.register("owner@example.com")
	owner := s.ownerOf(token)

	rec := s.do(http.MethodPost, "/contacts", token, []map[string]string{
		{"id": "c1", "page_id": "P1", "psid": "psid-1", "name": "Ann Lee"},
		{"id": "c2", "page_id": "P1", "psid": "psid-2", "name": "Bo"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NoError(t, (&contacts.Pages{DB: s.db}).Upsert(context.Background(),
		contacts.Page{ID: "P1", OwnerID: owner, Name: "Shop", AccessToken: "page-token"}))

	body := map[string]any{
		"contact_ids": []any{map[string]string{"id": "c1"}, "psid-2"},
		"message":     "Hi {FirstName}",
	}
	rec = s.do(http.MethodPost, "/broadcasts", token, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	rec = s.do(http.MethodPost, "/broadcasts", token, body, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/broadcasts/"+id+"/advance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	adv := decode[struct {
		Result string   `json:"result"`
		Job    jobs.Job `json:"job"`
	}](t, rec)
	assert.Equal(t, string(jobs.ResultCompleted), adv.Result)
	assert.Equal(t, jobs.StatusCompleted, adv.Job.Status)
	assert.Equal(t, 2, adv.Job.SentCount)
	assert.ElementsMatch(t, []string{"psid-1", "psid-2"}, s.provider.recipients)

	got := decode[jobs.Job](t, s.do(http.MethodGet, "/broadcasts/"+id, token, nil))
	assert.Equal(t, jobs.StatusCompleted, got.Status)

	rec = s.do(http.MethodPost, "/broadcasts/"+id+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	other := s.register("other@example.com")
	rec = s.do(http.MethodGet, "/broadcasts/"+id, other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_ScheduledBroadcasts(t *testing.T) {
	s := newTestServer(t)
	token := s.register("owner@example.com")

	body := map[string]any{"contact_ids": []string{"c1"}, "message": "Sale starts now"}

	body["scheduled_for"] = "tomorrow"
	rec := s.do(http.MethodPost, "/broadcasts/scheduled", token, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body["scheduled_for"] = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec = s.do(http.MethodPost, "/broadcasts/scheduled", token, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body["scheduled_for"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = s.do(http.MethodPost, "/broadcasts/scheduled", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[map[string]any](t, rec)["id"].(string)

	rec = s.do(http.MethodPost, "/broadcasts/"+id+"/pause", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decode[map[string]any](t, rec)["status"])
	rec = s.do(http.MethodPost, "/broadcasts/"+id+"/resume", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode[map[string]any](t, rec)["status"])

	rec = s.do(http.MethodPost, "/broadcasts/"+id+"/advance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(jobs.ResultSkipped), decode[map[string]any](t, rec)["result"])

	list := decode[struct {
		Items []jobs.Job `json:"items"`
	}](t, s.do(http.MethodGet, "/broadcasts?kind=scheduled", token, nil))
	require.Len(t, list.Items, 1)
	assert.Equal(t, id, list.Items[0].ID)

	list = decode[struct {
		Items []jobs.Job `json:"items"`
	}](t, s.do(http.MethodGet, "/broadcasts?kind=immediate", token, nil))
	assert.Empty(t, list.Items)
}

func TestRouter_RejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	token := s.register("owner@example.com")

	req := httptest.NewRequest(http.MethodPost, "/broadcasts", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/broadcasts", token, map[string]any{"contact_ids": []string{}, "message": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/contacts", token, []map[string]string{{"id": "c1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ──────────────────────────────────────────────────────────────────────────────
// Sweep
// ──────────────────────────────────────────────────────────────────────────────

func TestRouter_SweepRequiresSecret(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/internal/sweep", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(http.MethodPost, "/internal/sweep", "", nil, "X-Sweep-Secret", "guess")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/internal/sweep", "", nil, "X-Sweep-Secret", "sweep-secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rep := decode[jobs.SweepReport](t, rec)
	assert.Zero(t, rep.Due)
}

func TestRouter_ContactIDsAreScopedToOwner(t *testing.T) {
	s := newTestServer(t)
	first := s.register("first@example.com")
	second := s.register("second@example.com")
	row := []map[string]string{{"id": "c1", "page_id": "P1", "psid": "psid-1", "name": "Ann"}}

	rec := s.do(http.MethodPost, "/contacts", first, row)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/contacts", second, row)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/contacts", first, []map[string]string{
		{"id": "c1", "page_id": "P1", "psid": "psid-1", "name": "Ann Lee"},
		{"id": "c1", "page_id": "P1", "psid": "psid-1", "name": "Ann B. Lee"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["imported"])

	dir := &contacts.Directory{DB: s.db}
	mine, err := dir.FindByKeys(context.Background(), s.ownerOf(first), contacts.SpaceDatabase, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "Ann B. Lee", mine[0].Name)

	theirs, err := dir.FindByKeys(context.Background(), s.ownerOf(second), contacts.SpaceDatabase, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "Ann", theirs[0].Name)
}
