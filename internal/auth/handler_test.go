package auth_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/tessera-admin/tessera/internal/auth"
	"github.com/tessera-admin/tessera/internal/identity"
	"github.com/tessera-admin/tessera/internal/shared"
)

type stubUsers struct {
	users map[uuid.UUID]identity.User
}

func (s *stubUsers) FindUserByName(_ context.Context, userName string) (identity.User, error) {
	for _, u := range s.users {
		if u.UserName == userName {
			return u, nil
		}
	}
	return identity.User{}, shared.ErrNotFound
}

func (s *stubUsers) FindUserByID(_ context.Context, id uuid.UUID) (identity.User, error) {
	u, ok := s.users[id]
	if !ok {
		return identity.User{}, shared.ErrNotFound
	}
	return u, nil
}

func (s *stubUsers) UpdatePassword(_ context.Context, userID uuid.UUID, hash string) error {
	u, ok := s.users[userID]
	if !ok {
		return shared.ErrNotFound
	}
	u.PasswordHash = hash
	s.users[userID] = u
	return nil
}

type stubSessions struct {
	created, deleted []string
}

func (s *stubSessions) CreateSession(_ context.Context, id string, _ uuid.UUID, _ time.Time, _, _ string) error {
	s.created = append(s.created, id)
	return nil
}

func (s *stubSessions) DeleteSession(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type stubWarmer struct {
	enqueued []uuid.UUID
}

func (s *stubWarmer) EnqueuePermWarmup(_ context.Context, userID uuid.UUID) error {
	s.enqueued = append(s.enqueued, userID)
	return nil
}

type testEnv struct {
	router   http.Handler
	sessions *shared.SessionManager
	users    *stubUsers
	store    *stubSessions
	warmer   *stubWarmer
}

func seedUser(t *testing.T, users *stubUsers, userName, password string, roles ...string) identity.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	user := identity.User{ID: id, UserName: userName, DisplayName: userName, PasswordHash: string(hash), Roles: roles}
	users.users[id] = user
	return user
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessionManager := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	users := &stubUsers{users: make(map[uuid.UUID]identity.User)}
	store := &stubSessions{}
	warmer := &stubWarmer{}
	service := auth.NewService(users, store, nil, warmer, nil)
	handler := auth.NewHandler(discardLogger(), service, sessionManager, csrfManager)

	router := chi.NewRouter()
	router.Use(sessionMiddleware(sessionManager))
	router.Use(auth.PrincipalMiddleware(users, nil))
	router.Route("/api/auth", handler.MountRoutes)
	return &testEnv{router: router, sessions: sessionManager, users: users, store: store, warmer: warmer}
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sessionMiddleware(manager *shared.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := manager.Load(r.Context(), r)
			if err != nil {
				http.Error(w, "session", http.StatusInternalServerError)
				return
			}
			ctx := shared.ContextWithSession(r.Context(), sess)
			next.ServeHTTP(w, r.WithContext(ctx))
			_ = manager.Commit(ctx, w, r, sess)
		})
	}
}

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, env.users, "alice", "correct-horse", "agent")

	body := `{"userName":"alice","password":"correct-horse"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	res := httptest.NewRecorder()
	env.router.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var view struct {
		UserID    string   `json:"userId"`
		Roles     []string `json:"roles"`
		CSRFToken string   `json:"csrfToken"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.UserID != user.ID.String() {
		t.Fatalf("unexpected user id %s", view.UserID)
	}
	if view.CSRFToken == "" {
		t.Fatalf("login response must carry a csrf token")
	}
	if len(env.store.created) != 1 {
		t.Fatalf("login must record the session, got %d records", len(env.store.created))
	}
	if len(env.warmer.enqueued) != 1 || env.warmer.enqueued[0] != user.ID {
		t.Fatalf("login must enqueue a permission warmup for the user")
	}
	cookie := res.Result().Cookies()
	if len(cookie) == 0 {
		t.Fatalf("login must set the session cookie")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env.users, "alice", "correct-horse")

	body := `{"userName":"alice","password":"wrong-password"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	res := httptest.NewRecorder()
	env.router.ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if len(env.store.created) != 0 {
		t.Fatalf("failed login must not record a session")
	}
}

func TestMeRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	res := httptest.NewRecorder()
	env.router.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", res.Code)
	}
}

func TestLoginThenMeResolvesPrincipal(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, env.users, "alice", "correct-horse", "agent", "auditor")

	login := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"userName":"alice","password":"correct-horse"}`))
	loginRes := httptest.NewRecorder()
	env.router.ServeHTTP(loginRes, login)
	if loginRes.Code != http.StatusOK {
		t.Fatalf("login: %d", loginRes.Code)
	}

	me := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	for _, c := range loginRes.Result().Cookies() {
		me.AddCookie(c)
	}
	meRes := httptest.NewRecorder()
	env.router.ServeHTTP(meRes, me)
	if meRes.Code != http.StatusOK {
		t.Fatalf("me: %d %s", meRes.Code, meRes.Body.String())
	}
	var view struct {
		UserID string   `json:"userId"`
		Roles  []string `json:"roles"`
	}
	if err := json.Unmarshal(meRes.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.UserID != user.ID.String() || len(view.Roles) != 2 {
		t.Fatalf("principal mismatch: %+v", view)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	user := seedUser(t, env.users, "alice", "correct-horse")

	login := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"userName":"alice","password":"correct-horse"}`))
	loginRes := httptest.NewRecorder()
	env.router.ServeHTTP(loginRes, login)
	if loginRes.Code != http.StatusOK {
		t.Fatalf("login: %d", loginRes.Code)
	}
	cookies := loginRes.Result().Cookies()

	change := httptest.NewRequest(http.MethodPut, "/api/auth/password", strings.NewReader(`{"current":"correct-horse","next":"new-password-1"}`))
	for _, c := range cookies {
		change.AddCookie(c)
	}
	changeRes := httptest.NewRecorder()
	env.router.ServeHTTP(changeRes, change)
	if changeRes.Code != http.StatusNoContent {
		t.Fatalf("change password: %d %s", changeRes.Code, changeRes.Body.String())
	}

	if err := bcrypt.CompareHashAndPassword([]byte(env.users.users[user.ID].PasswordHash), []byte("new-password-1")); err != nil {
		t.Fatalf("new password must verify: %v", err)
	}
}
