package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/shared"
	"github.com/bastionhq/bastion/internal/users"
	_ "github.com/bastionhq/bastion/testing"
)

type stubStore struct {
	user *users.User
}

func (s *stubStore) FindByEmail(_ context.Context, email string) (*users.User, error) {
	if s.user == nil || s.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func newAuthHandler(t *testing.T, store auth.UserStore) (*auth.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
	handler := auth.NewHandler(nil, auth.NewService(store, nil, nil), sessions)
	return handler, sessions
}

func seedUser(t *testing.T, password string) *users.User {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)
	return &users.User{
		ID:           uuid.New(),
		Email:        "user@test.local",
		PasswordHash: string(hashed),
		IsActive:     true,
	}
}

func doLogin(t *testing.T, handler *auth.Handler, sessions *shared.SessionManager, body string) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	router := chiRouter(handler)
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sess, err := sessions.Load(context.Background(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res, sess
}

func chiRouter(handler *auth.Handler) http.Handler {
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func TestLoginSetsSessionUser(t *testing.T) {
	user := seedUser(t, "correcthorse")
	handler, sessions := newAuthHandler(t, &stubStore{user: user})

	res, sess := doLogin(t, handler, sessions, `{"email":"user@test.local","password":"correcthorse"}`)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, user.ID.String(), sess.User())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	assert.Equal(t, "user@test.local", payload["email"])
	assert.NotContains(t, res.Body.String(), user.PasswordHash)
}

func TestLoginWrongPassword(t *testing.T) {
	handler, sessions := newAuthHandler(t, &stubStore{user: seedUser(t, "correcthorse")})

	res, sess := doLogin(t, handler, sessions, `{"email":"user@test.local","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Empty(t, sess.User())
}

func TestLoginUnknownEmailMatchesWrongPassword(t *testing.T) {
	handler, sessions := newAuthHandler(t, &stubStore{})

	res, _ := doLogin(t, handler, sessions, `{"email":"ghost@test.local","password":"whatever"}`)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	handler, sessions := newAuthHandler(t, &stubStore{})

	res, _ := doLogin(t, handler, sessions, `{"email":`)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestLogoutDestroysSession(t *testing.T) {
	user := seedUser(t, "correcthorse")
	handler, sessions := newAuthHandler(t, &stubStore{user: user})

	res, sess := doLogin(t, handler, sessions, `{"email":"user@test.local","password":"correcthorse"}`)
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, sessions.Commit(context.Background(), httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/login", nil), sess))

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.AddCookie(&http.Cookie{Name: sessions.CookieName(), Value: sess.ID})
	loaded, err := sessions.Load(context.Background(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), loaded))
	out := httptest.NewRecorder()
	chiRouter(handler).ServeHTTP(out, req)
	require.Equal(t, http.StatusNoContent, out.Code)
	require.NoError(t, sessions.Commit(context.Background(), out, req, loaded))

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(&http.Cookie{Name: sessions.CookieName(), Value: sess.ID})
	fresh, err := sessions.Load(context.Background(), next)
	require.NoError(t, err)
	assert.Empty(t, fresh.User())
}
