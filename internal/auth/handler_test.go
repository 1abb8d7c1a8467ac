package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/agrinova/agrinova/internal/auth"
	"github.com/agrinova/agrinova/internal/shared"
)

type memoryAuthRepo struct {
	users    map[string]*auth.User
	sessions map[string]uuid.UUID
}

func newMemoryAuthRepo() *memoryAuthRepo {
	return &memoryAuthRepo{
		users:    make(map[string]*auth.User),
		sessions: make(map[string]uuid.UUID),
	}
}

func (r *memoryAuthRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	user, ok := r.users[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return user, nil
}

func (r *memoryAuthRepo) CreateSession(ctx context.Context, id string, userID uuid.UUID, expiresAt time.Time, ip, ua string) error {
	r.sessions[id] = userID
	return nil
}

func (r *memoryAuthRepo) DeleteSession(ctx context.Context, id string) error {
	delete(r.sessions, id)
	return nil
}

func newTestHandler(t *testing.T) (*auth.Handler, *memoryAuthRepo, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(client, "test_session", time.Hour, false)
	repo := newMemoryAuthRepo()
	handler := auth.NewHandler(nil, auth.NewService(repo), sessions)
	return handler, repo, sessions
}

func seedUser(t *testing.T, repo *memoryAuthRepo, email, password, role string) *auth.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &auth.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     true,
	}
	repo.users[email] = user
	return user
}

// commitWriter mirrors app.responseWriterWithCommit: the session must be
// committed before the first WriteHeader so the cookie lands in the
// ResponseRecorder's header snapshot.
type commitWriter struct {
	http.ResponseWriter
	sess          *shared.Session
	manager       *shared.SessionManager
	ctx           context.Context
	req           *http.Request
	headerWritten bool
	commitErr     error
}

func (w *commitWriter) WriteHeader(statusCode int) {
	if !w.headerWritten {
		w.headerWritten = true
		w.commitErr = w.manager.Commit(w.ctx, w.ResponseWriter, w.req, w.sess)
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *commitWriter) Write(data []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(data)
}

func doLogin(t *testing.T, handler *auth.Handler, sessions *shared.SessionManager, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sess, err := sessions.Load(req.Context(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	rec := httptest.NewRecorder()
	router := chi.NewRouter()
	handler.MountRoutes(router)
	wrapped := &commitWriter{ResponseWriter: rec, sess: sess, manager: sessions, ctx: req.Context(), req: req}
	router.ServeHTTP(wrapped, req)
	require.NoError(t, wrapped.commitErr)
	return rec
}

func TestLoginSuccess(t *testing.T) {
	handler, repo, sessions := newTestHandler(t)
	user := seedUser(t, repo, "mandor@agrinova.test", "rahasia-sekali", "MANDOR")

	rec := doLogin(t, handler, sessions, `{"email":"mandor@agrinova.test","password":"rahasia-sekali"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), user.ID.String())
	require.Contains(t, rec.Body.String(), "MANDOR")
	require.NotEmpty(t, repo.sessions)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	require.Equal(t, "test_session", cookies[0].Name)
	require.NotEmpty(t, cookies[0].Value)

	// The mirrored session row carries the same ID the client receives.
	registered, ok := repo.sessions[cookies[0].Value]
	require.True(t, ok)
	require.Equal(t, user.ID, registered)
}

func TestLoginWrongPassword(t *testing.T) {
	handler, repo, sessions := newTestHandler(t)
	seedUser(t, repo, "mandor@agrinova.test", "rahasia-sekali", "MANDOR")

	rec := doLogin(t, handler, sessions, `{"email":"mandor@agrinova.test","password":"salah-semua"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, repo.sessions)
}

func TestLoginInactiveUser(t *testing.T) {
	handler, repo, sessions := newTestHandler(t)
	user := seedUser(t, repo, "mandor@agrinova.test", "rahasia-sekali", "MANDOR")
	user.IsActive = false

	rec := doLogin(t, handler, sessions, `{"email":"mandor@agrinova.test","password":"rahasia-sekali"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginValidation(t *testing.T) {
	handler, _, sessions := newTestHandler(t)

	rec := doLogin(t, handler, sessions, `{"email":"not-an-email","password":"short"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentityMiddleware(t *testing.T) {
	_, _, sessions := newTestHandler(t)
	userID := uuid.New()

	var got *shared.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = shared.IdentityFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sessions.Load(req.Context(), req)
	require.NoError(t, err)
	sess.SetIdentity(userID.String(), "ASISTEN")
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	auth.IdentityMiddleware(next).ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, got)
	require.Equal(t, userID, got.UserID)
	require.Equal(t, "ASISTEN", got.Role)
}

func TestRequireLoginBlocksAnonymous(t *testing.T) {
	rec := httptest.NewRecorder()
	auth.RequireLogin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
