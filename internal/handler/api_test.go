package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/config"
	"github.com/iliyamo/session-gateway/internal/handler"
	"github.com/iliyamo/session-gateway/internal/pubsub"
	"github.com/iliyamo/session-gateway/internal/queue"
	"github.com/iliyamo/session-gateway/internal/repository"
	"github.com/iliyamo/session-gateway/internal/router"
	"github.com/iliyamo/session-gateway/internal/store"
	"github.com/iliyamo/session-gateway/internal/ws"
)

type api struct {
	e       *echo.Echo
	mr      *miniredis.Miniredis
	batcher *store.Batcher
}

func newAPI(t *testing.T) *api {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := zap.NewNop()
	cfg := config.Config{
		Host: "localhost", Port: "8000", GatewayID: "localhost:8000",
		SecretKey:          "test-secret",
		TokenTTL:           30 * time.Minute,
		SessionTimeout:     30 * time.Minute,
		FlushInterval:      50 * time.Millisecond,
		PingInterval:       25 * time.Second,
		PongTimeout:        30 * time.Second,
		InactivityTimeout:  time.Minute,
		SweepInterval:      time.Minute,
		StaleSweepInterval: 30 * time.Second,
		BcryptCost:         4,
		AdminUsernames:     []string{"admin"},
	}

	st := store.New(client, log)
	b := store.NewBatcher(st, log, cfg.FlushInterval)
	bus := pubsub.NewBus(st, log)
	users := repository.NewUserRepo(st, bus, log, cfg.BcryptCost, cfg.IsBootstrapAdmin)
	sessions := repository.NewSessionRepo(st, b, bus, log, cfg.SessionTimeout, cfg.SweepInterval, cfg.GatewayID)
	conns := repository.NewConnectionRepo(st, b, bus, log, cfg.SessionTimeout,
		cfg.PingInterval, cfg.StaleSweepInterval, cfg.GatewayID)
	audit := queue.NewPublisher("", cfg.GatewayID, false, log)
	wsm := ws.NewManager(cfg, log, sessions, conns, bus, b)

	e := echo.New()
	e.HTTPErrorHandler = handler.NewHTTPErrorHandler(log)
	router.RegisterRoutes(e, cfg,
		handler.NewAuthHandler(cfg, users, sessions, conns, bus, audit, log),
		handler.NewSessionHandler(cfg, sessions, conns, audit, log),
		handler.NewAdminHandler(cfg, users, sessions, conns, b, audit, log),
		wsm)

	return &api{e: e, mr: mr, batcher: b}
}

func (a *api) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func (a *api) registerAndLogin(t *testing.T, username, password string) (token, sid string) {
	t.Helper()
	rec, _ := a.do(t, http.MethodPost, "/sessions/register", "", map[string]any{
		"username": username, "email": username + "@x", "password": password,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := a.do(t, http.MethodPost, "/sessions/login", "", map[string]any{
		"username": username, "password": password,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ = body["access_token"].(string)
	sid, _ = body["session_id"].(string)
	require.NotEmpty(t, token)
	require.NotEmpty(t, sid)
	return token, sid
}

func (a *api) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, a.batcher.Flush(context.Background()))
}

func TestRegisterLoginFlow(t *testing.T) {
	a := newAPI(t)

	rec, body := a.do(t, http.MethodPost, "/sessions/register", "", map[string]any{
		"username": "alice", "email": "alice@x", "password": "pw",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", body["username"])

	rec, body = a.do(t, http.MethodPost, "/sessions/login", "", map[string]any{
		"username": "alice", "password": "pw",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bearer", body["token_type"])
	assert.Equal(t, float64(1800), body["expires_in"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "user", user["role"])
}

func TestRegisterDuplicateConflict(t *testing.T) {
	a := newAPI(t)
	a.registerAndLogin(t, "alice", "pw")

	rec, body := a.do(t, http.MethodPost, "/sessions/register", "", map[string]any{
		"username": "alice", "email": "other@x", "password": "pw2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Conflict", body["error"])
	assert.Equal(t, float64(http.StatusConflict), body["status_code"])
	assert.Equal(t, "/sessions/register", body["path"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestLoginBadPassword(t *testing.T) {
	a := newAPI(t)
	a.registerAndLogin(t, "alice", "pw")

	rec, body := a.do(t, http.MethodPost, "/sessions/login", "", map[string]any{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", body["error"])
}

func TestGetSessionRequiresBearer(t *testing.T) {
	a := newAPI(t)
	rec, body := a.do(t, http.MethodGet, "/sessions/some-sid", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", body["error"])
	assert.Equal(t, "missing bearer token", body["detail"])
}

func TestGetOwnSession(t *testing.T) {
	a := newAPI(t)
	token, sid := a.registerAndLogin(t, "alice", "pw")
	a.flush(t)

	rec, body := a.do(t, http.MethodGet, "/sessions/"+sid, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sid, body["session_id"])
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, "default", body["chat_id"])
}

func TestCrossUserReadForbidden(t *testing.T) {
	a := newAPI(t)
	_, bobSid := a.registerAndLogin(t, "bob", "pw")
	aliceToken, _ := a.registerAndLogin(t, "alice", "pw")
	a.flush(t)

	rec, body := a.do(t, http.MethodGet, "/sessions/"+bobSid, aliceToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Session access denied", body["detail"])
}

func TestUpdateSessionMergesData(t *testing.T) {
	a := newAPI(t)
	token, sid := a.registerAndLogin(t, "alice", "pw")
	a.flush(t)

	rec, body := a.do(t, http.MethodPost, "/sessions/update/"+sid, token, map[string]any{
		"data": map[string]any{"api_key": "K"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["ws_url"], "session_id="+sid)
	assert.Contains(t, body["ws_url"], "token={access_token}")
	a.flush(t)

	rec, body = a.do(t, http.MethodGet, "/sessions/"+sid, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "K", data["api_key"])
}

func TestUpdateForeignSessionForbidden(t *testing.T) {
	a := newAPI(t)
	_, bobSid := a.registerAndLogin(t, "bob", "pw")
	aliceToken, _ := a.registerAndLogin(t, "alice", "pw")
	a.flush(t)

	rec, _ := a.do(t, http.MethodPost, "/sessions/update/"+bobSid, aliceToken, map[string]any{
		"data": map[string]any{"api_key": "evil"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSessionForAnotherUserForbidden(t *testing.T) {
	a := newAPI(t)
	token, _ := a.registerAndLogin(t, "alice", "pw")

	rec, _ := a.do(t, http.MethodPost, "/sessions/create", token, map[string]any{
		"user_id": "bob", "chat_id": "default",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSessionReturnsWSURL(t *testing.T) {
	a := newAPI(t)
	token, _ := a.registerAndLogin(t, "alice", "pw")

	rec, body := a.do(t, http.MethodPost, "/sessions/create", token, map[string]any{
		"user_id": "alice", "chat_id": "work",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "work", body["chat_id"])
	sid := body["session_id"].(string)
	assert.Equal(t, "ws://localhost:8000/ws/connect?session_id="+sid+"&token={access_token}", body["ws_url"])
}

func TestUserSessionsListing(t *testing.T) {
	a := newAPI(t)
	token, _ := a.registerAndLogin(t, "alice", "pw")
	a.flush(t)

	rec, body := a.do(t, http.MethodGet, "/sessions/users/alice/sessions", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	// Listing another user's sessions is denied for non-admins.
	rec, _ = a.do(t, http.MethodGet, "/sessions/users/bob/sessions", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogoutRemovesSessions(t *testing.T) {
	a := newAPI(t)
	token, sid := a.registerAndLogin(t, "alice", "pw")
	a.flush(t)

	rec, body := a.do(t, http.MethodPost, "/sessions/logout", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Logged out successfully", body["message"])
	a.flush(t)

	rec, _ = a.do(t, http.MethodGet, "/sessions/"+sid, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAccount(t *testing.T) {
	a := newAPI(t)
	token, _ := a.registerAndLogin(t, "alice", "pw")
	a.flush(t)

	rec, body := a.do(t, http.MethodPost, "/sessions/delete_account", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Account deleted successfully", body["message"])

	rec, _ = a.do(t, http.MethodPost, "/sessions/login", "", map[string]any{
		"username": "alice", "password": "pw",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSurfaceGated(t *testing.T) {
	a := newAPI(t)
	userToken, _ := a.registerAndLogin(t, "alice", "pw")

	rec, _ := a.do(t, http.MethodGet, "/sessions/admin/users", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// "admin" is on the bootstrap allow-list, so it gets the admin role.
	adminToken, _ := a.registerAndLogin(t, "admin", "pw")
	a.flush(t)

	rec, body := a.do(t, http.MethodGet, "/sessions/admin/users", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	rec, body = a.do(t, http.MethodGet, "/sessions/admin/all-sessions", adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, body["count"].(float64), float64(2))
}

func TestAdminPromoteDemote(t *testing.T) {
	a := newAPI(t)
	a.registerAndLogin(t, "alice", "pw")
	adminToken, _ := a.registerAndLogin(t, "admin", "pw")

	rec, _ := a.do(t, http.MethodPost, "/sessions/admin/promote", adminToken, map[string]any{"username": "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// A fresh login now carries the admin role.
	rec, body := a.do(t, http.MethodPost, "/sessions/login", "", map[string]any{
		"username": "alice", "password": "pw",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	user := body["user"].(map[string]any)
	assert.Equal(t, "admin", user["role"])

	rec, _ = a.do(t, http.MethodPost, "/sessions/admin/demote", adminToken, map[string]any{"username": "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(t, http.MethodPost, "/sessions/admin/promote", adminToken, map[string]any{"username": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDeleteSession(t *testing.T) {
	a := newAPI(t)
	aliceToken, sid := a.registerAndLogin(t, "alice", "pw")
	adminToken, _ := a.registerAndLogin(t, "admin", "pw")
	a.flush(t)

	rec, _ := a.do(t, http.MethodDelete, "/sessions/admin/sessions/"+sid, adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	a.flush(t)

	rec, _ = a.do(t, http.MethodGet, "/sessions/"+sid, aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	a := newAPI(t)

	rec, body := a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = a.do(t, http.MethodGet, "/ws/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_connections"])
}
