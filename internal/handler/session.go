package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/config"
	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/queue"
	"github.com/iliyamo/session-gateway/internal/repository"
)

// SessionHandler exposes the authenticated session endpoints.  All state
// lives in the registries; handlers only check ownership and shape
// responses.
type SessionHandler struct {
	Cfg      config.Config
	Sessions *repository.SessionRepo
	Conns    *repository.ConnectionRepo
	Audit    *queue.Publisher
	Log      *zap.Logger
}

func NewSessionHandler(cfg config.Config, sessions *repository.SessionRepo,
	conns *repository.ConnectionRepo, audit *queue.Publisher, log *zap.Logger) *SessionHandler {
	return &SessionHandler{Cfg: cfg, Sessions: sessions, Conns: conns, Audit: audit, Log: log.Named("sessions")}
}

// ----- DTOs -----

type createSessionReq struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"` // optional: reuse an existing session
}
type updateSessionReq struct {
	ChatID string         `json:"chat_id"`
	Data   map[string]any `json:"data"`
}
type sessionView struct {
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	ChatID     string         `json:"chat_id"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
	LastAccess time.Time      `json:"last_access,omitempty"`
	WSURL      string         `json:"ws_url,omitempty"`
}

// wsURL builds the connect template.  The client substitutes its own
// token; the server never embeds a live one.
func (h *SessionHandler) wsURL(sid string) string {
	return "ws://" + h.Cfg.Host + ":" + h.Cfg.Port + "/ws/connect?session_id=" + sid + "&token={access_token}"
}

func view(s *model.Session) sessionView {
	return sessionView{
		SessionID:  s.ID,
		UserID:     s.UserID,
		ChatID:     s.ChatID,
		Data:       s.Data,
		CreatedAt:  s.CreatedAt,
		LastAccess: s.LastAccess,
	}
}

// Create makes (or reuses) a session for the authenticated user.
func (h *SessionHandler) Create(c echo.Context) error {
	p, ok := principalFrom(c)
	if !ok {
		return NewAPIError(http.StatusUnauthorized, "Unauthorized", "authentication required")
	}
	var req createSessionReq
	if err := c.Bind(&req); err != nil {
		return NewAPIError(http.StatusBadRequest, "Validation Error", "invalid body")
	}
	if req.UserID != "" && req.UserID != p.Username {
		return NewAPIError(http.StatusForbidden, "Forbidden", "cannot create sessions for another user")
	}

	ctx, cancel := reqContext(c)
	defer cancel()

	var sess *model.Session
	if req.SessionID != "" {
		existing, err := h.Sessions.Get(ctx, req.SessionID)
		if err == nil && existing.UserID == p.Username {
			sess = existing
			h.Sessions.Touch(ctx, sess.ID)
		}
	}
	if sess == nil {
		var err error
		sess, err = h.Sessions.Create(ctx, p.Username, req.ChatID)
		if err != nil {
			return err
		}
		_ = h.Audit.Publish(ctx, queue.AuditSessionCreated, p.Username, sess.ID, "")
	}
	h.Conns.Register(ctx, sess.ID, h.Cfg.GatewayID)

	v := view(sess)
	v.WSURL = h.wsURL(sess.ID)
	return c.JSON(http.StatusOK, v)
}

// Get returns a session to its owner or an admin.
func (h *SessionHandler) Get(c echo.Context) error {
	p, ok := principalFrom(c)
	if !ok {
		return NewAPIError(http.StatusUnauthorized, "Unauthorized", "authentication required")
	}
	sid := c.Param("id")

	ctx, cancel := reqContext(c)
	defer cancel()

	sess, err := h.Sessions.Get(ctx, sid)
	if err != nil {
		if err == repository.ErrNotFound {
			return NewAPIError(http.StatusNotFound, "Not Found", "Session not found")
		}
		return err
	}
	if sess.UserID != p.Username && !p.IsAdmin() {
		return NewAPIError(http.StatusForbidden, "Forbidden", "Session access denied")
	}
	h.Sessions.Touch(ctx, sid)
	return c.JSON(http.StatusOK, view(sess))
}

// Update merges a data patch into the session.  Owner only; admins have
// no override on writes.
func (h *SessionHandler) Update(c echo.Context) error {
	p, ok := principalFrom(c)
	if !ok {
		return NewAPIError(http.StatusUnauthorized, "Unauthorized", "authentication required")
	}
	sid := c.Param("id")
	var req updateSessionReq
	if err := c.Bind(&req); err != nil || req.Data == nil {
		return NewAPIError(http.StatusBadRequest, "Validation Error", "data required")
	}

	ctx, cancel := reqContext(c)
	defer cancel()

	sess, err := h.Sessions.Get(ctx, sid)
	if err != nil {
		if err == repository.ErrNotFound {
			return NewAPIError(http.StatusNotFound, "Not Found", "Session not found")
		}
		return err
	}
	if sess.UserID != p.Username {
		return NewAPIError(http.StatusForbidden, "Forbidden", "Session access denied")
	}

	updated, err := h.Sessions.Update(ctx, sid, req.ChatID, req.Data)
	if err != nil {
		return err
	}
	v := view(updated)
	v.WSURL = h.wsURL(sid)
	return c.JSON(http.StatusOK, v)
}

// UserSessions lists a user's sessions.  Self or admin.
func (h *SessionHandler) UserSessions(c echo.Context) error {
	p, ok := principalFrom(c)
	if !ok {
		return NewAPIError(http.StatusUnauthorized, "Unauthorized", "authentication required")
	}
	user := c.Param("user")
	if user != p.Username && !p.IsAdmin() {
		return NewAPIError(http.StatusForbidden, "Forbidden", "access denied")
	}

	ctx, cancel := reqContext(c)
	defer cancel()

	sessions, err := h.Sessions.ForUser(ctx, user)
	if err != nil {
		return err
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, view(s))
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": views, "count": len(views)})
}

// UserConnection returns one connection record among a user's sessions:
// a live connection is preferred, then the most recently seen.  Self or
// admin.
func (h *SessionHandler) UserConnection(c echo.Context) error {
	p, ok := principalFrom(c)
	if !ok {
		return NewAPIError(http.StatusUnauthorized, "Unauthorized", "authentication required")
	}
	user := c.Param("user")
	if user != p.Username && !p.IsAdmin() {
		return NewAPIError(http.StatusForbidden, "Forbidden", "access denied")
	}

	ctx, cancel := reqContext(c)
	defer cancel()

	sessions, err := h.Sessions.ForUser(ctx, user)
	if err != nil {
		return err
	}
	var best *model.Connection
	for _, s := range sessions {
		conn, err := h.Conns.Lookup(ctx, s.ID)
		if err == repository.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if best == nil || (conn.WSConnected && !best.WSConnected) ||
			(conn.WSConnected == best.WSConnected && conn.LastSeen.After(best.LastSeen)) {
			best = conn
		}
	}
	if best == nil {
		return NewAPIError(http.StatusNotFound, "Not Found", "No active connection")
	}
	return c.JSON(http.StatusOK, echo.Map{
		"session_id":   best.SessionID,
		"gateway_id":   best.GatewayID,
		"ws_connected": best.WSConnected,
		"last_seen":    best.LastSeen,
	})
}
