package handler

import (
	"context"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/config"
	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/pubsub"
	"github.com/iliyamo/session-gateway/internal/queue"
	"github.com/iliyamo/session-gateway/internal/repository"
	"github.com/iliyamo/session-gateway/internal/utils"
)

const requestTimeout = 30 * time.Second

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{2,64}$`)

// AuthHandler bundles dependencies for identity endpoints.
type AuthHandler struct {
	Cfg      config.Config
	Users    *repository.UserRepo
	Sessions *repository.SessionRepo
	Conns    *repository.ConnectionRepo
	Bus      *pubsub.Bus
	Audit    *queue.Publisher
	Log      *zap.Logger
}

func NewAuthHandler(cfg config.Config, users *repository.UserRepo, sessions *repository.SessionRepo,
	conns *repository.ConnectionRepo, bus *pubsub.Bus, audit *queue.Publisher, log *zap.Logger) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Users: users, Sessions: sessions, Conns: conns,
		Bus: bus, Audit: audit, Log: log.Named("auth")}
}

// ----- DTOs -----

type registerReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}
type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
type logoutReq struct {
	SessionID string `json:"session_id"` // optional: logout a single session
}
type loginResp struct {
	AccessToken string            `json:"access_token"`
	TokenType   string            `json:"token_type"`
	ExpiresIn   int               `json:"expires_in"`
	User        map[string]string `json:"user"`
	SessionID   string            `json:"session_id"`
}

func reqContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// Register creates a user account.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return NewAPIError(http.StatusBadRequest, "Validation Error", "invalid body")
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Password == "" {
		return NewAPIError(http.StatusBadRequest, "Validation Error", "username/password required")
	}
	if !usernameRe.MatchString(req.Username) {
		return NewAPIError(http.StatusBadRequest, "Validation Error", "invalid username")
	}

	ctx, cancel := reqContext(c)
	defer cancel()

	if _, err := h.Users.Register(ctx, req.Username, req.Email, req.Password); err != nil {
		if err == repository.ErrConflict {
			return NewAPIError(http.StatusConflict, "Conflict", "username already exists")
		}
		return err
	}
	_ = h.Audit.Publish(ctx, queue.AuditUserRegistered, req.Username, "", "")

	return c.JSON(http.StatusOK, echo.Map{
		"message":  "User registered successfully",
		"username": req.Username,
	})
}

// Login verifies credentials, reuses or creates a session, and issues a
// bearer token.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return NewAPIError(http.StatusBadRequest, "Validation Error", "invalid body")
	}

	ctx, cancel := reqContext(c)
	defer cancel()

	u, err := h.Users.VerifyCredentials(ctx, req.Username, req.Password)
	if err != nil {
		if err == repository.ErrUnauthorized {
			return NewAPIError(http.StatusUnauthorized, "Unauthorized", "invalid username or password")
		}
		return err
	}

	sess, err := h.reuseOrCreate(ctx, u.Username)
	if err != nil {
		return err
	}

	token, err := utils.NewAccessToken(h.Cfg.SecretKey, u.Username, u.Role, h.Cfg.TokenTTL)
	if err != nil {
		return err
	}
	if err := h.Users.BumpLastLogin(ctx, u.Username); err != nil {
		h.Log.Warn("last_login bump failed", zap.String("username", u.Username), zap.Error(err))
	}
	h.Conns.Register(ctx, sess.ID, h.Cfg.GatewayID)
	h.Sessions.Touch(ctx, sess.ID)
	_ = h.Audit.Publish(ctx, queue.AuditLogin, u.Username, sess.ID, "")

	h.Log.Info("user logged in", zap.String("username", u.Username), zap.String("session_id", sess.ID))
	return c.JSON(http.StatusOK, loginResp{
		AccessToken: token.Token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.Cfg.TokenTTL / time.Second),
		User:        map[string]string{"username": u.Username, "role": u.Role},
		SessionID:   sess.ID,
	})
}

// reuseOrCreate returns the user's most recently used live session, or a
// fresh one when none survives.
func (h *AuthHandler) reuseOrCreate(ctx context.Context, username string) (*model.Session, error) {
	sessions, err := h.Sessions.ForUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].LastAccess.After(sessions[j].LastAccess)
		})
		return sessions[0], nil
	}
	return h.Sessions.Create(ctx, username, model.DefaultChatID)
}

// Logout deletes the principal's sessions (or a specified one) and fans a
// logout event out to every live socket of the user on every replica.
func (h *AuthHandler) Logout(c echo.Context) error {
	p, ok := principalFrom(c)
	if !ok {
		return NewAPIError(http.StatusUnauthorized, "Unauthorized", "authentication required")
	}
	var req logoutReq
	_ = c.Bind(&req) // body is optional

	ctx, cancel := reqContext(c)
	defer cancel()

	if req.SessionID != "" {
		sess, err := h.Sessions.Get(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if sess.UserID != p.Username {
			return NewAPIError(http.StatusForbidden, "Forbidden", "Session access denied")
		}
		if err := h.Sessions.Delete(ctx, req.SessionID); err != nil {
			return err
		}
	} else {
		if _, err := h.Sessions.DeleteForUser(ctx, p.Username); err != nil {
			return err
		}
	}

	err := h.Bus.Publish(ctx, pubsub.UserTopic(p.Username), map[string]any{
		"type":       model.EventLogout,
		"user_id":    p.Username,
		"session_id": req.SessionID,
	})
	if err != nil {
		h.Log.Warn("logout publish failed", zap.String("username", p.Username), zap.Error(err))
	}
	_ = h.Audit.Publish(ctx, queue.AuditLogout, p.Username, req.SessionID, "")

	h.Log.Info("user logged out", zap.String("username", p.Username))
	return c.JSON(http.StatusOK, echo.Map{"message": "Logged out successfully"})
}

// DeleteAccount removes the user record and everything attached to it.
func (h *AuthHandler) DeleteAccount(c echo.Context) error {
	p, ok := principalFrom(c)
	if !ok {
		return NewAPIError(http.StatusUnauthorized, "Unauthorized", "authentication required")
	}

	ctx, cancel := reqContext(c)
	defer cancel()

	if err := h.Users.Delete(ctx, p.Username); err != nil {
		return err
	}
	if _, err := h.Sessions.DeleteForUser(ctx, p.Username); err != nil {
		return err
	}
	_ = h.Audit.Publish(ctx, queue.AuditUserDeleted, p.Username, "", "")

	h.Log.Info("account deleted", zap.String("username", p.Username))
	return c.JSON(http.StatusOK, echo.Map{"message": "Account deleted successfully"})
}

// principalFrom reads the identity injected by the JWT middleware.
func principalFrom(c echo.Context) (model.Principal, bool) {
	p, ok := c.Get("principal").(model.Principal)
	return p, ok
}
