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
	"github.com/iliyamo/session-gateway/internal/store"
)

// AdminHandler exposes the fleet administration surface.  Role gating
// happens in the router (RequireRole "admin"); handlers only do the work.
type AdminHandler struct {
	Cfg      config.Config
	Users    *repository.UserRepo
	Sessions *repository.SessionRepo
	Conns    *repository.ConnectionRepo
	Batcher  *store.Batcher
	Audit    *queue.Publisher
	Log      *zap.Logger

	started time.Time
}

func NewAdminHandler(cfg config.Config, users *repository.UserRepo, sessions *repository.SessionRepo,
	conns *repository.ConnectionRepo, batcher *store.Batcher, audit *queue.Publisher, log *zap.Logger) *AdminHandler {
	return &AdminHandler{Cfg: cfg, Users: users, Sessions: sessions, Conns: conns,
		Batcher: batcher, Audit: audit, Log: log.Named("admin"), started: time.Now()}
}

type roleChangeReq struct {
	Username string `json:"username"`
}

// AllSessions lists every session in the store.
func (h *AdminHandler) AllSessions(c echo.Context) error {
	ctx, cancel := reqContext(c)
	defer cancel()

	sessions, err := h.Sessions.All(ctx)
	if err != nil {
		return err
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, view(s))
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": views, "count": len(views)})
}

// AllUsers lists every user with online status.
func (h *AdminHandler) AllUsers(c echo.Context) error {
	ctx, cancel := reqContext(c)
	defer cancel()

	users, err := h.Users.All(ctx)
	if err != nil {
		return err
	}
	out := make([]echo.Map, 0, len(users))
	for _, u := range users {
		online := false
		sessions, err := h.Sessions.ForUser(ctx, u.Username)
		if err == nil {
			for _, s := range sessions {
				if conn, err := h.Conns.Lookup(ctx, s.ID); err == nil && conn.WSConnected {
					online = true
					break
				}
			}
		}
		out = append(out, echo.Map{
			"username":   u.Username,
			"email":      u.Email,
			"role":       u.Role,
			"created_at": u.CreatedAt,
			"last_login": u.LastLogin,
			"online":     online,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"users": out, "count": len(out)})
}

// DeleteSession force-closes one session anywhere in the fleet.
func (h *AdminHandler) DeleteSession(c echo.Context) error {
	sid := c.Param("id")

	ctx, cancel := reqContext(c)
	defer cancel()

	if _, err := h.Sessions.Get(ctx, sid); err != nil {
		if err == repository.ErrNotFound {
			return NewAPIError(http.StatusNotFound, "Not Found", "Session not found")
		}
		return err
	}
	if err := h.Sessions.Delete(ctx, sid); err != nil {
		return err
	}
	_ = h.Audit.Publish(ctx, queue.AuditSessionClosed, "", sid, "admin delete")
	return c.JSON(http.StatusOK, echo.Map{"message": "Session deleted"})
}

// DeleteUser removes a user account and all its sessions.
func (h *AdminHandler) DeleteUser(c echo.Context) error {
	username := c.Param("user")

	ctx, cancel := reqContext(c)
	defer cancel()

	if err := h.Users.Delete(ctx, username); err != nil {
		if err == repository.ErrNotFound {
			return NewAPIError(http.StatusNotFound, "Not Found", "User not found")
		}
		return err
	}
	if _, err := h.Sessions.DeleteForUser(ctx, username); err != nil {
		return err
	}
	_ = h.Audit.Publish(ctx, queue.AuditUserDeleted, username, "", "admin delete")
	return c.JSON(http.StatusOK, echo.Map{"message": "User deleted"})
}

// Promote grants the admin role.
func (h *AdminHandler) Promote(c echo.Context) error {
	return h.setRole(c, model.RoleAdmin, "promoted to admin")
}

// Demote revokes the admin role.
func (h *AdminHandler) Demote(c echo.Context) error {
	return h.setRole(c, model.RoleUser, "demoted to user")
}

func (h *AdminHandler) setRole(c echo.Context, role, message string) error {
	var req roleChangeReq
	if err := c.Bind(&req); err != nil || req.Username == "" {
		return NewAPIError(http.StatusBadRequest, "Validation Error", "username required")
	}

	ctx, cancel := reqContext(c)
	defer cancel()

	if _, err := h.Users.SetRole(ctx, req.Username, role); err != nil {
		if err == repository.ErrNotFound {
			return NewAPIError(http.StatusNotFound, "Not Found", "User not found")
		}
		return err
	}
	_ = h.Audit.Publish(ctx, queue.AuditRoleChanged, req.Username, "", message)
	h.Log.Info("role changed", zap.String("username", req.Username), zap.String("role", role))
	return c.JSON(http.StatusOK, echo.Map{"message": "User " + req.Username + " " + message})
}

// Stats reports fleet and replica statistics.
func (h *AdminHandler) Stats(c echo.Context) error {
	ctx, cancel := reqContext(c)
	defer cancel()

	users, err := h.Users.All(ctx)
	if err != nil {
		return err
	}
	sessions, err := h.Sessions.All(ctx)
	if err != nil {
		return err
	}
	connected, err := h.Conns.ConnectedCount(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"gateway_id":     h.Cfg.GatewayID,
		"users":          len(users),
		"sessions":       len(sessions),
		"connected":      connected,
		"batcher":        h.Batcher.Snapshot(),
		"uptime_seconds": int(time.Since(h.started) / time.Second),
	})
}

// Cleanup triggers one expired-session sweep.
func (h *AdminHandler) Cleanup(c echo.Context) error {
	ctx, cancel := reqContext(c)
	defer cancel()

	removed, err := h.Sessions.SweepExpired(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Cleanup complete", "removed": removed})
}
