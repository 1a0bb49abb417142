package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // Echo web framework handles routing

	"github.com/iliyamo/session-gateway/internal/config"
	"github.com/iliyamo/session-gateway/internal/handler"
	"github.com/iliyamo/session-gateway/internal/middleware"
	"github.com/iliyamo/session-gateway/internal/model"
	"github.com/iliyamo/session-gateway/internal/ws"
)

// RegisterRoutes wires the full HTTP and WebSocket surface onto the Echo
// instance.  Public endpoints (register, login, health, socket connect)
// carry no middleware; the session surface requires a bearer token; the
// admin surface additionally requires the admin role.
func RegisterRoutes(e *echo.Echo, cfg config.Config, auth *handler.AuthHandler,
	session *handler.SessionHandler, admin *handler.AdminHandler, wsm *ws.Manager) {

	// Public surface.
	e.GET("/health", handler.Health(cfg.GatewayID))
	e.GET("/ws/health", wsm.Health)
	e.GET("/ws/connect", wsm.Connect) // token is checked inside the handshake
	e.POST("/sessions/register", auth.Register)
	e.POST("/sessions/login", auth.Login)

	// Authenticated surface.  JWTAuth validates the bearer and injects the
	// principal; ownership checks live in the handlers.
	s := e.Group("/sessions")
	s.Use(middleware.JWTAuth(cfg.SecretKey))
	s.POST("/create", session.Create)
	s.POST("/logout", auth.Logout)
	s.POST("/delete_account", auth.DeleteAccount)
	s.POST("/update/:id", session.Update)
	s.GET("/users/:user/sessions", session.UserSessions)
	s.GET("/users/:user/connection", session.UserConnection)

	// Admin surface.
	a := s.Group("/admin")
	a.Use(middleware.RequireRole(model.RoleAdmin))
	a.GET("/all-sessions", admin.AllSessions)
	a.GET("/users", admin.AllUsers)
	a.GET("/stats", admin.Stats)
	a.POST("/promote", admin.Promote)
	a.POST("/demote", admin.Demote)
	a.POST("/cleanup", admin.Cleanup)
	a.DELETE("/sessions/:id", admin.DeleteSession)
	a.DELETE("/users/:user", admin.DeleteUser)

	// The catch-all session read goes last so the static routes above win.
	s.GET("/:id", session.Get)
}
