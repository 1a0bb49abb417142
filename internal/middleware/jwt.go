package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
    "strings" // string utilities for prefix checking and trimming

    "github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

    "github.com/iliyamo/session-gateway/internal/handler"
    "github.com/iliyamo/session-gateway/internal/model"
    "github.com/iliyamo/session-gateway/internal/utils"
)

const principalKey = "principal"

// JWTAuth returns an Echo middleware that validates a Bearer access token
// and injects the authenticated principal into the request context.  The
// provided secret must match the one used when issuing tokens.  The
// principal is stored under the "principal" context key, which
// PrincipalFrom and the handlers read back.
func JWTAuth(secret string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            auth := c.Request().Header.Get("Authorization")
            if !strings.HasPrefix(auth, "Bearer ") {
                return handler.NewAPIError(401, "Unauthorized", "missing bearer token")
            }
            raw := strings.TrimPrefix(auth, "Bearer ")
            principal, err := utils.ParseToken(secret, raw)
            if err != nil {
                return handler.NewAPIError(401, "Unauthorized", "invalid or expired token")
            }
            c.Set(principalKey, principal)
            return next(c)
        }
    }
}

// PrincipalFrom extracts the authenticated principal stored by JWTAuth.
func PrincipalFrom(c echo.Context) (model.Principal, bool) {
    p, ok := c.Get(principalKey).(model.Principal)
    return p, ok
}
