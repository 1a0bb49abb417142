package middleware // middleware provides shared request processing for handlers

import (
    "github.com/labstack/echo/v4" // echo provides middleware chaining and context

    "github.com/iliyamo/session-gateway/internal/handler"
)

// RequireRole returns a middleware function that enforces that the
// authenticated user has one of the specified roles.  The roles accepted
// correspond to the values carried in the JWT's "role" claim.  If the
// principal's role is not in the allowed set, the request is aborted with
// a 403 Forbidden response.  It assumes JWTAuth ran earlier in the chain.
func RequireRole(roles ...string) echo.MiddlewareFunc {
    allowed := make(map[string]bool, len(roles))
    for _, r := range roles {
        allowed[r] = true
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            p, ok := PrincipalFrom(c)
            if !ok || !allowed[p.Role] {
                return handler.NewAPIError(403, "Forbidden", "insufficient role")
            }
            return next(c)
        }
    }
}
