package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/session-gateway/internal/repository"
)

// APIError carries an HTTP status plus the two-part message rendered into
// the error envelope.  Handlers return it (or a repository sentinel) and
// the central error handler does the rest.
type APIError struct {
	Code   int
	Err    string
	Detail string
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Err, e.Detail) }

func NewAPIError(code int, err, detail string) *APIError {
	return &APIError{Code: code, Err: err, Detail: detail}
}

// errorEnvelope is the JSON error body on every HTTP failure.
type errorEnvelope struct {
	Error      string `json:"error"`
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
}

// fromSentinel maps repository sentinels to HTTP semantics.
func fromSentinel(err error) (int, string, string, bool) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "Not Found", "resource not found", true
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, "Conflict", "resource already exists", true
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden, "Forbidden", "access denied", true
	case errors.Is(err, repository.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized", "invalid credentials", true
	}
	return 0, "", "", false
}

// NewHTTPErrorHandler builds the central Echo error handler.  Every error
// leaving a handler is rendered as the envelope; no stack traces escape
// the boundary.
func NewHTTPErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	log = log.Named("http")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		errStr := "Internal Server Error"
		detail := "unexpected error"

		var apiErr *APIError
		var echoErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
			code, errStr, detail = apiErr.Code, apiErr.Err, apiErr.Detail
		case errors.As(err, &echoErr):
			code = echoErr.Code
			errStr = http.StatusText(code)
			detail = fmt.Sprint(echoErr.Message)
		default:
			if sc, e, d, ok := fromSentinel(err); ok {
				code, errStr, detail = sc, e, d
			} else {
				log.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
			}
		}

		envelope := errorEnvelope{
			Error:      errStr,
			Detail:     detail,
			StatusCode: code,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Path:       c.Request().URL.Path,
		}
		if jsonErr := c.JSON(code, envelope); jsonErr != nil {
			log.Error("error response write failed", zap.Error(jsonErr))
		}
	}
}
