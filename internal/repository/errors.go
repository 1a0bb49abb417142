// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as
// handlers to distinguish between different failure scenarios: the HTTP
// boundary translates them into status codes, the WebSocket boundary into
// close codes or error frames.
package repository

import "errors"

// ErrNotFound is returned for an unknown or expired session, connection,
// or user. Handlers translate this into HTTP 404.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when registering a username that is already
// taken. Handlers translate this into HTTP 409.
var ErrConflict = errors.New("conflict")

// ErrForbidden is returned when the caller attempts an operation on a
// resource they do not own. Handlers translate this into HTTP 403.
var ErrForbidden = errors.New("forbidden")

// ErrUnauthorized is returned on credential mismatch or a bad token.
// Handlers translate this into HTTP 401 or WS close 1008.
var ErrUnauthorized = errors.New("unauthorized")
